// Command routinesync manages routines and their time slots against a
// remote service, queueing edits locally while the service is unreachable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/routinesync/internal/app"
	"github.com/kimhsiao/routinesync/internal/config"
)

// Version is set at build time.
var Version = "dev"

type cli struct {
	configPath string
	offline    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "routinesync",
		Short:         "Offline-first routine and slot sync client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ./routinesync.toml or the user config dir)")
	rootCmd.PersistentFlags().BoolVar(&c.offline, "offline", false, "never contact the remote service; queue every change")

	rootCmd.AddCommand(c.listCmd())
	rootCmd.AddCommand(c.createCmd())
	rootCmd.AddCommand(c.renameCmd())
	rootCmd.AddCommand(c.deleteCmd())
	rootCmd.AddCommand(c.slotCmd())
	rootCmd.AddCommand(c.syncCmd())
	rootCmd.AddCommand(c.pendingCmd())
	rootCmd.AddCommand(c.watchCmd())
	rootCmd.AddCommand(c.exportCmd())
	rootCmd.AddCommand(c.serveCmd())
	rootCmd.AddCommand(c.configCmd())

	return rootCmd
}

func (c *cli) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := app.InitLogging(cfg.Log, cmd.ErrOrStderr()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp loads config and starts an App. The caller must Close it.
func (c *cli) openApp(cmd *cobra.Command, background bool) (*app.App, error) {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	// one-shot commands never need a push channel
	if !background {
		cfg.Sync.Realtime = false
	}

	a, err := app.New(cmd.Context(), cfg, app.Options{Offline: c.offline, Background: background})
	if err != nil {
		return nil, err
	}
	if err := a.Start(cmd.Context()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
