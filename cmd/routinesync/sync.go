package main

import (
	"fmt"
	gosync "sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	syncpkg "github.com/kimhsiao/routinesync/internal/sync"
)

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued changes now, then refresh",
		Long: `Replay every queued change immediately, ignoring retry backoff and
reviving entries that exhausted their attempts, then refresh from the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.Scheduler.SyncNow(cmd.Context())
			out := cmd.OutOrStdout()
			if partial, ok := apperrors.AsPartialSync(err); ok {
				fmt.Fprintf(out, "%d of %d change(s) failed:\n", len(partial.Failures), partial.Attempted)
				for id, cause := range partial.Failures {
					fmt.Fprintf(out, "  %s: %v\n", id, cause)
				}
				return fmt.Errorf("sync incomplete")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "sync complete")
			return nil
		},
	}
}

func (c *cli) pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List changes waiting to sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			actions, err := a.Coordinator.Queue().Drain(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(actions) == 0 {
				fmt.Fprintln(out, "nothing pending")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tATTEMPTS\tQUEUED\tLAST ERROR")
			for _, pa := range actions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					pa.ID, pa.Op.Kind(), pa.Status, pa.Attempts,
					time.UnixMilli(pa.CreatedAt).Format(time.DateTime), pa.LastError)
			}
			return w.Flush()
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run background sync and print state changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			var (
				mu   gosync.Mutex
				last string
			)
			unsubscribe := a.Coordinator.Subscribe(func(s syncpkg.Snapshot) {
				line := stateLine(s)
				mu.Lock()
				defer mu.Unlock()
				if line == last {
					return
				}
				last = line
				fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.TimeOnly), line)
			})
			defer unsubscribe()

			if err := a.Coordinator.Load(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			<-cmd.Context().Done()
			return nil
		},
	}
}
