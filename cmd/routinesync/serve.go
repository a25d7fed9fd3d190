package main

import (
	"github.com/spf13/cobra"

	"github.com/kimhsiao/routinesync/internal/remote"
	"github.com/kimhsiao/routinesync/internal/remote/server"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory development server with REST and WebSocket push",
		Long: `Run the development routine service. Data lives in memory and is lost
on exit. Point remote.base_url at it to try offline and realtime sync:

  routinesync serve --addr :8080
  ROUTINESYNC_REMOTE_BASE_URL=http://localhost:8080 routinesync watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") {
				addr = cfg.Server.Addr
			}

			srv := server.New(remote.NewMemoryService())
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
