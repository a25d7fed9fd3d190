package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/routinesync/internal/export"
)

func (c *cli) exportCmd() *cobra.Command {
	var (
		format  string
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "export PATH",
		Short: "Export routines as an iCalendar feed or XLSX workbook",
		Long: `Export the local routine collection.

Examples:
  routinesync export timetable.ics
  routinesync export timetable.xlsx
  routinesync export out.dat --format ics`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &export.ExportConfig{OutputPath: args[0]}
			if format != "" {
				f, err := export.ParseFormat(format)
				if err != nil {
					return err
				}
				cfg.Format = f
			}

			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if refresh {
				if err := a.Coordinator.Load(cmd.Context()); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
				}
			}

			res, err := a.Exports.Export(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %d routines, %d slots, %d bytes)\n",
				res.FilePath, res.Format, res.RoutineCount, res.SlotCount, res.SizeBytes)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "ics or xlsx (default from the file extension)")
	cmd.Flags().BoolVar(&refresh, "refresh", true, "refresh from the server before exporting")
	return cmd
}
