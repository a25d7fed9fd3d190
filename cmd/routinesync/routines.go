package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/models"
)

func (c *cli) listCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Refresh from the server and list routines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			// a failed refresh still leaves cached data to show
			if err := a.Coordinator.Load(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			state := a.Coordinator.State()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(state.Collection.Routines)
			}
			printRoutines(cmd.OutOrStdout(), state.Collection.Routines)
			if state.PendingCount > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d change(s) waiting to sync\n", state.PendingCount)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func (c *cli) createCmd() *cobra.Command {
	var semester string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a routine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.Coordinator.CreateRoutine(cmd.Context(), models.RoutineInput{Name: args[0], Semester: semester})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %q%s\n", r.ID, r.Name, queuedNote(a.Coordinator.State().PendingCount))
			return nil
		},
	}

	cmd.Flags().StringVarP(&semester, "semester", "s", "", "semester label")
	return cmd
}

func (c *cli) renameCmd() *cobra.Command {
	var semester string

	cmd := &cobra.Command{
		Use:   "rename ROUTINE_ID NAME",
		Short: "Rename a routine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			name := args[1]
			patch := models.RoutinePatch{Name: &name}
			if cmd.Flags().Changed("semester") {
				patch.Semester = &semester
			}
			r, err := a.Coordinator.UpdateRoutine(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s %q%s\n", r.ID, r.Name, queuedNote(a.Coordinator.State().PendingCount))
			return nil
		},
	}

	cmd.Flags().StringVarP(&semester, "semester", "s", "", "new semester label")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ROUTINE_ID",
		Short: "Delete a routine and its slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Coordinator.DeleteRoutine(cmd.Context(), args[0]); err != nil {
				if apperrors.Is(err, apperrors.ErrNotFound) {
					return fmt.Errorf("no routine with id %s", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s%s\n", args[0], queuedNote(a.Coordinator.State().PendingCount))
			return nil
		},
	}
}
