package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/routinesync/internal/models"
)

type slotFlags struct {
	day     string
	start   string
	end     string
	room    string
	course  string
	teacher string
}

func (f *slotFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.day, "day", "d", "", "weekday: 0-6 or sun..sat")
	cmd.Flags().StringVar(&f.start, "start", "", "start time HH:MM")
	cmd.Flags().StringVar(&f.end, "end", "", "end time HH:MM")
	cmd.Flags().StringVar(&f.room, "room", "", "room")
	cmd.Flags().StringVar(&f.course, "course", "", "course id")
	cmd.Flags().StringVar(&f.teacher, "teacher", "", "teacher id")
}

func (f *slotFlags) input() (models.SlotInput, error) {
	day, err := parseDay(f.day)
	if err != nil {
		return models.SlotInput{}, err
	}
	return models.SlotInput{
		Day:       day,
		StartTime: f.start,
		EndTime:   f.end,
		Room:      f.room,
		CourseID:  f.course,
		TeacherID: f.teacher,
	}, nil
}

// patch sets only the flags given on the command line.
func (f *slotFlags) patch(cmd *cobra.Command) (models.SlotPatch, error) {
	var p models.SlotPatch
	changed := cmd.Flags().Changed

	if changed("day") {
		day, err := parseDay(f.day)
		if err != nil {
			return p, err
		}
		p.Day = &day
	}
	if changed("start") {
		p.StartTime = &f.start
	}
	if changed("end") {
		p.EndTime = &f.end
	}
	if changed("room") {
		p.Room = &f.room
	}
	if changed("course") {
		p.CourseID = &f.course
	}
	if changed("teacher") {
		p.TeacherID = &f.teacher
	}
	return p, nil
}

func (c *cli) slotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Manage the time slots of a routine",
	}
	cmd.AddCommand(c.slotAddCmd())
	cmd.AddCommand(c.slotUpdateCmd())
	cmd.AddCommand(c.slotDeleteCmd())
	return cmd
}

func (c *cli) slotAddCmd() *cobra.Command {
	var f slotFlags

	cmd := &cobra.Command{
		Use:   "add ROUTINE_ID",
		Short: "Append a slot to a routine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := f.input()
			if err != nil {
				return err
			}

			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.Coordinator.AddSlot(cmd.Context(), args[0], in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added slot %s (%s %s-%s)%s\n",
				s.ID, dayName(s.Day), s.StartTime, s.EndTime, queuedNote(a.Coordinator.State().PendingCount))
			return nil
		},
	}

	f.register(cmd)
	_ = cmd.MarkFlagRequired("day")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func (c *cli) slotUpdateCmd() *cobra.Command {
	var f slotFlags

	cmd := &cobra.Command{
		Use:   "update ROUTINE_ID SLOT_ID",
		Short: "Change fields of a slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := f.patch(cmd)
			if err != nil {
				return err
			}

			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.Coordinator.UpdateSlot(cmd.Context(), args[0], args[1], patch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated slot %s (%s %s-%s)%s\n",
				s.ID, dayName(s.Day), s.StartTime, s.EndTime, queuedNote(a.Coordinator.State().PendingCount))
			return nil
		},
	}

	f.register(cmd)
	return cmd
}

func (c *cli) slotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ROUTINE_ID SLOT_ID",
		Short: "Remove a slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Coordinator.DeleteSlot(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted slot %s%s\n", args[1], queuedNote(a.Coordinator.State().PendingCount))
			return nil
		},
	}
}
