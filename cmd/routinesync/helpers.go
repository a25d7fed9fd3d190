package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kimhsiao/routinesync/internal/models"
	syncpkg "github.com/kimhsiao/routinesync/internal/sync"
)

var dayAbbrev = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// parseDay accepts 0-6 (Sunday first) or a weekday name or prefix of at
// least three letters.
func parseDay(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("day must be between 0 and 6, got %d", n)
		}
		return n, nil
	}
	if len(s) >= 3 {
		for i, d := range dayAbbrev {
			if strings.HasPrefix(s, d) {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unknown day %q", s)
}

func dayName(day int) string {
	if day < 0 || day > 6 {
		return "?"
	}
	return strings.ToUpper(dayAbbrev[day][:1]) + dayAbbrev[day][1:]
}

func queuedNote(pending int) string {
	if pending == 0 {
		return ""
	}
	return fmt.Sprintf(" (%d change(s) queued)", pending)
}

func printRoutines(w io.Writer, routines []models.Routine) {
	if len(routines) == 0 {
		fmt.Fprintln(w, "no routines")
		return
	}
	for _, r := range routines {
		fmt.Fprintf(w, "%s  %s", r.ID, r.Name)
		if r.Semester != "" {
			fmt.Fprintf(w, " [%s]", r.Semester)
		}
		fmt.Fprintln(w)
		for _, s := range r.Slots {
			fmt.Fprintf(w, "    %s  %s %s-%s", s.ID, dayName(s.Day), s.StartTime, s.EndTime)
			if s.Room != "" {
				fmt.Fprintf(w, "  room %s", s.Room)
			}
			if s.CourseID != "" {
				fmt.Fprintf(w, "  course %s", s.CourseID)
			}
			fmt.Fprintln(w)
		}
	}
}

func stateLine(s syncpkg.Snapshot) string {
	status := "online"
	if s.IsOffline {
		status = "offline"
	}
	line := fmt.Sprintf("%s routines=%d pending=%d", status, len(s.Collection.Routines), s.PendingCount)
	if s.IsLoading {
		line += " loading"
	}
	if s.LastError != nil {
		line += " warning=" + s.LastError.Error()
	}
	return line
}
