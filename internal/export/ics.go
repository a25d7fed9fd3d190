package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/models"
)

const productID = "-//routinesync//routine export//EN"

var byDay = [7]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// ICSOptions controls calendar generation.
type ICSOptions struct {
	// Anchor is any instant in the week the recurrences start.
	Anchor time.Time
	// Location interprets slot clock times. Defaults to time.Local.
	Location *time.Location
}

// WriteICS writes one weekly recurring VEVENT per slot. Each event's first
// occurrence is the slot's weekday on or after the anchor date.
func WriteICS(w io.Writer, routines []models.Routine, opts ICSOptions) error {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	anchor := opts.Anchor.In(loc)
	day := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, loc)

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(productID)

	for _, r := range routines {
		for _, s := range r.Slots {
			start, end, err := slotWindow(day, s, loc)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrExportFailed,
					fmt.Sprintf("slot %s of routine %s", s.ID, r.ID), err)
			}

			evt := cal.AddEvent(s.ID + "@routinesync")
			evt.SetDtStampTime(opts.Anchor.UTC())
			evt.SetStartAt(start)
			evt.SetEndAt(end)
			evt.SetSummary(summary(r, s))
			if s.Room != "" {
				evt.SetLocation(s.Room)
			}
			if desc := description(r, s); desc != "" {
				evt.SetDescription(desc)
			}
			evt.SetProperty(ics.ComponentPropertyRrule, "FREQ=WEEKLY;BYDAY="+byDay[s.Day])
		}
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to write calendar", err)
	}
	return nil
}

func slotWindow(weekStart time.Time, s models.Slot, loc *time.Location) (time.Time, time.Time, error) {
	if s.Day < 0 || s.Day > 6 {
		return time.Time{}, time.Time{}, fmt.Errorf("day %d out of range", s.Day)
	}
	offset := (s.Day - int(weekStart.Weekday()) + 7) % 7
	date := weekStart.AddDate(0, 0, offset)

	start, err := atClock(date, s.StartTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := atClock(date, s.EndTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func atClock(date time.Time, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid clock time %q", clock)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

func summary(r models.Routine, s models.Slot) string {
	if s.CourseID != "" {
		return fmt.Sprintf("%s: %s", r.Name, s.CourseID)
	}
	return r.Name
}

func description(r models.Routine, s models.Slot) string {
	var parts []string
	if r.Semester != "" {
		parts = append(parts, "Semester: "+r.Semester)
	}
	if s.TeacherID != "" {
		parts = append(parts, "Teacher: "+s.TeacherID)
	}
	return strings.Join(parts, "\n")
}
