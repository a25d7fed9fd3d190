// Package models provides data model definitions for routinesync.
package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Routine is a server-owned parent entity with an ordered list of slots.
type Routine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Semester  string `json:"semester"`
	CreatedAt int64  `json:"created_at"`
	Slots     []Slot `json:"slots"`

	// LocalVersion is the engine's mutation sequence number at the time this
	// routine was last changed locally. Servers never set it.
	LocalVersion uint64 `json:"local_version,omitempty"`
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Routine) CreatedAtTime() time.Time {
	return time.Unix(r.CreatedAt, 0)
}

// Slot is a time slot owned by, and ordered under, a routine.
type Slot struct {
	ID        string `json:"id"`
	RoutineID string `json:"routine_id"`
	Day       int    `json:"day"` // 0 = Sunday .. 6 = Saturday
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Room      string `json:"room,omitempty"`
	CourseID  string `json:"course_id,omitempty"`
	TeacherID string `json:"teacher_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Weekday returns Day as a time.Weekday.
func (s *Slot) Weekday() time.Weekday {
	return time.Weekday(s.Day)
}

// RoutineInput is the payload for creating a routine.
type RoutineInput struct {
	Name     string `json:"name"`
	Semester string `json:"semester"`
}

// Validate checks required fields.
func (in RoutineInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("routine name is required")
	}
	return nil
}

// RoutinePatch is a partial update of a routine. Nil fields are left alone.
type RoutinePatch struct {
	Name     *string `json:"name,omitempty"`
	Semester *string `json:"semester,omitempty"`
}

// Validate checks the fields that are set.
func (p RoutinePatch) Validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("routine name cannot be empty")
	}
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (p RoutinePatch) IsEmpty() bool {
	return p.Name == nil && p.Semester == nil
}

// ApplyPatch applies p to r in place.
func (r *Routine) ApplyPatch(p RoutinePatch) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Semester != nil {
		r.Semester = *p.Semester
	}
}

// SlotInput is the payload for adding a slot to a routine.
type SlotInput struct {
	Day       int    `json:"day"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Room      string `json:"room,omitempty"`
	CourseID  string `json:"course_id,omitempty"`
	TeacherID string `json:"teacher_id,omitempty"`
}

var clockRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func validateDay(day int) error {
	if day < 0 || day > 6 {
		return fmt.Errorf("day must be between 0 and 6, got %d", day)
	}
	return nil
}

func validateClock(field, v string) error {
	if !clockRegex.MatchString(v) {
		return fmt.Errorf("%s must be HH:MM, got %q", field, v)
	}
	return nil
}

// Validate checks day range and the HH:MM window.
func (in SlotInput) Validate() error {
	if err := validateDay(in.Day); err != nil {
		return err
	}
	if err := validateClock("start_time", in.StartTime); err != nil {
		return err
	}
	if err := validateClock("end_time", in.EndTime); err != nil {
		return err
	}
	// HH:MM compares lexically
	if in.StartTime >= in.EndTime {
		return fmt.Errorf("start_time %s must be before end_time %s", in.StartTime, in.EndTime)
	}
	return nil
}

// SlotPatch is a partial update of a slot. Nil fields are left alone.
type SlotPatch struct {
	Day       *int    `json:"day,omitempty"`
	StartTime *string `json:"start_time,omitempty"`
	EndTime   *string `json:"end_time,omitempty"`
	Room      *string `json:"room,omitempty"`
	CourseID  *string `json:"course_id,omitempty"`
	TeacherID *string `json:"teacher_id,omitempty"`
}

// Validate checks the fields that are set.
func (p SlotPatch) Validate() error {
	if p.Day != nil {
		if err := validateDay(*p.Day); err != nil {
			return err
		}
	}
	if p.StartTime != nil {
		if err := validateClock("start_time", *p.StartTime); err != nil {
			return err
		}
	}
	if p.EndTime != nil {
		if err := validateClock("end_time", *p.EndTime); err != nil {
			return err
		}
	}
	return nil
}

// ApplyPatch applies p to s in place.
func (s *Slot) ApplyPatch(p SlotPatch) {
	if p.Day != nil {
		s.Day = *p.Day
	}
	if p.StartTime != nil {
		s.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		s.EndTime = *p.EndTime
	}
	if p.Room != nil {
		s.Room = *p.Room
	}
	if p.CourseID != nil {
		s.CourseID = *p.CourseID
	}
	if p.TeacherID != nil {
		s.TeacherID = *p.TeacherID
	}
}

// NewSlot builds a slot for routineID from in.
func NewSlot(id, routineID string, in SlotInput, createdAt int64) Slot {
	return Slot{
		ID:        id,
		RoutineID: routineID,
		Day:       in.Day,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		Room:      in.Room,
		CourseID:  in.CourseID,
		TeacherID: in.TeacherID,
		CreatedAt: createdAt,
	}
}
