// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"reflect"
	"testing"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// TestRoutineInput_Validate verifies required fields.
func TestRoutineInput_Validate(t *testing.T) {
	if err := (RoutineInput{Name: "Fall Schedule"}).Validate(); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	if err := (RoutineInput{Name: "  "}).Validate(); err == nil {
		t.Error("blank name accepted")
	}
}

// TestSlotInput_Validate verifies day and time window checks.
func TestSlotInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		in      SlotInput
		wantErr bool
	}{
		{"valid", SlotInput{Day: 1, StartTime: "08:00", EndTime: "09:30"}, false},
		{"day too large", SlotInput{Day: 7, StartTime: "08:00", EndTime: "09:00"}, true},
		{"negative day", SlotInput{Day: -1, StartTime: "08:00", EndTime: "09:00"}, true},
		{"bad clock", SlotInput{Day: 1, StartTime: "8:00", EndTime: "09:00"}, true},
		{"hour out of range", SlotInput{Day: 1, StartTime: "08:00", EndTime: "24:00"}, true},
		{"reversed window", SlotInput{Day: 1, StartTime: "10:00", EndTime: "09:00"}, true},
		{"empty window", SlotInput{Day: 1, StartTime: "10:00", EndTime: "10:00"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestPatches verifies partial updates only touch set fields.
func TestPatches(t *testing.T) {
	r := Routine{ID: "r1", Name: "Old", Semester: "Fall"}
	r.ApplyPatch(RoutinePatch{Name: strPtr("New")})
	if r.Name != "New" || r.Semester != "Fall" {
		t.Errorf("routine patch result = %+v", r)
	}

	s := Slot{ID: "s1", Day: 1, StartTime: "08:00", EndTime: "09:00", Room: "A1"}
	s.ApplyPatch(SlotPatch{Day: intPtr(3), Room: strPtr("")})
	if s.Day != 3 || s.Room != "" || s.StartTime != "08:00" {
		t.Errorf("slot patch result = %+v", s)
	}

	if !(RoutinePatch{}).IsEmpty() {
		t.Error("empty patch should report IsEmpty")
	}
	if err := (RoutinePatch{Name: strPtr("")}).Validate(); err == nil {
		t.Error("empty name patch accepted")
	}
	if err := (SlotPatch{Day: intPtr(9)}).Validate(); err == nil {
		t.Error("invalid day patch accepted")
	}
}

// TestCollection_Operations verifies ordering helpers.
func TestCollection_Operations(t *testing.T) {
	var c Collection
	c.Prepend(Routine{ID: "a"})
	c.Prepend(Routine{ID: "b"})

	if c.Routines[0].ID != "b" || c.Routines[1].ID != "a" {
		t.Fatalf("Prepend order wrong: %+v", c.Routines)
	}
	if c.Find("a") == nil || c.Find("zzz") != nil {
		t.Error("Find mismatch")
	}
	if !c.Remove("b") || c.Remove("b") {
		t.Error("Remove should succeed once")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

// TestCollection_CloneIsDeep verifies clones do not share slot storage.
func TestCollection_CloneIsDeep(t *testing.T) {
	c := Collection{Routines: []Routine{{ID: "r", Slots: []Slot{{ID: "s", Room: "A"}}}}}
	clone := c.Clone()
	clone.Routines[0].Slots[0].Room = "B"
	clone.Routines[0].Name = "changed"

	if c.Routines[0].Slots[0].Room != "A" || c.Routines[0].Name != "" {
		t.Error("Clone shares storage with original")
	}
}

// TestCollection_RenameID verifies temporary id reconciliation.
func TestCollection_RenameID(t *testing.T) {
	c := Collection{Routines: []Routine{{
		ID: "tmp-1",
		Slots: []Slot{
			{ID: "tmp-2", RoutineID: "tmp-1"},
			{ID: "s3", RoutineID: "tmp-1"},
		},
	}}}

	if !c.RenameID("tmp-1", "r1") {
		t.Fatal("RenameID reported no change")
	}
	r := c.Routines[0]
	if r.ID != "r1" || r.Slots[0].RoutineID != "r1" || r.Slots[1].RoutineID != "r1" {
		t.Errorf("parent id not rewritten: %+v", r)
	}
	if r.Slots[0].ID != "tmp-2" {
		t.Error("unrelated id rewritten")
	}

	c.RenameID("tmp-2", "s2")
	if c.Routines[0].Slots[0].ID != "s2" {
		t.Error("slot id not rewritten")
	}
	if c.RenameID("missing", "x") {
		t.Error("RenameID reported change for unknown id")
	}
}

// TestPendingAction_JSON verifies the tagged encoding for every kind.
func TestPendingAction_JSON(t *testing.T) {
	ops := []Action{
		CreateRoutine{TempID: "tmp-1", Input: RoutineInput{Name: "Fall", Semester: "2026F"}},
		UpdateRoutine{RoutineID: "r1", Patch: RoutinePatch{Name: strPtr("Spring")}},
		DeleteRoutine{RoutineID: "r1"},
		AddSlot{RoutineID: "r1", TempID: "tmp-2", Input: SlotInput{Day: 2, StartTime: "10:00", EndTime: "11:00", Room: "B2"}},
		UpdateSlot{RoutineID: "r1", SlotID: "s1", Patch: SlotPatch{EndTime: strPtr("12:00")}},
		DeleteSlot{RoutineID: "r1", SlotID: "s1"},
	}

	for _, op := range ops {
		t.Run(string(op.Kind()), func(t *testing.T) {
			in := PendingAction{
				ID:             "a1",
				Seq:            7,
				IdempotencyKey: "rs-key",
				Op:             op,
				Status:         PendingStatusPending,
				CreatedAt:      100,
			}
			data, err := json.Marshal(in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}

			var probe map[string]interface{}
			_ = json.Unmarshal(data, &probe)
			if probe["kind"] != string(op.Kind()) {
				t.Errorf("kind = %v, want %s", probe["kind"], op.Kind())
			}

			var out PendingAction
			if err := json.Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(in, out) {
				t.Errorf("decoded = %+v, want %+v", out, in)
			}
		})
	}
}

// TestDecodeAction_unknownKind verifies unknown kinds are rejected.
func TestDecodeAction_unknownKind(t *testing.T) {
	if _, err := DecodeAction("rename-everything", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := json.Marshal(PendingAction{ID: "x"}); err == nil {
		t.Error("expected error marshaling action without operation")
	}
}

// TestEntityIDs verifies slot actions are keyed by their routine too.
func TestEntityIDs(t *testing.T) {
	ids := UpdateSlot{RoutineID: "r", SlotID: "s"}.EntityIDs()
	if !reflect.DeepEqual(ids, []string{"r", "s"}) {
		t.Errorf("EntityIDs = %v", ids)
	}
}
