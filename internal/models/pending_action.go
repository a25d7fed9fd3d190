package models

import (
	"encoding/json"
	"fmt"
)

// ActionKind discriminates the operations a PendingAction can carry.
type ActionKind string

const (
	KindCreateRoutine ActionKind = "create-routine"
	KindUpdateRoutine ActionKind = "update-routine"
	KindDeleteRoutine ActionKind = "delete-routine"
	KindAddSlot       ActionKind = "add-slot"
	KindUpdateSlot    ActionKind = "update-slot"
	KindDeleteSlot    ActionKind = "delete-slot"
)

// Action is one queued mutation. The set of implementations is closed; code
// that replays actions switches over the concrete types below.
type Action interface {
	Kind() ActionKind
	// EntityIDs lists every routine or slot id the action touches, so that
	// actions on the same entity can be kept in issue order.
	EntityIDs() []string
	isAction()
}

// CreateRoutine creates a routine. TempID is the local id to reconcile with
// the server-assigned one; it is never sent to the server.
type CreateRoutine struct {
	TempID string       `json:"temp_id"`
	Input  RoutineInput `json:"input"`
}

// UpdateRoutine applies a partial update to a routine.
type UpdateRoutine struct {
	RoutineID string       `json:"routine_id"`
	Patch     RoutinePatch `json:"patch"`
}

// DeleteRoutine deletes a routine and its slots.
type DeleteRoutine struct {
	RoutineID string `json:"routine_id"`
}

// AddSlot appends a slot to a routine.
type AddSlot struct {
	RoutineID string    `json:"routine_id"`
	TempID    string    `json:"temp_id"`
	Input     SlotInput `json:"input"`
}

// UpdateSlot applies a partial update to a slot.
type UpdateSlot struct {
	RoutineID string    `json:"routine_id"`
	SlotID    string    `json:"slot_id"`
	Patch     SlotPatch `json:"patch"`
}

// DeleteSlot removes a slot from a routine.
type DeleteSlot struct {
	RoutineID string `json:"routine_id"`
	SlotID    string `json:"slot_id"`
}

func (CreateRoutine) Kind() ActionKind { return KindCreateRoutine }
func (UpdateRoutine) Kind() ActionKind { return KindUpdateRoutine }
func (DeleteRoutine) Kind() ActionKind { return KindDeleteRoutine }
func (AddSlot) Kind() ActionKind       { return KindAddSlot }
func (UpdateSlot) Kind() ActionKind    { return KindUpdateSlot }
func (DeleteSlot) Kind() ActionKind    { return KindDeleteSlot }

func (a CreateRoutine) EntityIDs() []string { return []string{a.TempID} }
func (a UpdateRoutine) EntityIDs() []string { return []string{a.RoutineID} }
func (a DeleteRoutine) EntityIDs() []string { return []string{a.RoutineID} }
func (a AddSlot) EntityIDs() []string       { return []string{a.RoutineID, a.TempID} }
func (a UpdateSlot) EntityIDs() []string    { return []string{a.RoutineID, a.SlotID} }
func (a DeleteSlot) EntityIDs() []string    { return []string{a.RoutineID, a.SlotID} }

func (CreateRoutine) isAction() {}
func (UpdateRoutine) isAction() {}
func (DeleteRoutine) isAction() {}
func (AddSlot) isAction()       {}
func (UpdateSlot) isAction()    {}
func (DeleteSlot) isAction()    {}

// PendingStatus is the replay status of a queued action.
type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusExhausted PendingStatus = "exhausted"
)

// PendingAction is a durable record of a mutation awaiting remote
// confirmation. NextAttemptAt and CreatedAt are Unix milliseconds.
type PendingAction struct {
	ID             string        `json:"id"`
	Seq            uint64        `json:"seq"`
	IdempotencyKey string        `json:"idempotency_key"`
	Op             Action        `json:"-"`
	Status         PendingStatus `json:"status"`
	Attempts       int           `json:"attempts"`
	NextAttemptAt  int64         `json:"next_attempt_at"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      int64         `json:"created_at"`
}

type pendingActionJSON struct {
	ID             string          `json:"id"`
	Seq            uint64          `json:"seq"`
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           ActionKind      `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         PendingStatus   `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  int64           `json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      int64           `json:"created_at"`
}

// MarshalJSON encodes the action as {"kind": ..., "payload": ...}.
func (p PendingAction) MarshalJSON() ([]byte, error) {
	if p.Op == nil {
		return nil, fmt.Errorf("pending action %s has no operation", p.ID)
	}
	payload, err := json.Marshal(p.Op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pendingActionJSON{
		ID:             p.ID,
		Seq:            p.Seq,
		IdempotencyKey: p.IdempotencyKey,
		Kind:           p.Op.Kind(),
		Payload:        payload,
		Status:         p.Status,
		Attempts:       p.Attempts,
		NextAttemptAt:  p.NextAttemptAt,
		LastError:      p.LastError,
		CreatedAt:      p.CreatedAt,
	})
}

// UnmarshalJSON decodes the tagged payload into its concrete type.
func (p *PendingAction) UnmarshalJSON(data []byte) error {
	var raw pendingActionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op, err := DecodeAction(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*p = PendingAction{
		ID:             raw.ID,
		Seq:            raw.Seq,
		IdempotencyKey: raw.IdempotencyKey,
		Op:             op,
		Status:         raw.Status,
		Attempts:       raw.Attempts,
		NextAttemptAt:  raw.NextAttemptAt,
		LastError:      raw.LastError,
		CreatedAt:      raw.CreatedAt,
	}
	return nil
}

// DecodeAction decodes payload as the concrete action named by kind.
func DecodeAction(kind ActionKind, payload []byte) (Action, error) {
	switch kind {
	case KindCreateRoutine:
		var a CreateRoutine
		err := json.Unmarshal(payload, &a)
		return a, err
	case KindUpdateRoutine:
		var a UpdateRoutine
		err := json.Unmarshal(payload, &a)
		return a, err
	case KindDeleteRoutine:
		var a DeleteRoutine
		err := json.Unmarshal(payload, &a)
		return a, err
	case KindAddSlot:
		var a AddSlot
		err := json.Unmarshal(payload, &a)
		return a, err
	case KindUpdateSlot:
		var a UpdateSlot
		err := json.Unmarshal(payload, &a)
		return a, err
	case KindDeleteSlot:
		var a DeleteSlot
		err := json.Unmarshal(payload, &a)
		return a, err
	}
	return nil, fmt.Errorf("unknown action kind %q", kind)
}
