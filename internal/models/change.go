package models

// Change event types broadcast by the remote service.
const (
	EventRoutineCreated = "routine.created"
	EventRoutineUpdated = "routine.updated"
	EventRoutineDeleted = "routine.deleted"
	EventSlotCreated    = "slot.created"
	EventSlotUpdated    = "slot.updated"
	EventSlotDeleted    = "slot.deleted"
)

// ChangeEvent announces that server state changed. It carries no payload
// beyond ids; receivers re-fetch.
type ChangeEvent struct {
	Type      string `json:"type"`
	RoutineID string `json:"routine_id,omitempty"`
	SlotID    string `json:"slot_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
