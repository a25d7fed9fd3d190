// Package remote defines the remote data service the sync engine talks to,
// with an HTTP client and an in-memory reference implementation.
package remote

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/models"
)

// Service is the server-side source of truth for routines and slots.
//
// Every mutating call carries a client-generated idempotency key. A server
// that has already applied a call with the same key returns the original
// result without applying it again, which makes queue replay safe to
// repeat after a crash.
//
// Errors are NETWORK_UNAVAILABLE (transport failures, timeouts, transient
// server errors) or REMOTE_REJECTED (the server refused the request).
type Service interface {
	FetchAll(ctx context.Context) (models.Collection, error)

	CreateRoutine(ctx context.Context, key string, in models.RoutineInput) (models.Routine, error)
	UpdateRoutine(ctx context.Context, key, routineID string, patch models.RoutinePatch) (models.Routine, error)
	DeleteRoutine(ctx context.Context, key, routineID string) error

	AddSlot(ctx context.Context, key, routineID string, in models.SlotInput) (models.Slot, error)
	UpdateSlot(ctx context.Context, key, routineID, slotID string, patch models.SlotPatch) (models.Slot, error)
	DeleteSlot(ctx context.Context, key, routineID, slotID string) error

	// Ping checks reachability without touching data.
	Ping(ctx context.Context) error
}

// Response is the JSON envelope used by the REST API.
type Response struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// CodeOK is the Response code of a successful call.
const CodeOK = "OK"

// IdempotencyHeader carries the idempotency key of a mutating request.
const IdempotencyHeader = "Idempotency-Key"

// RejectedError describes a request the server refused.
type RejectedError struct {
	Status  int
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected request (%d %s): %s", e.Status, e.Code, e.Message)
}

// Rejected returns a REMOTE_REJECTED error carrying the server's reason.
func Rejected(status int, code, message string) error {
	return apperrors.Wrap(apperrors.ErrRemoteRejected, message, &RejectedError{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// Unavailable returns a NETWORK_UNAVAILABLE error.
func Unavailable(message string, err error) error {
	return apperrors.Wrap(apperrors.ErrNetworkUnavailable, message, err)
}

// IsNotFound reports whether err is a rejection because the target entity
// does not exist on the server.
func IsNotFound(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej) && rej.Status == 404
}
