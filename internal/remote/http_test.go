package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/models"
)

func TestHTTPService_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode apperrors.ErrorCode
		notFound bool
	}{
		{"bad request", 400, `{"code":"INVALID_INPUT","message":"name is required"}`, apperrors.ErrRemoteRejected, false},
		{"not found", 404, `{"code":"NOT_FOUND","message":"routine x not found"}`, apperrors.ErrRemoteRejected, true},
		{"plain text 409", 409, `conflict`, apperrors.ErrRemoteRejected, false},
		{"rate limited", 429, ``, apperrors.ErrNetworkUnavailable, false},
		{"server error", 503, `{"code":"INTERNAL_ERROR"}`, apperrors.ErrNetworkUnavailable, false},
		{"garbage 200", 200, `not json`, apperrors.ErrRemoteRejected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			svc := NewHTTPService(HTTPConfig{BaseURL: ts.URL})
			_, err := svc.UpdateRoutine(context.Background(), "k", "x", models.RoutinePatch{})
			if !apperrors.Is(err, tt.wantCode) {
				t.Fatalf("error = %v, want %s", err, tt.wantCode)
			}
			if IsNotFound(err) != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", IsNotFound(err), tt.notFound)
			}
		})
	}
}

func TestHTTPService_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	svc := NewHTTPService(HTTPConfig{BaseURL: url, Timeout: time.Second})
	if err := svc.Ping(context.Background()); !apperrors.Is(err, apperrors.ErrNetworkUnavailable) {
		t.Errorf("Ping() error = %v, want NETWORK_UNAVAILABLE", err)
	}
}

func TestHTTPService_SendsIdempotencyKey(t *testing.T) {
	var gotKey, gotMethod, gotPath string
	var gotBody models.SlotInput

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyHeader)
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Response{Code: CodeOK, Data: models.Slot{ID: "s1", RoutineID: "r 1", Day: 2}})
	}))
	defer ts.Close()

	svc := NewHTTPService(HTTPConfig{BaseURL: ts.URL + "/"})
	slot, err := svc.AddSlot(context.Background(), "rs-abc", "r 1", models.SlotInput{Day: 2, StartTime: "09:00", EndTime: "10:00"})
	if err != nil {
		t.Fatalf("AddSlot() error = %v", err)
	}
	if gotKey != "rs-abc" {
		t.Errorf("Idempotency-Key = %q, want rs-abc", gotKey)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/routines/r%201/slots" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotBody.StartTime != "09:00" {
		t.Errorf("body start_time = %q", gotBody.StartTime)
	}
	if slot.ID != "s1" || slot.Day != 2 {
		t.Errorf("slot = %+v", slot)
	}
}

func TestHTTPService_FetchAllEmpty(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Code: CodeOK, Data: []models.Routine{}})
	}))
	defer ts.Close()

	col, err := NewHTTPService(HTTPConfig{BaseURL: ts.URL}).FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if col.Routines == nil || col.Len() != 0 {
		t.Errorf("FetchAll() = %+v, want empty non-nil", col)
	}
}
