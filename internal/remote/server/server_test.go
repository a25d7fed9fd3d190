package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/models"
	"github.com/kimhsiao/routinesync/internal/remote"
)

func newTestServer(t *testing.T) (*remote.MemoryService, *Server, *httptest.Server) {
	t.Helper()
	svc := remote.NewMemoryService()
	srv := New(svc)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return svc, srv, ts
}

func TestRESTRoundTrip(t *testing.T) {
	svc, _, ts := newTestServer(t)
	client := remote.NewHTTPService(remote.HTTPConfig{BaseURL: ts.URL})
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	r, err := client.CreateRoutine(ctx, "k1", models.RoutineInput{Name: "Fall Schedule", Semester: "2026-fall"})
	if err != nil {
		t.Fatalf("CreateRoutine() error = %v", err)
	}
	if r.ID == "" || r.Name != "Fall Schedule" {
		t.Fatalf("CreateRoutine() = %+v", r)
	}

	// same key replays the original result
	again, err := client.CreateRoutine(ctx, "k1", models.RoutineInput{Name: "Fall Schedule"})
	if err != nil || again.ID != r.ID {
		t.Fatalf("replayed CreateRoutine() = %+v, %v", again, err)
	}

	name := "Fall 2026"
	if _, err := client.UpdateRoutine(ctx, "k2", r.ID, models.RoutinePatch{Name: &name}); err != nil {
		t.Fatalf("UpdateRoutine() error = %v", err)
	}

	slot, err := client.AddSlot(ctx, "k3", r.ID, models.SlotInput{Day: 1, StartTime: "09:00", EndTime: "10:30", Room: "B12"})
	if err != nil {
		t.Fatalf("AddSlot() error = %v", err)
	}
	end := "11:00"
	if _, err := client.UpdateSlot(ctx, "k4", r.ID, slot.ID, models.SlotPatch{EndTime: &end}); err != nil {
		t.Fatalf("UpdateSlot() error = %v", err)
	}

	col, err := client.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if col.Len() != 1 || col.Routines[0].Name != "Fall 2026" {
		t.Fatalf("FetchAll() = %+v", col)
	}
	if s := col.Routines[0].Slots; len(s) != 1 || s[0].EndTime != "11:00" || s[0].Room != "B12" {
		t.Errorf("slots = %+v", s)
	}

	if err := client.DeleteSlot(ctx, "k5", r.ID, slot.ID); err != nil {
		t.Fatalf("DeleteSlot() error = %v", err)
	}
	if err := client.DeleteRoutine(ctx, "k6", r.ID); err != nil {
		t.Fatalf("DeleteRoutine() error = %v", err)
	}
	if n := svc.Snapshot().Len(); n != 0 {
		t.Errorf("server has %d routines after delete, want 0", n)
	}
}

func TestRESTErrors(t *testing.T) {
	svc, _, ts := newTestServer(t)
	client := remote.NewHTTPService(remote.HTTPConfig{BaseURL: ts.URL})
	ctx := context.Background()

	_, err := client.CreateRoutine(ctx, "k1", models.RoutineInput{Name: "  "})
	if !apperrors.Is(err, apperrors.ErrRemoteRejected) || remote.IsNotFound(err) {
		t.Errorf("blank name error = %v, want REMOTE_REJECTED", err)
	}

	err = client.DeleteRoutine(ctx, "k2", "missing")
	if !remote.IsNotFound(err) {
		t.Errorf("delete missing error = %v, want not found", err)
	}

	svc.SetOffline(true)
	if err := client.Ping(ctx); !apperrors.Is(err, apperrors.ErrNetworkUnavailable) {
		t.Errorf("Ping() against unavailable backend = %v, want NETWORK_UNAVAILABLE", err)
	}
}

func TestRESTMalformedBody(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/routines", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	var body remote.Response
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Code != string(apperrors.ErrInvalid) {
		t.Errorf("code = %q, want %s", body.Code, apperrors.ErrInvalid)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	svc, srv, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	r, err := svc.CreateRoutine(context.Background(), "k1", models.RoutineInput{Name: "Fall"})
	if err != nil {
		t.Fatalf("CreateRoutine() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if env.Type != models.EventRoutineCreated {
		t.Errorf("type = %s, want %s", env.Type, models.EventRoutineCreated)
	}
	if env.Data["routine_id"] != r.ID {
		t.Errorf("routine_id = %v, want %s", env.Data["routine_id"], r.ID)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	_, srv, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed after hub Close")
	}
}
