// Package sync provides tests for the sync coordinator.
package sync

import (
	"context"
	"errors"
	"reflect"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/models"
	"github.com/kimhsiao/routinesync/internal/remote"
	"github.com/kimhsiao/routinesync/internal/storage"
	"github.com/kimhsiao/routinesync/internal/sync/cache"
	"github.com/kimhsiao/routinesync/internal/sync/connectivity"
	"github.com/kimhsiao/routinesync/internal/sync/queue"
	"github.com/kimhsiao/routinesync/internal/uuid"
)

type harness struct {
	t       *testing.T
	ctx     context.Context
	remote  *remote.MemoryService
	store   *storage.MemoryStore
	monitor *connectivity.Monitor
	coord   *Coordinator
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		remote:  remote.NewMemoryService(),
		store:   storage.NewMemoryStore(),
		monitor: connectivity.NewMonitor(online),
	}
	h.remote.SetOffline(!online)
	h.coord = h.newCoordinator()
	return h
}

// newCoordinator builds a coordinator over the harness store, as a restarted
// process would.
func (h *harness) newCoordinator() *Coordinator {
	return h.newCoordinatorOver(h.store)
}

func (h *harness) newCoordinatorOver(store storage.KeyValueStore) *Coordinator {
	c := New(Options{
		Remote:  h.remote,
		Store:   store,
		Monitor: h.monitor,
		Queue:   queue.Config{MaxAttempts: 3, BackoffBase: time.Hour, BackoffMax: time.Hour},
	})
	h.t.Cleanup(c.Stop)
	return c
}

func (h *harness) goOffline() {
	h.remote.SetOffline(true)
	h.monitor.SetPlatformStatus(false)
}

func (h *harness) goOnline() {
	h.remote.SetOffline(false)
	h.monitor.SetPlatformStatus(true)
}

func (h *harness) create(name string) models.Routine {
	h.t.Helper()
	r, err := h.coord.CreateRoutine(h.ctx, models.RoutineInput{Name: name, Semester: "2025F"})
	if err != nil {
		h.t.Fatalf("CreateRoutine(%q) failed: %v", name, err)
	}
	return r
}

func (h *harness) rename(id, name string) {
	h.t.Helper()
	if _, err := h.coord.UpdateRoutine(h.ctx, id, models.RoutinePatch{Name: &name}); err != nil {
		h.t.Fatalf("UpdateRoutine(%s) failed: %v", id, err)
	}
}

func (h *harness) queueLen() int {
	h.t.Helper()
	n, err := h.coord.Queue().Len(h.ctx)
	if err != nil {
		h.t.Fatalf("Queue().Len failed: %v", err)
	}
	return n
}

func (h *harness) replay() {
	h.t.Helper()
	if err := h.coord.ReplayPending(h.ctx); err != nil {
		h.t.Fatalf("ReplayPending failed: %v", err)
	}
}

func slotAt(day int, start, end string) models.SlotInput {
	return models.SlotInput{Day: day, StartTime: start, EndTime: end, Room: "B-101"}
}

func rejectWhen(method, routineID string) remote.FailureHook {
	return func(ctx context.Context, call remote.Call) error {
		if call.Method == method && (routineID == "" || call.RoutineID == routineID) {
			return remote.Rejected(409, "CONFLICT", "rejected by server")
		}
		return nil
	}
}

// TestOfflineCreateReconciledOnReconnect covers an offline create replayed
// after connectivity returns.
func TestOfflineCreateReconciledOnReconnect(t *testing.T) {
	h := newHarness(t, false)
	if err := h.coord.Start(h.ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	r := h.create("Fall Schedule")
	if !uuid.IsTemporary(r.ID) {
		t.Errorf("Expected temporary id, got %q", r.ID)
	}

	state := h.coord.State()
	if state.Collection.Len() != 1 || state.Collection.Routines[0].ID != r.ID {
		t.Fatalf("Expected only the temporary routine, got %+v", state.Collection.Routines)
	}
	if state.PendingCount != 1 || h.queueLen() != 1 {
		t.Errorf("Expected 1 pending action, got count %d, queue %d", state.PendingCount, h.queueLen())
	}
	if !state.IsOffline {
		t.Error("Expected IsOffline")
	}

	h.goOnline()
	h.coord.WaitIdle()

	state = h.coord.State()
	if state.Collection.Len() != 1 {
		t.Fatalf("Expected 1 routine, got %d", state.Collection.Len())
	}
	got := state.Collection.Routines[0]
	server := h.remote.Snapshot()
	if server.Len() != 1 {
		t.Fatalf("Expected 1 server routine, got %d", server.Len())
	}
	if got.ID != server.Routines[0].ID || uuid.IsTemporary(got.ID) {
		t.Errorf("Expected server id %q, got %q", server.Routines[0].ID, got.ID)
	}
	if got.Name != "Fall Schedule" {
		t.Errorf("Expected name Fall Schedule, got %q", got.Name)
	}
	if state.PendingCount != 0 || h.queueLen() != 0 {
		t.Errorf("Expected empty queue, got count %d, queue %d", state.PendingCount, h.queueLen())
	}
	if state.IsOffline {
		t.Error("Expected online state")
	}

	if _, err := h.coord.Routine(h.ctx, got.ID); err != nil {
		t.Errorf("Routine(server id) failed: %v", err)
	}
}

// TestOfflineSlotsReplayInOrder checks slots added to an unsynced routine
// land on the server in order under the reconciled parent.
func TestOfflineSlotsReplayInOrder(t *testing.T) {
	h := newHarness(t, false)

	r := h.create("Fall Schedule")
	if _, err := h.coord.AddSlot(h.ctx, r.ID, slotAt(1, "09:00", "10:00")); err != nil {
		t.Fatalf("AddSlot failed: %v", err)
	}
	if _, err := h.coord.AddSlot(h.ctx, r.ID, slotAt(2, "10:00", "11:30")); err != nil {
		t.Fatalf("AddSlot failed: %v", err)
	}
	if h.queueLen() != 3 {
		t.Fatalf("Expected 3 queued actions, got %d", h.queueLen())
	}

	h.goOnline()
	h.replay()

	server := h.remote.Snapshot()
	if server.Len() != 1 {
		t.Fatalf("Expected 1 server routine, got %d", server.Len())
	}
	sr := server.Routines[0]
	if len(sr.Slots) != 2 {
		t.Fatalf("Expected 2 slots, got %d", len(sr.Slots))
	}
	for i, want := range []string{"09:00", "10:00"} {
		if sr.Slots[i].StartTime != want {
			t.Errorf("slot %d: expected start %s, got %s", i, want, sr.Slots[i].StartTime)
		}
		if sr.Slots[i].RoutineID != sr.ID {
			t.Errorf("slot %d: expected routine id %s, got %s", i, sr.ID, sr.Slots[i].RoutineID)
		}
	}

	local := h.coord.State().Collection.StripLocal()
	if !reflect.DeepEqual(local, server) {
		t.Errorf("Local state differs from server:\nlocal:  %+v\nserver: %+v", local, server)
	}
	if h.queueLen() != 0 {
		t.Errorf("Expected empty queue, got %d", h.queueLen())
	}
}

// TestReplayRejectedActionStaysQueued checks one rejected action out of
// three is kept while the others are removed.
func TestReplayRejectedActionStaysQueued(t *testing.T) {
	h := newHarness(t, true)
	r1 := h.create("One")
	r2 := h.create("Two")
	r3 := h.create("Three")

	h.goOffline()
	h.rename(r1.ID, "One'")
	h.rename(r2.ID, "Two'")
	h.rename(r3.ID, "Three'")

	h.remote.SetFailureHook(rejectWhen("UpdateRoutine", r2.ID))
	h.goOnline()

	err := h.coord.ReplayPending(h.ctx)
	if !apperrors.Is(err, apperrors.ErrPartialSyncFailure) {
		t.Fatalf("Expected PARTIAL_SYNC_FAILURE, got %v", err)
	}
	partial, ok := apperrors.AsPartialSync(err)
	if !ok {
		t.Fatalf("Expected PartialSyncError in %v", err)
	}
	if partial.Attempted != 3 || len(partial.Failures) != 1 {
		t.Errorf("Expected 1 of 3 failed, got %d of %d", len(partial.Failures), partial.Attempted)
	}

	pending, err := h.coord.Queue().Drain(h.ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 remaining action, got %d", len(pending))
	}
	op, ok := pending[0].Op.(models.UpdateRoutine)
	if !ok || op.RoutineID != r2.ID {
		t.Errorf("Expected the rejected update of %s to remain, got %+v", r2.ID, pending[0].Op)
	}
	if pending[0].Status != models.PendingStatusExhausted {
		t.Errorf("Expected exhausted status, got %s", pending[0].Status)
	}
	if h.coord.State().PendingCount != 1 {
		t.Errorf("Expected PendingCount 1, got %d", h.coord.State().PendingCount)
	}
}

// TestLoadCorruptCacheOffline checks a corrupt snapshot yields an empty
// collection and a STORAGE_CORRUPT error.
func TestLoadCorruptCacheOffline(t *testing.T) {
	h := newHarness(t, false)
	if err := h.store.Set(h.ctx, cache.SnapshotKey, []byte("{not json")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	err := h.coord.Load(h.ctx)
	if !apperrors.Is(err, apperrors.ErrStorageCorrupt) {
		t.Fatalf("Expected STORAGE_CORRUPT, got %v", err)
	}

	state := h.coord.State()
	if state.Collection.Routines == nil || state.Collection.Len() != 0 {
		t.Errorf("Expected empty collection, got %+v", state.Collection)
	}
	if !apperrors.Is(state.LastError, apperrors.ErrStorageCorrupt) {
		t.Errorf("Expected LastError STORAGE_CORRUPT, got %v", state.LastError)
	}
	if state.IsLoading {
		t.Error("Expected IsLoading false after Load")
	}
}

// TestQueuedUpdatesLastWins checks two queued renames apply in order.
func TestQueuedUpdatesLastWins(t *testing.T) {
	h := newHarness(t, true)
	r := h.create("Original")

	h.goOffline()
	h.rename(r.ID, "a")
	h.rename(r.ID, "b")

	h.goOnline()
	h.replay()

	if got := h.remote.Snapshot().Routines[0].Name; got != "b" {
		t.Errorf("Expected server name b, got %q", got)
	}
	if got := h.coord.State().Collection.Routines[0].Name; got != "b" {
		t.Errorf("Expected local name b, got %q", got)
	}
}

// TestReplayAlreadyAppliedCreate checks a create that reached the server
// before the process lost track of it is not duplicated.
func TestReplayAlreadyAppliedCreate(t *testing.T) {
	h := newHarness(t, false)
	h.create("Fall Schedule")

	pending, err := h.coord.Queue().Drain(h.ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Drain = %d, %v", len(pending), err)
	}

	// the first attempt landed but its response was lost
	h.remote.SetOffline(false)
	if _, err := h.remote.CreateRoutine(h.ctx, pending[0].IdempotencyKey, models.RoutineInput{Name: "Fall Schedule"}); err != nil {
		t.Fatalf("direct CreateRoutine failed: %v", err)
	}

	// restart: the queued create is re-applied over the cache exactly once
	h.coord = h.newCoordinator()
	if err := h.coord.Load(h.ctx); err != nil {
		t.Fatalf("offline Load failed: %v", err)
	}
	if n := h.coord.State().Collection.Len(); n != 1 {
		t.Fatalf("Expected 1 local routine after restart, got %d", n)
	}

	h.goOnline()
	h.replay()
	if err := h.coord.Load(h.ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if n := h.remote.Snapshot().Len(); n != 1 {
		t.Errorf("Expected 1 server routine, got %d", n)
	}
	if n := h.coord.State().Collection.Len(); n != 1 {
		t.Errorf("Expected 1 local routine, got %d", n)
	}
}

type routineShape struct {
	Name     string
	Semester string
	Slots    []string
}

// shape drops ids and timestamps so runs with different ids compare equal.
func shape(col models.Collection) []routineShape {
	out := make([]routineShape, 0, col.Len())
	for _, r := range col.Routines {
		s := routineShape{Name: r.Name, Semester: r.Semester, Slots: []string{}}
		for _, sl := range r.Slots {
			s.Slots = append(s.Slots, sl.StartTime+"-"+sl.EndTime+"@"+sl.Room)
		}
		out = append(out, s)
	}
	return out
}

// TestOfflineMatchesOnline runs the same mutations online and offline and
// compares the results once the offline run has synced.
func TestOfflineMatchesOnline(t *testing.T) {
	script := func(h *harness) {
		a := h.create("Algebra")
		b := h.create("Biology")
		h.rename(a.ID, "Linear Algebra")

		s1, err := h.coord.AddSlot(h.ctx, b.ID, slotAt(1, "08:00", "09:00"))
		if err != nil {
			t.Fatalf("AddSlot failed: %v", err)
		}
		s2, err := h.coord.AddSlot(h.ctx, b.ID, slotAt(3, "13:00", "14:00"))
		if err != nil {
			t.Fatalf("AddSlot failed: %v", err)
		}
		room := "Lab 2"
		if _, err := h.coord.UpdateSlot(h.ctx, b.ID, s2.ID, models.SlotPatch{Room: &room}); err != nil {
			t.Fatalf("UpdateSlot failed: %v", err)
		}
		if err := h.coord.DeleteSlot(h.ctx, b.ID, s1.ID); err != nil {
			t.Fatalf("DeleteSlot failed: %v", err)
		}

		c := h.create("Chemistry")
		if err := h.coord.DeleteRoutine(h.ctx, c.ID); err != nil {
			t.Fatalf("DeleteRoutine failed: %v", err)
		}
	}

	online := newHarness(t, true)
	script(online)

	offline := newHarness(t, false)
	script(offline)
	offline.goOnline()
	offline.replay()
	if err := offline.coord.Load(offline.ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := shape(online.remote.Snapshot())
	if got := shape(offline.remote.Snapshot()); !reflect.DeepEqual(got, want) {
		t.Errorf("server state differs:\noffline: %+v\nonline:  %+v", got, want)
	}
	if got := shape(offline.coord.State().Collection); !reflect.DeepEqual(got, want) {
		t.Errorf("local state differs:\noffline: %+v\nonline:  %+v", got, want)
	}
	if got := shape(online.coord.State().Collection); !reflect.DeepEqual(got, want) {
		t.Errorf("online local state differs from its server:\nlocal:  %+v\nserver: %+v", got, want)
	}
}

// blockFirst returns a hook that parks the first call to method until
// release is closed.
func blockFirst(method string, entered chan<- struct{}, release <-chan struct{}) remote.FailureHook {
	var n atomic.Int32
	return func(ctx context.Context, call remote.Call) error {
		if call.Method == method && n.Add(1) == 1 {
			entered <- struct{}{}
			<-release
		}
		return nil
	}
}

// TestLoadSupersededResultDiscarded checks an older refresh finishing last
// does not overwrite a newer one.
func TestLoadSupersededResultDiscarded(t *testing.T) {
	h := newHarness(t, true)
	h.create("Kept")

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.remote.SetFailureHook(blockFirst("FetchAll", entered, release))

	var wg gosync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		firstErr = h.coord.Load(h.ctx)
	}()
	<-entered

	if err := h.coord.Load(h.ctx); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if !h.coord.State().IsLoading {
		t.Error("Expected IsLoading while the first Load is outstanding")
	}

	// only the stale fetch can see this routine
	if _, err := h.remote.CreateRoutine(h.ctx, "", models.RoutineInput{Name: "Late"}); err != nil {
		t.Fatalf("direct CreateRoutine failed: %v", err)
	}
	close(release)
	wg.Wait()

	if firstErr != nil {
		t.Fatalf("first Load failed: %v", firstErr)
	}
	state := h.coord.State()
	if state.Collection.Len() != 1 || state.Collection.Routines[0].Name != "Kept" {
		t.Errorf("Expected only Kept, got %+v", shape(state.Collection))
	}
	if state.IsLoading {
		t.Error("Expected IsLoading false")
	}
}

// TestLoadKeepsQueuedEdits checks queued edits are re-applied on top of a
// refresh.
func TestLoadKeepsQueuedEdits(t *testing.T) {
	h := newHarness(t, true)
	r := h.create("Before")

	h.remote.SetFailureHook(func(ctx context.Context, call remote.Call) error {
		if call.Method == "UpdateRoutine" {
			return remote.Unavailable("timeout", nil)
		}
		return nil
	})
	h.rename(r.ID, "After")
	if h.queueLen() != 1 {
		t.Fatalf("Expected update to stay queued, got queue %d", h.queueLen())
	}
	if !apperrors.Is(h.coord.State().LastError, apperrors.ErrNetworkUnavailable) {
		t.Errorf("Expected NETWORK_UNAVAILABLE warning, got %v", h.coord.State().LastError)
	}

	if err := h.coord.Load(h.ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := h.coord.State().Collection.Routines[0].Name; got != "After" {
		t.Errorf("Expected queued rename to survive refresh, got %q", got)
	}
	if got := h.remote.Snapshot().Routines[0].Name; got != "Before" {
		t.Errorf("Expected server still Before, got %q", got)
	}
}

// TestLoadFetchFailureKeepsData checks a failed refresh keeps the last good
// collection.
func TestLoadFetchFailureKeepsData(t *testing.T) {
	h := newHarness(t, true)
	h.create("Kept")
	h.remote.SetOffline(true)

	err := h.coord.Load(h.ctx)
	if !apperrors.Is(err, apperrors.ErrNetworkUnavailable) {
		t.Fatalf("Expected NETWORK_UNAVAILABLE, got %v", err)
	}
	state := h.coord.State()
	if state.Collection.Len() != 1 {
		t.Errorf("Expected cached routine to remain, got %d", state.Collection.Len())
	}
	if state.LastError == nil {
		t.Error("Expected LastError to be set")
	}
}

// TestReplayCoalesces checks a replay requested while one runs does not
// start a second concurrent pass.
func TestReplayCoalesces(t *testing.T) {
	h := newHarness(t, false)
	h.create("Fall Schedule")

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.remote.SetFailureHook(blockFirst("CreateRoutine", entered, release))
	h.goOnline()

	done := make(chan error, 1)
	go func() { done <- h.coord.ReplayPending(h.ctx) }()
	<-entered

	if err := h.coord.ReplayPending(h.ctx); !apperrors.Is(err, apperrors.ErrReplayInProgress) {
		t.Errorf("Expected REPLAY_IN_PROGRESS, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("ReplayPending failed: %v", err)
	}

	creates := 0
	for _, call := range h.remote.Calls() {
		if call.Method == "CreateRoutine" {
			creates++
		}
	}
	if creates != 1 {
		t.Errorf("Expected 1 CreateRoutine call, got %d", creates)
	}
	if h.remote.Snapshot().Len() != 1 || h.queueLen() != 0 {
		t.Errorf("Expected 1 server routine and empty queue, got %d and %d", h.remote.Snapshot().Len(), h.queueLen())
	}
}

// TestRejectedMutationRollsBack checks online rejections restore the
// previous local state.
func TestRejectedMutationRollsBack(t *testing.T) {
	h := newHarness(t, true)
	h.create("Second")
	r := h.create("First")

	h.remote.SetFailureHook(rejectWhen("UpdateRoutine", ""))
	name := "Renamed"
	_, err := h.coord.UpdateRoutine(h.ctx, r.ID, models.RoutinePatch{Name: &name})
	if !apperrors.Is(err, apperrors.ErrRemoteRejected) {
		t.Fatalf("Expected REMOTE_REJECTED, got %v", err)
	}
	var rejected *remote.RejectedError
	if !errors.As(err, &rejected) || rejected.Code != "CONFLICT" {
		t.Errorf("Expected RejectedError with code CONFLICT, got %v", err)
	}
	if got := h.coord.State().Collection.Routines[0].Name; got != "First" {
		t.Errorf("Expected rename rolled back, got %q", got)
	}

	h.remote.SetFailureHook(rejectWhen("DeleteRoutine", ""))
	if err := h.coord.DeleteRoutine(h.ctx, r.ID); !apperrors.Is(err, apperrors.ErrRemoteRejected) {
		t.Fatalf("Expected REMOTE_REJECTED, got %v", err)
	}
	col := h.coord.State().Collection
	if col.Len() != 2 || col.Routines[0].ID != r.ID {
		t.Errorf("Expected deleted routine restored at the front, got %+v", shape(col))
	}
	if h.queueLen() != 0 {
		t.Errorf("Expected rejected actions dropped, got queue %d", h.queueLen())
	}
}

// TestDeleteUnsyncedRoutineCollapses checks deleting a never-synced
// routine drops its queued actions without contacting the server.
func TestDeleteUnsyncedRoutineCollapses(t *testing.T) {
	h := newHarness(t, false)
	r := h.create("Draft")
	if _, err := h.coord.AddSlot(h.ctx, r.ID, slotAt(4, "15:00", "16:00")); err != nil {
		t.Fatalf("AddSlot failed: %v", err)
	}
	h.rename(r.ID, "Draft 2")

	if err := h.coord.DeleteRoutine(h.ctx, r.ID); err != nil {
		t.Fatalf("DeleteRoutine failed: %v", err)
	}
	if h.queueLen() != 0 {
		t.Errorf("Expected empty queue, got %d", h.queueLen())
	}
	if n := h.coord.State().Collection.Len(); n != 0 {
		t.Errorf("Expected no routines, got %d", n)
	}

	h.goOnline()
	h.replay()
	for _, call := range h.remote.Calls() {
		if call.Method != "FetchAll" && call.Method != "Ping" {
			t.Errorf("Unexpected remote call %s", call.Method)
		}
	}
}

// TestCreateFallsBackWithSameKey checks a create that fails to reach the
// server is queued under the key already sent.
func TestCreateFallsBackWithSameKey(t *testing.T) {
	h := newHarness(t, true)
	h.remote.SetOffline(true)

	r := h.create("Fall Schedule")
	if !uuid.IsTemporary(r.ID) {
		t.Fatalf("Expected temporary id, got %q", r.ID)
	}

	calls := h.remote.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 remote call, got %d", len(calls))
	}
	pending, err := h.coord.Queue().Drain(h.ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Drain = %d, %v", len(pending), err)
	}
	if pending[0].IdempotencyKey != calls[0].Key {
		t.Errorf("Expected queued key %q, got %q", calls[0].Key, pending[0].IdempotencyKey)
	}

	h.remote.SetOffline(false)
	h.replay()
	if h.remote.Snapshot().Len() != 1 {
		t.Errorf("Expected 1 server routine, got %d", h.remote.Snapshot().Len())
	}
}

// TestDependentActionsHeldBack checks actions on an entity whose create
// failed are not sent, and go through after a manual sync.
func TestDependentActionsHeldBack(t *testing.T) {
	h := newHarness(t, false)
	r := h.create("Fall Schedule")
	if _, err := h.coord.AddSlot(h.ctx, r.ID, slotAt(5, "10:00", "11:00")); err != nil {
		t.Fatalf("AddSlot failed: %v", err)
	}

	h.remote.SetFailureHook(rejectWhen("CreateRoutine", ""))
	h.goOnline()

	err := h.coord.ReplayPending(h.ctx)
	partial, ok := apperrors.AsPartialSync(err)
	if !ok {
		t.Fatalf("Expected PartialSyncError, got %v", err)
	}
	if partial.Attempted != 1 {
		t.Errorf("Expected 1 attempted action, got %d", partial.Attempted)
	}
	for _, call := range h.remote.Calls() {
		if call.Method == "AddSlot" {
			t.Error("AddSlot must not be sent before its routine exists")
		}
	}
	if h.queueLen() != 2 {
		t.Errorf("Expected 2 queued actions, got %d", h.queueLen())
	}

	h.remote.SetFailureHook(nil)
	if err := h.coord.TriggerManualSync(h.ctx); err != nil {
		t.Fatalf("TriggerManualSync failed: %v", err)
	}
	if h.queueLen() != 0 {
		t.Errorf("Expected empty queue, got %d", h.queueLen())
	}
	server := h.remote.Snapshot()
	if server.Len() != 1 || len(server.Routines[0].Slots) != 1 {
		t.Errorf("Expected 1 routine with 1 slot, got %+v", shape(server))
	}
}

// TestValidation tests input checks.
func TestValidation(t *testing.T) {
	h := newHarness(t, true)
	r := h.create("Fall Schedule")
	s, err := h.coord.AddSlot(h.ctx, r.ID, slotAt(1, "09:00", "10:00"))
	if err != nil {
		t.Fatalf("AddSlot failed: %v", err)
	}
	empty := ""
	late := "11:00"

	tests := []struct {
		name string
		call func() error
		code apperrors.ErrorCode
	}{
		{"empty name", func() error {
			_, err := h.coord.CreateRoutine(h.ctx, models.RoutineInput{Name: " "})
			return err
		}, apperrors.ErrInvalid},
		{"empty patch", func() error {
			_, err := h.coord.UpdateRoutine(h.ctx, r.ID, models.RoutinePatch{})
			return err
		}, apperrors.ErrInvalid},
		{"blank rename", func() error {
			_, err := h.coord.UpdateRoutine(h.ctx, r.ID, models.RoutinePatch{Name: &empty})
			return err
		}, apperrors.ErrInvalid},
		{"unknown routine", func() error {
			return h.coord.DeleteRoutine(h.ctx, "missing")
		}, apperrors.ErrNotFound},
		{"unknown slot", func() error {
			return h.coord.DeleteSlot(h.ctx, r.ID, "missing")
		}, apperrors.ErrNotFound},
		{"bad slot window", func() error {
			_, err := h.coord.AddSlot(h.ctx, r.ID, slotAt(1, "10:00", "09:00"))
			return err
		}, apperrors.ErrInvalid},
		{"patch inverts window", func() error {
			_, err := h.coord.UpdateSlot(h.ctx, r.ID, s.ID, models.SlotPatch{StartTime: &late})
			return err
		}, apperrors.ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !apperrors.Is(err, tt.code) {
				t.Errorf("Expected %s, got %v", tt.code, err)
			}
		})
	}

	if h.queueLen() != 0 {
		t.Errorf("Expected nothing queued, got %d", h.queueLen())
	}
}

// TestSubscribe tests snapshot delivery and unsubscription.
func TestSubscribe(t *testing.T) {
	h := newHarness(t, false)

	var mu gosync.Mutex
	var snaps []Snapshot
	unsubscribe := h.coord.Subscribe(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	h.coord.Subscribe(func(Snapshot) { panic("boom") })

	h.create("Fall Schedule")

	mu.Lock()
	n := len(snaps)
	mu.Unlock()
	if n == 0 {
		t.Fatal("Expected at least one snapshot")
	}
	last := snaps[n-1]
	if last.Collection.Len() != 1 || last.PendingCount != 1 {
		t.Errorf("Expected 1 routine and 1 pending, got %d and %d", last.Collection.Len(), last.PendingCount)
	}

	// snapshots are copies
	last.Collection.Routines[0].Name = "mutated"
	if h.coord.State().Collection.Routines[0].Name != "Fall Schedule" {
		t.Error("Snapshot shares memory with coordinator state")
	}

	unsubscribe()
	h.create("Spring Schedule")
	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != n {
		t.Errorf("Expected no snapshots after unsubscribe, got %d more", len(snaps)-n)
	}
}

// TestRestartRecoversQueuedState checks a new coordinator over the same
// store shows offline edits.
func TestRestartRecoversQueuedState(t *testing.T) {
	h := newHarness(t, false)
	r := h.create("Fall Schedule")
	if _, err := h.coord.AddSlot(h.ctx, r.ID, slotAt(1, "09:00", "10:00")); err != nil {
		t.Fatalf("AddSlot failed: %v", err)
	}

	h.coord = h.newCoordinator()
	if err := h.coord.Start(h.ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	state := h.coord.State()
	if state.Collection.Len() != 1 || len(state.Collection.Routines[0].Slots) != 1 {
		t.Fatalf("Expected recovered routine with 1 slot, got %+v", shape(state.Collection))
	}
	if state.PendingCount != 2 {
		t.Errorf("Expected 2 pending, got %d", state.PendingCount)
	}

	h.goOnline()
	h.coord.WaitIdle()
	if h.queueLen() != 0 {
		t.Errorf("Expected queue drained after reconnect, got %d", h.queueLen())
	}
	if got := h.coord.State().Collection.StripLocal(); !reflect.DeepEqual(got, h.remote.Snapshot()) {
		t.Errorf("Expected local state to match server after reconnect")
	}
}

// TestRestartTakesServerChanges checks that routines cached by an earlier
// process do not override server renames and deletes on the first refresh.
func TestRestartTakesServerChanges(t *testing.T) {
	h := newHarness(t, true)
	keep := h.create("Keep")
	gone := h.create("Gone")

	renamed := "Kept"
	if _, err := h.remote.UpdateRoutine(h.ctx, "", keep.ID, models.RoutinePatch{Name: &renamed}); err != nil {
		t.Fatalf("server UpdateRoutine failed: %v", err)
	}
	if err := h.remote.DeleteRoutine(h.ctx, "", gone.ID); err != nil {
		t.Fatalf("server DeleteRoutine failed: %v", err)
	}

	h.coord = h.newCoordinator()
	if err := h.coord.Load(h.ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	col := h.coord.State().Collection
	if col.Len() != 1 || col.Routines[0].Name != "Kept" {
		t.Fatalf("Expected only the renamed routine, got %+v", shape(col))
	}
	if got := col.StripLocal(); !reflect.DeepEqual(got, h.remote.Snapshot()) {
		t.Errorf("Expected local state to match server after restart")
	}
}

// failingAliasStore refuses to write the alias table.
type failingAliasStore struct {
	storage.KeyValueStore
}

func (s failingAliasStore) Set(ctx context.Context, key string, value []byte) error {
	if key == AliasKey {
		return errors.New("disk full")
	}
	return s.KeyValueStore.Set(ctx, key, value)
}

// TestConfirmedCreateSurvivesLostAlias checks that a create the server
// accepted stays queued until its alias is durable, so a restarted process
// finishes the sync without duplicating or orphaning the routine.
func TestConfirmedCreateSurvivesLostAlias(t *testing.T) {
	h := newHarness(t, false)
	h.coord = h.newCoordinatorOver(failingAliasStore{h.store})

	r := h.create("Fall Schedule")
	if _, err := h.coord.AddSlot(h.ctx, r.ID, slotAt(2, "13:00", "14:00")); err != nil {
		t.Fatalf("AddSlot failed: %v", err)
	}

	h.goOnline()
	if err := h.coord.ReplayPending(h.ctx); err == nil {
		t.Fatal("Expected replay to fail while the alias table is unwritable")
	}
	if got := len(h.remote.Snapshot().Routines); got != 1 {
		t.Fatalf("Expected the server to have accepted the create, got %d routines", got)
	}
	if h.queueLen() != 2 {
		t.Fatalf("Expected both actions still queued, got %d", h.queueLen())
	}

	h.coord = h.newCoordinator()
	if err := h.coord.TriggerManualSync(h.ctx); err != nil {
		t.Fatalf("TriggerManualSync failed: %v", err)
	}

	server := h.remote.Snapshot()
	if server.Len() != 1 || len(server.Routines[0].Slots) != 1 {
		t.Fatalf("Expected 1 server routine with 1 slot, got %+v", shape(server))
	}
	if h.queueLen() != 0 {
		t.Errorf("Expected queue drained, got %d", h.queueLen())
	}
	col := h.coord.State().Collection
	for _, rt := range col.Routines {
		if uuid.IsTemporary(rt.ID) {
			t.Errorf("Routine %s still carries a temporary id", rt.ID)
		}
	}
	if got := col.StripLocal(); !reflect.DeepEqual(got, server) {
		t.Errorf("Expected local state to match server, got %+v", shape(col))
	}
}
