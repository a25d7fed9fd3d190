package sync

import (
	"context"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
	"github.com/kimhsiao/routinesync/internal/remote"
	"github.com/kimhsiao/routinesync/internal/uuid"
)

// undo restores the routine an optimistic change touched.
type undo struct {
	routineID string
	before    models.Routine
	index     int
	version   uint64
}

// CreateRoutine creates a routine. Online, the server assigns the id and the
// returned routine is the server's. Offline, or when the call cannot reach
// the server, a routine with a temporary id is placed at the front of the
// collection and the create is queued under the same idempotency key.
func (c *Coordinator) CreateRoutine(ctx context.Context, in models.RoutineInput) (models.Routine, error) {
	if err := in.Validate(); err != nil {
		return models.Routine{}, apperrors.Wrap(apperrors.ErrInvalid, "invalid routine", err)
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return models.Routine{}, err
	}

	key := uuid.NewIdempotencyKey()
	if c.monitor.IsOnline() {
		r, err := c.remote.CreateRoutine(ctx, key, in)
		switch {
		case err == nil:
			return c.mergeCreated(ctx, r)
		case apperrors.Is(err, apperrors.ErrNetworkUnavailable):
			logging.Warn("Remote create failed, queueing for replay", map[string]interface{}{
				"error": err.Error(),
			})
		default:
			return models.Routine{}, err
		}
	}
	return c.createOffline(ctx, key, in)
}

func (c *Coordinator) mergeCreated(ctx context.Context, r models.Routine) (models.Routine, error) {
	if r.Slots == nil {
		r.Slots = []models.Slot{}
	}

	c.mu.Lock()
	if existing := c.col.Find(r.ID); existing != nil {
		*existing = r
	} else {
		c.col.Prepend(r)
	}
	c.touch(r.ID)
	out := c.col.Find(r.ID).Clone()
	err := c.persist(ctx)
	c.mu.Unlock()

	c.notify()
	if err != nil {
		return models.Routine{}, err
	}
	return out, nil
}

func (c *Coordinator) createOffline(ctx context.Context, key string, in models.RoutineInput) (models.Routine, error) {
	tempID := uuid.NewTemporary()
	pa := c.newPendingAction(key, models.CreateRoutine{TempID: tempID, Input: in})

	c.mu.Lock()
	if err := c.queue.Enqueue(ctx, pa); err != nil {
		c.mu.Unlock()
		return models.Routine{}, err
	}
	c.pending++
	applyAction(&c.col, pa, c.resolve)
	c.touch(tempID)
	out := c.col.Find(tempID).Clone()
	err := c.persist(ctx)
	c.mu.Unlock()

	c.notify()
	if err != nil {
		return models.Routine{}, err
	}
	return out, nil
}

func (c *Coordinator) newPendingAction(key string, op models.Action) models.PendingAction {
	return models.PendingAction{
		ID:             uuid.New(),
		IdempotencyKey: key,
		Op:             op,
		Status:         models.PendingStatusPending,
		CreatedAt:      c.now().UnixMilli(),
	}
}

// UpdateRoutine applies patch locally and sends it to the server.
func (c *Coordinator) UpdateRoutine(ctx context.Context, routineID string, patch models.RoutinePatch) (models.Routine, error) {
	if err := patch.Validate(); err != nil {
		return models.Routine{}, apperrors.Wrap(apperrors.ErrInvalid, "invalid routine patch", err)
	}
	if patch.IsEmpty() {
		return models.Routine{}, apperrors.New(apperrors.ErrInvalid, "routine patch is empty")
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return models.Routine{}, err
	}

	c.mu.Lock()
	id := c.resolve(routineID)
	if c.col.Find(id) == nil {
		c.mu.Unlock()
		return models.Routine{}, apperrors.Newf(apperrors.ErrNotFound, "routine %s not found", routineID)
	}
	pa, u, err := c.applyLocal(ctx, id, models.UpdateRoutine{RoutineID: id, Patch: patch})
	var out models.Routine
	if r := c.col.Find(id); r != nil {
		out = r.Clone()
	}
	c.mu.Unlock()

	c.notify()
	if err != nil {
		return models.Routine{}, err
	}
	if _, err := c.dispatch(ctx, pa, u); err != nil {
		return models.Routine{}, err
	}
	return out, nil
}

// DeleteRoutine removes a routine and its slots.
func (c *Coordinator) DeleteRoutine(ctx context.Context, routineID string) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	id := c.resolve(routineID)
	if c.col.Find(id) == nil {
		c.mu.Unlock()
		return apperrors.Newf(apperrors.ErrNotFound, "routine %s not found", routineID)
	}

	if uuid.IsTemporary(id) {
		collapsed, err := c.collapse(ctx, id)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if collapsed {
			c.col.Remove(id)
			c.touch(id)
			err := c.persist(ctx)
			c.mu.Unlock()
			c.notify()
			return err
		}
	}

	pa, u, err := c.applyLocal(ctx, id, models.DeleteRoutine{RoutineID: id})
	c.mu.Unlock()

	c.notify()
	if err != nil {
		return err
	}
	_, err = c.dispatch(ctx, pa, u)
	return err
}

// AddSlot appends a slot to a routine. The slot gets a temporary id until
// the server confirms it.
func (c *Coordinator) AddSlot(ctx context.Context, routineID string, in models.SlotInput) (models.Slot, error) {
	if err := in.Validate(); err != nil {
		return models.Slot{}, apperrors.Wrap(apperrors.ErrInvalid, "invalid slot", err)
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return models.Slot{}, err
	}

	c.mu.Lock()
	id := c.resolve(routineID)
	if c.col.Find(id) == nil {
		c.mu.Unlock()
		return models.Slot{}, apperrors.Newf(apperrors.ErrNotFound, "routine %s not found", routineID)
	}
	slotID := uuid.NewTemporary()
	pa, u, err := c.applyLocal(ctx, id, models.AddSlot{RoutineID: id, TempID: slotID, Input: in})
	out := c.slotLocked(id, slotID)
	c.mu.Unlock()

	c.notify()
	if err != nil {
		return models.Slot{}, err
	}
	res, err := c.dispatch(ctx, pa, u)
	if err != nil {
		return models.Slot{}, err
	}
	if res.slot.ID != "" {
		out.ID = res.slot.ID
		out.CreatedAt = res.slot.CreatedAt
	}
	return out, nil
}

// UpdateSlot applies patch to one slot of a routine.
func (c *Coordinator) UpdateSlot(ctx context.Context, routineID, slotID string, patch models.SlotPatch) (models.Slot, error) {
	if err := patch.Validate(); err != nil {
		return models.Slot{}, apperrors.Wrap(apperrors.ErrInvalid, "invalid slot patch", err)
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return models.Slot{}, err
	}

	c.mu.Lock()
	id, sid, err := c.findSlotLocked(routineID, slotID)
	if err != nil {
		c.mu.Unlock()
		return models.Slot{}, err
	}
	// the merged window must still be valid
	merged := c.slotLocked(id, sid)
	merged.ApplyPatch(patch)
	if merged.StartTime >= merged.EndTime {
		c.mu.Unlock()
		return models.Slot{}, apperrors.Newf(apperrors.ErrInvalid,
			"start_time %s must be before end_time %s", merged.StartTime, merged.EndTime)
	}

	pa, u, err := c.applyLocal(ctx, id, models.UpdateSlot{RoutineID: id, SlotID: sid, Patch: patch})
	out := c.slotLocked(id, sid)
	c.mu.Unlock()

	c.notify()
	if err != nil {
		return models.Slot{}, err
	}
	if _, err := c.dispatch(ctx, pa, u); err != nil {
		return models.Slot{}, err
	}
	return out, nil
}

// DeleteSlot removes one slot from a routine.
func (c *Coordinator) DeleteSlot(ctx context.Context, routineID, slotID string) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	id, sid, err := c.findSlotLocked(routineID, slotID)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	if uuid.IsTemporary(sid) {
		collapsed, err := c.collapse(ctx, sid)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if collapsed {
			c.col.Find(id).RemoveSlot(sid)
			c.touch(id)
			err := c.persist(ctx)
			c.mu.Unlock()
			c.notify()
			return err
		}
	}

	pa, u, err := c.applyLocal(ctx, id, models.DeleteSlot{RoutineID: id, SlotID: sid})
	c.mu.Unlock()

	c.notify()
	if err != nil {
		return err
	}
	_, err = c.dispatch(ctx, pa, u)
	return err
}

// findSlotLocked resolves and checks both ids. Callers must hold c.mu.
func (c *Coordinator) findSlotLocked(routineID, slotID string) (string, string, error) {
	id := c.resolve(routineID)
	r := c.col.Find(id)
	if r == nil {
		return "", "", apperrors.Newf(apperrors.ErrNotFound, "routine %s not found", routineID)
	}
	sid := c.resolve(slotID)
	if r.FindSlot(sid) == nil {
		return "", "", apperrors.Newf(apperrors.ErrNotFound, "slot %s not found in routine %s", slotID, routineID)
	}
	return id, sid, nil
}

// slotLocked returns a copy of the slot, or a zero Slot.
func (c *Coordinator) slotLocked(routineID, slotID string) models.Slot {
	if r := c.col.Find(routineID); r != nil {
		if s := r.FindSlot(slotID); s != nil {
			return *s
		}
	}
	return models.Slot{}
}

// applyLocal queues op, applies it to the collection and persists. The
// queue entry is written first so a crash cannot leave a local change the
// queue does not know about. Callers must hold c.mu and have checked that
// routineID exists.
func (c *Coordinator) applyLocal(ctx context.Context, routineID string, op models.Action) (models.PendingAction, undo, error) {
	u := undo{
		routineID: routineID,
		before:    c.col.Find(routineID).Clone(),
		index:     c.col.IndexOf(routineID),
	}

	pa := c.newPendingAction(uuid.NewIdempotencyKey(), op)
	if err := c.queue.Enqueue(ctx, pa); err != nil {
		return pa, u, err
	}
	c.pending++

	applyAction(&c.col, pa, c.resolve)
	u.version = c.touch(routineID)

	return pa, u, c.persist(ctx)
}

// collapse drops every queued action touching the never-synced entity id,
// so deleting it needs no remote call. It refuses (returning false) while
// any of those actions is being sent. Callers must hold c.mu.
func (c *Coordinator) collapse(ctx context.Context, id string) (bool, error) {
	pending, err := c.queue.Drain(ctx)
	if err != nil {
		return false, err
	}

	target := map[string]bool{id: true}
	var drop []string
	for _, pa := range pending {
		if !touches(pa, target, c.resolve) {
			continue
		}
		if c.inflight[pa.ID] {
			return false, nil
		}
		drop = append(drop, pa.ID)
	}

	for _, paID := range drop {
		if err := c.queue.Remove(ctx, paID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return false, err
		}
	}
	c.refreshPending(ctx)

	logging.Debug("Collapsed queued actions for unsynced entity", map[string]interface{}{
		"entity_id": id,
		"dropped":   len(drop),
	})
	return true, nil
}

// dispatch sends a freshly queued action when the device is online and no
// earlier action on the same entities is still queued. Otherwise the action
// waits for replay. Only a remote rejection is returned to the caller; the
// optimistic change is rolled back in that case.
func (c *Coordinator) dispatch(ctx context.Context, pa models.PendingAction, u undo) (result, error) {
	if !c.monitor.IsOnline() {
		return result{}, nil
	}

	c.mu.Lock()
	head, err := c.isHeadLocked(ctx, pa)
	if err != nil || !head {
		c.mu.Unlock()
		if err == nil {
			c.kickReplay()
		}
		return result{}, nil
	}
	c.inflight[pa.ID] = true
	op := resolveAction(pa.Op, c.resolve)
	c.mu.Unlock()

	res, err := c.execute(ctx, pa.IdempotencyKey, op)

	c.mu.Lock()
	delete(c.inflight, pa.ID)

	switch {
	case err == nil, isDelete(pa.Op) && remote.IsNotFound(err):
		err = c.complete(ctx, pa, res)
		c.mu.Unlock()
		c.notify()
		if c.pendingCount() > 0 {
			c.kickReplay()
		}
		return res, err

	case apperrors.Is(err, apperrors.ErrRemoteRejected):
		if rmErr := c.queue.Remove(ctx, pa.ID); rmErr != nil && !apperrors.Is(rmErr, apperrors.ErrNotFound) {
			logging.Error("Failed to drop rejected action", rmErr, map[string]interface{}{"id": pa.ID})
		}
		c.refreshPending(ctx)
		c.rollback(ctx, u)
		c.mu.Unlock()
		c.notify()

		logging.Warn("Remote rejected mutation, rolled back", map[string]interface{}{
			"kind":  string(pa.Op.Kind()),
			"error": err.Error(),
		})
		return result{}, err

	default:
		c.lastErr = err
		c.mu.Unlock()
		c.notify()

		logging.Warn("Remote mutation failed, left queued", map[string]interface{}{
			"kind":  string(pa.Op.Kind()),
			"error": err.Error(),
		})
		return result{}, nil
	}
}

func (c *Coordinator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// isHeadLocked reports whether pa can be sent now: every id it names is
// known to the server and no earlier queued action touches the same
// entities. Callers must hold c.mu.
func (c *Coordinator) isHeadLocked(ctx context.Context, pa models.PendingAction) (bool, error) {
	for _, id := range serverIDs(pa.Op) {
		if uuid.IsTemporary(c.resolve(id)) {
			return false, nil
		}
	}

	pending, err := c.queue.Drain(ctx)
	if err != nil {
		return false, err
	}
	ids := make(map[string]bool)
	markEntities(pa, ids, c.resolve)
	for _, other := range pending {
		if other.ID == pa.ID {
			return true, nil
		}
		if touches(other, ids, c.resolve) {
			return false, nil
		}
	}
	// already removed, e.g. by a concurrent replay
	return false, nil
}

// kickReplay starts a background replay pass.
func (c *Coordinator) kickReplay() {
	c.goBackground(func(ctx context.Context) {
		err := c.ReplayPending(ctx)
		if err != nil && !apperrors.Is(err, apperrors.ErrReplayInProgress) {
			logging.Debug("Background replay incomplete", map[string]interface{}{"error": err.Error()})
		}
	})
}

// rollback restores u unless the routine changed again after the
// optimistic write. Callers must hold c.mu.
func (c *Coordinator) rollback(ctx context.Context, u undo) {
	cur := c.col.Find(u.routineID)
	switch {
	case cur != nil && cur.LocalVersion == u.version:
		*cur = u.before
	case cur == nil && c.tombstones[u.routineID] == u.version:
		r := u.before
		idx := u.index
		if idx < 0 || idx > len(c.col.Routines) {
			idx = len(c.col.Routines)
		}
		c.col.Routines = append(c.col.Routines, models.Routine{})
		copy(c.col.Routines[idx+1:], c.col.Routines[idx:])
		c.col.Routines[idx] = r
		delete(c.tombstones, u.routineID)
	default:
		logging.Info("Skipping rollback of routine changed since", map[string]interface{}{
			"routine_id": u.routineID,
		})
		return
	}
	c.touch(u.routineID)
	if err := c.persist(ctx); err != nil {
		c.lastErr = err
	}
}

func isDelete(op models.Action) bool {
	switch op.(type) {
	case models.DeleteRoutine, models.DeleteSlot:
		return true
	}
	return false
}
