package sync

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
	"github.com/kimhsiao/routinesync/internal/remote"
	"github.com/kimhsiao/routinesync/internal/sync/queue"
)

// result carries what the server returned for a create.
type result struct {
	routine models.Routine
	slot    models.Slot
}

// execute performs op against the remote service. op must already have its
// ids resolved.
func (c *Coordinator) execute(ctx context.Context, key string, op models.Action) (result, error) {
	var res result
	var err error

	switch op := op.(type) {
	case models.CreateRoutine:
		res.routine, err = c.remote.CreateRoutine(ctx, key, op.Input)
	case models.UpdateRoutine:
		res.routine, err = c.remote.UpdateRoutine(ctx, key, op.RoutineID, op.Patch)
	case models.DeleteRoutine:
		err = c.remote.DeleteRoutine(ctx, key, op.RoutineID)
	case models.AddSlot:
		res.slot, err = c.remote.AddSlot(ctx, key, op.RoutineID, op.Input)
	case models.UpdateSlot:
		res.slot, err = c.remote.UpdateSlot(ctx, key, op.RoutineID, op.SlotID, op.Patch)
	case models.DeleteSlot:
		err = c.remote.DeleteSlot(ctx, key, op.RoutineID, op.SlotID)
	default:
		err = apperrors.Newf(apperrors.ErrInternal, "unknown action %T", op)
	}
	return res, err
}

// complete records a confirmed action and then removes it from the queue.
// For creates the temporary id is swapped for the server's everywhere, and
// the alias and renamed collection are durable before the entry is dropped:
// an entry that outlives a crash is replayed under the same idempotency key
// and resolves through the saved alias. Callers must hold c.mu.
func (c *Coordinator) complete(ctx context.Context, pa models.PendingAction, res result) error {
	switch op := pa.Op.(type) {
	case models.CreateRoutine:
		serverID := res.routine.ID
		if err := c.alias(ctx, op.TempID, serverID); err != nil {
			return err
		}
		// a refresh may already have brought in the server copy
		if c.col.IndexOf(op.TempID) >= 0 {
			c.col.Remove(serverID)
		}
		c.col.RenameID(op.TempID, serverID)
		if r := c.col.Find(serverID); r != nil {
			r.CreatedAt = res.routine.CreatedAt
		}
		if v, ok := c.tombstones[op.TempID]; ok {
			delete(c.tombstones, op.TempID)
			c.tombstones[serverID] = v
		}

	case models.AddSlot:
		serverID := res.slot.ID
		if err := c.alias(ctx, op.TempID, serverID); err != nil {
			return err
		}
		if r := c.col.Find(c.resolve(op.RoutineID)); r != nil {
			if r.IndexOfSlot(op.TempID) >= 0 {
				r.RemoveSlot(serverID)
			}
			if s := r.FindSlot(op.TempID); s != nil {
				s.ID = serverID
				s.CreatedAt = res.slot.CreatedAt
			}
		}
	}

	if id := affectedRoutine(pa.Op, c.resolve); c.col.Find(id) != nil {
		c.touch(id)
	}
	if err := c.persist(ctx); err != nil {
		return err
	}
	if err := c.queue.Remove(ctx, pa.ID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	c.refreshPending(ctx)
	if c.pending == 0 {
		if err := c.pruneAliases(ctx, nil); err != nil {
			logging.Warn("Failed to prune id aliases", map[string]interface{}{"error": err.Error()})
		}
	}

	logging.Debug("Pending action confirmed", map[string]interface{}{
		"id":   pa.ID,
		"kind": string(pa.Op.Kind()),
	})
	return nil
}

func (c *Coordinator) alias(ctx context.Context, tempID, serverID string) error {
	if tempID == serverID {
		return nil
	}
	prev, had := c.aliases[tempID]
	c.aliases[tempID] = serverID
	if err := c.saveAliases(ctx); err != nil {
		if had {
			c.aliases[tempID] = prev
		} else {
			delete(c.aliases, tempID)
		}
		return err
	}
	return nil
}

// ReplayPending sends queued actions to the server in FIFO order. An action
// that fails stays queued and every later action on the same entities is
// held back for the rest of the pass. A call made while a replay is already
// running returns ErrReplayInProgress and makes the running replay do one
// more pass.
//
// When any action failed, the returned error carries a PartialSyncError
// listing the failures of the final pass.
func (c *Coordinator) ReplayPending(ctx context.Context) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}
	if !c.monitor.IsOnline() {
		return remote.Unavailable("cannot replay while offline", nil)
	}

	for {
		if !c.replaying.CompareAndSwap(false, true) {
			c.rerun.Store(true)
			return apperrors.New(apperrors.ErrReplayInProgress, "replay already running")
		}

		var err error
		for {
			c.rerun.Store(false)
			err = c.replayPass(ctx)
			if !c.rerun.Load() || ctx.Err() != nil || !c.monitor.IsOnline() {
				break
			}
		}
		c.replaying.Store(false)

		// a caller may have asked for another pass after the last check
		if !c.rerun.Load() || ctx.Err() != nil || !c.monitor.IsOnline() {
			return err
		}
	}
}

func (c *Coordinator) replayPass(ctx context.Context) error {
	c.mu.Lock()
	pending, err := c.queue.Drain(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	logging.Info("Replaying pending actions", map[string]interface{}{"count": len(pending)})

	var attempted int
	failures := make(map[string]error)
	blocked := make(map[string]bool)
	now := c.now()

replay:
	for _, pa := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		if c.inflight[pa.ID] || touches(pa, blocked, c.resolve) {
			markEntities(pa, blocked, c.resolve)
			c.mu.Unlock()
			continue
		}
		if !queue.Ready(pa, now) {
			markEntities(pa, blocked, c.resolve)
			if pa.Status == models.PendingStatusExhausted {
				attempted++
				failures[pa.ID] = errors.New(pa.LastError)
			}
			c.mu.Unlock()
			continue
		}
		c.inflight[pa.ID] = true
		op := resolveAction(pa.Op, c.resolve)
		c.mu.Unlock()

		attempted++
		res, err := c.execute(ctx, pa.IdempotencyKey, op)

		c.mu.Lock()
		delete(c.inflight, pa.ID)

		switch {
		case err == nil, isDelete(pa.Op) && remote.IsNotFound(err):
			err = c.complete(ctx, pa, res)
			c.mu.Unlock()
			if err != nil {
				return err
			}

		case apperrors.Is(err, apperrors.ErrNetworkUnavailable):
			c.markFailed(ctx, pa, err, false)
			failures[pa.ID] = err
			c.mu.Unlock()
			c.notify()
			break replay

		default:
			c.markFailed(ctx, pa, err, apperrors.Is(err, apperrors.ErrRemoteRejected))
			failures[pa.ID] = err
			markEntities(pa, blocked, c.resolve)
			c.mu.Unlock()
		}
		c.notify()
	}

	c.mu.Lock()
	if rest, err := c.queue.Drain(ctx); err == nil {
		if err := c.pruneAliases(ctx, rest); err != nil {
			logging.Warn("Failed to prune id aliases", map[string]interface{}{"error": err.Error()})
		}
		c.pending = len(rest)
	}
	c.mu.Unlock()
	c.notify()

	if len(failures) == 0 {
		logging.Info("Pending actions replayed", map[string]interface{}{"count": attempted})
		return nil
	}

	partial := &apperrors.PartialSyncError{Attempted: attempted, Failures: failures}
	logging.Warn("Replay finished with failures", map[string]interface{}{
		"attempted": attempted,
		"failed":    len(failures),
	})
	return apperrors.Wrap(apperrors.ErrPartialSyncFailure,
		fmt.Sprintf("%d pending actions could not be replayed", len(failures)), partial)
}

// markFailed records a failed attempt. Callers must hold c.mu.
func (c *Coordinator) markFailed(ctx context.Context, pa models.PendingAction, cause error, permanent bool) {
	exhausted, err := c.queue.MarkFailed(ctx, pa.ID, cause, permanent)
	if err != nil {
		logging.Error("Failed to record replay failure", err, map[string]interface{}{"id": pa.ID})
		return
	}
	if exhausted {
		logging.ErrorWithCode("Pending action exhausted", string(apperrors.CodeOf(cause)), cause, map[string]interface{}{
			"id":   pa.ID,
			"kind": string(pa.Op.Kind()),
		})
	}
}

// TriggerManualSync re-arms exhausted actions, replays the queue and
// refreshes from the server.
func (c *Coordinator) TriggerManualSync(ctx context.Context) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	n, err := c.queue.RetryAll(ctx)
	if err != nil {
		return err
	}
	logging.Info("Manual sync requested", map[string]interface{}{"rearmed": n})

	replayErr := c.ReplayPending(ctx)
	if apperrors.Is(replayErr, apperrors.ErrReplayInProgress) {
		replayErr = nil
	}

	loadErr := c.Load(ctx)
	if replayErr != nil {
		return replayErr
	}
	return loadErr
}
