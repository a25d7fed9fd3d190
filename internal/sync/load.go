package sync

import (
	"context"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
)

// Load refreshes the collection. Online, the server copy is fetched, queued
// actions are re-applied on top of it and routines changed locally while
// the fetch was in flight are merged back in. When the fetch fails the
// cached collection is kept and a NetworkUnavailable warning is returned.
// Offline, the collection is read from the local cache.
//
// Only the most recently started Load may replace the collection; an older
// one that finishes later is discarded.
func (c *Coordinator) Load(ctx context.Context) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.loadGen++
	gen := c.loadGen
	since := c.seq
	c.loading++
	c.mu.Unlock()
	c.notify()

	defer func() {
		c.mu.Lock()
		c.loading--
		c.mu.Unlock()
		c.notify()
	}()

	if !c.monitor.IsOnline() {
		return c.loadFromCache(ctx)
	}

	server, err := c.remote.FetchAll(ctx)
	if err != nil {
		warn := apperrors.Wrap(apperrors.ErrNetworkUnavailable, "refresh failed, showing stale data", err)
		c.setWarning(warn)
		logging.Warn("Refresh failed, keeping cached collection", map[string]interface{}{
			"error": err.Error(),
		})
		return warn
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.loadGen {
		logging.Debug("Discarding superseded refresh", map[string]interface{}{"generation": gen})
		return nil
	}

	pending, err := c.queue.Drain(ctx)
	if err != nil {
		return err
	}

	rebased := server.Clone()
	for i := range rebased.Routines {
		if rebased.Routines[i].Slots == nil {
			rebased.Routines[i].Slots = []models.Slot{}
		}
	}
	for _, pa := range pending {
		applyAction(&rebased, pa, c.resolve)
	}

	c.col = c.resolver.Merge(rebased, c.col, since, c.tombstones)
	for id, v := range c.tombstones {
		if v <= since {
			delete(c.tombstones, id)
		}
	}
	c.pending = len(pending)
	c.lastErr = nil

	logging.Debug("Collection refreshed", map[string]interface{}{
		"routines": c.col.Len(),
		"pending":  len(pending),
	})
	return c.persist(ctx)
}

func (c *Coordinator) loadFromCache(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	col, readErr := c.cache.Read(ctx)
	if readErr != nil && !apperrors.Is(readErr, apperrors.ErrStorageCorrupt) {
		return readErr
	}

	if col.Routines == nil {
		col.Routines = []models.Routine{}
	}
	pending, err := c.queue.Drain(ctx)
	if err != nil {
		return err
	}
	for _, pa := range pending {
		applyAction(&col, pa, c.resolve)
	}

	c.col = col
	c.pending = len(pending)
	c.lastErr = readErr
	return readErr
}
