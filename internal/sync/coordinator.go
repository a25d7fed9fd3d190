// Package sync keeps a local, durable copy of the routine collection usable
// while the remote service is unreachable, and reconciles queued offline
// mutations with the server once connectivity returns.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
	"github.com/kimhsiao/routinesync/internal/remote"
	"github.com/kimhsiao/routinesync/internal/storage"
	"github.com/kimhsiao/routinesync/internal/sync/cache"
	"github.com/kimhsiao/routinesync/internal/sync/conflict"
	"github.com/kimhsiao/routinesync/internal/sync/connectivity"
	"github.com/kimhsiao/routinesync/internal/sync/queue"
)

// Connectivity is the part of connectivity.Monitor the coordinator uses.
type Connectivity interface {
	IsOnline() bool
	Subscribe(l connectivity.Listener) (unsubscribe func())
}

// Snapshot is an immutable view of the coordinator's observable state.
type Snapshot struct {
	Collection   models.Collection
	IsLoading    bool
	LastError    error
	IsOffline    bool
	PendingCount int
}

// Options configures a Coordinator.
type Options struct {
	Remote  remote.Service
	Store   storage.KeyValueStore
	Monitor Connectivity

	Queue    queue.Config
	Strategy conflict.ResolutionStrategy

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Coordinator is the single entry point for reading and mutating routines.
//
// All state lives behind mu and every change to it happens while mu is
// held; mu is never held across a remote call. Each local change bumps a
// mutation sequence number recorded on the routine it touched (or in a
// tombstone when the routine was removed), which lets a refresh tell which
// routines changed while its fetch was in flight.
type Coordinator struct {
	remote   remote.Service
	store    storage.KeyValueStore
	monitor  Connectivity
	cache    *cache.LocalCache
	queue    *queue.PendingActionQueue
	resolver *conflict.Resolver
	now      func() time.Time

	mu         gosync.Mutex
	ready      bool
	col        models.Collection
	seq        uint64
	tombstones map[string]uint64
	aliases    map[string]string
	inflight   map[string]bool
	loadGen    uint64
	loading    int
	lastErr    error
	pending    int

	subMu       gosync.Mutex
	subscribers map[int]func(Snapshot)
	nextSub     int

	replaying atomic.Bool
	rerun     atomic.Bool

	bg          gosync.WaitGroup
	bgCtx       context.Context
	unsubscribe func()
}

// New creates a Coordinator. Nothing is read from storage until the first
// operation or Start.
func New(opts Options) *Coordinator {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	q := queue.New(opts.Store, opts.Queue)
	q.SetClock(now)

	strategy := opts.Strategy
	if strategy == "" {
		strategy = conflict.ResolutionStrategyLastWriteWins
	}

	return &Coordinator{
		remote:      opts.Remote,
		store:       opts.Store,
		monitor:     opts.Monitor,
		cache:       cache.New(opts.Store),
		queue:       q,
		resolver:    conflict.NewResolver(strategy),
		now:         now,
		col:         models.Collection{Routines: []models.Routine{}},
		tombstones:  make(map[string]uint64),
		aliases:     make(map[string]string),
		inflight:    make(map[string]bool),
		subscribers: make(map[int]func(Snapshot)),
		bgCtx:       context.Background(),
	}
}

// Queue returns the pending action queue.
func (c *Coordinator) Queue() *queue.PendingActionQueue {
	return c.queue
}

// Start loads local state and wires connectivity transitions: each
// offline-to-online transition replays the queue and then refreshes.
// Call Stop to detach.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.unsubscribe != nil {
		c.mu.Unlock()
		return nil
	}
	c.bgCtx = context.WithoutCancel(ctx)
	c.unsubscribe = c.monitor.Subscribe(func(s connectivity.Status) {
		c.notify()
		if s != connectivity.StatusOnline {
			return
		}
		c.goBackground(func(ctx context.Context) {
			c.reconnect(ctx)
		})
	})
	c.mu.Unlock()

	logging.Info("Sync coordinator started", map[string]interface{}{
		"online": c.monitor.IsOnline(),
	})
	return nil
}

// Stop detaches from connectivity events and waits for background work.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.bg.Wait()
}

// WaitIdle blocks until background replays and refreshes have finished.
func (c *Coordinator) WaitIdle() {
	c.bg.Wait()
}

func (c *Coordinator) goBackground(fn func(ctx context.Context)) {
	c.mu.Lock()
	ctx := c.bgCtx
	c.mu.Unlock()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn(ctx)
	}()
}

// reconnect replays queued actions and then refreshes from the server.
func (c *Coordinator) reconnect(ctx context.Context) {
	logging.Info("Connectivity restored, replaying pending actions")
	if err := c.ReplayPending(ctx); err != nil && !apperrors.Is(err, apperrors.ErrReplayInProgress) {
		logging.Warn("Replay after reconnect incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := c.Load(ctx); err != nil {
		logging.Warn("Refresh after reconnect failed", map[string]interface{}{"error": err.Error()})
	}
}

// ensureLoaded reads the cached collection, the alias table and the queue
// on first use. Queued actions are re-applied over the cached collection so
// that an action persisted just before a crash is never lost from view.
func (c *Coordinator) ensureLoaded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return nil
	}

	col, err := c.cache.Read(ctx)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrStorageCorrupt) {
			return err
		}
		c.lastErr = err
	}

	aliases, err := c.loadAliases(ctx)
	if err != nil {
		return err
	}
	c.aliases = aliases

	pending, err := c.queue.Drain(ctx)
	if err != nil {
		return err
	}
	if col.Routines == nil {
		col.Routines = []models.Routine{}
	}
	for _, pa := range pending {
		applyAction(&col, pa, c.resolve)
	}
	for i := range col.Routines {
		if v := col.Routines[i].LocalVersion; v > c.seq {
			c.seq = v
		}
	}

	c.col = col
	c.pending = len(pending)
	c.ready = true

	logging.Debug("Local state loaded", map[string]interface{}{
		"routines": col.Len(),
		"pending":  len(pending),
	})
	return nil
}

// persist writes the in-memory collection to the cache.
// Callers must hold c.mu.
func (c *Coordinator) persist(ctx context.Context) error {
	// sequence numbers are only meaningful to this process
	if err := c.cache.Write(ctx, c.col.StripLocal()); err != nil {
		logging.Error("Failed to persist collection", err)
		return err
	}
	return nil
}

// refreshPending updates the cached queue length.
// Callers must hold c.mu.
func (c *Coordinator) refreshPending(ctx context.Context) {
	n, err := c.queue.Len(ctx)
	if err != nil {
		logging.Warn("Failed to read pending action count", map[string]interface{}{"error": err.Error()})
		return
	}
	c.pending = n
}

// touch records a local change to routineID and returns its sequence number.
// Callers must hold c.mu.
func (c *Coordinator) touch(routineID string) uint64 {
	c.seq++
	if r := c.col.Find(routineID); r != nil {
		r.LocalVersion = c.seq
	} else {
		c.tombstones[routineID] = c.seq
	}
	return c.seq
}

// setWarning records err as the latest non-fatal problem.
func (c *Coordinator) setWarning(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// State returns a deep copy of the observable state.
func (c *Coordinator) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		Collection:   c.col.Clone(),
		IsLoading:    c.loading > 0,
		LastError:    c.lastErr,
		IsOffline:    !c.monitor.IsOnline(),
		PendingCount: c.pending,
	}
}

// Subscribe registers fn to receive a snapshot after every state change and
// returns a function removing it.
func (c *Coordinator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

// notify delivers the current snapshot to subscribers. It must be called
// without c.mu held.
func (c *Coordinator) notify() {
	c.subMu.Lock()
	if len(c.subscribers) == 0 {
		c.subMu.Unlock()
		return
	}
	subs := make([]func(Snapshot), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	snap := c.State()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("State subscriber panicked", fmt.Errorf("%v", r))
				}
			}()
			fn(snap)
		}()
	}
}

// Routine returns the current local copy of routineID.
func (c *Coordinator) Routine(ctx context.Context, routineID string) (models.Routine, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return models.Routine{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.col.Find(c.resolve(routineID))
	if r == nil {
		return models.Routine{}, apperrors.Newf(apperrors.ErrNotFound, "routine %s not found", routineID)
	}
	return r.Clone(), nil
}
