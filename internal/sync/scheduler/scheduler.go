// Package scheduler runs the background work that keeps the local
// collection in step with the server: a heartbeat feeding the connectivity
// monitor and a periodic replay of queued actions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/logging"
	syncpkg "github.com/kimhsiao/routinesync/internal/sync"
	"github.com/kimhsiao/routinesync/internal/sync/queue"
)

// Engine is the part of the sync coordinator the scheduler drives.
type Engine interface {
	ReplayPending(ctx context.Context) error
	TriggerManualSync(ctx context.Context) error
	State() syncpkg.Snapshot
}

// Prober checks that the remote service answers.
type Prober interface {
	Ping(ctx context.Context) error
}

// Heartbeat receives probe results.
type Heartbeat interface {
	ReportHeartbeat(ok bool)
	IsOnline() bool
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine            Engine
	prober            Prober
	monitor           Heartbeat
	queue             *queue.PendingActionQueue
	heartbeatInterval time.Duration
	retryInterval     time.Duration
	probeTimeout      time.Duration
	stopCh            chan struct{}
	wg                sync.WaitGroup
	mu                sync.RWMutex
	isRunning         bool
	lastSyncTime      time.Time
	lastHeartbeat     time.Time
	heartbeatOK       bool
	syncInProgress    bool
	replayInProgress  bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	HeartbeatInterval time.Duration // How often to ping the server (default: 30 seconds)
	RetryInterval     time.Duration // How often to replay due actions (default: 1 minute)
	ProbeTimeout      time.Duration // Per-ping deadline (default: 5 seconds)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		HeartbeatInterval: 30 * time.Second,
		RetryInterval:     1 * time.Minute,
		ProbeTimeout:      5 * time.Second,
	}
}

// NewScheduler creates a new Scheduler. q may be nil; it is only used for
// status reporting.
func NewScheduler(engine Engine, prober Prober, monitor Heartbeat, q *queue.PendingActionQueue, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}

	return &Scheduler{
		engine:            engine,
		prober:            prober,
		monitor:           monitor,
		queue:             q,
		heartbeatInterval: config.HeartbeatInterval,
		retryInterval:     config.RetryInterval,
		probeTimeout:      config.ProbeTimeout,
		stopCh:            make(chan struct{}),
		heartbeatOK:       true,
	}
}

// Start starts the heartbeat and replay loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.heartbeatLoop(ctx)
	go s.replayLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"heartbeat_interval": s.heartbeatInterval.String(),
		"retry_interval":     s.retryInterval.String(),
	})
}

// Stop stops the scheduler and waits for its loops to exit. A stopped
// scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	s.probe(ctx)

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

// probe pings the server once and reports the outcome. Only a network
// failure counts against the heartbeat: a server that answers with an
// error is reachable.
func (s *Scheduler) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	err := s.prober.Ping(probeCtx)
	ok := err == nil || !errors.Is(err, errors.ErrNetworkUnavailable)

	s.mu.Lock()
	changed := ok != s.heartbeatOK
	s.heartbeatOK = ok
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	if changed {
		fields := map[string]interface{}{"reachable": ok}
		if err != nil {
			fields["error"] = err.Error()
		}
		logging.Info("Heartbeat changed", fields)
	}
	s.monitor.ReportHeartbeat(ok)
}

func (s *Scheduler) replayLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.monitor.IsOnline() {
				continue
			}
			if s.engine.State().PendingCount == 0 {
				continue
			}
			s.runReplay(ctx)
		}
	}
}

// runReplay replays due actions. Entries still backing off are skipped by
// the coordinator.
func (s *Scheduler) runReplay(ctx context.Context) {
	s.mu.Lock()
	if s.replayInProgress || s.syncInProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping", nil)
		return
	}
	s.replayInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.replayInProgress = false
		s.mu.Unlock()
	}()

	err := s.engine.ReplayPending(ctx)
	switch {
	case err == nil:
		s.mu.Lock()
		s.lastSyncTime = time.Now()
		s.mu.Unlock()
	case errors.Is(err, errors.ErrReplayInProgress):
	default:
		logging.ErrorWithCode("Periodic replay incomplete", string(errors.CodeOf(err)), err,
			map[string]interface{}{"interval": s.retryInterval.String()})
	}
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning        bool
	IsOnline         bool
	HeartbeatOK      bool
	LastHeartbeat    *time.Time
	LastSyncTime     *time.Time
	SyncInProgress   bool
	ReplayInProgress bool
	PendingItems     int
	QueueStats       map[string]int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:        s.isRunning,
		HeartbeatOK:      s.heartbeatOK,
		SyncInProgress:   s.syncInProgress,
		ReplayInProgress: s.replayInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastHeartbeat.IsZero() {
		t := s.lastHeartbeat
		status.LastHeartbeat = &t
	}
	s.mu.RUnlock()

	status.IsOnline = s.monitor.IsOnline()
	status.PendingItems = s.engine.State().PendingCount
	if s.queue != nil {
		stats, err := s.queue.Stats(ctx)
		if err != nil {
			logging.Warn("Failed to read queue stats", map[string]interface{}{"error": err.Error()})
		} else {
			status.QueueStats = stats
		}
	}
	return status
}

// SyncNow runs a manual sync and waits for it: exhausted actions are
// re-armed, the queue is replayed and the collection refreshed.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if err := s.engine.TriggerManualSync(syncCtx); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Manual sync completed", map[string]interface{}{
		"pending": s.engine.State().PendingCount,
	})
	return nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
