// Package queue provides the durable log of mutations made while the remote
// service was unreachable, with bounded retry and exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
	"github.com/kimhsiao/routinesync/internal/storage"
	"github.com/kimhsiao/routinesync/internal/uuid"
)

// StoreKey is the store key holding the pending action log.
const StoreKey = "pending_actions"

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the number of failed replays after which an entry is
	// marked exhausted.
	MaxAttempts int

	// BackoffBase is the delay after the first failure; it doubles with
	// every further failure up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the retry settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

type document struct {
	Actions []models.PendingAction `json:"actions"`
}

// PendingActionQueue is an append-only FIFO log of pending actions persisted
// as a single document. Every operation is a read-modify-write of that
// document under q.mu, so the store always holds a complete log.
type PendingActionQueue struct {
	store storage.KeyValueStore
	key   string
	cfg   Config
	now   func() time.Time

	mu sync.Mutex
}

// New creates a queue persisted in store.
func New(store storage.KeyValueStore, cfg Config) *PendingActionQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	return &PendingActionQueue{
		store: store,
		key:   StoreKey,
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetClock replaces the queue's time source.
func (q *PendingActionQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// load reads the log. A log that cannot be decoded is moved aside under a
// ".corrupt" key so its contents can be recovered by hand, and an empty log
// is returned in its place.
func (q *PendingActionQueue) load(ctx context.Context) ([]models.PendingAction, error) {
	data, ok, err := q.store.Get(ctx, q.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending actions: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		backupKey := fmt.Sprintf("%s.corrupt.%d", q.key, q.now().Unix())
		logging.ErrorWithCode("Pending action log is unreadable, moving it aside",
			string(apperrors.ErrStorageCorrupt), err, map[string]interface{}{
				"backup_key": backupKey,
				"bytes":      len(data),
			})
		if err := q.store.Set(ctx, backupKey, data); err != nil {
			return nil, fmt.Errorf("failed to back up corrupt pending actions: %w", err)
		}
		if err := q.save(ctx, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return doc.Actions, nil
}

func (q *PendingActionQueue) save(ctx context.Context, actions []models.PendingAction) error {
	if actions == nil {
		actions = []models.PendingAction{}
	}
	data, err := json.Marshal(document{Actions: actions})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode pending actions", err)
	}
	if err := q.store.Set(ctx, q.key, data); err != nil {
		return fmt.Errorf("failed to write pending actions: %w", err)
	}
	return nil
}

// Enqueue appends a to the log. Missing bookkeeping fields (id, idempotency
// key, sequence, creation time, status) are filled in. The entry is durable
// when Enqueue returns nil.
func (q *PendingActionQueue) Enqueue(ctx context.Context, a models.PendingAction) error {
	if a.Op == nil {
		return apperrors.New(apperrors.ErrInvalid, "pending action has no operation")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return err
	}

	var maxSeq uint64
	for _, existing := range actions {
		if existing.Seq > maxSeq {
			maxSeq = existing.Seq
		}
	}

	if a.ID == "" {
		a.ID = uuid.New()
	}
	if a.IdempotencyKey == "" {
		a.IdempotencyKey = uuid.NewIdempotencyKey()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = q.now().UnixMilli()
	}
	if a.Status == "" {
		a.Status = models.PendingStatusPending
	}
	a.Seq = maxSeq + 1

	if err := q.save(ctx, append(actions, a)); err != nil {
		return err
	}

	logging.Debug("Enqueued pending action", map[string]interface{}{
		"id":   a.ID,
		"kind": string(a.Op.Kind()),
		"seq":  a.Seq,
	})
	return nil
}

// Drain returns every entry in FIFO order without removing any.
func (q *PendingActionQueue) Drain(ctx context.Context) ([]models.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = []models.PendingAction{}
	}
	return actions, nil
}

// Remove deletes the entry with id after its remote call was confirmed.
func (q *PendingActionQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return err
	}
	for i := range actions {
		if actions[i].ID == id {
			actions = append(actions[:i], actions[i+1:]...)
			return q.save(ctx, actions)
		}
	}
	return apperrors.Newf(apperrors.ErrNotFound, "pending action %s not found", id)
}

// MarkFailed records a failed replay of entry id. A transient failure
// schedules a retry with exponential backoff; a permanent failure, or
// reaching MaxAttempts, marks the entry exhausted. Exhausted entries are
// kept until RetryAll. It reports whether the entry is now exhausted.
func (q *PendingActionQueue) MarkFailed(ctx context.Context, id string, cause error, permanent bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return false, err
	}

	idx := -1
	for i := range actions {
		if actions[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, apperrors.Newf(apperrors.ErrNotFound, "pending action %s not found", id)
	}

	item := &actions[idx]
	item.Attempts++
	if cause != nil {
		item.LastError = cause.Error()
	}

	if permanent || item.Attempts >= q.cfg.MaxAttempts {
		item.Status = models.PendingStatusExhausted
		item.NextAttemptAt = 0
		logging.Warn("Pending action exhausted", map[string]interface{}{
			"id":        id,
			"kind":      string(item.Op.Kind()),
			"attempts":  item.Attempts,
			"permanent": permanent,
			"error":     item.LastError,
		})
	} else {
		delay := calculateBackoff(item.Attempts, q.cfg.BackoffBase, q.cfg.BackoffMax)
		item.NextAttemptAt = q.now().Add(delay).UnixMilli()
		logging.Info("Pending action failed, retry scheduled", map[string]interface{}{
			"id":       id,
			"kind":     string(item.Op.Kind()),
			"attempt":  item.Attempts,
			"max":      q.cfg.MaxAttempts,
			"retry_in": delay.String(),
			"error":    item.LastError,
		})
	}

	if err := q.save(ctx, actions); err != nil {
		return false, err
	}
	return item.Status == models.PendingStatusExhausted, nil
}

// calculateBackoff returns base * 2^(attempts-1), capped at max.
func calculateBackoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		delay = max
	}
	return delay
}

// RetryAll makes every entry due immediately, resetting exhausted entries
// to pending with a fresh attempt budget. It returns how many entries were
// reset from exhausted.
func (q *PendingActionQueue) RetryAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	if len(actions) == 0 {
		return 0, nil
	}

	count := 0
	for i := range actions {
		item := &actions[i]
		if item.Status == models.PendingStatusExhausted {
			item.Status = models.PendingStatusPending
			item.Attempts = 0
			count++
		}
		item.NextAttemptAt = 0
	}

	if err := q.save(ctx, actions); err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Info("Reset exhausted pending actions for retry", map[string]interface{}{
			"count": count,
		})
	}
	return count, nil
}

// Len returns the number of entries, exhausted ones included.
func (q *PendingActionQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(actions), nil
}

// Stats returns entry counts keyed by "total", "pending", "waiting" (pending
// but in backoff) and "exhausted".
func (q *PendingActionQueue) Stats(ctx context.Context) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"total":     0,
		"pending":   0,
		"waiting":   0,
		"exhausted": 0,
	}
	now := q.now().UnixMilli()
	for _, item := range actions {
		stats["total"]++
		switch item.Status {
		case models.PendingStatusExhausted:
			stats["exhausted"]++
		default:
			stats["pending"]++
			if item.NextAttemptAt > now {
				stats["waiting"]++
			}
		}
	}
	return stats, nil
}

// Ready reports whether a is eligible for automatic replay at now.
func Ready(a models.PendingAction, now time.Time) bool {
	return a.Status != models.PendingStatusExhausted && a.NextAttemptAt <= now.UnixMilli()
}
