// Package cache persists the last known collection snapshot so the engine
// can serve reads without the network.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
	"github.com/kimhsiao/routinesync/internal/storage"
)

const (
	// SnapshotKey is the store key holding the collection snapshot.
	SnapshotKey = "collection"

	// SchemaVersion is the envelope version written by this package.
	SchemaVersion = 1
)

type envelope struct {
	Schema     int               `json:"schema"`
	SavedAt    int64             `json:"saved_at"`
	Collection models.Collection `json:"collection"`
}

// LocalCache reads and writes the collection snapshot through a
// KeyValueStore. It never performs network I/O.
type LocalCache struct {
	store storage.KeyValueStore
	key   string
	now   func() time.Time
}

// New creates a LocalCache over store.
func New(store storage.KeyValueStore) *LocalCache {
	return &LocalCache{
		store: store,
		key:   SnapshotKey,
		now:   time.Now,
	}
}

// Read returns the persisted collection, or an empty one if nothing has
// been written yet. Undecodable bytes yield an empty collection together
// with a STORAGE_CORRUPT error; callers may treat that as a warning.
func (c *LocalCache) Read(ctx context.Context) (models.Collection, error) {
	data, ok, err := c.store.Get(ctx, c.key)
	if err != nil {
		return models.Collection{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if !ok {
		return models.Collection{}, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn("Discarding corrupt collection snapshot", map[string]interface{}{
			"bytes": len(data),
			"error": err.Error(),
		})
		return models.Collection{}, apperrors.Wrap(apperrors.ErrStorageCorrupt, "collection snapshot is unreadable", err)
	}
	if env.Schema != SchemaVersion {
		return models.Collection{}, apperrors.Newf(apperrors.ErrStorageCorrupt,
			"collection snapshot has unsupported schema %d", env.Schema)
	}
	if env.Collection.Routines == nil {
		env.Collection.Routines = []models.Routine{}
	}
	return env.Collection, nil
}

// Write replaces the persisted snapshot with col in a single store Set.
func (c *LocalCache) Write(ctx context.Context, col models.Collection) error {
	if col.Routines == nil {
		col.Routines = []models.Routine{}
	}
	data, err := json.Marshal(envelope{
		Schema:     SchemaVersion,
		SavedAt:    c.now().Unix(),
		Collection: col,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode snapshot", err)
	}
	if err := c.store.Set(ctx, c.key, data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
