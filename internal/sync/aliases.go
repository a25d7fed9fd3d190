package sync

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
)

// AliasKey is the store key of the temporary-to-server id table.
const AliasKey = "id_aliases"

// loadAliases reads the alias table. An unreadable table is treated as empty.
func (c *Coordinator) loadAliases(ctx context.Context) (map[string]string, error) {
	aliases := make(map[string]string)
	data, ok, err := c.store.Get(ctx, AliasKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read id aliases: %w", err)
	}
	if !ok {
		return aliases, nil
	}
	if err := json.Unmarshal(data, &aliases); err != nil {
		logging.ErrorWithCode("Discarding unreadable id alias table", string(apperrors.ErrStorageCorrupt), err)
		return make(map[string]string), nil
	}
	return aliases, nil
}

func (c *Coordinator) saveAliases(ctx context.Context) error {
	data, err := json.Marshal(c.aliases)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode id aliases", err)
	}
	if err := c.store.Set(ctx, AliasKey, data); err != nil {
		return fmt.Errorf("failed to write id aliases: %w", err)
	}
	return nil
}

// resolve maps a temporary id to its server id once one is known.
// Callers must hold c.mu.
func (c *Coordinator) resolve(id string) string {
	if to, ok := c.aliases[id]; ok {
		return to
	}
	return id
}

// pruneAliases drops aliases no queued action refers to any more.
// Callers must hold c.mu.
func (c *Coordinator) pruneAliases(ctx context.Context, pending []models.PendingAction) error {
	if len(c.aliases) == 0 {
		return nil
	}
	referenced := make(map[string]bool)
	for _, pa := range pending {
		for _, id := range pa.Op.EntityIDs() {
			referenced[id] = true
		}
	}
	changed := false
	for from := range c.aliases {
		if !referenced[from] {
			delete(c.aliases, from)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return c.saveAliases(ctx)
}
