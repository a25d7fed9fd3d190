// Package conflict decides which copy of a routine survives when a refresh
// from the server races with local edits.
package conflict

import (
	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// ResolutionStrategyLastWriteWins keeps the local copy: a local edit made
	// after the fetch started is newer than anything the fetch returned.
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"

	// ResolutionStrategyServerWins always keeps the fetched copy.
	ResolutionStrategyServerWins ResolutionStrategy = "server_wins"
)

// ParseStrategy returns the strategy named s, defaulting to last-write-wins.
func ParseStrategy(s string) ResolutionStrategy {
	if ResolutionStrategy(s) == ResolutionStrategyServerWins {
		return ResolutionStrategyServerWins
	}
	return ResolutionStrategyLastWriteWins
}

// Resolver merges fetched server state with local state.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{strategy: strategy}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Conflict is a routine changed locally while a fetch was in flight.
type Conflict struct {
	RoutineID    string
	Local        *models.Routine
	Remote       *models.Routine // nil when the fetch did not return it
	LocalVersion uint64
	Since        uint64
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Winner     *models.Routine // nil means drop the routine
	Resolution string
}

// DetectConflict reports whether local was changed after the mutation
// sequence number since.
func (r *Resolver) DetectConflict(local, remote *models.Routine, since uint64) (*Conflict, bool) {
	if local == nil || local.LocalVersion <= since {
		return nil, false
	}
	if remote != nil && remote.ID != local.ID {
		return nil, false
	}
	return &Conflict{
		RoutineID:    local.ID,
		Local:        local,
		Remote:       remote,
		LocalVersion: local.LocalVersion,
		Since:        since,
	}, true
}

// Resolve picks the surviving copy of a conflicting routine.
func (r *Resolver) Resolve(c *Conflict) ResolveResult {
	switch {
	case r.strategy == ResolutionStrategyServerWins && c.Remote != nil:
		return ResolveResult{Winner: c.Remote, Resolution: "remote_wins"}
	case r.strategy == ResolutionStrategyServerWins:
		return ResolveResult{Winner: c.Local, Resolution: "local_only"}
	default:
		return ResolveResult{Winner: c.Local, Resolution: "local_wins"}
	}
}

// Merge returns server with local edits newer than since laid over it.
//
//   - routines deleted locally after since (tombstones) are dropped;
//   - routines changed locally after since replace their fetched copy;
//   - routines changed locally after since that the fetch did not return
//     are kept at the front, in local order.
//
// server is not modified.
func (r *Resolver) Merge(server, local models.Collection, since uint64, tombstones map[string]uint64) models.Collection {
	out := server.Clone()

	for id, seq := range tombstones {
		if seq > since && out.Remove(id) {
			logging.Debug("Dropping routine deleted during refresh", map[string]interface{}{
				"routine_id": id,
			})
		}
	}

	var fresh []models.Routine
	for i := range local.Routines {
		lr := &local.Routines[i]
		idx := out.IndexOf(lr.ID)
		var remote *models.Routine
		if idx >= 0 {
			remote = &out.Routines[idx]
		}

		conflict, ok := r.DetectConflict(lr, remote, since)
		if !ok {
			continue
		}
		result := r.Resolve(conflict)

		logging.Debug("Resolved refresh conflict", map[string]interface{}{
			"routine_id":    lr.ID,
			"local_version": lr.LocalVersion,
			"since":         since,
			"resolution":    result.Resolution,
		})

		switch {
		case result.Winner == nil:
			if idx >= 0 {
				out.Remove(lr.ID)
			}
		case idx >= 0:
			out.Routines[idx] = result.Winner.Clone()
		default:
			fresh = append(fresh, result.Winner.Clone())
		}
	}

	if len(fresh) > 0 {
		out.Routines = append(fresh, out.Routines...)
	}
	return out
}
