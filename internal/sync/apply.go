package sync

import (
	"github.com/kimhsiao/routinesync/internal/models"
)

// applyAction applies the operation carried by pa to col, resolving every id
// through resolve first. Targets that do not exist are skipped and creates
// of ids that already exist are ignored, so applying an action that col
// already reflects changes nothing. Offline mutations, cache recovery and
// the rebase after a refresh all go through this one function.
func applyAction(col *models.Collection, pa models.PendingAction, resolve func(string) string) {
	createdAt := pa.CreatedAt / 1000

	switch op := pa.Op.(type) {
	case models.CreateRoutine:
		id := resolve(op.TempID)
		if col.Find(id) != nil {
			return
		}
		col.Prepend(models.Routine{
			ID:        id,
			Name:      op.Input.Name,
			Semester:  op.Input.Semester,
			CreatedAt: createdAt,
			Slots:     []models.Slot{},
		})

	case models.UpdateRoutine:
		if r := col.Find(resolve(op.RoutineID)); r != nil {
			r.ApplyPatch(op.Patch)
		}

	case models.DeleteRoutine:
		col.Remove(resolve(op.RoutineID))

	case models.AddSlot:
		r := col.Find(resolve(op.RoutineID))
		if r == nil {
			return
		}
		slotID := resolve(op.TempID)
		if r.FindSlot(slotID) != nil {
			return
		}
		r.Slots = append(r.Slots, models.NewSlot(slotID, r.ID, op.Input, createdAt))

	case models.UpdateSlot:
		r := col.Find(resolve(op.RoutineID))
		if r == nil {
			return
		}
		if s := r.FindSlot(resolve(op.SlotID)); s != nil {
			s.ApplyPatch(op.Patch)
		}

	case models.DeleteSlot:
		if r := col.Find(resolve(op.RoutineID)); r != nil {
			r.RemoveSlot(resolve(op.SlotID))
		}
	}
}

// affectedRoutine returns the (resolved) id of the routine op changes.
func affectedRoutine(op models.Action, resolve func(string) string) string {
	switch op := op.(type) {
	case models.CreateRoutine:
		return resolve(op.TempID)
	case models.UpdateRoutine:
		return resolve(op.RoutineID)
	case models.DeleteRoutine:
		return resolve(op.RoutineID)
	case models.AddSlot:
		return resolve(op.RoutineID)
	case models.UpdateSlot:
		return resolve(op.RoutineID)
	case models.DeleteSlot:
		return resolve(op.RoutineID)
	}
	return ""
}

// touches reports whether any resolved entity id of pa is in set.
func touches(pa models.PendingAction, set map[string]bool, resolve func(string) string) bool {
	for _, id := range pa.Op.EntityIDs() {
		if set[resolve(id)] {
			return true
		}
	}
	return false
}

// markEntities adds every resolved entity id of pa to set.
func markEntities(pa models.PendingAction, set map[string]bool, resolve func(string) string) {
	for _, id := range pa.Op.EntityIDs() {
		set[resolve(id)] = true
	}
}

// serverIDs lists the ids op sends to the server. All of them must have
// been confirmed before op can be sent.
func serverIDs(op models.Action) []string {
	switch op := op.(type) {
	case models.CreateRoutine:
		return nil
	case models.AddSlot:
		return []string{op.RoutineID}
	}
	return op.EntityIDs()
}

// resolveAction returns op with every id resolved.
func resolveAction(op models.Action, resolve func(string) string) models.Action {
	switch op := op.(type) {
	case models.UpdateRoutine:
		op.RoutineID = resolve(op.RoutineID)
		return op
	case models.DeleteRoutine:
		op.RoutineID = resolve(op.RoutineID)
		return op
	case models.AddSlot:
		op.RoutineID = resolve(op.RoutineID)
		return op
	case models.UpdateSlot:
		op.RoutineID = resolve(op.RoutineID)
		op.SlotID = resolve(op.SlotID)
		return op
	case models.DeleteSlot:
		op.RoutineID = resolve(op.RoutineID)
		op.SlotID = resolve(op.SlotID)
		return op
	}
	return op
}
