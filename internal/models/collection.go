package models

// Collection is the ordered set of routines, most recent first.
type Collection struct {
	Routines []Routine `json:"routines"`
}

// Len returns the number of routines.
func (c Collection) Len() int {
	return len(c.Routines)
}

// Clone returns a deep copy of c.
func (c Collection) Clone() Collection {
	out := Collection{Routines: make([]Routine, len(c.Routines))}
	for i, r := range c.Routines {
		out.Routines[i] = r.Clone()
	}
	return out
}

// Clone returns a deep copy of r.
func (r Routine) Clone() Routine {
	if r.Slots != nil {
		slots := make([]Slot, len(r.Slots))
		copy(slots, r.Slots)
		r.Slots = slots
	}
	return r
}

// IndexOf returns the position of the routine with id, or -1.
func (c *Collection) IndexOf(id string) int {
	for i := range c.Routines {
		if c.Routines[i].ID == id {
			return i
		}
	}
	return -1
}

// Find returns a pointer into c for the routine with id, or nil.
func (c *Collection) Find(id string) *Routine {
	if i := c.IndexOf(id); i >= 0 {
		return &c.Routines[i]
	}
	return nil
}

// Prepend inserts r at the front.
func (c *Collection) Prepend(r Routine) {
	c.Routines = append([]Routine{r}, c.Routines...)
}

// Remove deletes the routine with id and reports whether it existed.
func (c *Collection) Remove(id string) bool {
	i := c.IndexOf(id)
	if i < 0 {
		return false
	}
	c.Routines = append(c.Routines[:i], c.Routines[i+1:]...)
	return true
}

// IndexOfSlot returns the position of the slot with id, or -1.
func (r *Routine) IndexOfSlot(id string) int {
	for i := range r.Slots {
		if r.Slots[i].ID == id {
			return i
		}
	}
	return -1
}

// FindSlot returns a pointer into r for the slot with id, or nil.
func (r *Routine) FindSlot(id string) *Slot {
	if i := r.IndexOfSlot(id); i >= 0 {
		return &r.Slots[i]
	}
	return nil
}

// RemoveSlot deletes the slot with id and reports whether it existed.
func (r *Routine) RemoveSlot(id string) bool {
	i := r.IndexOfSlot(id)
	if i < 0 {
		return false
	}
	r.Slots = append(r.Slots[:i], r.Slots[i+1:]...)
	return true
}

// RenameID replaces every occurrence of from with to: routine ids, slot ids
// and slot foreign keys. It reports whether anything changed.
func (c *Collection) RenameID(from, to string) bool {
	changed := false
	for i := range c.Routines {
		r := &c.Routines[i]
		if r.ID == from {
			r.ID = to
			changed = true
		}
		for j := range r.Slots {
			s := &r.Slots[j]
			if s.ID == from {
				s.ID = to
				changed = true
			}
			if s.RoutineID == from {
				s.RoutineID = to
				changed = true
			}
		}
	}
	return changed
}

// StripLocal returns a copy without engine-only bookkeeping, for comparing
// against server state.
func (c Collection) StripLocal() Collection {
	out := c.Clone()
	for i := range out.Routines {
		out.Routines[i].LocalVersion = 0
	}
	return out
}
