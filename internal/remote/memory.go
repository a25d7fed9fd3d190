package remote

import (
	"context"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/models"
	"github.com/kimhsiao/routinesync/internal/uuid"
)

// Call records one invocation of a MemoryService method.
type Call struct {
	Method    string
	Key       string
	RoutineID string
	SlotID    string
}

// FailureHook is consulted before every call. A non-nil error is returned
// to the caller and the call is not applied. Hooks may block.
type FailureHook func(ctx context.Context, call Call) error

type cachedResult struct {
	routine models.Routine
	slot    models.Slot
}

// MemoryService is an in-process Service. It backs the development server
// and stands in for a real backend in tests.
type MemoryService struct {
	mu        sync.Mutex
	routines  []models.Routine
	results   map[string]cachedResult
	calls     []Call
	offline   bool
	hook      FailureHook
	now       func() time.Time
	listeners map[int]func(models.ChangeEvent)
	nextID    int
}

var _ Service = (*MemoryService)(nil)

// NewMemoryService creates an empty MemoryService.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		results:   make(map[string]cachedResult),
		now:       time.Now,
		listeners: make(map[int]func(models.ChangeEvent)),
	}
}

// SetOffline makes every call fail with NETWORK_UNAVAILABLE while true.
func (s *MemoryService) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// SetFailureHook installs h; nil removes it.
func (s *MemoryService) SetFailureHook(h FailureHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// SetClock replaces the time source used for CreatedAt.
func (s *MemoryService) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Calls returns the calls made so far, in order.
func (s *MemoryService) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Snapshot returns a copy of the server state.
func (s *MemoryService) Snapshot() models.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Collection{Routines: s.routines}.Clone()
}

// OnChange registers fn for change notifications and returns a function
// removing it. fn runs synchronously after the change is applied.
func (s *MemoryService) OnChange(fn func(models.ChangeEvent)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// begin records the call and runs the offline check and failure hook.
func (s *MemoryService) begin(ctx context.Context, call Call) error {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	offline := s.offline
	hook := s.hook
	s.mu.Unlock()

	if offline {
		return Unavailable("remote service unreachable", nil)
	}
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return Unavailable("request cancelled", err)
	}
	return nil
}

func (s *MemoryService) emit(eventType, routineID, slotID string) {
	s.mu.Lock()
	ev := models.ChangeEvent{
		Type:      eventType,
		RoutineID: routineID,
		SlotID:    slotID,
		Timestamp: s.now().Unix(),
	}
	listeners := make([]func(models.ChangeEvent), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (s *MemoryService) find(id string) int {
	for i := range s.routines {
		if s.routines[i].ID == id {
			return i
		}
	}
	return -1
}

func notFound(what, id string) error {
	return Rejected(http.StatusNotFound, string(apperrors.ErrNotFound), what+" "+id+" not found")
}

func invalid(err error) error {
	return Rejected(http.StatusBadRequest, string(apperrors.ErrInvalid), err.Error())
}

// FetchAll implements Service.
func (s *MemoryService) FetchAll(ctx context.Context) (models.Collection, error) {
	if err := s.begin(ctx, Call{Method: "FetchAll"}); err != nil {
		return models.Collection{}, err
	}
	return s.Snapshot(), nil
}

// Ping implements Service.
func (s *MemoryService) Ping(ctx context.Context) error {
	return s.begin(ctx, Call{Method: "Ping"})
}

// CreateRoutine implements Service.
func (s *MemoryService) CreateRoutine(ctx context.Context, key string, in models.RoutineInput) (models.Routine, error) {
	if err := s.begin(ctx, Call{Method: "CreateRoutine", Key: key}); err != nil {
		return models.Routine{}, err
	}
	if err := in.Validate(); err != nil {
		return models.Routine{}, invalid(err)
	}

	s.mu.Lock()
	if res, ok := s.results[key]; ok && key != "" {
		s.mu.Unlock()
		return res.routine.Clone(), nil
	}
	r := models.Routine{
		ID:        uuid.New(),
		Name:      in.Name,
		Semester:  in.Semester,
		CreatedAt: s.now().Unix(),
		Slots:     []models.Slot{},
	}
	s.routines = append([]models.Routine{r}, s.routines...)
	if key != "" {
		s.results[key] = cachedResult{routine: r.Clone()}
	}
	s.mu.Unlock()

	s.emit(models.EventRoutineCreated, r.ID, "")
	return r.Clone(), nil
}

// UpdateRoutine implements Service.
func (s *MemoryService) UpdateRoutine(ctx context.Context, key, routineID string, patch models.RoutinePatch) (models.Routine, error) {
	if err := s.begin(ctx, Call{Method: "UpdateRoutine", Key: key, RoutineID: routineID}); err != nil {
		return models.Routine{}, err
	}
	if err := patch.Validate(); err != nil {
		return models.Routine{}, invalid(err)
	}

	s.mu.Lock()
	if res, ok := s.results[key]; ok && key != "" {
		s.mu.Unlock()
		return res.routine.Clone(), nil
	}
	i := s.find(routineID)
	if i < 0 {
		s.mu.Unlock()
		return models.Routine{}, notFound("routine", routineID)
	}
	s.routines[i].ApplyPatch(patch)
	r := s.routines[i].Clone()
	if key != "" {
		s.results[key] = cachedResult{routine: r.Clone()}
	}
	s.mu.Unlock()

	s.emit(models.EventRoutineUpdated, routineID, "")
	return r, nil
}

// DeleteRoutine implements Service.
func (s *MemoryService) DeleteRoutine(ctx context.Context, key, routineID string) error {
	if err := s.begin(ctx, Call{Method: "DeleteRoutine", Key: key, RoutineID: routineID}); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.results[key]; ok && key != "" {
		s.mu.Unlock()
		return nil
	}
	i := s.find(routineID)
	if i < 0 {
		s.mu.Unlock()
		return notFound("routine", routineID)
	}
	s.routines = append(s.routines[:i], s.routines[i+1:]...)
	if key != "" {
		s.results[key] = cachedResult{}
	}
	s.mu.Unlock()

	s.emit(models.EventRoutineDeleted, routineID, "")
	return nil
}

// AddSlot implements Service.
func (s *MemoryService) AddSlot(ctx context.Context, key, routineID string, in models.SlotInput) (models.Slot, error) {
	if err := s.begin(ctx, Call{Method: "AddSlot", Key: key, RoutineID: routineID}); err != nil {
		return models.Slot{}, err
	}
	if err := in.Validate(); err != nil {
		return models.Slot{}, invalid(err)
	}

	s.mu.Lock()
	if res, ok := s.results[key]; ok && key != "" {
		s.mu.Unlock()
		return res.slot, nil
	}
	i := s.find(routineID)
	if i < 0 {
		s.mu.Unlock()
		return models.Slot{}, notFound("routine", routineID)
	}
	slot := models.NewSlot(uuid.New(), routineID, in, s.now().Unix())
	s.routines[i].Slots = append(s.routines[i].Slots, slot)
	if key != "" {
		s.results[key] = cachedResult{slot: slot}
	}
	s.mu.Unlock()

	s.emit(models.EventSlotCreated, routineID, slot.ID)
	return slot, nil
}

// UpdateSlot implements Service.
func (s *MemoryService) UpdateSlot(ctx context.Context, key, routineID, slotID string, patch models.SlotPatch) (models.Slot, error) {
	if err := s.begin(ctx, Call{Method: "UpdateSlot", Key: key, RoutineID: routineID, SlotID: slotID}); err != nil {
		return models.Slot{}, err
	}
	if err := patch.Validate(); err != nil {
		return models.Slot{}, invalid(err)
	}

	s.mu.Lock()
	if res, ok := s.results[key]; ok && key != "" {
		s.mu.Unlock()
		return res.slot, nil
	}
	i := s.find(routineID)
	if i < 0 {
		s.mu.Unlock()
		return models.Slot{}, notFound("routine", routineID)
	}
	slot := s.routines[i].FindSlot(slotID)
	if slot == nil {
		s.mu.Unlock()
		return models.Slot{}, notFound("slot", slotID)
	}
	slot.ApplyPatch(patch)
	out := *slot
	if key != "" {
		s.results[key] = cachedResult{slot: out}
	}
	s.mu.Unlock()

	s.emit(models.EventSlotUpdated, routineID, slotID)
	return out, nil
}

// DeleteSlot implements Service.
func (s *MemoryService) DeleteSlot(ctx context.Context, key, routineID, slotID string) error {
	if err := s.begin(ctx, Call{Method: "DeleteSlot", Key: key, RoutineID: routineID, SlotID: slotID}); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.results[key]; ok && key != "" {
		s.mu.Unlock()
		return nil
	}
	i := s.find(routineID)
	if i < 0 {
		s.mu.Unlock()
		return notFound("routine", routineID)
	}
	if !s.routines[i].RemoveSlot(slotID) {
		s.mu.Unlock()
		return notFound("slot", slotID)
	}
	if key != "" {
		s.results[key] = cachedResult{}
	}
	s.mu.Unlock()

	s.emit(models.EventSlotDeleted, routineID, slotID)
	return nil
}
