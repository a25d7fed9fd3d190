// Package connectivity tracks whether the remote service is believed
// reachable and notifies listeners of transitions.
package connectivity

import (
	"context"
	"fmt"
	"sync"

	"github.com/kimhsiao/routinesync/internal/logging"
)

// Status is the effective connectivity state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Listener receives connectivity transitions.
type Listener func(Status)

// Monitor combines a platform signal, an application heartbeat and an
// optional override into a single online/offline status. It performs no
// network I/O of its own.
//
// The effective status is the override when set; otherwise it is online
// only while both the platform signal and the last heartbeat are healthy.
type Monitor struct {
	mu        sync.Mutex
	platform  bool
	heartbeat bool
	override  *bool
	current   Status

	listeners map[int]Listener
	nextID    int
}

// NewMonitor creates a Monitor with the given initial platform status and a
// healthy heartbeat.
func NewMonitor(platformOnline bool) *Monitor {
	m := &Monitor{
		platform:  platformOnline,
		heartbeat: true,
		listeners: make(map[int]Listener),
	}
	m.current = m.effective()
	return m
}

func (m *Monitor) effective() Status {
	online := m.platform && m.heartbeat
	if m.override != nil {
		online = *m.override
	}
	if online {
		return StatusOnline
	}
	return StatusOffline
}

// IsOnline reports the current effective status. It never blocks on I/O.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == StatusOnline
}

// Status returns the current effective status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers l for transitions and returns a function removing it.
// Listeners are called synchronously, outside the monitor's lock, in no
// particular order.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// SetPlatformStatus records the platform's network signal.
func (m *Monitor) SetPlatformStatus(online bool) {
	m.update(func() { m.platform = online })
}

// ReportHeartbeat records the outcome of an application-level probe.
func (m *Monitor) ReportHeartbeat(ok bool) {
	m.update(func() { m.heartbeat = ok })
}

// SetOverride forces the effective status; nil clears the override.
func (m *Monitor) SetOverride(online *bool) {
	m.update(func() {
		if online == nil {
			m.override = nil
			return
		}
		v := *online
		m.override = &v
	})
}

// Watch feeds platform signals from ch into the monitor until ctx is done
// or ch is closed.
func (m *Monitor) Watch(ctx context.Context, ch <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			m.SetPlatformStatus(online)
		}
	}
}

func (m *Monitor) update(mutate func()) {
	m.mu.Lock()
	mutate()
	next := m.effective()
	if next == m.current {
		m.mu.Unlock()
		return
	}
	m.current = next
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{
		"status": string(next),
	})
	for _, l := range listeners {
		notify(l, next)
	}
}

// notify calls l, containing any panic so one listener cannot starve others.
func notify(l Listener, s Status) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Connectivity listener panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"status": string(s),
			})
		}
	}()
	l(s)
}
