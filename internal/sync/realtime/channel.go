// Package realtime refreshes the local collection when the server announces
// a change.
package realtime

import (
	"context"
	"sync"

	"github.com/kimhsiao/routinesync/internal/models"
)

// PushChannel delivers server change notifications. The returned channel is
// closed when ctx is done.
type PushChannel interface {
	Subscribe(ctx context.Context) (<-chan models.ChangeEvent, error)
}

// ChangeSource is an in-process publisher of change events, such as
// remote.MemoryService.
type ChangeSource interface {
	OnChange(fn func(models.ChangeEvent)) (unsubscribe func())
}

// LocalChannel is a PushChannel over an in-process ChangeSource.
type LocalChannel struct {
	source ChangeSource
	buffer int
}

// NewLocalChannel creates a LocalChannel.
func NewLocalChannel(source ChangeSource) *LocalChannel {
	return &LocalChannel{source: source, buffer: 64}
}

// Subscribe implements PushChannel. Events arriving while the buffer is
// full are dropped; the receiver refreshes everything on any event, so the
// buffered ones already cover them.
func (c *LocalChannel) Subscribe(ctx context.Context) (<-chan models.ChangeEvent, error) {
	out := make(chan models.ChangeEvent, c.buffer)

	var mu sync.Mutex
	closed := false

	unsubscribe := c.source.OnChange(func(ev models.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- ev:
		default:
		}
	})

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()

	return out, nil
}
