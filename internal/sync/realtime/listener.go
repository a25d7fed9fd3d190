package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
)

// Loader refreshes the local collection from the server.
type Loader interface {
	Load(ctx context.Context) error
}

// Connectivity reports the effective network status.
type Connectivity interface {
	IsOnline() bool
}

// Listener triggers a refresh when the server announces a change. Events
// received while offline are ignored; events arriving within Window of the
// first one are folded into a single refresh.
type Listener struct {
	channel PushChannel
	loader  Loader
	monitor Connectivity
	window  time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	refreshes int
}

// DefaultWindow is the coalescing window used when none is given.
const DefaultWindow = 250 * time.Millisecond

// NewListener creates a Listener. window <= 0 selects DefaultWindow.
func NewListener(channel PushChannel, loader Loader, monitor Connectivity, window time.Duration) *Listener {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Listener{
		channel: channel,
		loader:  loader,
		monitor: monitor,
		window:  window,
	}
}

// Start subscribes to the channel and processes events until Stop or ctx
// ends.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	events, err := l.channel.Subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}

	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, events, l.done)
	return nil
}

// Stop ends the subscription and waits for an in-flight refresh.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Refreshes returns how many refreshes the listener has triggered.
func (l *Listener) Refreshes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshes
}

func (l *Listener) run(ctx context.Context, events <-chan models.ChangeEvent, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	var fire <-chan time.Time
	burst := 0

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if !l.monitor.IsOnline() {
				logging.Debug("Ignoring change event while offline", map[string]interface{}{"type": ev.Type})
				continue
			}
			burst++
			if timer == nil {
				timer = time.NewTimer(l.window)
				fire = timer.C
			}

		case <-fire:
			timer, fire = nil, nil
			l.refresh(ctx, burst)
			burst = 0
		}
	}
}

func (l *Listener) refresh(ctx context.Context, burst int) {
	if !l.monitor.IsOnline() {
		return
	}

	l.mu.Lock()
	l.refreshes++
	l.mu.Unlock()

	logging.Debug("Refreshing after server change", map[string]interface{}{"events": burst})
	if err := l.loader.Load(ctx); err != nil {
		logging.Warn("Refresh after server change failed", map[string]interface{}{"error": err.Error()})
	}
}
