package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
)

// WSConfig configures a WSChannel.
type WSConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Dialer             *websocket.Dialer
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// envelope is the server's push message.
type envelope struct {
	Type string `json:"type"`
	Data struct {
		RoutineID string `json:"routine_id"`
		SlotID    string `json:"slot_id"`
	} `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// WSChannel is a PushChannel reading change envelopes from a WebSocket. It
// reconnects with exponential backoff until the subscription ends.
type WSChannel struct {
	config WSConfig

	mu        sync.Mutex
	connected bool
}

// NewWSChannel creates a WSChannel.
func NewWSChannel(config WSConfig) *WSChannel {
	config.defaults()
	return &WSChannel{config: config}
}

// WebSocketURL derives the push endpoint from the REST base URL.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Connected reports whether a connection is currently open.
func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *WSChannel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Subscribe implements PushChannel. Only an invalid URL fails; an
// unreachable server is retried in the background.
func (c *WSChannel) Subscribe(ctx context.Context) (<-chan models.ChangeEvent, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("invalid websocket URL %q", c.config.URL)
	}

	out := make(chan models.ChangeEvent, 64)
	go c.run(ctx, out)
	return out, nil
}

func (c *WSChannel) run(ctx context.Context, out chan<- models.ChangeEvent) {
	defer close(out)

	recon := &reconnector{baseDelay: c.config.ReconnectBaseDelay, maxDelay: c.config.ReconnectMaxDelay}
	for {
		conn, _, err := c.config.Dialer.DialContext(ctx, c.config.URL, nil)
		if err == nil {
			recon.markConnected()
			c.setConnected(true)
			logging.Info("Realtime channel connected", map[string]interface{}{"url": c.config.URL})

			err = c.read(ctx, conn, out)
			c.setConnected(false)
		}
		if ctx.Err() != nil {
			return
		}

		delay := recon.nextDelay()
		logging.Warn("Realtime channel disconnected, reconnecting", map[string]interface{}{
			"error":   err.Error(),
			"attempt": recon.attempt,
			"delay":   delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// read forwards change events until the connection fails or ctx ends.
func (c *WSChannel) read(ctx context.Context, conn *websocket.Conn, out chan<- models.ChangeEvent) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Debug("Ignoring undecodable push message", map[string]interface{}{"error": err.Error()})
			continue
		}
		if !isChangeEvent(env.Type) {
			continue
		}

		ev := models.ChangeEvent{
			Type:      env.Type,
			RoutineID: env.Data.RoutineID,
			SlotID:    env.Data.SlotID,
			Timestamp: env.Timestamp,
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isChangeEvent(t string) bool {
	return strings.HasPrefix(t, "routine.") || strings.HasPrefix(t, "slot.")
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns base * 2^attempt plus up to 50% jitter, capped at
// maxDelay. A connection that stayed up for a minute resets the count.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
