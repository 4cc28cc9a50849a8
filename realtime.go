package converge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Channel
// ============================================================================

// EventHandler receives the raw payload of a channel event.
type EventHandler func(payload json.RawMessage)

// Channel is the bidirectional event channel the chat controllers
// depend on. One channel exists per authenticated session and is shared
// by every controller; it is passed in as a dependency rather than read
// from a package global so each controller stays independently
// testable. The production implementation is RealtimeClient.
type Channel interface {
	// Connected reports the channel state, observable synchronously.
	Connected() bool
	// Emit sends an event to the server. It fails when disconnected.
	Emit(event string, payload any) error
	// On registers a handler for a named server event.
	On(event string, h EventHandler)
	// Off removes all handlers for a named server event.
	Off(event string)
	// OnStateChange registers a handler invoked on every
	// connected/disconnected transition.
	OnStateChange(h func(connected bool))
}

// envelope is the wire format for channel events in both directions.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the websocket channel client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	onState  []func(bool)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]EventHandler),
	}
}

func (d *eventDispatcher) on(event string, h EventHandler) {
	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], h)
	d.mu.Unlock()
}

func (d *eventDispatcher) off(event string) {
	d.mu.Lock()
	delete(d.handlers, event)
	d.mu.Unlock()
}

func (d *eventDispatcher) onStateChange(h func(bool)) {
	d.mu.Lock()
	d.onState = append(d.onState, h)
	d.mu.Unlock()
}

// dispatch runs handlers synchronously, in registration order. Events
// for one connection arrive from a single read loop, so handlers see
// server events in arrival order.
func (d *eventDispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.handlers[event]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (d *eventDispatcher) emitState(connected bool) {
	d.mu.RLock()
	handlers := append([]func(bool){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(connected)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

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

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the WebSocket implementation of Channel, with
// optional auto-reconnect.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	connected        bool
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

var _ Channel = (*RealtimeClient)(nil)

// NewRealtimeClient creates a channel client. Call Connect to establish
// the connection.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// Connected reports whether the channel is live.
func (rc *RealtimeClient) Connected() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.connected
}

// On registers a handler for a named server event.
func (rc *RealtimeClient) On(event string, h EventHandler) {
	rc.dispatcher.on(event, h)
}

// Off removes all handlers for a named server event.
func (rc *RealtimeClient) Off(event string) {
	rc.dispatcher.off(event)
}

// OnStateChange registers a connection-state transition handler.
func (rc *RealtimeClient) OnStateChange(h func(connected bool)) {
	rc.dispatcher.onStateChange(h)
}

// Connect establishes the WebSocket connection. Calling Connect on an
// already-connected client is a no-op.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.connected {
		rc.mu.Unlock()
		return nil
	}
	rc.intentionalClose = false
	rc.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, rc.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)

	rc.mu.Lock()
	rc.conn = conn
	rc.connected = true
	rc.cancelFn = cancel
	rc.mu.Unlock()
	rc.recon.markConnected()

	rc.dispatcher.emitState(true)

	go rc.readLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the connection.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	wasConnected := rc.connected
	rc.connected = false
	rc.mu.Unlock()

	if wasConnected {
		rc.dispatcher.emitState(false)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends an event to the server.
func (rc *RealtimeClient) Emit(event string, payload any) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("channel not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(context.Background(), websocket.MessageText, data)
}

func (rc *RealtimeClient) wsURL() string {
	u := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if rc.config.Token != "" {
		u += "?token=" + rc.config.Token
	}
	return u
}

func (rc *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rc.mu.Lock()
		conn := rc.conn
		rc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			wasConnected := rc.connected
			rc.connected = false
			rc.conn = nil
			rc.mu.Unlock()

			if intentional {
				return
			}
			if wasConnected {
				rc.dispatcher.emitState(false)
			}
			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect(ctx)
			}
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rc.dispatcher.dispatch(env.Event, env.Payload)
	}
}

func (rc *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := rc.recon.nextDelay()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	if err := rc.Connect(context.Background()); err != nil {
		if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
			rc.scheduleReconnect(ctx)
		}
	}
}
