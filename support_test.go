package converge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

var testSelf = Participant{ID: "user-me", DisplayName: "Mina Park", Organization: "Northstar Labs"}

// fakeChannel is an in-memory Channel for controller tests. Events are
// delivered synchronously, mirroring the production dispatcher.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	emits     []fakeEmit
	handlers  map[string][]EventHandler
	onState   []func(bool)
}

type fakeEmit struct {
	event   string
	payload any
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{
		connected: connected,
		handlers:  make(map[string][]EventHandler),
	}
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, fakeEmit{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) On(event string, h EventHandler) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	f.mu.Unlock()
}

func (f *fakeChannel) Off(event string) {
	f.mu.Lock()
	delete(f.handlers, event)
	f.mu.Unlock()
}

func (f *fakeChannel) OnStateChange(h func(connected bool)) {
	f.mu.Lock()
	f.onState = append(f.onState, h)
	f.mu.Unlock()
}

// deliver simulates a server event arriving on the channel.
func (f *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	handlers := append([]EventHandler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

// setConnected flips the connection state and notifies subscribers.
func (f *fakeChannel) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	handlers := append(([]func(bool))(nil), f.onState...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(connected)
	}
}

// count returns how many times event was emitted.
func (f *fakeChannel) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", d, what)
}

func writeOK(w http.ResponseWriter, data any) {
	res := Result{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		res.Data = raw
	}
	_ = json.NewEncoder(w).Encode(res)
}

func writeAPIError(w http.ResponseWriter, code, message string) {
	_ = json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: message}})
}

// deadAPIClient returns a client pointed at an address that refuses
// connections, so every request fails at the transport level.
func deadAPIClient(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	return NewClient("test-token", WithBaseURL(srv.URL))
}

func msgAt(id, sender, content string, unix int64) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        content,
		SentAt:         time.Unix(unix, 0).UTC(),
	}
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
