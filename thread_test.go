package converge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// threadServer is a scripted REST backend for one conversation.
type threadServer struct {
	mu            sync.Mutex
	history       []Message
	historyResult *Result
	conversation  *Conversation
	sendResult    func(content string) *Result
	abortSend     bool
	historyCalls  int
	sendCalls     int
	readCalls     int
}

func (s *threadServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/conversations/conv-1/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.mu.Lock()
			s.historyCalls++
			scripted := s.historyResult
			history := append([]Message(nil), s.history...)
			s.mu.Unlock()
			if scripted != nil {
				_ = json.NewEncoder(w).Encode(scripted)
				return
			}
			writeOK(w, history)
		case http.MethodPost:
			s.mu.Lock()
			s.sendCalls++
			abort := s.abortSend
			scripted := s.sendResult
			s.mu.Unlock()
			if abort {
				panic(http.ErrAbortHandler)
			}
			var body struct {
				Content string `json:"content"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if scripted != nil {
				_ = json.NewEncoder(w).Encode(scripted(body.Content))
				return
			}
			writeOK(w, msgAt("m-confirmed", testSelf.ID, body.Content, time.Now().Unix()))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/chat/conversations/conv-1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		conv := s.conversation
		s.mu.Unlock()
		if conv == nil {
			writeOK(w, Conversation{ID: "conv-1"})
			return
		}
		writeOK(w, conv)
	})
	mux.HandleFunc("/api/chat/conversations/conv-1/read", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.readCalls++
		s.mu.Unlock()
		writeOK(w, nil)
	})
	return mux
}

func (s *threadServer) setHistory(msgs []Message) {
	s.mu.Lock()
	s.history = msgs
	s.mu.Unlock()
}

func (s *threadServer) historyCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyCalls
}

func (s *threadServer) sendCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

func (s *threadServer) readCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCalls
}

// newThread wires a controller to a scripted backend. Polling stays
// quiet unless the test sets its own interval.
func newThread(t *testing.T, srv *threadServer, ch *fakeChannel, opts *ThreadOptions) (*ThreadController, *MemoryCache, *MemoryQueue) {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	client := NewClient("test-token", WithBaseURL(ts.URL))
	cache := NewMemoryCache(nil)
	queue := NewMemoryQueue()

	if opts == nil {
		opts = &ThreadOptions{}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Hour
	}
	tc := NewThreadController(client, ch, cache, queue, "conv-1", testSelf, opts)
	t.Cleanup(tc.Close)
	return tc, cache, queue
}

// ============================================================================
// Open
// ============================================================================

func TestThreadControllerOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("empty conversation id", func(t *testing.T) {
		tc := NewThreadController(nil, nil, nil, nil, "   ", testSelf, nil)
		if err := tc.Open(ctx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Open() = %v, want ErrNotFound", err)
		}
	})

	t.Run("fetches history and joins", func(t *testing.T) {
		srv := &threadServer{history: []Message{
			msgAt("m-1", "user-other", "hi", 100),
			msgAt("m-2", testSelf.ID, "hello", 200),
		}}
		ch := newFakeChannel(true)
		tc, cache, _ := newThread(t, srv, ch, nil)

		changes := 0
		tc.OnChange(func() { changes++ })

		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}
		if got := tc.Messages(); len(got) != 2 {
			t.Fatalf("Messages() = %v, want 2 entries", messageIDs(got))
		}
		if n := ch.count(EventJoinConversation); n != 1 {
			t.Errorf("join_conversation emitted %d times, want 1", n)
		}
		if _, ok := cache.Get(messagesCacheKey("conv-1")); !ok {
			t.Errorf("history snapshot was not cached")
		}
		if changes == 0 {
			t.Errorf("OnChange was never invoked")
		}
	})

	t.Run("unknown conversation", func(t *testing.T) {
		srv := &threadServer{historyResult: &Result{
			OK:    false,
			Error: &APIError{Code: "NOT_FOUND", Message: "no such conversation"},
		}}
		tc, _, _ := newThread(t, srv, newFakeChannel(true), nil)

		if err := tc.Open(ctx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Open() = %v, want ErrNotFound", err)
		}
	})

	t.Run("serves cached snapshot when fetch fails", func(t *testing.T) {
		cache := NewMemoryCache(nil)
		cache.Set(messagesCacheKey("conv-1"), []Message{msgAt("m-1", "user-other", "hi", 100)})

		tc := NewThreadController(deadAPIClient(t), newFakeChannel(true), cache, NewMemoryQueue(),
			"conv-1", testSelf, &ThreadOptions{PollInterval: time.Hour})
		defer tc.Close()

		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v, want cached fallback", err)
		}
		if got := tc.Messages(); len(got) != 1 || got[0].ID != "m-1" {
			t.Fatalf("Messages() = %v, want the cached snapshot", messageIDs(got))
		}
	})

	t.Run("fails without cache or server", func(t *testing.T) {
		tc := NewThreadController(deadAPIClient(t), newFakeChannel(true), NewMemoryCache(nil), NewMemoryQueue(),
			"conv-1", testSelf, &ThreadOptions{PollInterval: time.Hour})
		defer tc.Close()

		if err := tc.Open(ctx); !errors.Is(err, ErrLoadFailed) {
			t.Fatalf("Open() = %v, want ErrLoadFailed", err)
		}
	})

	t.Run("second open is a no-op", func(t *testing.T) {
		srv := &threadServer{}
		tc, _, _ := newThread(t, srv, newFakeChannel(true), nil)

		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("second Open() = %v", err)
		}
		if n := srv.historyCallCount(); n != 1 {
			t.Errorf("history fetched %d times, want 1", n)
		}
	})
}

// ============================================================================
// Send
// ============================================================================

func TestThreadControllerSend(t *testing.T) {
	ctx := context.Background()

	t.Run("whitespace only is a no-op", func(t *testing.T) {
		srv := &threadServer{}
		tc, _, _ := newThread(t, srv, newFakeChannel(true), nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		outcome, err := tc.Send(ctx, "   \n\t ")
		if err != nil || outcome != SendNone {
			t.Fatalf("Send() = (%v, %v), want (SendNone, nil)", outcome, err)
		}
		if got := tc.Messages(); len(got) != 0 {
			t.Errorf("Messages() = %v, want empty", messageIDs(got))
		}
		if n := srv.sendCallCount(); n != 0 {
			t.Errorf("server received %d sends, want 0", n)
		}
	})

	t.Run("channel send", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(true)
		tc, _, _ := newThread(t, srv, ch, nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		outcome, err := tc.Send(ctx, "hello there")
		if err != nil || outcome != SendSent {
			t.Fatalf("Send() = (%v, %v), want (SendSent, nil)", outcome, err)
		}
		if n := ch.count(EventSendMessage); n != 1 {
			t.Errorf("send_message emitted %d times, want 1", n)
		}
		if n := ch.count(EventTypingStop); n != 1 {
			t.Errorf("typing_stop emitted %d times, want 1", n)
		}
		got := tc.Messages()
		if len(got) != 1 || !IsProvisionalID(got[0].ID) {
			t.Fatalf("Messages() = %v, want one provisional entry", messageIDs(got))
		}
		if n := srv.sendCallCount(); n != 0 {
			t.Errorf("server received %d HTTP sends, want 0", n)
		}
	})

	t.Run("http send reconciles confirmation", func(t *testing.T) {
		srv := &threadServer{}
		tc, _, _ := newThread(t, srv, newFakeChannel(false), nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		outcome, err := tc.Send(ctx, "hello there")
		if err != nil || outcome != SendSent {
			t.Fatalf("Send() = (%v, %v), want (SendSent, nil)", outcome, err)
		}
		got := tc.Messages()
		if len(got) != 1 || got[0].ID != "m-confirmed" {
			t.Fatalf("Messages() = %v, want only the confirmed copy", messageIDs(got))
		}
	})

	t.Run("offline send queues exactly once", func(t *testing.T) {
		srv := &threadServer{}
		tc, _, queue := newThread(t, srv, newFakeChannel(false), &ThreadOptions{
			Online: func() bool { return false },
		})
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		outcome, err := tc.Send(ctx, "see you there")
		if err != nil || outcome != SendQueued {
			t.Fatalf("Send() = (%v, %v), want (SendQueued, nil)", outcome, err)
		}
		if n := queue.Pending(testSelf.ID); n != 1 {
			t.Errorf("Pending() = %d, want 1", n)
		}
		if n := srv.sendCallCount(); n != 0 {
			t.Errorf("server received %d HTTP sends, want 0", n)
		}
		got := tc.Messages()
		if len(got) != 1 || !IsProvisionalID(got[0].ID) {
			t.Fatalf("Messages() = %v, want the optimistic entry", messageIDs(got))
		}
	})

	t.Run("network failure falls back to queue", func(t *testing.T) {
		srv := &threadServer{abortSend: true}
		tc, _, queue := newThread(t, srv, newFakeChannel(false), nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		outcome, err := tc.Send(ctx, "hello there")
		if err != nil || outcome != SendQueued {
			t.Fatalf("Send() = (%v, %v), want (SendQueued, nil)", outcome, err)
		}
		if n := queue.Pending(testSelf.ID); n != 1 {
			t.Errorf("Pending() = %d, want 1", n)
		}
	})

	t.Run("server rejection rolls back", func(t *testing.T) {
		srv := &threadServer{sendResult: func(string) *Result {
			return &Result{OK: false, Error: &APIError{Code: "FORBIDDEN", Message: "not connected to this attendee"}}
		}}
		tc, _, queue := newThread(t, srv, newFakeChannel(false), nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		outcome, err := tc.Send(ctx, "hello there")
		if !errors.Is(err, ErrSendFailed) || outcome != SendNone {
			t.Fatalf("Send() = (%v, %v), want (SendNone, ErrSendFailed)", outcome, err)
		}
		if got := tc.Messages(); len(got) != 0 {
			t.Errorf("Messages() = %v, want rollback to empty", messageIDs(got))
		}
		if n := queue.Pending(testSelf.ID); n != 0 {
			t.Errorf("Pending() = %d, want 0", n)
		}
	})

	t.Run("emit failure falls back to http", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(true)
		ch.emitErr = errors.New("write: broken pipe")
		tc, _, _ := newThread(t, srv, ch, nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		outcome, err := tc.Send(ctx, "hello there")
		if err != nil || outcome != SendSent {
			t.Fatalf("Send() = (%v, %v), want (SendSent, nil)", outcome, err)
		}
		if n := srv.sendCallCount(); n != 1 {
			t.Errorf("server received %d HTTP sends, want 1", n)
		}
	})
}

// ============================================================================
// Receive
// ============================================================================

func TestThreadControllerReceive(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmation replaces provisional without duplicates", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(true)
		tc, _, _ := newThread(t, srv, ch, nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		if _, err := tc.Send(ctx, "hello there"); err != nil {
			t.Fatalf("Send() = %v", err)
		}
		confirmed := msgAt("m-5", testSelf.ID, "hello there", time.Now().Unix())
		ch.deliver(t, EventNewMessage, confirmed)

		got := tc.Messages()
		if len(got) != 1 || got[0].ID != "m-5" {
			t.Fatalf("Messages() = %v, want only m-5", messageIDs(got))
		}

		// The same event arriving again must not duplicate.
		ch.deliver(t, EventNewMessage, confirmed)
		if got := tc.Messages(); len(got) != 1 {
			t.Fatalf("Messages() after duplicate event = %v, want 1", messageIDs(got))
		}
	})

	t.Run("other conversation ignored", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(true)
		tc, _, _ := newThread(t, srv, ch, nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		stray := msgAt("m-9", "user-other", "wrong room", 100)
		stray.ConversationID = "conv-2"
		ch.deliver(t, EventNewMessage, stray)

		if got := tc.Messages(); len(got) != 0 {
			t.Fatalf("Messages() = %v, want empty", messageIDs(got))
		}
	})

	t.Run("messages_read marks own messages", func(t *testing.T) {
		srv := &threadServer{history: []Message{
			msgAt("m-1", testSelf.ID, "hi", 100),
			msgAt("m-2", "user-other", "hey", 200),
		}}
		ch := newFakeChannel(true)
		tc, _, _ := newThread(t, srv, ch, nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		ch.deliver(t, EventMessagesRead, MessagesReadPayload{ConversationID: "conv-1", ReaderID: "user-other"})

		for _, m := range tc.Messages() {
			if m.SenderID == testSelf.ID && !m.IsRead {
				t.Errorf("own message %s not marked read", m.ID)
			}
			if m.SenderID != testSelf.ID && m.IsRead {
				t.Errorf("other participant's message %s marked read", m.ID)
			}
		}
	})
}

// ============================================================================
// Polling
// ============================================================================

func TestThreadControllerPolling(t *testing.T) {
	ctx := context.Background()

	t.Run("polls while disconnected, stops on connect", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(false)
		tc, _, _ := newThread(t, srv, ch, &ThreadOptions{PollInterval: 20 * time.Millisecond})
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		srv.setHistory([]Message{msgAt("m-1", "user-other", "hi", 100)})
		waitFor(t, 2*time.Second, "poll cycle to deliver the message", func() bool {
			return len(tc.Messages()) == 1
		})

		ch.setConnected(true)
		if n := ch.count(EventJoinConversation); n != 1 {
			t.Errorf("join_conversation emitted %d times, want 1", n)
		}

		// An in-flight poll may still land; after that the count must hold.
		time.Sleep(40 * time.Millisecond)
		settled := srv.historyCallCount()
		time.Sleep(100 * time.Millisecond)
		if after := srv.historyCallCount(); after != settled {
			t.Errorf("polling continued after reconnect: %d -> %d", settled, after)
		}
	})

	t.Run("repeated disconnects run one poller", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(false)
		tc, _, _ := newThread(t, srv, ch, &ThreadOptions{PollInterval: 20 * time.Millisecond})
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		ch.setConnected(false)
		ch.setConnected(false)

		time.Sleep(150 * time.Millisecond)
		calls := srv.historyCallCount() - 1 // minus the Open fetch
		if calls < 2 {
			t.Errorf("poller made %d fetches, expected it to be running", calls)
		}
		if calls > 10 {
			t.Errorf("poller made %d fetches in 150ms at 20ms cadence, looks like more than one loop", calls)
		}
	})

	t.Run("close discards late polls", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(false)
		tc, _, _ := newThread(t, srv, ch, &ThreadOptions{PollInterval: 20 * time.Millisecond})
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		waitFor(t, 2*time.Second, "first poll", func() bool {
			return srv.historyCallCount() > 1
		})
		tc.Close()
		srv.setHistory([]Message{msgAt("m-9", "user-other", "late", 900)})

		time.Sleep(80 * time.Millisecond)
		if got := tc.Messages(); len(got) != 0 {
			t.Errorf("Messages() after Close = %v, want empty", messageIDs(got))
		}
	})
}

// ============================================================================
// Typing
// ============================================================================

func TestThreadControllerTyping(t *testing.T) {
	ctx := context.Background()

	t.Run("debounced start and stop", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(true)
		tc, _, _ := newThread(t, srv, ch, &ThreadOptions{TypingIdle: 40 * time.Millisecond})
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		for i := 0; i < 3; i++ {
			tc.Keystroke()
			time.Sleep(10 * time.Millisecond)
		}

		waitFor(t, 2*time.Second, "typing_stop after idle", func() bool {
			return ch.count(EventTypingStop) == 1
		})
		if n := ch.count(EventTypingStart); n != 1 {
			t.Errorf("typing_start emitted %d times, want 1", n)
		}
	})

	t.Run("send suppresses the trailing stop", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(true)
		tc, _, _ := newThread(t, srv, ch, &ThreadOptions{TypingIdle: 40 * time.Millisecond})
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		tc.Keystroke()
		if _, err := tc.Send(ctx, "hello there"); err != nil {
			t.Fatalf("Send() = %v", err)
		}
		if n := ch.count(EventTypingStop); n != 1 {
			t.Fatalf("typing_stop emitted %d times right after send, want 1", n)
		}

		time.Sleep(100 * time.Millisecond)
		if n := ch.count(EventTypingStop); n != 1 {
			t.Errorf("typing_stop emitted %d times after idle, want still 1", n)
		}
	})

	t.Run("remote indicator expires when stop is lost", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(true)
		tc, _, _ := newThread(t, srv, ch, &ThreadOptions{TypingExpiry: 40 * time.Millisecond})
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		ch.deliver(t, EventUserTyping, TypingSignal{ConversationID: "conv-1", UserID: "user-other", IsTyping: true})
		if !tc.RemoteTyping() {
			t.Fatalf("RemoteTyping() = false after user_typing")
		}
		waitFor(t, 2*time.Second, "stuck indicator to expire", func() bool {
			return !tc.RemoteTyping()
		})
	})

	t.Run("remote stop clears the indicator", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(true)
		tc, _, _ := newThread(t, srv, ch, nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		ch.deliver(t, EventUserTyping, TypingSignal{ConversationID: "conv-1", UserID: "user-other", IsTyping: true})
		ch.deliver(t, EventUserStoppedTyping, TypingSignal{ConversationID: "conv-1", UserID: "user-other", IsTyping: false})
		if tc.RemoteTyping() {
			t.Errorf("RemoteTyping() = true after user_stopped_typing")
		}
	})

	t.Run("own echo ignored", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(true)
		tc, _, _ := newThread(t, srv, ch, nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		ch.deliver(t, EventUserTyping, TypingSignal{ConversationID: "conv-1", UserID: testSelf.ID, IsTyping: true})
		if tc.RemoteTyping() {
			t.Errorf("RemoteTyping() = true for the local user's own signal")
		}
	})
}

// ============================================================================
// Read receipts and close
// ============================================================================

func TestThreadControllerMarkRead(t *testing.T) {
	ctx := context.Background()

	srv := &threadServer{conversation: &Conversation{
		ID:               "conv-1",
		OtherParticipant: Participant{ID: "user-other", DisplayName: "Jae Lin"},
		UnreadCount:      3,
	}}
	ch := newFakeChannel(true)
	tc, _, _ := newThread(t, srv, ch, nil)
	if err := tc.Open(ctx); err != nil {
		t.Fatalf("Open() = %v", err)
	}

	if n := srv.readCallCount(); n != 1 {
		t.Errorf("read confirmed %d times during Open, want 1", n)
	}
	if conv := tc.Conversation(); conv == nil || conv.UnreadCount != 0 {
		t.Errorf("Conversation() = %+v, want UnreadCount 0", conv)
	}
	if n := ch.count(EventMarkAsRead); n != 1 {
		t.Errorf("mark_as_read emitted %d times, want 1", n)
	}

	// Repeating the confirmation is harmless.
	tc.MarkRead(ctx)
	if n := srv.readCallCount(); n != 2 {
		t.Errorf("read confirmed %d times, want 2", n)
	}
	if conv := tc.Conversation(); conv == nil || conv.UnreadCount != 0 {
		t.Errorf("Conversation() = %+v, want UnreadCount still 0", conv)
	}
}

func TestThreadControllerClose(t *testing.T) {
	ctx := context.Background()

	t.Run("leave matches join", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(true)
		tc, _, _ := newThread(t, srv, ch, nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		tc.Close()
		tc.Close()
		if n := ch.count(EventLeaveConversation); n != 1 {
			t.Errorf("leave_conversation emitted %d times, want 1", n)
		}
	})

	t.Run("no leave when never joined", func(t *testing.T) {
		srv := &threadServer{}
		ch := newFakeChannel(false)
		tc, _, _ := newThread(t, srv, ch, nil)
		if err := tc.Open(ctx); err != nil {
			t.Fatalf("Open() = %v", err)
		}

		tc.Close()
		if n := ch.count(EventLeaveConversation); n != 0 {
			t.Errorf("leave_conversation emitted %d times, want 0", n)
		}
	})
}
