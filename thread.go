package converge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Message Thread Controller
// ============================================================================

// SendOutcome describes how a send was dispatched.
type SendOutcome int

const (
	// SendNone means nothing happened: empty input, or the send failed
	// terminally and the optimistic message was rolled back.
	SendNone SendOutcome = iota
	// SendSent means the message went out over the live channel or HTTP.
	SendSent
	// SendQueued means the message was stored in the offline queue; the
	// queue's replayer owns eventual delivery.
	SendQueued
)

// ThreadOptions configures a ThreadController. Zero values take the
// protocol defaults.
type ThreadOptions struct {
	PollInterval time.Duration // history re-fetch cadence while the channel is down; default 3s
	TypingIdle   time.Duration // quiet period before typing_stop; default 2s
	TypingExpiry time.Duration // guard clearing a stuck remote indicator; default 5s
	Online       func() bool   // device connectivity probe; defaults to always-online
	Logger       *slog.Logger
}

// ThreadController owns the ordered message log for exactly one open
// conversation. It mediates every send, receive, and reconciliation:
// optimistic appends, channel events, poll merges, typing indicators,
// and read receipts all pass through it. Log mutations are serialized
// through the controller, so the two receive paths cannot race each
// other into divergent state.
type ThreadController struct {
	conversationID string
	self           Participant
	client         *Client
	channel        Channel
	cache          Cache
	queue          Queue
	logger         *slog.Logger
	online         func() bool

	pollInterval time.Duration
	typingIdle   time.Duration
	typingExpiry time.Duration

	mu           sync.Mutex
	log          []Message
	conversation *Conversation
	remoteTyping bool
	typingSent   bool
	typingTimer  *time.Timer
	expireTimer  *time.Timer
	pollCancel   context.CancelFunc
	joined       bool
	opened       bool
	closed       bool
	onChange     func()
}

// NewThreadController creates a controller for one conversation. All
// collaborators are injected; nothing is read from package globals.
func NewThreadController(client *Client, channel Channel, cache Cache, queue Queue,
	conversationID string, self Participant, opts *ThreadOptions) *ThreadController {

	tc := &ThreadController{
		conversationID: conversationID,
		self:           self,
		client:         client,
		channel:        channel,
		cache:          cache,
		queue:          queue,
		logger:         slog.Default(),
		online:         func() bool { return true },
		pollInterval:   3 * time.Second,
		typingIdle:     2 * time.Second,
		typingExpiry:   5 * time.Second,
	}
	if opts != nil {
		if opts.PollInterval > 0 {
			tc.pollInterval = opts.PollInterval
		}
		if opts.TypingIdle > 0 {
			tc.typingIdle = opts.TypingIdle
		}
		if opts.TypingExpiry > 0 {
			tc.typingExpiry = opts.TypingExpiry
		}
		if opts.Online != nil {
			tc.online = opts.Online
		}
		if opts.Logger != nil {
			tc.logger = opts.Logger
		}
	}
	return tc
}

// OnChange registers a callback invoked after every visible state
// change (log mutation, typing flag). Set it before Open.
func (tc *ThreadController) OnChange(h func()) {
	tc.mu.Lock()
	tc.onChange = h
	tc.mu.Unlock()
}

// Messages returns a copy of the current message log in display order.
func (tc *ThreadController) Messages() []Message {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]Message(nil), tc.log...)
}

// Conversation returns the conversation metadata, if loaded.
func (tc *ThreadController) Conversation() *Conversation {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.conversation == nil {
		return nil
	}
	c := *tc.conversation
	return &c
}

// RemoteTyping reports whether the other participant is typing.
func (tc *ThreadController) RemoteTyping() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.remoteTyping
}

// ============================================================================
// Open / Close
// ============================================================================

// Open loads the conversation and brings the controller live: history
// fetch (cache fallback on failure), best-effort mark-read, room join,
// event subscriptions, and the polling supervisor.
func (tc *ThreadController) Open(ctx context.Context) error {
	if strings.TrimSpace(tc.conversationID) == "" {
		return ErrNotFound
	}
	tc.mu.Lock()
	if tc.opened || tc.closed {
		tc.mu.Unlock()
		return nil
	}
	tc.opened = true
	tc.mu.Unlock()

	if err := tc.loadHistory(ctx); err != nil {
		return err
	}
	tc.loadConversation(ctx)
	tc.MarkRead(ctx)

	tc.channel.On(EventNewMessage, tc.handleNewMessage)
	tc.channel.On(EventUserTyping, tc.handleUserTyping)
	tc.channel.On(EventUserStoppedTyping, tc.handleUserStoppedTyping)
	tc.channel.On(EventMessagesRead, tc.handleMessagesRead)
	tc.channel.OnStateChange(tc.handleChannelState)

	if tc.channel.Connected() {
		tc.joinRoom()
	} else {
		tc.startPolling()
	}
	return nil
}

// Close leaves the room, unsubscribes, and cancels polling. Poll
// responses arriving after Close are discarded. Every successful join
// gets exactly one matching leave.
func (tc *ThreadController) Close() {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	tc.closed = true
	if tc.pollCancel != nil {
		tc.pollCancel()
		tc.pollCancel = nil
	}
	if tc.typingTimer != nil {
		tc.typingTimer.Stop()
		tc.typingTimer = nil
	}
	if tc.expireTimer != nil {
		tc.expireTimer.Stop()
		tc.expireTimer = nil
	}
	joined := tc.joined
	tc.joined = false
	tc.mu.Unlock()

	if joined {
		if err := tc.channel.Emit(EventLeaveConversation, RoomPayload{ConversationID: tc.conversationID}); err != nil {
			tc.logger.Warn("leave room failed", "conversation", tc.conversationID, "err", err)
		}
	}
	tc.channel.Off(EventNewMessage)
	tc.channel.Off(EventUserTyping)
	tc.channel.Off(EventUserStoppedTyping)
	tc.channel.Off(EventMessagesRead)
}

func (tc *ThreadController) loadHistory(ctx context.Context) error {
	var msgs []Message
	fetchErr := func() error {
		res, err := tc.client.Chat().Messages.History(ctx, tc.conversationID)
		if err != nil {
			return err
		}
		if !res.OK {
			if res.Error != nil {
				if res.Error.Code == "NOT_FOUND" {
					return ErrNotFound
				}
				return res.Error
			}
			return errors.New("history fetch rejected")
		}
		return res.Decode(&msgs)
	}()

	if fetchErr == nil {
		tc.mu.Lock()
		tc.log = msgs
		tc.mu.Unlock()
		tc.cache.Set(messagesCacheKey(tc.conversationID), msgs)
		tc.notifyChange()
		return nil
	}
	if errors.Is(fetchErr, ErrNotFound) {
		return ErrNotFound
	}

	if entry, ok := tc.cache.Get(messagesCacheKey(tc.conversationID)); ok {
		var cached []Message
		if json.Unmarshal(entry.Data, &cached) == nil {
			tc.mu.Lock()
			tc.log = cached
			tc.mu.Unlock()
			tc.logger.Warn("thread fetch failed, serving cached snapshot",
				"conversation", tc.conversationID, "cachedAt", entry.Timestamp, "err", fetchErr)
			tc.notifyChange()
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrLoadFailed, fetchErr)
}

// loadConversation fetches metadata for the open thread. Non-fatal: the
// message log renders without it.
func (tc *ThreadController) loadConversation(ctx context.Context) {
	res, err := tc.client.Chat().Conversations.Get(ctx, tc.conversationID)
	if err != nil || !res.OK {
		tc.logger.Warn("conversation metadata fetch failed", "conversation", tc.conversationID, "err", err)
		return
	}
	var conv Conversation
	if res.Decode(&conv) != nil || conv.ID == "" {
		return
	}
	tc.mu.Lock()
	tc.conversation = &conv
	tc.mu.Unlock()
}

// MarkRead confirms the read action for this conversation. Idempotent;
// failures are logged and swallowed, never surfaced.
func (tc *ThreadController) MarkRead(ctx context.Context) {
	res, err := tc.client.Chat().Conversations.MarkAsRead(ctx, tc.conversationID)
	if err != nil || !res.OK {
		tc.logger.Warn("mark read failed", "conversation", tc.conversationID, "err", err)
		return
	}
	if tc.channel.Connected() {
		_ = tc.channel.Emit(EventMarkAsRead, RoomPayload{ConversationID: tc.conversationID})
	}
	tc.mu.Lock()
	if tc.conversation != nil {
		tc.conversation.UnreadCount = 0
	}
	tc.mu.Unlock()
}

// ============================================================================
// Sending
// ============================================================================

// Send dispatches a message. Whitespace-only content is a no-op. The
// optimistic message is appended before any network activity, then
// dispatched by priority: live channel, offline queue, HTTP. A terminal
// HTTP failure rolls the optimistic message back and returns
// ErrSendFailed.
func (tc *ThreadController) Send(ctx context.Context, content string) (SendOutcome, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return SendNone, nil
	}

	msg := Message{
		ID:             NewProvisionalID(),
		ConversationID: tc.conversationID,
		SenderID:       tc.self.ID,
		Content:        content,
		SentAt:         time.Now().UTC(),
	}
	tc.appendMessage(msg)

	if tc.channel.Connected() {
		err := tc.channel.Emit(EventSendMessage, SendMessagePayload{
			ConversationID: tc.conversationID,
			SenderID:       tc.self.ID,
			Content:        content,
		})
		if err == nil {
			_ = tc.channel.Emit(EventTypingStop, TypingSignal{
				ConversationID: tc.conversationID, UserID: tc.self.ID, IsTyping: false,
			})
			tc.clearTypingState()
			return SendSent, nil
		}
		// Emit raced a disconnect; fall through to the HTTP path.
	}

	if !tc.online() {
		return tc.enqueueSend(msg)
	}

	res, err := tc.client.Chat().Messages.Send(ctx, tc.conversationID, content)
	if err != nil {
		if IsNetworkError(err) {
			return tc.enqueueSend(msg)
		}
		tc.removeMessage(msg.ID)
		return SendNone, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if !res.OK {
		tc.removeMessage(msg.ID)
		if res.Error != nil {
			return SendNone, fmt.Errorf("%w: %v", ErrSendFailed, res.Error)
		}
		return SendNone, ErrSendFailed
	}

	// The response usually carries the confirmed copy; reconcile now
	// rather than waiting for the next poll cycle.
	var confirmed Message
	if res.Decode(&confirmed) == nil && confirmed.ID != "" && !IsProvisionalID(confirmed.ID) {
		tc.applyIncoming([]Message{confirmed})
	}
	return SendSent, nil
}

func (tc *ThreadController) enqueueSend(msg Message) (SendOutcome, error) {
	err := tc.queue.Add(tc.self.ID, OpSendMessage, QueuedSend{
		ConversationID: tc.conversationID,
		Content:        msg.Content,
	})
	if err != nil {
		// No durable fallback: this send cannot be retried, so the
		// optimistic message comes back out.
		tc.removeMessage(msg.ID)
		return SendNone, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return SendQueued, nil
}

func (tc *ThreadController) appendMessage(msg Message) {
	tc.mu.Lock()
	tc.log = append(tc.log, msg)
	tc.mu.Unlock()
	tc.notifyChange()
}

func (tc *ThreadController) removeMessage(id string) {
	tc.mu.Lock()
	kept := tc.log[:0]
	for _, m := range tc.log {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	tc.log = kept
	tc.mu.Unlock()
	tc.notifyChange()
}

// ============================================================================
// Receiving
// ============================================================================

// applyIncoming routes server-confirmed messages through the shared
// reconciliation, for both the channel path and the poll path.
func (tc *ThreadController) applyIncoming(incoming []Message) {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	tc.log = Reconcile(tc.log, incoming)
	tc.mu.Unlock()
	tc.notifyChange()
}

func (tc *ThreadController) handleNewMessage(payload json.RawMessage) {
	var msg Message
	if json.Unmarshal(payload, &msg) != nil {
		return
	}
	if msg.ConversationID != tc.conversationID {
		return
	}
	tc.applyIncoming([]Message{msg})
}

func (tc *ThreadController) handleMessagesRead(payload json.RawMessage) {
	var p MessagesReadPayload
	if json.Unmarshal(payload, &p) != nil {
		return
	}
	if p.ConversationID != tc.conversationID {
		return
	}
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	for i := range tc.log {
		if tc.log[i].SenderID == tc.self.ID {
			tc.log[i].IsRead = true
		}
	}
	tc.mu.Unlock()
	tc.notifyChange()
}

// ============================================================================
// Polling fallback
// ============================================================================

func (tc *ThreadController) handleChannelState(connected bool) {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	if !connected {
		tc.joined = false
	}
	tc.mu.Unlock()

	if connected {
		tc.stopPolling()
		tc.joinRoom()
	} else {
		tc.startPolling()
	}
}

func (tc *ThreadController) joinRoom() {
	tc.mu.Lock()
	if tc.closed || tc.joined {
		tc.mu.Unlock()
		return
	}
	tc.mu.Unlock()

	if err := tc.channel.Emit(EventJoinConversation, RoomPayload{ConversationID: tc.conversationID}); err != nil {
		tc.logger.Warn("join room failed", "conversation", tc.conversationID, "err", err)
		return
	}
	tc.mu.Lock()
	tc.joined = true
	tc.mu.Unlock()
}

func (tc *ThreadController) startPolling() {
	tc.mu.Lock()
	if tc.closed || tc.pollCancel != nil {
		tc.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	tc.pollCancel = cancel
	tc.mu.Unlock()

	go tc.pollLoop(ctx)
}

func (tc *ThreadController) stopPolling() {
	tc.mu.Lock()
	if tc.pollCancel != nil {
		tc.pollCancel()
		tc.pollCancel = nil
	}
	tc.mu.Unlock()
}

func (tc *ThreadController) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(tc.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := tc.client.Chat().Messages.History(ctx, tc.conversationID)
			if err != nil || !res.OK {
				continue
			}
			var server []Message
			if res.Decode(&server) != nil {
				continue
			}
			// A response that raced the cancellation is stale state for
			// a view that no longer exists.
			if ctx.Err() != nil {
				return
			}
			tc.applyIncoming(server)
		}
	}
}

// ============================================================================
// Typing indicator
// ============================================================================

// Keystroke records local typing input: typing_start goes out on the
// first keystroke, and typing_stop after the idle period with no
// further input. Each keystroke resets the idle timer.
func (tc *ThreadController) Keystroke() {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	first := !tc.typingSent
	tc.typingSent = true
	if tc.typingTimer != nil {
		tc.typingTimer.Stop()
	}
	tc.typingTimer = time.AfterFunc(tc.typingIdle, tc.typingIdleExpired)
	tc.mu.Unlock()

	if first && tc.channel.Connected() {
		_ = tc.channel.Emit(EventTypingStart, TypingSignal{
			ConversationID: tc.conversationID, UserID: tc.self.ID, IsTyping: true,
		})
	}
}

func (tc *ThreadController) typingIdleExpired() {
	tc.mu.Lock()
	if tc.closed || !tc.typingSent {
		tc.mu.Unlock()
		return
	}
	tc.typingSent = false
	tc.typingTimer = nil
	tc.mu.Unlock()

	if tc.channel.Connected() {
		_ = tc.channel.Emit(EventTypingStop, TypingSignal{
			ConversationID: tc.conversationID, UserID: tc.self.ID, IsTyping: false,
		})
	}
}

// clearTypingState resets the debounce without emitting; the send path
// already emitted its own typing_stop.
func (tc *ThreadController) clearTypingState() {
	tc.mu.Lock()
	tc.typingSent = false
	if tc.typingTimer != nil {
		tc.typingTimer.Stop()
		tc.typingTimer = nil
	}
	tc.mu.Unlock()
}

func (tc *ThreadController) handleUserTyping(payload json.RawMessage) {
	var sig TypingSignal
	if json.Unmarshal(payload, &sig) != nil {
		return
	}
	if sig.ConversationID != tc.conversationID || sig.UserID == tc.self.ID {
		return
	}
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	tc.remoteTyping = true
	if tc.expireTimer != nil {
		tc.expireTimer.Stop()
	}
	// Guard against a lost stop signal leaving the indicator stuck.
	tc.expireTimer = time.AfterFunc(tc.typingExpiry, func() {
		tc.mu.Lock()
		tc.remoteTyping = false
		tc.mu.Unlock()
		tc.notifyChange()
	})
	tc.mu.Unlock()
	tc.notifyChange()
}

func (tc *ThreadController) handleUserStoppedTyping(payload json.RawMessage) {
	var sig TypingSignal
	if json.Unmarshal(payload, &sig) != nil {
		return
	}
	if sig.ConversationID != tc.conversationID || sig.UserID == tc.self.ID {
		return
	}
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	tc.remoteTyping = false
	if tc.expireTimer != nil {
		tc.expireTimer.Stop()
		tc.expireTimer = nil
	}
	tc.mu.Unlock()
	tc.notifyChange()
}

func (tc *ThreadController) notifyChange() {
	tc.mu.Lock()
	h := tc.onChange
	tc.mu.Unlock()
	if h != nil {
		h()
	}
}
