package converge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// Conversation List Controller
// ============================================================================

// SortOrder selects how Sorted arranges the conversation list.
type SortOrder int

const (
	// ByRecency orders by last-message time, newest first.
	ByRecency SortOrder = iota
	// ByUnreadFirst puts conversations with unread messages first,
	// recency within each group.
	ByUnreadFirst
)

// ListController maintains the set of conversations for the signed-in
// user. A message_notification on the channel triggers a full re-fetch:
// patching unread counts client-side is error-prone, so consistency
// wins over the saved round-trip.
type ListController struct {
	userID  string
	client  *Client
	channel Channel
	cache   Cache
	logger  *slog.Logger

	mu            sync.Mutex
	conversations []Conversation
	closed        bool
	onChange      func()
}

// NewListController creates a list controller for the given user.
func NewListController(client *Client, channel Channel, cache Cache, userID string, logger *slog.Logger) *ListController {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListController{
		userID:  userID,
		client:  client,
		channel: channel,
		cache:   cache,
		logger:  logger,
	}
}

// OnChange registers a callback invoked after the list is replaced.
func (lc *ListController) OnChange(h func()) {
	lc.mu.Lock()
	lc.onChange = h
	lc.mu.Unlock()
}

// Load fetches the conversation list, falling back to the cached
// snapshot when the fetch fails, and subscribes to change
// notifications.
func (lc *ListController) Load(ctx context.Context) error {
	if err := lc.refresh(ctx); err != nil {
		return err
	}
	lc.channel.On(EventMessageNotification, lc.handleNotification)
	return nil
}

// Close unsubscribes from channel notifications.
func (lc *ListController) Close() {
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return
	}
	lc.closed = true
	lc.mu.Unlock()
	lc.channel.Off(EventMessageNotification)
}

// Conversations returns a copy of the current list, unfiltered.
func (lc *ListController) Conversations() []Conversation {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return append([]Conversation(nil), lc.conversations...)
}

// Filter returns the conversations whose other participant's name
// contains the query, case-insensitively. Pure: no network implication.
func (lc *ListController) Filter(query string) []Conversation {
	return FilterConversations(lc.Conversations(), query)
}

// Sorted returns the conversations in the given order. Pure.
func (lc *ListController) Sorted(order SortOrder) []Conversation {
	return SortConversations(lc.Conversations(), order)
}

func (lc *ListController) refresh(ctx context.Context) error {
	var convos []Conversation
	fetchErr := func() error {
		res, err := lc.client.Chat().Conversations.List(ctx)
		if err != nil {
			return err
		}
		if !res.OK {
			if res.Error != nil {
				return res.Error
			}
			return errors.New("conversation fetch rejected")
		}
		return res.Decode(&convos)
	}()

	if fetchErr == nil {
		lc.mu.Lock()
		lc.conversations = convos
		lc.mu.Unlock()
		lc.cache.Set(conversationsCacheKey(lc.userID), convos)
		lc.notifyChange()
		return nil
	}

	if entry, ok := lc.cache.Get(conversationsCacheKey(lc.userID)); ok {
		var cached []Conversation
		if json.Unmarshal(entry.Data, &cached) == nil {
			lc.mu.Lock()
			lc.conversations = cached
			lc.mu.Unlock()
			lc.logger.Warn("conversation fetch failed, serving cached snapshot",
				"user", lc.userID, "cachedAt", entry.Timestamp, "err", fetchErr)
			lc.notifyChange()
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrLoadFailed, fetchErr)
}

func (lc *ListController) handleNotification(json.RawMessage) {
	lc.mu.Lock()
	closed := lc.closed
	lc.mu.Unlock()
	if closed {
		return
	}
	// Full re-fetch off the dispatch path.
	go func() {
		if err := lc.refresh(context.Background()); err != nil {
			lc.logger.Warn("list refresh after notification failed", "user", lc.userID, "err", err)
		}
	}()
}

func (lc *ListController) notifyChange() {
	lc.mu.Lock()
	h := lc.onChange
	lc.mu.Unlock()
	if h != nil {
		h()
	}
}

// ============================================================================
// Pure transforms
// ============================================================================

// FilterConversations returns the conversations whose other
// participant's display name contains query, case-insensitively. An
// empty query returns the input unchanged.
func FilterConversations(convos []Conversation, query string) []Conversation {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return convos
	}
	var out []Conversation
	for _, c := range convos {
		if strings.Contains(strings.ToLower(c.OtherParticipant.DisplayName), query) {
			out = append(out, c)
		}
	}
	return out
}

// SortConversations returns a sorted copy of convos.
func SortConversations(convos []Conversation, order SortOrder) []Conversation {
	out := append([]Conversation(nil), convos...)
	recency := func(c Conversation) int64 {
		if c.LastMessage == nil {
			return 0
		}
		return c.LastMessage.SentAt.UnixNano()
	}
	switch order {
	case ByUnreadFirst:
		sort.SliceStable(out, func(i, j int) bool {
			ui, uj := out[i].UnreadCount > 0, out[j].UnreadCount > 0
			if ui != uj {
				return ui
			}
			return recency(out[i]) > recency(out[j])
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			return recency(out[i]) > recency(out[j])
		})
	}
	return out
}
