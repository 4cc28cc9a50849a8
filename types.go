package converge

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Chat Types
// ============================================================================

// Participant is a denormalized identity snapshot of a conversation
// member. It is a read-only copy taken at fetch time, not a live
// reference to the profile record.
type Participant struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	Organization string `json:"organization,omitempty"`
}

// Message is one entry in a conversation's message log. The ID is
// either server-assigned and stable, or a client-generated provisional
// id (see NewProvisionalID) for an optimistic send awaiting
// confirmation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	IsRead         bool      `json:"isRead"`
}

// Conversation is a direct conversation between the signed-in attendee
// and one other participant. LastMessage is a list-preview snapshot
// only; the thread's message log is authoritative once opened.
type Conversation struct {
	ID               string      `json:"id"`
	OtherParticipant Participant `json:"otherParticipant"`
	LastMessage      *Message    `json:"lastMessage,omitempty"`
	UnreadCount      int         `json:"unreadCount"`
}

// TypingSignal is the ephemeral typing-indicator payload. It is never
// persisted.
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ============================================================================
// Channel Events
// ============================================================================

// Event names used on the realtime channel.
const (
	EventJoinConversation    = "join_conversation"
	EventLeaveConversation   = "leave_conversation"
	EventSendMessage         = "send_message"
	EventNewMessage          = "new_message"
	EventMessageNotification = "message_notification"
	EventTypingStart         = "typing_start"
	EventTypingStop          = "typing_stop"
	EventUserTyping          = "user_typing"
	EventUserStoppedTyping   = "user_stopped_typing"
	EventMarkAsRead          = "mark_as_read"
	EventMessagesRead        = "messages_read"
)

// RoomPayload scopes a channel command to one conversation.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the client-to-server send_message payload.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
}

// MessagesReadPayload is the server broadcast confirming that the other
// participant read the conversation.
type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

// MessageNotificationPayload signals that some conversation of the
// signed-in user may have changed.
type MessageNotificationPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// ============================================================================
// API Envelope
// ============================================================================

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
