// Package converge provides the Go client SDK for the Converge
// event-networking chat API: REST access to conversations and messages,
// a realtime WebSocket channel, and offline-first delivery backed by a
// durable cache and mutation queue.
//
// Example:
//
//	client := converge.NewClient("tok-...")
//	convos, _ := client.Chat().Conversations.List(ctx)
//
//	channel := converge.NewRealtimeClient(client.BaseURL(), &converge.RealtimeConfig{Token: "tok-..."})
//	channel.Connect(ctx)
//
//	thread := converge.NewThreadController(client, channel, cache, queue, "conv-1", me, nil)
//	thread.Open(ctx)
//	thread.Send(ctx, "hello")
package converge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.converge-nps.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the request/response collaborator: a thin typed wrapper
// over the Converge REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	chat       *ChatClient
	connects   *ConnectionsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Converge client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.chat = newChatClient(c)
	c.connects = &ConnectionsClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat returns the chat API sub-client.
func (c *Client) Chat() *ChatClient {
	return c.chat
}

// Connections returns the connections API sub-client.
func (c *Client) Connections() *ConnectionsClient {
	return c.connects
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The request never reached a server response: offline, DNS,
		// refused, timeout. Controllers route these to the queue.
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Boundary verbs
// ============================================================================

// Get issues a GET request against the API.
func (c *Client) Get(ctx context.Context, path string) (*Result, error) {
	return c.do(ctx, "GET", path, nil, nil)
}

// Post issues a POST request against the API.
func (c *Client) Post(ctx context.Context, path string, body any) (*Result, error) {
	return c.do(ctx, "POST", path, body, nil)
}

// Patch issues a PATCH request against the API.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Result, error) {
	return c.do(ctx, "PATCH", path, body, nil)
}

// Delete issues a DELETE request against the API.
func (c *Client) Delete(ctx context.Context, path string) (*Result, error) {
	return c.do(ctx, "DELETE", path, nil, nil)
}

// ============================================================================
// Chat Sub-Clients
// ============================================================================

// ChatClient provides access to the chat API via sub-modules.
type ChatClient struct {
	client *Client

	Conversations *ConversationsRESTClient
	Messages      *MessagesRESTClient
}

func newChatClient(c *Client) *ChatClient {
	ch := &ChatClient{client: c}
	ch.Conversations = &ConversationsRESTClient{chat: ch}
	ch.Messages = &MessagesRESTClient{chat: ch}
	return ch
}

func (ch *ChatClient) do(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	return ch.client.do(ctx, method, path, body, query)
}

// ConversationsRESTClient handles conversation-level operations.
type ConversationsRESTClient struct{ chat *ChatClient }

// List fetches the signed-in user's conversations with unread counts
// and last-message previews.
func (cv *ConversationsRESTClient) List(ctx context.Context) (*Result, error) {
	return cv.chat.do(ctx, "GET", "/api/chat/conversations", nil, nil)
}

// Get fetches one conversation's metadata.
func (cv *ConversationsRESTClient) Get(ctx context.Context, conversationID string) (*Result, error) {
	return cv.chat.do(ctx, "GET", "/api/chat/conversations/"+conversationID, nil, nil)
}

// MarkAsRead confirms a read action for the conversation. The server
// treats repeats as a no-op.
func (cv *ConversationsRESTClient) MarkAsRead(ctx context.Context, conversationID string) (*Result, error) {
	return cv.chat.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read", nil, nil)
}

// MessagesRESTClient handles message-level operations.
type MessagesRESTClient struct{ chat *ChatClient }

// History fetches the full message log for a conversation.
func (m *MessagesRESTClient) History(ctx context.Context, conversationID string) (*Result, error) {
	return m.chat.do(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil, nil)
}

// Send posts a new message over HTTP. Used when the live channel is
// down; the channel path goes through Channel.Emit instead.
func (m *MessagesRESTClient) Send(ctx context.Context, conversationID, content string) (*Result, error) {
	return m.chat.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/messages",
		map[string]string{"content": content}, nil)
}

// ============================================================================
// Connections Sub-Client
// ============================================================================

// ConnectionsClient handles the connection endpoints used by offline
// replay. The connection feature itself (QR scanning, browsing) lives
// outside this SDK; these endpoints exist so queued connection writes
// can drain.
type ConnectionsClient struct{ client *Client }

// Create creates a connection with another participant.
func (cn *ConnectionsClient) Create(ctx context.Context, participantID string) (*Result, error) {
	return cn.client.do(ctx, "POST", "/api/connections",
		map[string]string{"participantId": participantID}, nil)
}

// UpdateNote replaces the private note attached to a connection.
func (cn *ConnectionsClient) UpdateNote(ctx context.Context, connectionID, note string) (*Result, error) {
	return cn.client.do(ctx, "PATCH", "/api/connections/"+connectionID,
		map[string]string{"note": note}, nil)
}
