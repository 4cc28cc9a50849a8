package converge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Durable Mutation Queue
// ============================================================================

// Operation types accepted by the queue.
const (
	OpSendMessage      = "message.send"
	OpCreateConnection = "connection.create"
	OpEditNote         = "note.edit"
)

// QueuedOperation is a pending write created while offline, persisted
// until successfully replayed against the server.
type QueuedOperation struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	OpType    string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Retries   int             `json:"retries"`
	LastError string          `json:"lastError,omitempty"`
}

// QueuedSend is the payload of a message.send operation.
type QueuedSend struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// QueuedConnection is the payload of a connection.create operation.
type QueuedConnection struct {
	ParticipantID string `json:"participantId"`
}

// QueuedNote is the payload of a note.edit operation.
type QueuedNote struct {
	ConnectionID string `json:"connectionId"`
	Note         string `json:"note"`
}

// Queue is the durable mutation queue the controllers enqueue into.
// Replay and retry are the queue side's responsibility (see Replayer);
// controllers never poll-retry their own writes.
type Queue interface {
	Add(userID, opType string, payload any) error
	Pending(userID string) int
}

// ReplaySource is the drain-side view of a queue, consumed by Replayer.
// Both MemoryQueue and PebbleStore implement it.
type ReplaySource interface {
	NextBatch(limit int) []*QueuedOperation
	Ack(id string)
	Nack(id string, errMsg string)
}

func newQueuedOperation(userID, opType string, payload any) (*QueuedOperation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &QueuedOperation{
		ID:        uuid.NewString(),
		UserID:    userID,
		OpType:    opType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ============================================================================
// MemoryQueue
// ============================================================================

// MemoryQueue is a goroutine-safe in-memory Queue for tests and
// embedders that bring their own persistence.
type MemoryQueue struct {
	mu  sync.Mutex
	ops map[string]*QueuedOperation
}

var (
	_ Queue        = (*MemoryQueue)(nil)
	_ ReplaySource = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ops: make(map[string]*QueuedOperation)}
}

func (q *MemoryQueue) Add(userID, opType string, payload any) error {
	op, err := newQueuedOperation(userID, opType, payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.ops[op.ID] = op
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Pending(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, op := range q.ops {
		if op.UserID == userID {
			count++
		}
	}
	return count
}

func (q *MemoryQueue) NextBatch(limit int) []*QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var batch []*QueuedOperation
	for _, op := range q.ops {
		batch = append(batch, op)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].CreatedAt.Before(batch[j].CreatedAt) })
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch
}

func (q *MemoryQueue) Ack(id string) {
	q.mu.Lock()
	delete(q.ops, id)
	q.mu.Unlock()
}

func (q *MemoryQueue) Nack(id string, errMsg string) {
	q.mu.Lock()
	if op, ok := q.ops[id]; ok {
		op.Retries++
		op.LastError = errMsg
	}
	q.mu.Unlock()
}

// ============================================================================
// Replayer
// ============================================================================

// ReplayerOptions configures a Replayer.
type ReplayerOptions struct {
	FlushInterval time.Duration // default 5s
	MaxRetries    int           // default 5
	BatchSize     int           // default 10
	Online        func() bool   // connectivity probe; defaults to always-online
	Logger        *slog.Logger
}

// Replayer drains queued operations through the HTTP client once
// connectivity returns. Network failures requeue the operation; server
// rejections and exhausted retry budgets drop it with a warning.
type Replayer struct {
	source ReplaySource
	client *Client

	interval   time.Duration
	maxRetries int
	batchSize  int
	online     func() bool
	logger     *slog.Logger

	mu       sync.Mutex
	flushing bool
	stopCh   chan struct{}
	stopped  bool
}

// NewReplayer creates a replayer over the given queue.
func NewReplayer(source ReplaySource, client *Client, opts *ReplayerOptions) *Replayer {
	r := &Replayer{
		source:     source,
		client:     client,
		interval:   5 * time.Second,
		maxRetries: 5,
		batchSize:  10,
		online:     func() bool { return true },
		logger:     slog.Default(),
		stopCh:     make(chan struct{}),
	}
	if opts != nil {
		if opts.FlushInterval > 0 {
			r.interval = opts.FlushInterval
		}
		if opts.MaxRetries > 0 {
			r.maxRetries = opts.MaxRetries
		}
		if opts.BatchSize > 0 {
			r.batchSize = opts.BatchSize
		}
		if opts.Online != nil {
			r.online = opts.Online
		}
		if opts.Logger != nil {
			r.logger = opts.Logger
		}
	}
	return r
}

// Start launches the background flush loop.
func (r *Replayer) Start() {
	go r.loop()
}

// Stop halts the background flush loop.
func (r *Replayer) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stopCh)
	}
	r.mu.Unlock()
}

func (r *Replayer) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Flush(context.Background())
		}
	}
}

// Flush replays one batch of pending operations. Safe to call
// concurrently; overlapping flushes coalesce.
func (r *Replayer) Flush(ctx context.Context) {
	r.mu.Lock()
	if r.flushing || !r.online() {
		r.mu.Unlock()
		return
	}
	r.flushing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.flushing = false
		r.mu.Unlock()
	}()

	for _, op := range r.source.NextBatch(r.batchSize) {
		if op.Retries >= r.maxRetries {
			r.logger.Warn("queued operation dropped, retry budget exhausted",
				"op", op.OpType, "id", op.ID, "lastError", op.LastError)
			r.source.Ack(op.ID)
			continue
		}

		res, err := r.replay(ctx, op)
		if err != nil {
			if IsNetworkError(err) {
				r.source.Nack(op.ID, err.Error())
				continue
			}
			r.logger.Warn("queued operation dropped", "op", op.OpType, "id", op.ID, "err", err)
			r.source.Ack(op.ID)
			continue
		}
		if !res.OK {
			// The server received and rejected it; replaying the same
			// payload again cannot succeed.
			msg := "request rejected"
			if res.Error != nil {
				msg = res.Error.Error()
			}
			r.logger.Warn("queued operation rejected by server", "op", op.OpType, "id", op.ID, "err", msg)
			r.source.Ack(op.ID)
			continue
		}
		r.source.Ack(op.ID)
	}
}

func (r *Replayer) replay(ctx context.Context, op *QueuedOperation) (*Result, error) {
	switch op.OpType {
	case OpSendMessage:
		var p QueuedSend
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, err
		}
		return r.client.Chat().Messages.Send(ctx, p.ConversationID, p.Content)
	case OpCreateConnection:
		var p QueuedConnection
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, err
		}
		return r.client.Connections().Create(ctx, p.ParticipantID)
	case OpEditNote:
		var p QueuedNote
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, err
		}
		return r.client.Connections().UpdateNote(ctx, p.ConnectionID, p.Note)
	default:
		return &Result{OK: false, Error: &APIError{Code: "UNKNOWN_OP", Message: op.OpType}}, nil
	}
}
