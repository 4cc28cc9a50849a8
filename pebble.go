package converge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
)

// ============================================================================
// PebbleStore
// ============================================================================

// Key layout:
//
//	cache/<key>                    -> CacheEntry
//	queue/<userID>/<ns>-<opID>     -> QueuedOperation (ns = creation nanos, zero-padded)
//
// The nanosecond prefix keeps queue iteration in enqueue order.
const (
	cacheKeyPrefix = "cache/"
	queueKeyPrefix = "queue/"
)

// PebbleStore is the durable local store: one pebble database serving
// both the read cache and the mutation queue, so a process restart
// loses neither cached snapshots nor pending offline writes.
type PebbleStore struct {
	db     *pebble.DB
	logger *slog.Logger
}

var (
	_ Cache        = (*PebbleStore)(nil)
	_ Queue        = (*PebbleStore)(nil)
	_ ReplaySource = (*PebbleStore)(nil)
)

// OpenPebbleStore opens (creating if needed) the store at path.
func OpenPebbleStore(path string, logger *slog.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &PebbleStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// ── Cache ────────────────────────────────────────────────────────────

func (s *PebbleStore) Get(key string) (*CacheEntry, bool) {
	value, closer, err := s.db.Get([]byte(cacheKeyPrefix + key))
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			s.logger.Warn("cache read failed", "key", key, "err", err)
		}
		return nil, false
	}
	defer closer.Close()

	var entry CacheEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		s.logger.Warn("cache entry corrupt", "key", key, "err", err)
		return nil, false
	}
	return &entry, true
}

func (s *PebbleStore) Set(key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("cache write skipped", "key", key, "err", err)
		return
	}
	entry, err := json.Marshal(CacheEntry{Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		s.logger.Warn("cache write skipped", "key", key, "err", err)
		return
	}
	if err := s.db.Set([]byte(cacheKeyPrefix+key), entry, pebble.Sync); err != nil {
		s.logger.Warn("cache write failed", "key", key, "err", err)
	}
}

// ── Queue ────────────────────────────────────────────────────────────

func queueKey(op *QueuedOperation) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d-%s", queueKeyPrefix, op.UserID, op.CreatedAt.UnixNano(), op.ID))
}

func (s *PebbleStore) Add(userID, opType string, payload any) error {
	op, err := newQueuedOperation(userID, opType, payload)
	if err != nil {
		return fmt.Errorf("encode queued operation: %w", err)
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode queued operation: %w", err)
	}
	if err := s.db.Set(queueKey(op), data, pebble.Sync); err != nil {
		return fmt.Errorf("persist queued operation: %w", err)
	}
	return nil
}

func (s *PebbleStore) Pending(userID string) int {
	count := 0
	s.iterQueue(queueKeyPrefix+userID+"/", func(_ []byte, _ *QueuedOperation) bool {
		count++
		return true
	})
	return count
}

func (s *PebbleStore) NextBatch(limit int) []*QueuedOperation {
	var batch []*QueuedOperation
	s.iterQueue(queueKeyPrefix, func(_ []byte, op *QueuedOperation) bool {
		batch = append(batch, op)
		return len(batch) < limit
	})
	return batch
}

func (s *PebbleStore) Ack(id string) {
	key, ok := s.findQueueKey(id)
	if !ok {
		return
	}
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		s.logger.Warn("queue ack failed", "id", id, "err", err)
	}
}

func (s *PebbleStore) Nack(id string, errMsg string) {
	key, ok := s.findQueueKey(id)
	if !ok {
		return
	}
	value, closer, err := s.db.Get(key)
	if err != nil {
		return
	}
	var op QueuedOperation
	uerr := json.Unmarshal(value, &op)
	closer.Close()
	if uerr != nil {
		return
	}
	op.Retries++
	op.LastError = errMsg
	data, err := json.Marshal(&op)
	if err != nil {
		return
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		s.logger.Warn("queue nack failed", "id", id, "err", err)
	}
}

// iterQueue walks queue entries under prefix in key order, stopping
// when fn returns false.
func (s *PebbleStore) iterQueue(prefix string, fn func(key []byte, op *QueuedOperation) bool) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd([]byte(prefix)),
	})
	if err != nil {
		s.logger.Warn("queue iteration failed", "err", err)
		return
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var op QueuedOperation
		if err := json.Unmarshal(iter.Value(), &op); err != nil {
			s.logger.Warn("queued operation corrupt", "key", string(iter.Key()), "err", err)
			continue
		}
		key := append([]byte(nil), iter.Key()...)
		if !fn(key, &op) {
			return
		}
	}
}

func (s *PebbleStore) findQueueKey(id string) ([]byte, bool) {
	var found []byte
	s.iterQueue(queueKeyPrefix, func(key []byte, op *QueuedOperation) bool {
		if op.ID == id {
			found = key
			return false
		}
		return true
	})
	return found, found != nil
}

// prefixEnd returns the smallest key greater than every key with the
// given prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
