package converge

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// provisionalPrefix marks client-generated message ids created at the
// instant a send is initiated, before any server confirmation.
const provisionalPrefix = "local-"

// NewProvisionalID returns a fresh client-side message id.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisionalID reports whether id was generated client-side and has
// not been confirmed by the server.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

func sendKey(m Message) string {
	return m.SenderID + "\x00" + m.Content
}

// Reconcile merges server-confirmed messages into the current log and
// returns the new log. Both receive paths (the channel new_message
// handler and the poll-cycle merge) call this one function, so they
// converge to the same state for the same server events.
//
// Rules:
//   - a server message already present (same id) is not appended again;
//   - a provisional message whose sender and content appear among the
//     incoming server messages is dropped: the server copy replaces it;
//   - provisional messages the server has not echoed are kept;
//   - the result is ordered by non-decreasing SentAt.
//
// The merge is commutative with respect to duplicate server events:
// applying the same confirmation twice is a no-op.
func Reconcile(current, incoming []Message) []Message {
	delivered := make(map[string]bool, len(incoming))
	for _, m := range incoming {
		if IsProvisionalID(m.ID) {
			continue
		}
		delivered[sendKey(m)] = true
	}

	seen := make(map[string]bool, len(current)+len(incoming))
	merged := make([]Message, 0, len(current)+len(incoming))

	for _, m := range current {
		if IsProvisionalID(m.ID) {
			if delivered[sendKey(m)] {
				continue
			}
			merged = append(merged, m)
			continue
		}
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}

	for _, m := range incoming {
		if IsProvisionalID(m.ID) || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SentAt.Before(merged[j].SentAt)
	})
	return merged
}
