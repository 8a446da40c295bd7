package answer

import (
	"sync"
	"time"

	"github.com/kusogaki/gtaquiz/internal/domain"
)

// Result classifies one submission attempt.
type Result int

const (
	Accepted Result = iota
	RejectedDuplicate
	RejectedClosed
	RejectedIneligible
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedDuplicate:
		return "duplicate"
	case RejectedClosed:
		return "closed"
	case RejectedIneligible:
		return "ineligible"
	default:
		return "unknown"
	}
}

// Queue is the inbox for one round's answer window. Acceptance is
// atomic with respect to concurrent submissions and to Close: the
// first answer per player wins, later ones are rejected rather than
// overwritten, and the close snapshot contains exactly the answers
// accepted before the close boundary.
type Queue struct {
	mu       sync.Mutex
	closed   bool
	expected map[string]bool
	accepted map[string]struct{}
	order    []domain.SubmittedAnswer
	now      func() time.Time
}

// NewQueue opens a window expecting answers from the given players.
func NewQueue(expected []string) *Queue {
	q := &Queue{
		expected: make(map[string]bool, len(expected)),
		accepted: make(map[string]struct{}, len(expected)),
		now:      time.Now,
	}
	for _, id := range expected {
		q.expected[id] = true
	}
	return q
}

// Submit records one answer attempt. full is true when this
// acceptance completed the window (every expected player answered).
func (q *Queue) Submit(playerID string, optionIndex int) (res Result, full bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.closed:
		return RejectedClosed, false
	case !q.expected[playerID]:
		return RejectedIneligible, false
	}
	if _, ok := q.accepted[playerID]; ok {
		return RejectedDuplicate, false
	}

	q.accepted[playerID] = struct{}{}
	q.order = append(q.order, domain.SubmittedAnswer{
		PlayerID:    playerID,
		OptionIndex: optionIndex,
		SubmittedAt: q.now(),
	})

	return Accepted, len(q.accepted) == len(q.expected)
}

// Close seals the window and returns every accepted answer in
// submission order. Only the first call gets the snapshot; later
// calls report ok=false.
func (q *Queue) Close() (answers []domain.SubmittedAnswer, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false
	}

	q.closed = true
	return q.order, true
}

// Snapshot returns the accepted answers without sealing the window.
// Callers reading after Close see exactly the closed tally.
func (q *Queue) Snapshot() ([]domain.SubmittedAnswer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.SubmittedAnswer(nil), q.order...), q.closed
}

// Closed reports whether the window has been sealed.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
