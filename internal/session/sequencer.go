// ABOUTME: Per-session sequence number allocation and bounded dispatch replay buffer.
// ABOUTME: Retention is limited by both a capacity and an age horizon, whichever is tighter.

package session

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/event"
)

// ErrReplayGone indicates the requested resume point is older than the
// oldest retained dispatch. The client has missed un-replayable events and
// must start over with a fresh Identify.
var ErrReplayGone = errors.New("replay window exceeded")

// bufferEntry pairs a dispatch with the time it was recorded, for age
// based eviction.
type bufferEntry struct {
	d  *event.Dispatch
	at time.Time
}

// Sequencer assigns strictly increasing per-session sequence numbers and
// retains a bounded window of recent dispatches for replay after a
// disconnect. Numbers start at 1 and are never reused, even across
// reconnects of the same session.
type Sequencer struct {
	mu       sync.Mutex
	last     uint64
	entries  *list.List // of *bufferEntry, oldest at front
	capacity int
	horizon  time.Duration
}

// NewSequencer creates a sequencer retaining at most capacity dispatches,
// each for at most horizon.
func NewSequencer(capacity int, horizon time.Duration) *Sequencer {
	return &Sequencer{
		entries:  list.New(),
		capacity: capacity,
		horizon:  horizon,
	}
}

// Next returns the next sequence number.
func (q *Sequencer) Next() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.last++
	return q.last
}

// Last returns the most recently assigned sequence number, 0 if none.
func (q *Sequencer) Last() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// Record appends a dispatch to the replay buffer, evicting the oldest
// entries when the capacity or age bound is exceeded.
func (q *Sequencer) Record(d *event.Dispatch) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneAged(time.Now())
	for q.entries.Len() >= q.capacity {
		q.entries.Remove(q.entries.Front())
	}
	q.entries.PushBack(&bufferEntry{d: d, at: time.Now()})
}

// ReplayFrom returns, in order, all buffered dispatches with sequence
// strictly greater than lastSeq. It returns ErrReplayGone when lastSeq
// predates the oldest retained dispatch, or lies beyond the last assigned
// sequence number (a client echoing a number this session never issued).
func (q *Sequencer) ReplayFrom(lastSeq uint64) ([]*event.Dispatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneAged(time.Now())

	if lastSeq > q.last {
		return nil, ErrReplayGone
	}
	if lastSeq == q.last {
		return nil, nil
	}

	// The client needs lastSeq+1 onward; the buffer must still start at
	// or before that point, otherwise dispatches were evicted unseen.
	front := q.entries.Front()
	if front == nil || front.Value.(*bufferEntry).d.Seq > lastSeq+1 {
		return nil, ErrReplayGone
	}

	var out []*event.Dispatch
	for e := front; e != nil; e = e.Next() {
		entry := e.Value.(*bufferEntry)
		if entry.d.Seq > lastSeq {
			out = append(out, entry.d)
		}
	}
	return out, nil
}

// pruneAged drops entries older than the horizon. Must be called with mu held.
func (q *Sequencer) pruneAged(now time.Time) {
	for e := q.entries.Front(); e != nil; {
		entry := e.Value.(*bufferEntry)
		if now.Sub(entry.at) <= q.horizon {
			break
		}
		next := e.Next()
		q.entries.Remove(e)
		e = next
	}
}
