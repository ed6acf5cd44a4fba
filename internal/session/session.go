// ABOUTME: Session is the resumable logical identity a client holds across sockets.
// ABOUTME: Funnels delivery through one lock so seq order equals socket order.

package session

import (
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/event"
)

// Sink receives dispatches for the connection attached to a session.
// The registry never blocks on a sink: EnqueueDispatch must return
// immediately, and false signals the connection can no longer keep up.
type Sink interface {
	// EnqueueDispatch offers a dispatch to the connection's outbound
	// queue. False means the queue is full.
	EnqueueDispatch(d *event.Dispatch) bool

	// Kick asynchronously closes the connection. Called when the sink
	// falls behind; the session itself stays resumable.
	Kick(reason string)
}

// Session is a resumable conversation, independent of any one socket.
// A session is attached to at most one sink at any instant.
type Session struct {
	ID        string
	UserID    string
	Username  string
	CreatedAt time.Time

	mu        sync.Mutex
	seq       *Sequencer
	sink      Sink
	grace     time.Duration // resumability window, fixed at create
	expiresAt time.Time     // zero while attached; set at create, detach, and kick
}

// Deliver assigns the session's next sequence number to the event, records
// the dispatch in the replay buffer, and pushes it to the attached sink if
// any. Assignment, record, and push happen under one lock so the replay
// buffer order always matches the order seen by the live socket.
//
// A sink that cannot accept the dispatch is kicked: skipping a sequence
// number on a live socket would be a silent gap, and the replay buffer
// already holds the dispatch for the eventual resume.
func (s *Session) Deliver(ev *event.Event) uint64 {
	s.mu.Lock()
	d := &event.Dispatch{Seq: s.seq.Next(), Event: ev}
	s.seq.Record(d)
	sink := s.sink
	if sink != nil && !sink.EnqueueDispatch(d) {
		// The sink is gone as far as this session is concerned, so the
		// grace clock starts here, not at the kicked connection's
		// (possibly much later) teardown.
		s.sink = nil
		s.expiresAt = time.Now().Add(s.grace)
		s.mu.Unlock()
		sink.Kick("outbound queue overflow")
		return d.Seq
	}
	s.mu.Unlock()
	return d.Seq
}

// LastSeq returns the most recently assigned sequence number.
func (s *Session) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.Last()
}

// Attached reports whether a sink is currently bound to the session.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}
