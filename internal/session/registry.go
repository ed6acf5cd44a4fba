// ABOUTME: Registry owns the set of live and grace-period sessions keyed by session ID.
// ABOUTME: Attach/Detach mediate socket handoff; a sweeper evicts sessions whose grace lapsed.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/auth"
)

var (
	// ErrSessionNotFound indicates the session ID was never issued or has
	// already been evicted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired indicates the session's grace period lapsed before
	// the resume arrived.
	ErrSessionExpired = errors.New("session expired")

	// ErrAlreadyAttached indicates another connection currently holds the
	// session.
	ErrAlreadyAttached = errors.New("session already attached")

	// ErrNotOwner indicates the resuming token authenticates a different
	// user than the one the session was created for.
	ErrNotOwner = errors.New("session owned by another user")

	// ErrSinkOverflow indicates the connection's outbound queue could not
	// absorb the replay backlog.
	ErrSinkOverflow = errors.New("sink overflowed during replay")
)

// Registry tracks every session the gateway has issued and not yet evicted.
// Sessions outlive their sockets: a detached session stays resumable until
// its grace period lapses.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	grace         time.Duration
	replayCap     int
	replayHorizon time.Duration
	logger        *slog.Logger
}

// NewRegistry creates an empty registry. New sessions get a replay buffer
// bounded by capacity and horizon, and become evictable grace after detach.
func NewRegistry(grace time.Duration, capacity int, horizon time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		grace:         grace,
		replayCap:     capacity,
		replayHorizon: horizon,
		logger:        logger,
	}
}

// Create mints a new session for the given identity. The session starts
// detached with the grace clock already running, so a session whose
// connection dies before Attach cannot linger forever.
func (r *Registry) Create(identity *auth.Identity) *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.New().String(),
		UserID:    identity.UserID,
		Username:  identity.Username,
		CreatedAt: now,
		seq:       NewSequencer(r.replayCap, r.replayHorizon),
		grace:     r.grace,
		expiresAt: now.Add(r.grace),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", s.ID, "user_id", s.UserID)
	return s
}

// Attach binds a sink to the session, replaying every dispatch after
// lastSeq into it first. Replay is enqueued under the session lock before
// the sink goes live, so replayed and live dispatches cannot interleave.
// Returns the number of dispatches replayed.
//
// Attach fails with ErrNotOwner when identity does not match the session's
// user, ErrAlreadyAttached when a sink is already bound, ErrSessionExpired
// when the grace period lapsed, and ErrReplayGone when lastSeq predates
// the replay window. Expired sessions are removed as a side effect.
func (r *Registry) Attach(sessionID string, identity *auth.Identity, lastSeq uint64, sink Sink) (int, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return 0, ErrSessionNotFound
	}

	s.mu.Lock()

	if s.UserID != identity.UserID {
		s.mu.Unlock()
		return 0, ErrNotOwner
	}
	if s.sink != nil {
		s.mu.Unlock()
		return 0, ErrAlreadyAttached
	}
	if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
		// Lock ordering is registry then session, so release s.mu
		// before removing the expired entry.
		s.mu.Unlock()
		r.remove(sessionID)
		return 0, ErrSessionExpired
	}

	backlog, err := s.seq.ReplayFrom(lastSeq)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	for _, d := range backlog {
		if !sink.EnqueueDispatch(d) {
			s.mu.Unlock()
			return 0, ErrSinkOverflow
		}
	}

	s.sink = sink
	s.expiresAt = time.Time{}
	s.mu.Unlock()

	return len(backlog), nil
}

// Detach unbinds the session's sink and starts the grace-period clock.
// The caller passes the sink it attached: a detach whose sink is no longer
// the attached one is a no-op, so a kicked connection's late teardown can
// never sever a successor that resumed in the meantime. Detaching an
// unknown session is likewise a no-op.
func (r *Registry) Detach(sessionID string, sink Sink) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.sink != sink {
		s.mu.Unlock()
		return
	}
	s.sink = nil
	s.expiresAt = time.Now().Add(r.grace)
	s.mu.Unlock()

	r.logger.Debug("session detached", "session_id", sessionID, "last_seq", s.LastSeq())
}

// Get returns the session with the given ID, if present.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Len returns the number of tracked sessions, attached or in grace.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepExpired evicts every detached session whose grace period lapsed
// before now, returning the evicted sessions. Attached sessions are never
// evicted regardless of age.
func (r *Registry) SweepExpired(now time.Time) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*Session
	for id, s := range r.sessions {
		s.mu.Lock()
		gone := s.sink == nil && !s.expiresAt.IsZero() && now.After(s.expiresAt)
		s.mu.Unlock()
		if gone {
			delete(r.sessions, id)
			evicted = append(evicted, s)
		}
	}

	for _, s := range evicted {
		r.logger.Info("session expired", "session_id", s.ID, "user_id", s.UserID)
	}
	return evicted
}

// remove deletes a session without the grace bookkeeping.
func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}
