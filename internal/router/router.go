// ABOUTME: Topic-based fan-out from bus events to subscribed sessions.
// ABOUTME: Maintains forward and reverse subscription indexes under one RWMutex.

package router

import (
	"log/slog"
	"sync"

	"github.com/2389/relay-gateway/internal/event"
	"github.com/2389/relay-gateway/internal/session"
)

// Router fans events out to every session subscribed to the event's topic.
// Subscription is idempotent and delivery order per session is whatever
// order Route is called in; the session layer handles sequencing.
type Router struct {
	mu sync.RWMutex

	// byTopic maps topic -> session ID -> session.
	byTopic map[string]map[string]*session.Session

	// bySession maps session ID -> set of topics, for O(topics) cleanup
	// when a session goes away.
	bySession map[string]map[string]struct{}

	logger *slog.Logger
}

// New creates an empty router.
func New(logger *slog.Logger) *Router {
	return &Router{
		byTopic:   make(map[string]map[string]*session.Session),
		bySession: make(map[string]map[string]struct{}),
		logger:    logger,
	}
}

// Subscribe adds the session to the topic. Subscribing twice is a no-op.
func (r *Router) Subscribe(s *session.Session, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byTopic[topic]
	if !ok {
		subs = make(map[string]*session.Session)
		r.byTopic[topic] = subs
	}
	subs[s.ID] = s

	topics, ok := r.bySession[s.ID]
	if !ok {
		topics = make(map[string]struct{})
		r.bySession[s.ID] = topics
	}
	topics[topic] = struct{}{}

	r.logger.Debug("subscribed", "session_id", s.ID, "topic", topic)
}

// Unsubscribe removes the session from the topic. Unknown pairs are a no-op.
func (r *Router) Unsubscribe(s *session.Session, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropPair(s.ID, topic)
}

// DropSession removes every subscription the session holds. Called when a
// session is evicted from the registry.
func (r *Router) DropSession(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.bySession[s.ID] {
		r.dropPair(s.ID, topic)
	}
}

// dropPair removes one session/topic edge from both indexes. Must be
// called with mu held for writing.
func (r *Router) dropPair(sessionID, topic string) {
	if subs, ok := r.byTopic[topic]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(r.byTopic, topic)
		}
	}
	if topics, ok := r.bySession[sessionID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}

// Topics returns the topics the session is currently subscribed to.
func (r *Router) Topics(s *session.Session) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.bySession[s.ID]))
	for topic := range r.bySession[s.ID] {
		out = append(out, topic)
	}
	return out
}

// Route delivers the event to every session subscribed to its topic and
// returns the number of sessions reached. The subscriber set is snapshotted
// under the read lock, then delivery happens outside it so a slow session
// cannot stall subscription changes.
func (r *Router) Route(ev *event.Event) int {
	r.mu.RLock()
	subs := r.byTopic[ev.Topic]
	targets := make([]*session.Session, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.Deliver(ev)
	}

	if len(targets) > 0 {
		r.logger.Debug("routed event", "topic", ev.Topic, "type", ev.Type, "sessions", len(targets))
	}
	return len(targets)
}
