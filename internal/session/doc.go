// Package session tracks resumable client sessions and their dispatch
// sequencing.
//
// A Session is the logical identity a client holds across socket
// reconnects. Every event delivered to a session gets a strictly
// increasing sequence number and is retained in a bounded replay buffer,
// so a client that reconnects within the grace period can resume from its
// last acknowledged sequence without gaps.
//
// The Registry owns the session map. Connections attach a Sink to receive
// live dispatches and detach on disconnect, which starts the grace-period
// clock. A periodic sweep evicts detached sessions whose grace lapsed.
//
// Ordering invariant: Deliver assigns the sequence number, records the
// dispatch, and pushes it to the sink under one lock, and Attach enqueues
// the replay backlog before the sink goes live. Together these guarantee a
// client observes every sequence number exactly once, in order.
package session
