// Package gateway terminates client WebSocket connections and runs the
// session protocol over them.
//
// Lifecycle of a connection:
//
//  1. Client connects to /ws; the gateway sends Hello with the heartbeat
//     interval.
//  2. Client sends Identify (new session) or Resume (reattach with a
//     last-seen sequence number). Resume replays every buffered dispatch
//     the client missed before live delivery continues.
//  3. Ready state: Dispatch frames flow out, Subscribe/Unsubscribe adjust
//     routing, Heartbeat/HeartbeatAck keep the connection alive.
//
// Misbehavior terminates the connection with a protocol close code. A
// terminated connection's session survives in the registry for the grace
// period, buffering dispatches for a later Resume.
//
// Each connection uses three goroutines: the reader (the HTTP handler
// goroutine), a single writer owning all socket writes, and a heartbeat
// watchdog. Everything else reaches the socket only through the writer's
// queue.
package gateway
