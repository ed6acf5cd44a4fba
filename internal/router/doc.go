// Package router maps topics to subscribed sessions and fans bus events
// out to them. It knows nothing about sockets or sequence numbers; it
// hands events to sessions and lets the session layer do the rest.
package router
