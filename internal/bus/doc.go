// Package bus consumes platform events from NATS and feeds them to the
// gateway's router. The gateway is a pure consumer: it never publishes.
package bus
