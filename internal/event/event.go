// ABOUTME: Event and Dispatch value types shared by the router, sequencer, and bus.
// ABOUTME: Defines topic key helpers for guild, channel, and user routing scopes.

package event

import (
	"encoding/json"
	"time"
)

// Well-known event types published by the upstream chat, presence, and
// voice services. The gateway routes on topic, not type; the type travels
// to the client in the dispatch envelope's "t" field.
const (
	TypeMessageCreate    = "MESSAGE_CREATE"
	TypeMessageUpdate    = "MESSAGE_UPDATE"
	TypeMessageDelete    = "MESSAGE_DELETE"
	TypeTypingStart      = "TYPING_START"
	TypePresenceUpdate   = "PRESENCE_UPDATE"
	TypeVoiceStateUpdate = "VOICE_STATE_UPDATE"
)

// Event is an immutable fact produced by an upstream service. It carries no
// sequence number; sequencing happens per session at delivery time.
type Event struct {
	// Topic is the routing scope, e.g. "channel:42" or "user:7".
	Topic string `json:"topic"`

	// Type names the event variant (MESSAGE_CREATE, PRESENCE_UPDATE, ...).
	Type string `json:"type"`

	// Payload is the opaque event body, forwarded to clients verbatim.
	Payload json.RawMessage `json:"payload"`

	// Timestamp is the origin time assigned by the producing service.
	Timestamp time.Time `json:"ts"`
}

// Dispatch pairs an Event with the sequence number a session assigned to it.
type Dispatch struct {
	Seq   uint64
	Event *Event
}

// GuildTopic returns the routing key for guild-scoped events.
func GuildTopic(guildID string) string { return "guild:" + guildID }

// ChannelTopic returns the routing key for channel-scoped events.
func ChannelTopic(channelID string) string { return "channel:" + channelID }

// UserTopic returns the routing key for events targeting a single user,
// such as presence and voice-state updates.
func UserTopic(userID string) string { return "user:" + userID }
