// ABOUTME: Wire protocol spoken between clients and the gateway over WebSocket.
// ABOUTME: JSON envelope with an opcode discriminator plus typed payload structs.

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/event"
)

// Op discriminates message kinds in the envelope's "op" field.
type Op int

// Opcodes. Dispatch is the only message carrying "s" and "t".
const (
	OpDispatch       Op = 0
	OpHeartbeat      Op = 1
	OpIdentify       Op = 2
	OpSubscribe      Op = 3
	OpUnsubscribe    Op = 4
	OpResume         Op = 6
	OpInvalidSession Op = 9
	OpHello          Op = 10
	OpHeartbeatAck   Op = 11
	OpReady          Op = 12
)

// WebSocket close codes sent when the gateway terminates a connection.
const (
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseSlowConsumer         = 4008
	CloseSessionTimeout       = 4009
)

// Message is the wire envelope. Seq and Type are populated only for
// OpDispatch; omitempty keeps control frames compact.
type Message struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  uint64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// Hello tells a freshly connected client how often to heartbeat.
type Hello struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// Identify opens a new session with a bearer credential.
type Identify struct {
	Token      string            `json:"token"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Resume reattaches to an existing session. LastSeq is the highest
// dispatch sequence number the client has seen.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	LastSeq   uint64 `json:"last_seq"`
}

// Ready acknowledges a successful Identify.
type Ready struct {
	SessionID string        `json:"session_id"`
	User      auth.Identity `json:"user"`
}

// InvalidSession tells the client its session is unusable. Resumable
// distinguishes "retry Resume later" from "start over with Identify".
type InvalidSession struct {
	Resumable bool `json:"resumable"`
}

// TopicChange carries the topics of a Subscribe or Unsubscribe request.
type TopicChange struct {
	Topics []string `json:"topics"`
}

// Decode parses a raw client frame into an envelope.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return &m, nil
}

// DecodePayload parses the envelope's "d" field into the given payload struct.
func DecodePayload(m *Message, v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("op %d: missing payload", m.Op)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("op %d payload: %w", m.Op, err)
	}
	return nil
}

// control builds an envelope for a control payload. Marshal errors are
// impossible for the fixed payload types, so they panic loudly instead of
// being threaded through every call site.
func control(op Op, v any) *Message {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal op %d: %v", op, err))
	}
	return &Message{Op: op, Data: data}
}

// NewHello builds a Hello envelope carrying the heartbeat interval.
func NewHello(intervalMS int64) *Message {
	return control(OpHello, Hello{HeartbeatIntervalMS: intervalMS})
}

// NewReady builds a Ready envelope for a newly identified session.
func NewReady(sessionID string, user auth.Identity) *Message {
	return control(OpReady, Ready{SessionID: sessionID, User: user})
}

// NewInvalidSession builds an InvalidSession envelope.
func NewInvalidSession(resumable bool) *Message {
	return control(OpInvalidSession, InvalidSession{Resumable: resumable})
}

// NewHeartbeatAck builds the reply to a client heartbeat.
func NewHeartbeatAck() *Message {
	return &Message{Op: OpHeartbeatAck}
}

// NewDispatch wraps a sequenced event for the wire. The payload travels
// verbatim; the session's sequence number and the event type ride in the
// envelope.
func NewDispatch(d *event.Dispatch) *Message {
	return &Message{
		Op:   OpDispatch,
		Data: d.Event.Payload,
		Seq:  d.Seq,
		Type: d.Event.Type,
	}
}
