// ABOUTME: One client WebSocket connection and its identify/resume/ready state machine.
// ABOUTME: A single writePump goroutine owns the socket for writes; reads happen inline.

package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/event"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/session"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second

	// maxFrameSize bounds inbound client frames. Clients only send small
	// control payloads; anything bigger is abuse.
	maxFrameSize = 8 * 1024

	// sendSlack is extra outbound queue headroom beyond the replay
	// capacity, so a full replay window always fits alongside a few live
	// dispatches.
	sendSlack = 16
)

type connState int

const (
	stateAwaitingAuth connState = iota
	stateReady
	stateClosed
)

// conn is one client socket. It implements session.Sink so the session
// layer can push dispatches into its outbound queue.
type conn struct {
	gw     *Gateway
	ws     *websocket.Conn
	logger *slog.Logger
	hb     *heartbeatMonitor

	send chan *protocol.Message

	stop      chan struct{}
	stopOnce  sync.Once
	writeDone chan struct{}

	mu        sync.Mutex
	state     connState
	sess      *session.Session
	closeCode int
	closeText string
}

func newConn(gw *Gateway, ws *websocket.Conn) *conn {
	c := &conn{
		gw:        gw,
		ws:        ws,
		logger:    gw.logger.With("remote", ws.RemoteAddr().String()),
		send:      make(chan *protocol.Message, gw.cfg.Session.ReplayCapacity+sendSlack),
		stop:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	c.hb = newHeartbeatMonitor(gw.cfg.Session.HeartbeatInterval, gw.cfg.Session.HeartbeatMisses, c.onHeartbeatTimeout, c.logger)
	return c
}

// run drives the connection to completion: greet, pump, read until the
// socket dies, then tear down. Blocks until the connection is finished.
func (c *conn) run() {
	c.ws.SetReadLimit(maxFrameSize)

	go c.writePump()

	c.enqueueControl(protocol.NewHello(c.gw.cfg.Session.HeartbeatInterval.Milliseconds()))
	c.hb.arm()

	c.readLoop()
	c.teardown()
}

func (c *conn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		}

		m, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Debug("undecodable frame", "error", err)
			c.closeWith(protocol.CloseDecodeError, "decode error")
			return
		}

		if !c.handle(m) {
			return
		}
	}
}

// handle processes one inbound envelope. Returns false when the
// connection should stop reading.
func (c *conn) handle(m *protocol.Message) bool {
	switch m.Op {
	case protocol.OpHeartbeat:
		c.hb.recordBeat()
		c.enqueueControl(protocol.NewHeartbeatAck())
		return true
	case protocol.OpIdentify:
		return c.handleIdentify(m)
	case protocol.OpResume:
		return c.handleResume(m)
	case protocol.OpSubscribe:
		return c.handleTopicChange(m, true)
	case protocol.OpUnsubscribe:
		return c.handleTopicChange(m, false)
	default:
		c.closeWith(protocol.CloseUnknownOpcode, "unknown opcode")
		return false
	}
}

// handleIdentify opens a brand-new session for a verified identity and
// auto-subscribes it to the user's own topic.
func (c *conn) handleIdentify(m *protocol.Message) bool {
	c.mu.Lock()
	if c.state != stateAwaitingAuth {
		c.mu.Unlock()
		c.closeWith(protocol.CloseAlreadyAuthenticated, "already authenticated")
		return false
	}
	c.mu.Unlock()

	var ident protocol.Identify
	if err := protocol.DecodePayload(m, &ident); err != nil {
		c.closeWith(protocol.CloseDecodeError, "bad identify payload")
		return false
	}

	identity, err := c.gw.verifier.Verify(ident.Token)
	if err != nil {
		c.logger.Info("identify rejected", "error", err)
		c.closeWith(protocol.CloseAuthenticationFailed, "authentication failed")
		return false
	}

	sess := c.gw.registry.Create(identity)
	if _, err := c.gw.registry.Attach(sess.ID, identity, 0, c); err != nil {
		// A freshly created session has no competing sink; failure here
		// means the registry is shutting down or the queue is broken.
		c.logger.Error("attach after create failed", "error", err)
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return false
	}

	c.mu.Lock()
	c.sess = sess
	c.state = stateReady
	c.mu.Unlock()

	// Presence and other user-addressed events flow without an explicit
	// subscription.
	c.gw.router.Subscribe(sess, event.UserTopic(identity.UserID))

	c.enqueueControl(protocol.NewReady(sess.ID, *identity))
	c.logger.Info("session ready", "session_id", sess.ID, "user_id", identity.UserID)
	return true
}

// handleResume reattaches to an existing session and replays what the
// client missed. The replay is enqueued by the registry before the sink
// goes live, so no Ready frame is needed; dispatches resume mid-stream.
func (c *conn) handleResume(m *protocol.Message) bool {
	c.mu.Lock()
	if c.state != stateAwaitingAuth {
		c.mu.Unlock()
		c.closeWith(protocol.CloseAlreadyAuthenticated, "already authenticated")
		return false
	}
	c.mu.Unlock()

	var res protocol.Resume
	if err := protocol.DecodePayload(m, &res); err != nil {
		c.closeWith(protocol.CloseDecodeError, "bad resume payload")
		return false
	}

	identity, err := c.gw.verifier.Verify(res.Token)
	if err != nil {
		c.logger.Info("resume rejected", "error", err)
		c.closeWith(protocol.CloseAuthenticationFailed, "authentication failed")
		return false
	}

	replayed, err := c.gw.registry.Attach(res.SessionID, identity, res.LastSeq, c)
	if err != nil {
		c.logger.Info("resume failed", "session_id", res.SessionID, "error", err)
		c.enqueueControl(protocol.NewInvalidSession(false))
		c.closeWith(websocket.CloseNormalClosure, "invalid session")
		return false
	}

	sess, _ := c.gw.registry.Get(res.SessionID)
	c.mu.Lock()
	c.sess = sess
	c.state = stateReady
	c.mu.Unlock()

	c.logger.Info("session resumed", "session_id", res.SessionID, "user_id", identity.UserID, "replayed", replayed)
	return true
}

// handleTopicChange applies a Subscribe or Unsubscribe to the ready session.
func (c *conn) handleTopicChange(m *protocol.Message, subscribe bool) bool {
	c.mu.Lock()
	sess := c.sess
	ready := c.state == stateReady
	c.mu.Unlock()

	if !ready {
		c.closeWith(protocol.CloseNotAuthenticated, "not authenticated")
		return false
	}

	var tc protocol.TopicChange
	if err := protocol.DecodePayload(m, &tc); err != nil {
		c.closeWith(protocol.CloseDecodeError, "bad topic payload")
		return false
	}

	for _, topic := range tc.Topics {
		if topic == "" {
			continue
		}
		if subscribe {
			c.gw.router.Subscribe(sess, topic)
		} else {
			c.gw.router.Unsubscribe(sess, topic)
		}
	}
	return true
}

func (c *conn) onHeartbeatTimeout() {
	c.logger.Info("heartbeat timeout")
	c.enqueueControl(protocol.NewInvalidSession(true))
	c.closeWith(protocol.CloseSessionTimeout, "heartbeat timeout")
}

// EnqueueDispatch implements session.Sink. Never blocks; false tells the
// session layer this socket fell behind.
func (c *conn) EnqueueDispatch(d *event.Dispatch) bool {
	select {
	case c.send <- protocol.NewDispatch(d):
		return true
	default:
		return false
	}
}

// Kick implements session.Sink.
func (c *conn) Kick(reason string) {
	c.logger.Warn("kicking connection", "reason", reason)
	c.closeWith(protocol.CloseSlowConsumer, reason)
}

// enqueueControl offers a control frame to the outbound queue. A queue too
// full for a control frame is already doomed, so overflow closes the socket.
func (c *conn) enqueueControl(m *protocol.Message) {
	select {
	case c.send <- m:
	default:
		c.closeWith(protocol.CloseSlowConsumer, "outbound queue overflow")
	}
}

// closeWith records the close code and begins shutdown. First caller wins.
func (c *conn) closeWith(code int, text string) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeText = text
		c.state = stateClosed
		c.mu.Unlock()
		close(c.stop)
	})
}

// writePump is the only goroutine that writes to the socket. On shutdown
// it drains whatever is already queued, then sends the close frame and
// closes the socket to unblock the reader.
func (c *conn) writePump() {
	defer close(c.writeDone)
	defer c.ws.Close()

	for {
		select {
		case m := <-c.send:
			if !c.write(m) {
				return
			}
		case <-c.stop:
			// Flush what is queued, bounded by the queue capacity so a
			// still-delivering session cannot keep the drain alive forever.
		drain:
			for drained := 0; drained < cap(c.send); drained++ {
				select {
				case m := <-c.send:
					if !c.write(m) {
						break drain
					}
				default:
					break drain
				}
			}

			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
			return
		}
	}
}

func (c *conn) write(m *protocol.Message) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(m); err != nil {
		c.closeWith(websocket.CloseAbnormalClosure, "")
		return false
	}
	return true
}

// teardown releases everything the connection holds. The session itself
// survives in the registry for the grace period.
func (c *conn) teardown() {
	c.closeWith(websocket.CloseNormalClosure, "")
	c.hb.stop()

	// Let the writer flush the queue and the close frame; it bounds each
	// write with writeWait, so this cannot hang.
	<-c.writeDone

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess != nil {
		c.gw.registry.Detach(sess.ID, c)
	}
	c.gw.untrack(c)

	c.logger.Debug("connection closed")
}
