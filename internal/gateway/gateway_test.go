// ABOUTME: End-to-end tests driving the gateway over real WebSocket connections.
// ABOUTME: Covers the identify/heartbeat/dispatch/resume protocol and close codes.

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/event"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Auth:   config.AuthConfig{JWTSecret: testSecret},
		Bus: config.BusConfig{
			URL:           config.DefaultBusURL,
			SubjectPrefix: config.DefaultSubjectPrefix,
		},
		Session: config.SessionConfig{
			// Long interval so heartbeats never interfere unless a test
			// shortens it deliberately.
			HeartbeatInterval: time.Minute,
			HeartbeatMisses:   2,
			GracePeriod:       time.Minute,
			ReplayCapacity:    100,
			ReplayHorizon:     time.Minute,
		},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	g, err := New(cfg, quietLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(g.routes())
	t.Cleanup(srv.Close)
	return g, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func recv(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m protocol.Message
	require.NoError(t, ws.ReadJSON(&m))
	return &m
}

func send(t *testing.T, ws *websocket.Conn, m *protocol.Message) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(m))
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var m protocol.Message
		err := ws.ReadJSON(&m)
		if err == nil {
			continue // drain frames queued ahead of the close
		}
		assert.True(t, websocket.IsCloseError(err, code), "expected close code %d, got %v", code, err)
		return
	}
}

func mintToken(t *testing.T, userID, username string) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := v.Generate(userID, username, time.Hour)
	require.NoError(t, err)
	return token
}

func identifyMsg(t *testing.T, token string) *protocol.Message {
	t.Helper()
	data, err := json.Marshal(protocol.Identify{Token: token})
	require.NoError(t, err)
	return &protocol.Message{Op: protocol.OpIdentify, Data: data}
}

func resumeMsg(t *testing.T, token, sessionID string, lastSeq uint64) *protocol.Message {
	t.Helper()
	data, err := json.Marshal(protocol.Resume{Token: token, SessionID: sessionID, LastSeq: lastSeq})
	require.NoError(t, err)
	return &protocol.Message{Op: protocol.OpResume, Data: data}
}

func topicsMsg(t *testing.T, op protocol.Op, topics ...string) *protocol.Message {
	t.Helper()
	data, err := json.Marshal(protocol.TopicChange{Topics: topics})
	require.NoError(t, err)
	return &protocol.Message{Op: op, Data: data}
}

// identifyReady runs a connection through hello + identify and returns the
// ready session.
func identifyReady(t *testing.T, g *Gateway, ws *websocket.Conn, userID string) *session.Session {
	t.Helper()

	hello := recv(t, ws)
	require.Equal(t, protocol.OpHello, hello.Op)

	send(t, ws, identifyMsg(t, mintToken(t, userID, "tester")))

	ready := recv(t, ws)
	require.Equal(t, protocol.OpReady, ready.Op)

	var payload protocol.Ready
	require.NoError(t, protocol.DecodePayload(ready, &payload))
	require.NotEmpty(t, payload.SessionID)
	require.Equal(t, userID, payload.User.UserID)

	s, ok := g.registry.Get(payload.SessionID)
	require.True(t, ok)
	return s
}

func channelEvent(topic, content string) *event.Event {
	return &event.Event{
		Topic:     topic,
		Type:      event.TypeMessageCreate,
		Payload:   json.RawMessage(`{"content":"` + content + `"}`),
		Timestamp: time.Now(),
	}
}

func TestGateway_HelloOnConnect(t *testing.T) {
	cfg := testConfig()
	_, srv := newTestGateway(t, cfg)
	ws := dialWS(t, srv)

	m := recv(t, ws)
	require.Equal(t, protocol.OpHello, m.Op)

	var hello protocol.Hello
	require.NoError(t, protocol.DecodePayload(m, &hello))
	assert.Equal(t, cfg.Session.HeartbeatInterval.Milliseconds(), hello.HeartbeatIntervalMS)
}

func TestGateway_IdentifyBecomesReady(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)

	s := identifyReady(t, g, ws, "u1")

	assert.True(t, s.Attached())
	// Identify auto-subscribes the user's own topic.
	assert.Contains(t, g.router.Topics(s), event.UserTopic("u1"))
}

func TestGateway_HeartbeatAck(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)

	require.Equal(t, protocol.OpHello, recv(t, ws).Op)

	send(t, ws, &protocol.Message{Op: protocol.OpHeartbeat})
	assert.Equal(t, protocol.OpHeartbeatAck, recv(t, ws).Op)
}

func TestGateway_IdentifyBadToken(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)

	require.Equal(t, protocol.OpHello, recv(t, ws).Op)
	send(t, ws, identifyMsg(t, "not-a-token"))

	expectClose(t, ws, protocol.CloseAuthenticationFailed)
}

func TestGateway_DoubleIdentify(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)

	identifyReady(t, g, ws, "u1")
	send(t, ws, identifyMsg(t, mintToken(t, "u1", "tester")))

	expectClose(t, ws, protocol.CloseAlreadyAuthenticated)
}

func TestGateway_SubscribeBeforeIdentify(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)

	require.Equal(t, protocol.OpHello, recv(t, ws).Op)
	send(t, ws, topicsMsg(t, protocol.OpSubscribe, "channel:c1"))

	expectClose(t, ws, protocol.CloseNotAuthenticated)
}

func TestGateway_UnknownOpcode(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)

	require.Equal(t, protocol.OpHello, recv(t, ws).Op)
	send(t, ws, &protocol.Message{Op: 42})

	expectClose(t, ws, protocol.CloseUnknownOpcode)
}

func TestGateway_MalformedFrame(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)

	require.Equal(t, protocol.OpHello, recv(t, ws).Op)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{{{")))

	expectClose(t, ws, protocol.CloseDecodeError)
}

func TestGateway_SubscribeAndDispatch(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)

	s := identifyReady(t, g, ws, "u1")
	send(t, ws, topicsMsg(t, protocol.OpSubscribe, "channel:c1"))

	require.Eventually(t, func() bool {
		for _, topic := range g.router.Topics(s) {
			if topic == "channel:c1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	g.handleBusEvent(channelEvent("channel:c1", "hello"))

	m := recv(t, ws)
	assert.Equal(t, protocol.OpDispatch, m.Op)
	assert.Equal(t, uint64(1), m.Seq)
	assert.Equal(t, event.TypeMessageCreate, m.Type)
	assert.JSONEq(t, `{"content":"hello"}`, string(m.Data))
}

func TestGateway_UnsubscribeStopsDispatch(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)

	s := identifyReady(t, g, ws, "u1")
	send(t, ws, topicsMsg(t, protocol.OpSubscribe, "channel:c1"))
	require.Eventually(t, func() bool {
		return len(g.router.Topics(s)) == 2
	}, time.Second, 5*time.Millisecond)

	send(t, ws, topicsMsg(t, protocol.OpUnsubscribe, "channel:c1"))
	require.Eventually(t, func() bool {
		return len(g.router.Topics(s)) == 1
	}, time.Second, 5*time.Millisecond)

	g.handleBusEvent(channelEvent("channel:c1", "unseen"))

	// The next frame must be the heartbeat ack, not a dispatch.
	send(t, ws, &protocol.Message{Op: protocol.OpHeartbeat})
	m := recv(t, ws)
	assert.Equal(t, protocol.OpHeartbeatAck, m.Op)
	assert.Zero(t, s.LastSeq())
}

func TestGateway_ResumeReplaysMissedDispatches(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())

	ws1 := dialWS(t, srv)
	s := identifyReady(t, g, ws1, "u1")
	send(t, ws1, topicsMsg(t, protocol.OpSubscribe, "channel:c1"))
	require.Eventually(t, func() bool {
		return len(g.router.Topics(s)) == 2
	}, time.Second, 5*time.Millisecond)

	g.handleBusEvent(channelEvent("channel:c1", "one"))
	first := recv(t, ws1)
	require.Equal(t, uint64(1), first.Seq)

	// Drop the socket without a close handshake, as a flaky network would.
	ws1.Close()
	require.Eventually(t, func() bool { return !s.Attached() }, time.Second, 5*time.Millisecond)

	// These land in the replay buffer while no socket is attached.
	g.handleBusEvent(channelEvent("channel:c1", "two"))
	g.handleBusEvent(channelEvent("channel:c1", "three"))

	ws2 := dialWS(t, srv)
	require.Equal(t, protocol.OpHello, recv(t, ws2).Op)
	send(t, ws2, resumeMsg(t, mintToken(t, "u1", "tester"), s.ID, 1))

	// No Ready on resume; the stream picks up where it left off.
	m2 := recv(t, ws2)
	assert.Equal(t, uint64(2), m2.Seq)
	assert.JSONEq(t, `{"content":"two"}`, string(m2.Data))

	m3 := recv(t, ws2)
	assert.Equal(t, uint64(3), m3.Seq)

	// Live delivery continues after the replay.
	g.handleBusEvent(channelEvent("channel:c1", "four"))
	m4 := recv(t, ws2)
	assert.Equal(t, uint64(4), m4.Seq)
	assert.JSONEq(t, `{"content":"four"}`, string(m4.Data))
}

func TestGateway_ResumeUnknownSession(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)

	require.Equal(t, protocol.OpHello, recv(t, ws).Op)
	send(t, ws, resumeMsg(t, mintToken(t, "u1", "tester"), "no-such-session", 0))

	m := recv(t, ws)
	require.Equal(t, protocol.OpInvalidSession, m.Op)

	var payload protocol.InvalidSession
	require.NoError(t, protocol.DecodePayload(m, &payload))
	assert.False(t, payload.Resumable)

	expectClose(t, ws, websocket.CloseNormalClosure)
}

func TestGateway_ResumeWrongOwner(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())

	ws1 := dialWS(t, srv)
	s := identifyReady(t, g, ws1, "u1")
	ws1.Close()
	require.Eventually(t, func() bool { return !s.Attached() }, time.Second, 5*time.Millisecond)

	ws2 := dialWS(t, srv)
	require.Equal(t, protocol.OpHello, recv(t, ws2).Op)
	send(t, ws2, resumeMsg(t, mintToken(t, "u2", "intruder"), s.ID, 0))

	m := recv(t, ws2)
	require.Equal(t, protocol.OpInvalidSession, m.Op)
}

func TestGateway_ResumeBeyondReplayWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Session.ReplayCapacity = 2
	g, srv := newTestGateway(t, cfg)

	ws1 := dialWS(t, srv)
	s := identifyReady(t, g, ws1, "u1")
	send(t, ws1, topicsMsg(t, protocol.OpSubscribe, "channel:c1"))
	require.Eventually(t, func() bool {
		return len(g.router.Topics(s)) == 2
	}, time.Second, 5*time.Millisecond)

	ws1.Close()
	require.Eventually(t, func() bool { return !s.Attached() }, time.Second, 5*time.Millisecond)

	// Five dispatches through a buffer of two: seq 1 is long gone.
	for i := 0; i < 5; i++ {
		g.handleBusEvent(channelEvent("channel:c1", "x"))
	}

	ws2 := dialWS(t, srv)
	require.Equal(t, protocol.OpHello, recv(t, ws2).Op)
	send(t, ws2, resumeMsg(t, mintToken(t, "u1", "tester"), s.ID, 1))

	m := recv(t, ws2)
	require.Equal(t, protocol.OpInvalidSession, m.Op)

	var payload protocol.InvalidSession
	require.NoError(t, protocol.DecodePayload(m, &payload))
	assert.False(t, payload.Resumable)
}

func TestGateway_HeartbeatTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Session.HeartbeatInterval = 50 * time.Millisecond
	cfg.Session.HeartbeatMisses = 2
	g, srv := newTestGateway(t, cfg)

	ws := dialWS(t, srv)
	s := identifyReady(t, g, ws, "u1")

	// Never heartbeat: the gateway flags the session resumable and closes.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var sawInvalid bool
	for {
		var m protocol.Message
		err := ws.ReadJSON(&m)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, protocol.CloseSessionTimeout), "expected session timeout close, got %v", err)
			break
		}
		if m.Op == protocol.OpInvalidSession {
			var payload protocol.InvalidSession
			require.NoError(t, protocol.DecodePayload(&m, &payload))
			assert.True(t, payload.Resumable)
			sawInvalid = true
		}
	}
	assert.True(t, sawInvalid)

	// The session survives for a later resume.
	require.Eventually(t, func() bool { return !s.Attached() }, time.Second, 5*time.Millisecond)
	_, ok := g.registry.Get(s.ID)
	assert.True(t, ok)
}

func TestGateway_DisconnectStartsGrace(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())

	ws := dialWS(t, srv)
	s := identifyReady(t, g, ws, "u1")
	ws.Close()

	require.Eventually(t, func() bool { return !s.Attached() }, time.Second, 5*time.Millisecond)

	// Within grace: session present. Past grace: swept.
	_, ok := g.registry.Get(s.ID)
	assert.True(t, ok)

	evicted := g.registry.SweepExpired(time.Now().Add(2 * time.Minute))
	require.Len(t, evicted, 1)
	assert.Equal(t, s.ID, evicted[0].ID)
}

func TestGateway_CloseAllConnsPromptlyReleasesHandlers(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())
	ws := dialWS(t, srv)
	s := identifyReady(t, g, ws, "u1")
	require.Equal(t, 1, g.connCount())

	g.closeAllConns()

	expectClose(t, ws, websocket.CloseGoingAway)

	// The /ws handler must return on its own, without waiting on an HTTP
	// shutdown deadline.
	require.Eventually(t, func() bool { return g.connCount() == 0 }, time.Second, 5*time.Millisecond)

	// The session stays resumable across a restart within the grace window.
	_, ok := g.registry.Get(s.ID)
	assert.True(t, ok)
}

func TestWritePump_SendsCloseFrameUnderSustainedBacklog(t *testing.T) {
	cfg := testConfig()
	cfg.Session.ReplayCapacity = 1 // keeps the outbound queue small
	g, err := New(cfg, quietLogger())
	require.NoError(t, err)

	stopFeed := make(chan struct{})
	t.Cleanup(func() { close(stopFeed) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConn(g, ws)
		for i := 0; i < cap(c.send); i++ {
			c.send <- protocol.NewHeartbeatAck()
		}
		// Top the queue back up while the pump drains, the way live
		// deliveries would during a kick.
		go func() {
			for {
				select {
				case c.send <- protocol.NewHeartbeatAck():
				case <-stopFeed:
					return
				}
			}
		}()
		c.closeWith(protocol.CloseSlowConsumer, "backlog")
		c.writePump()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	// However full the queue stays, the drain is bounded and the close
	// frame with the real close code must still arrive.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var m protocol.Message
		if err := ws.ReadJSON(&m); err != nil {
			assert.True(t, websocket.IsCloseError(err, protocol.CloseSlowConsumer), "expected slow-consumer close, got %v", err)
			return
		}
	}
}

func TestGateway_HealthEndpoints(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The bus is not connected in tests, so readiness reports degraded.
	resp2, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)

	var body struct {
		BusConnected bool `json:"bus_connected"`
		Sessions     int  `json:"sessions"`
		Connections  int  `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.False(t, body.BusConnected)
}
