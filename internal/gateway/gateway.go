// ABOUTME: Gateway wires the registry, router, and bus consumer behind an HTTP server.
// ABOUTME: Serves the WebSocket upgrade endpoint plus liveness and readiness probes.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/bus"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/event"
	"github.com/2389/relay-gateway/internal/router"
	"github.com/2389/relay-gateway/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients authenticate with a bearer token inside Identify,
	// not a cookie, so cross-origin upgrades carry no ambient authority.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Gateway is the session gateway service: it terminates client WebSockets,
// runs the session protocol, and fans bus events out to subscribers.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	verifier auth.TokenVerifier
	registry *session.Registry
	router   *router.Router
	consumer *bus.Consumer

	httpServer *http.Server

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New assembles a gateway from configuration. Nothing listens or connects
// until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		verifier: verifier,
		registry: session.NewRegistry(cfg.Session.GracePeriod, cfg.Session.ReplayCapacity, cfg.Session.ReplayHorizon, logger),
		router:   router.New(logger),
		conns:    make(map[*conn]struct{}),
	}

	g.consumer = bus.NewConsumer(bus.Config{
		URL:           cfg.Bus.URL,
		SubjectPrefix: cfg.Bus.SubjectPrefix,
	}, g.handleBusEvent, logger)

	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.routes(),
	}

	return g, nil
}

// Run starts the bus consumer, the session sweeper, and the HTTP server,
// then blocks until the context is canceled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.consumer.Connect(); err != nil {
		return fmt.Errorf("starting bus consumer: %w", err)
	}
	defer g.consumer.Close()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go g.sweepLoop(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("gateway shutting down")

	// Kick live connections first: Shutdown waits for the /ws handlers,
	// and those only return once their connection is closed.
	g.closeAllConns()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http shutdown", "error", err)
	}

	return nil
}

// routes builds the HTTP mux: the WebSocket endpoint and health probes.
func (g *Gateway) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", g.handleWS)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/health/ready", func(c *gin.Context) {
		busUp := g.consumer.Connected()
		status := http.StatusOK
		if !busUp {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"bus_connected": busUp,
			"sessions":      g.registry.Len(),
			"connections":   g.connCount(),
		})
	})

	return r
}

// handleWS upgrades the request and runs the connection to completion on
// the request goroutine.
func (g *Gateway) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", "error", err, "remote", c.Request.RemoteAddr)
		return
	}

	cn := newConn(g, ws)
	g.track(cn)
	cn.run()
}

// handleBusEvent routes one decoded bus event. Runs on the NATS delivery
// goroutine; Route only snapshots and enqueues, so this stays fast.
func (g *Gateway) handleBusEvent(ev *event.Event) {
	g.router.Route(ev)
}

// sweepLoop periodically evicts sessions whose grace period lapsed and
// drops their subscriptions.
func (g *Gateway) sweepLoop(ctx context.Context) {
	interval := g.cfg.Session.GracePeriod / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range g.registry.SweepExpired(now) {
				g.router.DropSession(s)
			}
		}
	}
}

func (g *Gateway) track(c *conn) {
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

func (g *Gateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// closeAllConns kicks every live connection during shutdown. Sessions stay
// resumable in case the process comes back within the grace period.
func (g *Gateway) closeAllConns() {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
