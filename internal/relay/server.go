// Package relay implements the Unspoken relay server: a WebSocket endpoint
// that pairs two clients in a room and forwards their encrypted frames. All
// room and presence state lives in Redis and delivery fans out over NATS,
// so multiple instances can serve one deployment.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unspoken/chat-app/internal/metrics"
	"github.com/unspoken/chat-app/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the relay server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8765"
	MaxConnections    int           // hard cap on total connections
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	HeartbeatInterval time.Duration // how often to ping idle connections
	HeartbeatTimeout  time.Duration // grace after ping before eviction
}

// DefaultServerConfig returns a ServerConfig with production defaults. The
// listen port matches what unmodified clients dial by default.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8765",
		MaxConnections:    10000,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// Server accepts WebSocket connections, runs one read loop goroutine per
// connection, and hands complete text frames to the Handlers.
type Server struct {
	config     ServerConfig
	log        *logrus.Entry
	registry   *Registry
	handlers   *Handlers
	limiter    *ratelimit.Limiter
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration and frame router.
func NewServer(config ServerConfig, registry *Registry, handlers *Handlers, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config:   config,
		log:      logrus.WithField("component", "server"),
		registry: registry,
		handlers: handlers,
		limiter:  limiter,
		done:     make(chan struct{}),
	}
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.heartbeatLoop()

	s.log.WithFields(logrus.Fields{
		"addr":      s.config.ListenAddr,
		"max_conns": s.config.MaxConnections,
	}).Info("relay listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and
// starts its read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !allowed {
			http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.WithError(err).Warn("upgrade failed")
		return
	}

	c := &Conn{
		ID:        uuid.New().String(),
		Conn:      netConn,
		CreatedAt: time.Now(),
	}
	c.Touch()

	s.registry.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))
	s.log.WithFields(logrus.Fields{"conn": c.ID, "total": s.registry.Count()}).Info("new connection")

	go s.readLoop(c)
}

// readLoop reads frames from one connection until it fails or closes.
// Control frames refresh liveness; text frames go to the dispatcher.
func (s *Server) readLoop(c *Conn) {
	defer s.removeConnection(c)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.Touch()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			if header.OpCode == ws.OpPing {
				// Drain the ping payload and answer.
				if _, err := io.Copy(io.Discard, reader); err != nil {
					return
				}
				if err := ws.WriteFrame(c.Conn, ws.NewPongFrame(nil)); err != nil {
					return
				}
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.config.WriteTimeout > 0 {
			_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		s.handlers.Dispatch(c, data)
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
}

// removeConnection runs teardown exactly once per connection: the read
// loop, the heartbeat, and shutdown all funnel through here.
func (s *Server) removeConnection(c *Conn) {
	if !s.registry.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))
	s.handlers.HandleDisconnect(c)
	s.log.WithFields(logrus.Fields{"conn": c.ID, "total": s.registry.Count()}).Info("connection closed")
}

// heartbeatLoop periodically pings all connections and evicts those with
// no activity within Interval + Timeout.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepConnections()
		}
	}
}

func (s *Server) sweepConnections() {
	deadline := s.config.HeartbeatInterval + s.config.HeartbeatTimeout
	now := time.Now()

	for _, c := range s.registry.All() {
		if now.Sub(c.LastSeen()) > deadline {
			s.log.WithFields(logrus.Fields{
				"conn": c.ID,
				"idle": now.Sub(c.LastSeen()).Round(time.Second),
			}).Info("heartbeat timeout")
			s.removeConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.removeConnection(c)
		}
	}
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown performs a graceful shutdown: stop the listener, signal the
// loops, and close every live connection through the normal teardown path.
func (s *Server) Shutdown() error {
	s.log.Info("shutting down")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("http shutdown error")
	}

	for _, c := range s.registry.All() {
		s.removeConnection(c)
	}

	s.log.Info("relay stopped")
	return nil
}
