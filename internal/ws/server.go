// Package ws accepts participant WebSocket connections. Upgrades go through
// gin; established connections are registered with epoll and read by a
// bounded worker pool.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/config"
)

// Hooks connect the server to the application. All are optional.
type Hooks struct {
	// UpgradeMiddleware runs before the upgrade, e.g. token verification.
	UpgradeMiddleware []gin.HandlerFunc
	// Identify returns the participant id for an upgrade request. An empty
	// id assigns a random one.
	Identify func(c *gin.Context) string
	// OnConnect runs after the connection is registered.
	OnConnect func(c *Connection)
	// OnMessage runs on a worker for every complete text frame.
	OnMessage func(c *Connection, data []byte)
	// OnDisconnect runs once for every registered connection that goes
	// away, whatever the cause.
	OnDisconnect func(c *Connection)
}

// Server is the WebSocket server built on gobwas/ws and epoll.
type Server struct {
	cfg        config.ServerConfig
	hooks      Hooks
	log        zerolog.Logger
	epoll      *Epoll
	conns      *ConnectionManager
	engine     *gin.Engine
	httpServer *http.Server
	workerPool chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server and its gin engine with /ws and /health
// routes. Callers may add routes through Engine before Start.
func NewServer(cfg config.ServerConfig, hooks Hooks, logger zerolog.Logger) (*Server, error) {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 1
	}
	ep, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s := &Server{
		cfg:        cfg,
		hooks:      hooks,
		log:        logger,
		epoll:      ep,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, cfg.WorkerPoolSize),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	upgrade := append(append([]gin.HandlerFunc{}, hooks.UpgradeMiddleware...), s.handleUpgrade)
	s.engine.GET("/ws", upgrade...)
	s.engine.GET("/health", s.handleHealth)
	s.httpServer = &http.Server{Addr: cfg.ListenAddr, Handler: s.engine}
	return s, nil
}

// Engine returns the gin engine for registering additional routes.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve starts the event loop and heartbeat and serves HTTP on l until
// Shutdown.
func (s *Server) Serve(l net.Listener) error {
	go s.startEventLoop()
	s.startHeartbeat(HeartbeatConfig{Interval: s.cfg.HeartbeatEvery, Timeout: s.cfg.HeartbeatGrace})

	s.log.Info().Str("addr", l.Addr().String()).Int("workers", s.cfg.WorkerPoolSize).Int("max_conns", s.cfg.MaxConnections).Msg("server listening")

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(c *gin.Context) {
	if s.cfg.MaxConnections > 0 && s.conns.Count() >= s.cfg.MaxConnections {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
		return
	}

	id := ""
	if s.hooks.Identify != nil {
		id = s.hooks.Identify(c)
	}
	if id == "" {
		id = uuid.NewString()
	}

	netConn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	conn := NewConnection(id, netConn, s.cfg.WriteTimeout)
	if replaced := s.conns.Add(conn); replaced != nil {
		// Same identity reconnected; the old socket is dropped without a
		// disconnect so the participant keeps its room.
		s.log.Info().Str("session", id).Msg("connection replaced")
		_ = s.epoll.Remove(replaced.Conn)
		replaced.Close()
	}

	if err := s.epoll.Add(netConn); err != nil {
		s.log.Error().Err(err).Str("session", id).Msg("epoll add failed")
		s.conns.Remove(conn)
		return
	}

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(conn)
	}
	s.log.Info().Str("session", id).Int("fd", conn.Fd).Int("total", s.conns.Count()).Msg("new connection")
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// startEventLoop hands ready connections to workers bounded by the pool.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				defer s.epoll.Ack(conn)
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// handled without waiting for data; read failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same fd twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.cfg.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. OnDisconnect runs only for the
// call that actually removed it, so racing removals notify once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)
	if !s.conns.Remove(c) {
		return
	}
	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}
	s.log.Info().Str("session", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and closes every active one,
// running OnDisconnect for each.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutting down server")
		close(s.done)

		if e := s.httpServer.Shutdown(ctx); e != nil {
			err = fmt.Errorf("ws: http shutdown: %w", e)
		}
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		_ = s.epoll.Close()
		s.log.Info().Msg("server stopped")
	})
	return err
}

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	return err != nil && (err.Error() == "interrupted system call" || err.Error() == "errno 4")
}
