// Package status serves the node's local diagnostics surface: health,
// a JSON status document, Prometheus metrics and a live zone-event
// stream over WebSocket.
package status

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/clock"
	"github.com/agsys/irrigation-node/internal/command"
	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/sensor"
	"github.com/agsys/irrigation-node/internal/session"
	"github.com/agsys/irrigation-node/internal/storage"
	"github.com/agsys/irrigation-node/internal/syncer"
)

const (
	maxHeaderBytes    = 1 << 20
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 5 * time.Second

	defaultLimit = 50
	maxLimit     = 1000
)

// Config holds status server configuration
type Config struct {
	Listen   string
	DeviceID string
}

// Journal is the read side of the storage journal.
type Journal interface {
	GetZoneEvents(zone, limit int) ([]*storage.ZoneEvent, error)
	GetRecentCommands(limit int) ([]*storage.CommandRecord, error)
	GetRecentCycles(limit int) ([]*storage.SyncCycle, error)
}

// Sources are the components the status document is built from. Nil
// members are left out of the document.
type Sources struct {
	Actuator interface{ Status() actuator.Status }
	Cell     *sensor.Cell
	Cycle    interface{ Last() syncer.Outcome }
	Queue    *command.Queue
	Session  interface {
		State() session.State
		ExpiresAt() time.Time
	}
	Journal Journal
	Metrics http.Handler
}

// Document is the body of GET /api/v1/status.
type Document struct {
	DeviceID string           `json:"device_id"`
	Uptime   int64            `json:"uptime_s"`
	Time     time.Time        `json:"time"`
	Actuator *actuator.Status `json:"actuator,omitempty"`
	Sensors  *sensor.Snapshot `json:"sensors,omitempty"`
	Sync     *syncer.Outcome  `json:"sync,omitempty"`
	Queue    *QueueStatus     `json:"queue,omitempty"`
	Session  *SessionStatus   `json:"session,omitempty"`
}

// QueueStatus reports the command queue fill.
type QueueStatus struct {
	Len int `json:"len"`
	Cap int `json:"cap"`
}

// SessionStatus reports the backend session.
type SessionStatus struct {
	State     string     `json:"state"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Server is the status HTTP server.
type Server struct {
	config  Config
	src     Sources
	hub     *Hub
	clock   clock.Clock
	log     *logger.Logger
	started time.Time
	router  *gin.Engine
}

// New builds the router. Nothing listens until Run.
func New(config Config, src Sources, clk clock.Clock, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		config:  config,
		src:     src,
		hub:     NewHub(log),
		clock:   clk,
		log:     log,
		started: clk.Now(),
	}
	s.router = s.initRoutes()
	return s
}

// Hub returns the WebSocket hub. Register it as an actuator observer.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) initRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	if s.src.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.src.Metrics))
	}
	router.GET("/ws", s.wsConnect)

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.getStatus)
		if s.src.Journal != nil {
			api.GET("/events", s.getEvents)
			api.GET("/commands", s.getCommands)
			api.GET("/cycles", s.getCycles)
		}
	}
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.router,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("status server listening", "addr", s.config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.document())
}

func (s *Server) document() Document {
	now := s.clock.Now()
	doc := Document{
		DeviceID: s.config.DeviceID,
		Uptime:   int64(now.Sub(s.started) / time.Second),
		Time:     now.UTC(),
	}
	if s.src.Actuator != nil {
		st := s.src.Actuator.Status()
		doc.Actuator = &st
	}
	if s.src.Cell != nil {
		snap := s.src.Cell.Load()
		doc.Sensors = &snap
	}
	if s.src.Cycle != nil {
		last := s.src.Cycle.Last()
		doc.Sync = &last
	}
	if s.src.Queue != nil {
		doc.Queue = &QueueStatus{Len: s.src.Queue.Len(), Cap: s.src.Queue.Cap()}
	}
	if s.src.Session != nil {
		ss := &SessionStatus{State: s.src.Session.State().String()}
		if exp := s.src.Session.ExpiresAt(); !exp.IsZero() {
			ss.ExpiresAt = &exp
		}
		doc.Session = ss
	}
	return doc
}

func (s *Server) getEvents(c *gin.Context) {
	zone := -1
	if z := c.Query("zone"); z != "" {
		v, err := strconv.Atoi(z)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zone"})
			return
		}
		zone = v
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	events, err := s.src.Journal.GetZoneEvents(zone, limit)
	if err != nil {
		s.journalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) getCommands(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	cmds, err := s.src.Journal.GetRecentCommands(limit)
	if err != nil {
		s.journalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

func (s *Server) getCycles(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	cycles, err := s.src.Journal.GetRecentCycles(limit)
	if err != nil {
		s.journalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles})
}

func (s *Server) journalError(c *gin.Context, err error) {
	s.log.Errorw("journal query failed", "path", c.FullPath(), "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
}

// parseLimit reads ?limit=N, writing a 400 when it is malformed.
func parseLimit(c *gin.Context) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return defaultLimit, true
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	if v > maxLimit {
		v = maxLimit
	}
	return v, true
}
