// Package server exposes the auth and event services over HTTP and
// WebSocket: JSON POST endpoints for the unary operations, one
// WebSocket stream per receiver for live delivery.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Limit-LAB/limit-server/internal/auth"
	"github.com/Limit-LAB/limit-server/internal/config"
	"github.com/Limit-LAB/limit-server/internal/event"
	"github.com/Limit-LAB/limit-server/internal/limits"
	"github.com/Limit-LAB/limit-server/internal/queue"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next pong after a ping.
	pongWait = 30 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Consecutive full-buffer sends before a receiver is disconnected.
	slowClientStrikes = 3

	maxBodyBytes = 1 << 20
)

type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	auth   *auth.Service
	events *event.Service
	guard  *limits.StreamGuard
	queue  *queue.Dispatcher

	listener net.Listener
	http     *http.Server

	clients      sync.Map // *client -> struct{}
	clientSeq    int64
	delivered    int64
	dropped      int64
	shuttingDown int32
	startedAt    time.Time
	stopMonitor  chan struct{}
	wg           sync.WaitGroup
}

func New(cfg *config.Config, authSvc *auth.Service, eventSvc *event.Service,
	guard *limits.StreamGuard, q *queue.Dispatcher, logger zerolog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "server").Logger(),
		auth:        authSvc,
		events:      eventSvc,
		guard:       guard,
		queue:       q,
		startedAt:   time.Now(),
		stopMonitor: make(chan struct{}),
	}
}

// Start binds the listener and serves until Shutdown. Non-blocking.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.http = &http.Server{
		Handler:        s.routes(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.guard.StartMonitoring(s.stopMonitor, s.cfg.StatsInterval)
	if s.cfg.MetricsSink == config.SinkTerminal {
		s.wg.Add(1)
		go s.logStats()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("accept loop error")
		}
	}()

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Int("max_streams", s.cfg.MaxStreams).
		Str("metrics_sink", s.cfg.MetricsSink).
		Msg("server listening")
	return nil
}

// Shutdown drains the HTTP server, then tears down the remaining
// streams. New connections are rejected as soon as it is called.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.logger.Info().Msg("draining http server")

	err := s.http.Shutdown(ctx)

	// Hijacked WebSocket connections are not covered by http.Shutdown.
	s.clients.Range(func(key, _ any) bool {
		c := key.(*client)
		s.sendClose(c, closeGoingAway, "server shutting down")
		s.disconnect(c, "server_shutdown")
		return true
	})

	close(s.stopMonitor)
	s.wg.Wait()
	s.logger.Info().
		Int64("events_delivered", atomic.LoadInt64(&s.delivered)).
		Int64("events_dropped", atomic.LoadInt64(&s.dropped)).
		Int64("uptime_sec", int64(time.Since(s.startedAt).Seconds())).
		Msg("server stopped")
	return err
}

// logStats is the terminal metrics sink: one summary line per interval.
func (s *Server) logStats() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.logger.Info().
				Str("guard", s.guard.String()).
				Int("queue_depth", s.queue.Depth()).
				Int64("uptime_sec", int64(time.Since(s.startedAt).Seconds())).
				Msg("stats")
		case <-s.stopMonitor:
			return
		}
	}
}
