package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"marketmaker/internal/config"
)

// pollInterval is how often the server polls EngineView for a fresh
// snapshot to push to connected WebSocket clients. The engine has no
// discrete event stream (fills, guard transitions) to subscribe to, so the
// dashboard feed is a plain poll-and-broadcast loop instead.
const pollInterval = 1 * time.Second

// Server runs the HTTP/WebSocket observability surface: /health,
// /api/snapshot, /metrics, and /ws for live dashboard pushes.
type Server struct {
	cfg      config.DashboardConfig
	eng      EngineView
	feed     *feed
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
	stopPoll chan struct{}
}

// NewServer wires the HTTP mux and the WebSocket push feed over the given
// engine view.
func NewServer(cfg config.DashboardConfig, eng EngineView, logger *slog.Logger) *Server {
	fd := newFeed(logger)
	handlers := NewHandlers(eng, cfg, fd, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", eng.Metrics().Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		eng:      eng,
		feed:     fd,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api_server"),
		stopPoll: make(chan struct{}),
	}
}

// Start runs the snapshot-poll broadcaster and the HTTP server. It blocks
// until the server is shut down.
func (s *Server) Start() error {
	go s.pollAndBroadcast()

	s.logger.Info("observability server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server and the poll loop.
func (s *Server) Stop() error {
	s.logger.Info("stopping observability server")
	close(s.stopPoll)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// pollAndBroadcast periodically rebuilds the snapshot and pushes it to every
// attached operator socket.
func (s *Server) pollAndBroadcast() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPoll:
			return
		case <-ticker.C:
			s.feed.publishSnapshot(BuildSnapshot(s.eng))
		}
	}
}
