// Package server hosts the collaboration WebSocket surface: the frame
// router, the per-connection transport and the HTTP process around them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/louisbranch/codecollab/internal/platform/timeouts"
	"github.com/louisbranch/codecollab/internal/services/collab/execution"
	"github.com/louisbranch/codecollab/internal/services/collab/room"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultMaxFrameBytes = 512 << 10

// Config defines the inputs for the collaboration server.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            zerolog.Logger

	ExecutionLimits      execution.Limits
	ExecutionConcurrency int
	// ExecutionQueueDepth is how many runs may wait per room; negative
	// selects the engine default.
	ExecutionQueueDepth int

	// EmptyRoomTTL of zero removes rooms as soon as they empty.
	EmptyRoomTTL       time.Duration
	ReapInterval       time.Duration
	ChatHistoryLimit   int
	OutputHistoryLimit int
	MaxFrameBytes      int
}

// service is everything behind the HTTP handler: rooms, the engine, the
// router and the set of open sockets.
type service struct {
	registry      *room.Registry
	engine        *execution.Engine
	router        *Router
	logger        zerolog.Logger
	maxFrameBytes int

	mu       sync.Mutex
	closed   bool
	sessions map[*wsPeer]struct{}
}

func newService(baseCtx context.Context, config Config) *service {
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = defaultMaxFrameBytes
	}
	registry := room.NewRegistry(room.Options{
		ChatHistoryLimit:   config.ChatHistoryLimit,
		OutputHistoryLimit: config.OutputHistoryLimit,
		NewID:              uuid.NewString,
	})
	engine := execution.NewEngine(execution.Options{
		Limits:      config.ExecutionLimits,
		Concurrency: config.ExecutionConcurrency,
		QueueDepth:  config.ExecutionQueueDepth,
		Logger:      config.Logger,
	})
	return &service{
		registry: registry,
		engine:   engine,
		router: NewRouter(RouterConfig{
			Registry:     registry,
			Engine:       engine,
			Logger:       config.Logger,
			EmptyRoomTTL: config.EmptyRoomTTL,
			BaseContext:  baseCtx,
		}),
		logger:        config.Logger,
		maxFrameBytes: config.MaxFrameBytes,
		sessions:      make(map[*wsPeer]struct{}),
	}
}

func (s *service) track(peer *wsPeer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[peer] = struct{}{}
	return true
}

func (s *service) untrack(peer *wsPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, peer)
}

// closeSessions closes every open socket. Hijacked WebSocket connections are
// not covered by http.Server.Shutdown.
func (s *service) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for peer := range s.sessions {
		peer.close()
	}
}

// NewHandler creates collaboration routes for tests and offline paths. Its
// executions are bounded by the process lifetime.
func NewHandler(config Config) http.Handler {
	return newService(context.Background(), config).handler()
}

// Server hosts the collaboration HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	emptyRoomTTL    time.Duration
	reapInterval    time.Duration
	httpServer      *http.Server
	service         *service
	logger          zerolog.Logger
	cancelBase      context.CancelFunc
	closeOnce       sync.Once
}

// NewServer builds a configured collaboration server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = timeouts.ReapInterval
	}
	if config.EmptyRoomTTL < 0 {
		config.EmptyRoomTTL = timeouts.EmptyRoomTTL
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	svc := newService(baseCtx, config)
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		emptyRoomTTL:    config.EmptyRoomTTL,
		reapInterval:    config.ReapInterval,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           svc.handler(),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		service:    svc,
		logger:     config.Logger,
		cancelBase: cancelBase,
	}, nil
}

// Run creates and serves a collaboration server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init collab server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve collab: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server and the empty-room reaper until the
// context ends or either fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("collab server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	s.logger.Info().Str("addr", s.httpAddr).Msg("collab server listening")
	group.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		s.service.closeSessions()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		s.reapLoop(groupCtx)
		return nil
	})
	return group.Wait()
}

func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if reaped := s.service.registry.Reap(now, s.emptyRoomTTL); len(reaped) > 0 {
				s.logger.Debug().Strs("room_ids", reaped).Msg("reaped empty rooms")
			}
		}
	}
}

// Close waits for queued executions to publish their results, then cancels
// any still running.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.service.engine.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("executions still running at shutdown")
		}
		s.cancelBase()
	})
}
