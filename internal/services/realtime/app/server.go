// Package app wires the session coordinator to its network surfaces: the
// WebSocket endpoint players connect to, the admin HTTP API, the gRPC health
// service and the event retention loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	platformgrpc "github.com/ralph0830/trpg/internal/platform/grpc"
	"github.com/ralph0830/trpg/internal/platform/logging"
	"github.com/ralph0830/trpg/internal/platform/timeouts"
	"github.com/ralph0830/trpg/internal/services/realtime/coordinator"
	"github.com/ralph0830/trpg/internal/services/realtime/feed"
	"github.com/ralph0830/trpg/internal/services/realtime/storage"
	"github.com/ralph0830/trpg/internal/services/realtime/storage/sqlite"
)

// HealthServiceName is reported SERVING by the gRPC health endpoint.
const HealthServiceName = "trpg.realtime"

// Config defines the inputs for the realtime process.
type Config struct {
	HTTPAddr string
	// GRPCAddr hosts the health service. Empty disables it.
	GRPCAddr string
	DBPath   string

	HistoryLimit int
	// RetentionMaxAge of zero disables the retention loop.
	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration

	// RedisAddr enables the event feed when set.
	RedisAddr         string
	RedisStreamPrefix string
	// RedisStreamMaxLen approximately caps each session stream. Zero keeps
	// everything.
	RedisStreamMaxLen int64

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *zap.Logger
}

// Server hosts the realtime HTTP/WebSocket process.
type Server struct {
	listener        net.Listener
	httpServer      *http.Server
	health          *platformgrpc.HealthServer
	retention       *retentionSweeper
	coordinator     *coordinator.Coordinator
	store           *sqlite.Store
	feed            *feed.RedisPublisher
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// streamCleaner drops the mirrored event stream of a deleted session.
type streamCleaner interface {
	Cleanup(ctx context.Context, sessionID string) error
}

type handler struct {
	coordinator *coordinator.Coordinator
	store       storage.EntityStore
	streams     streamCleaner
	logger      *zap.Logger
	now         func() time.Time
}

// newHandler builds the HTTP surface. streams may be nil when no event feed
// is configured.
func newHandler(coord *coordinator.Coordinator, store storage.EntityStore, streams streamCleaner, logger *zap.Logger) http.Handler {
	h := &handler{
		coordinator: coord,
		store:       store,
		streams:     streams,
		logger:      logging.OrNop(logger),
		now:         time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ws", h.serveWS)
	h.registerAdmin(mux)
	return mux
}

// NewServer builds a configured realtime server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured realtime server with an explicit
// context used for startup dependencies.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	dbPath := strings.TrimSpace(config.DBPath)
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.RetentionMaxAge > 0 && config.RetentionInterval <= 0 {
		config.RetentionInterval = time.Hour
	}
	logger := logging.OrNop(config.Logger)

	s := &Server{shutdownTimeout: config.ShutdownTimeout, logger: logger}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = store

	opts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithHistoryLimit(config.HistoryLimit),
	}
	var streams streamCleaner
	if addr := strings.TrimSpace(config.RedisAddr); addr != "" {
		client, err := feed.Dial(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("connect event feed: %w", err)
		}
		publisher, err := feed.NewRedisPublisher(feed.Config{
			Client:    client,
			KeyPrefix: config.RedisStreamPrefix,
			MaxLen:    config.RedisStreamMaxLen,
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init event feed: %w", err)
		}
		s.feed = publisher
		streams = publisher
		opts = append(opts, coordinator.WithEventSink(publisher))
	}
	coord, err := coordinator.New(store, opts...)
	if err != nil {
		return nil, fmt.Errorf("init coordinator: %w", err)
	}
	s.coordinator = coord

	if addr := strings.TrimSpace(config.GRPCAddr); addr != "" {
		health, err := platformgrpc.NewHealthServer(addr, logger, HealthServiceName)
		if err != nil {
			return nil, fmt.Errorf("init health server: %w", err)
		}
		s.health = health
	}
	if config.RetentionMaxAge > 0 {
		s.retention = &retentionSweeper{
			events:   store,
			maxAge:   config.RetentionMaxAge,
			interval: config.RetentionInterval,
			now:      time.Now,
			logger:   logger,
		}
	}

	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           newHandler(coord, store, streams, logger),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	ok = true
	return s, nil
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run builds the server and serves until ctx ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init realtime server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve realtime: %w", err)
	}
	return nil
}

// ListenAndServe runs HTTP, gRPC health and retention until ctx ends or one
// of them fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("realtime server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("realtime server listening", zap.String("addr", s.Addr()))
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		stats := s.coordinator.Stats()
		s.logger.Info("realtime server stopping",
			zap.Int("connections", stats.Connections),
			zap.Int("bound_connections", stats.BoundConnections),
			zap.Int("sessions", stats.Sessions),
		)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	if s.health != nil {
		group.Go(func() error {
			return s.health.Serve(groupCtx)
		})
	}
	if s.retention != nil {
		group.Go(func() error {
			return s.retention.run(groupCtx)
		})
	}
	return group.Wait()
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			s.logger.Warn("close event feed", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close store", zap.Error(err))
		}
	}
}
