// Package server is the WebSocket transport: HTTP upgrade, admission control,
// per-connection read/write pumps, health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_fanout/internal/coordinator"
	"github.com/adred-codev/ws_fanout/internal/limits"
	"github.com/adred-codev/ws_fanout/internal/monitoring"
	"github.com/adred-codev/ws_fanout/internal/types"
)

const (
	// Time allowed to write a batch of frames to the peer.
	writeWait = 5 * time.Second

	defaultSendBufferSize  = 256
	defaultReadTimeout     = 2 * coordinator.DefaultHeartbeatTimeout
	defaultShutdownGrace   = 30 * time.Second
	defaultCleanupInterval = time.Minute
)

type Config struct {
	Addr           string
	SendBufferSize int
	// ReadTimeout is the transport-level backstop for a silent peer. The
	// coordinator's heartbeat normally closes idle sessions first.
	ReadTimeout     time.Duration
	ShutdownGrace   time.Duration
	CleanupInterval time.Duration
	MetricsInterval time.Duration
	Logger          zerolog.Logger
	Audit           monitoring.AuditSink
}

type Server struct {
	config Config
	logger zerolog.Logger
	audit  monitoring.AuditSink

	coordinator *coordinator.Coordinator
	guard       *limits.ResourceGuard
	rateLimiter *limits.ConnectionRateLimiter // nil disables per-IP limiting
	stats       *types.Stats

	listener   net.Listener
	httpServer *http.Server
	clients    sync.Map // *wsConn → struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup // background loops
	pumps        sync.WaitGroup // read and write pumps
	shuttingDown atomic.Bool
}

func New(coord *coordinator.Coordinator, guard *limits.ResourceGuard, rateLimiter *limits.ConnectionRateLimiter, stats *types.Stats, config Config) *Server {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = defaultSendBufferSize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaultReadTimeout
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = defaultShutdownGrace
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	if config.Audit == nil {
		config.Audit = monitoring.NopAudit{}
	}
	if stats == nil {
		stats = types.NewStats()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      config,
		logger:      config.Logger.With().Str("component", "server").Logger(),
		audit:       config.Audit,
		coordinator: coord,
		guard:       guard,
		rateLimiter: rateLimiter,
		stats:       stats,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start binds the listener and starts serving plus the background loops.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.guard.Run(s.ctx, s.config.MetricsInterval)
	}()
	go s.maintain()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Server listening")
	s.audit.Info("ServerStarted", "WebSocket server started", map[string]any{
		"addr": listener.Addr().String(),
	})
	return nil
}

// Addr returns the bound listener address, useful when Config.Addr ends in :0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) maintain() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "maintenance", nil)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.coordinator.Maintain(s.ctx)
		}
	}
}

// Shutdown stops accepting connections, closes every session with GOING_AWAY
// and waits up to ShutdownGrace for the pumps to finish before forcing the
// remaining sockets shut.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	var shutdownErr error
	if s.httpServer != nil {
		shutdownErr = s.httpServer.Shutdown(ctx)
	}

	closed := s.coordinator.Shutdown()
	s.logger.Info().
		Int("sessions_closed", closed).
		Dur("grace", s.config.ShutdownGrace).
		Msg("Draining active connections")

	drained := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(drained)
	}()

	grace := time.NewTimer(s.config.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-drained:
		s.logger.Info().Msg("All connections drained gracefully")
	case <-grace.C:
		s.forceClose()
	case <-ctx.Done():
		s.forceClose()
	}

	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return shutdownErr
}

func (s *Server) forceClose() {
	remaining := 0
	s.clients.Range(func(key, _ any) bool {
		key.(*wsConn).closeSocket()
		remaining++
		return true
	})
	s.logger.Warn().
		Int("remaining_connections", remaining).
		Msg("Grace period expired, force closing remaining connections")
}

type healthResponse struct {
	Status    string            `json:"status"`
	Server    map[string]any    `json:"server"`
	Fanout    coordinator.Stats `json:"fanout"`
	Resources resourceSnapshot  `json:"resources"`
}

type resourceSnapshot struct {
	Connections int64   `json:"connections"`
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryBytes uint64  `json:"memoryBytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	resp := healthResponse{
		Status: status,
		Server: s.stats.Snapshot(),
		Fanout: s.coordinator.Stats(r.Context()),
		Resources: resourceSnapshot{
			Connections: s.guard.Connections(),
			CPUPercent:  s.guard.CPUPercent(),
			MemoryBytes: s.guard.MemoryBytes(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write health response")
	}
}
