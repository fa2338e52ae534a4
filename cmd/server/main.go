package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/ws_fanout/internal/auth"
	"github.com/adred-codev/ws_fanout/internal/config"
	"github.com/adred-codev/ws_fanout/internal/coordinator"
	"github.com/adred-codev/ws_fanout/internal/ingest"
	"github.com/adred-codev/ws_fanout/internal/limits"
	"github.com/adred-codev/ws_fanout/internal/monitoring"
	"github.com/adred-codev/ws_fanout/internal/queue"
	"github.com/adred-codev/ws_fanout/internal/ratelimit"
	"github.com/adred-codev/ws_fanout/internal/server"
	"github.com/adred-codev/ws_fanout/internal/session"
	"github.com/adred-codev/ws_fanout/internal/subscription"
	"github.com/adred-codev/ws_fanout/internal/types"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevelInfo,
		Format: types.LogFormatJSON,
	})

	cfg, err := config.LoadConfig(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	// automaxprocs has already sized GOMAXPROCS to the container CPU quota.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting ws-fanout")
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	audit := monitoring.NewAuditLogger(logger, monitoring.INFO)
	audit.SetAlerter(monitoring.NewConsoleAlerter(logger))

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}

	verifier, closeVerifier, err := buildVerifier(ctx, cfg, logger)
	if err != nil {
		backend.Close()
		return err
	}
	defer closeVerifier()

	q := queue.New(queue.Config{
		MaxSize:    cfg.QueueMaxSize,
		TTL:        cfg.QueueMessageTTL,
		AckTimeout: cfg.QueueAckTimeout,
		MaxRetries: cfg.QueueMaxRetries,
		Logger:     logger,
		Audit:      audit,
	})
	q.Start(ctx)

	store := subscription.NewStore(backend, subscription.StoreConfig{
		MaxPerUser:       cfg.MaxSubscriptionsPerUser,
		DefaultRateLimit: cfg.SubscriptionRateLimit,
		CacheSize:        cfg.SubscriptionCacheSize,
		CacheTTL:         cfg.SubscriptionCacheTTL,
		Window:           ratelimit.NewWindow(time.Minute),
		Logger:           logger,
		Audit:            audit,
	})

	registry := session.NewRegistry(q, store, session.Config{
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		AckMode:               cfg.QueueAckMode,
		Logger:                logger,
		Audit:                 audit,
	})

	guard := auth.NewGuard(verifier, auth.GuardConfig{
		SessionTimeout:     cfg.SessionTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		ReconnectThreshold: cfg.ReconnectThreshold,
		ReconnectWindow:    cfg.ReconnectWindow,
		MaxMessagesPerSec:  cfg.MaxMessagesPerSec,
		MaxFailedAttempts:  cfg.MaxFailedAuthAttempt,
		Logger:             logger,
		Audit:              audit,
	})

	stats := types.NewStats()
	coord := coordinator.New(registry, store, q, guard, subscription.DefaultPolicy(), coordinator.Config{
		AuthTimeout:       cfg.AuthTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		Logger:            logger,
		Audit:             audit,
		OnDisconnect:      stats.RecordDisconnect,
	})

	resources := limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimit:        cfg.MemoryLimit,
		IngestRate:         cfg.IngestRateLimit,
		Logger:             logger,
	})

	var rateLimiter *limits.ConnectionRateLimiter
	if cfg.ConnRateLimitEnabled {
		rateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
	}

	srv := server.New(coord, resources, rateLimiter, stats, server.Config{
		Addr:            cfg.Addr,
		SendBufferSize:  cfg.SendBufferSize,
		ShutdownGrace:   cfg.ShutdownGrace,
		CleanupInterval: cfg.CleanupInterval,
		MetricsInterval: cfg.MetricsInterval,
		Logger:          logger,
		Audit:           audit,
	})
	if err := srv.Start(); err != nil {
		q.Stop()
		store.Close()
		return fmt.Errorf("failed to start server: %w", err)
	}

	sources, err := startIngest(ctx, cfg, coord, resources, logger)
	if err != nil {
		logger.Error().Err(err).Int("running_sources", len(sources)).Msg("Event ingest partly unavailable")
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	for _, src := range sources {
		src.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		monitoring.LogError(logger, err, "Server shutdown incomplete", nil)
	}

	q.Stop()
	if err := store.Close(); err != nil {
		monitoring.LogError(logger, err, "Failed to close subscription backend", nil)
	}

	logger.Info().Interface("stats", stats.Snapshot()).Msg("Server stopped")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (subscription.Backend, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cfg.SubscriptionBackend {
	case "postgres":
		backend, err := subscription.NewPostgresBackend(connectCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := backend.Migrate(connectCtx); err != nil {
			backend.Close()
			return nil, err
		}
		return backend, nil
	case "mongo":
		backend, err := subscription.NewMongoBackend(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return subscription.NewMemoryBackend(), nil
	}
}

// buildVerifier picks JWT or dev tokens and layers the Redis revocation list
// on top when REDIS_ADDR is set.
func buildVerifier(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (auth.TokenVerifier, func(), error) {
	var verifier auth.TokenVerifier
	if cfg.AuthDevMode {
		logger.Warn().Msg("AUTH_DEV_MODE enabled: tokens are not verified")
		verifier = auth.StaticVerifier{}
	} else {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, 0)
	}

	if cfg.RedisAddr == "" {
		return verifier, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Token revocation enabled")

	return auth.NewRevocationList(verifier, client), func() { client.Close() }, nil
}

type ingestSource interface {
	Stop()
}

// startIngest starts each configured source on its own; a source that fails
// to start is reported without keeping the others down.
func startIngest(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator, pacer ingest.Pacer, logger zerolog.Logger) ([]ingestSource, error) {
	var (
		sources []ingestSource
		errs    []error
	)

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		kafka, err := ingest.NewKafkaSource(coord, ingest.KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: cfg.KafkaGroup,
			Topics:        cfg.Topics(),
			TopicPrefix:   cfg.KafkaTopicPrefix,
			Pacer:         pacer,
			Logger:        logger,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("kafka ingest: %w", err))
		} else {
			kafka.Start(ctx)
			sources = append(sources, kafka)
		}
	}

	if cfg.NATSURL != "" {
		nats := ingest.NewNATSSource(coord, ingest.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Pacer:         pacer,
			Logger:        logger,
		})
		if err := nats.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("nats ingest: %w", err))
		} else {
			sources = append(sources, nats)
		}
	}

	return sources, errors.Join(errs...)
}
