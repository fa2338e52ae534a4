package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
	"github.com/adred-codev/ws_fanout/internal/protocol"
	"github.com/adred-codev/ws_fanout/internal/types"
	"github.com/adred-codev/ws_fanout/pkg/reconnect"
)

type Config struct {
	URL               string
	Token             string
	Clients           int
	Channels          []string
	Priority          int
	MaxAttempts       int
	CompressThreshold int
	AutoAck           bool
	Print             bool
	ReportIntervalSec int
	LogLevel          string
}

type counters struct {
	messages  atomic.Int64
	errors    atomic.Int64
	ready     atomic.Int64
	reconnect atomic.Int64
}

func main() {
	cfg := parseFlags()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormatPretty,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var stats counters
	var wg sync.WaitGroup
	for i := 0; i < cfg.Clients; i++ {
		driver, err := newDriver(cfg, i, &stats, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid client configuration")
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			err := driver.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Int("client", i).Msg("Client stopped")
			}
		}()
		go func() {
			defer wg.Done()
			consume(driver, i, cfg.Print, &stats, logger)
		}()
	}

	go periodicReports(ctx, time.Duration(cfg.ReportIntervalSec)*time.Second, &stats, logger)

	wg.Wait()
	report(&stats, logger)
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.URL, "url", getEnv("WS_URL", "ws://localhost:3002/ws"), "WebSocket server URL")
	flag.StringVar(&cfg.Token, "token", getEnv("WS_TOKEN", ""), "Auth token (JWT, or <user>[:<role>] in dev mode)")
	flag.IntVar(&cfg.Clients, "clients", getEnvInt("CLIENTS", 1), "Number of concurrent clients")
	flag.IntVar(&cfg.Priority, "priority", getEnvInt("PRIORITY", -1), "Subscription priority 0-10 (-1 for server default)")
	flag.IntVar(&cfg.MaxAttempts, "max-attempts", getEnvInt("MAX_ATTEMPTS", 0), "Reconnect attempts before giving up (0 = forever)")
	flag.IntVar(&cfg.CompressThreshold, "compress-threshold", getEnvInt("COMPRESS_THRESHOLD", 0), "Gzip outbound payloads above this size (0 = off)")
	flag.BoolVar(&cfg.AutoAck, "ack", true, "Acknowledge queued deliveries")
	flag.BoolVar(&cfg.Print, "print", false, "Print every delivered message")
	flag.IntVar(&cfg.ReportIntervalSec, "report-interval", 10, "Report interval in seconds")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level")

	channelsStr := flag.String("channels", getEnv("CHANNELS", "transactions,blocks"), "Comma-separated list of channels")

	flag.Parse()

	for _, ch := range strings.Split(*channelsStr, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			cfg.Channels = append(cfg.Channels, ch)
		}
	}
	if cfg.Clients < 1 {
		cfg.Clients = 1
	}
	if cfg.ReportIntervalSec < 1 {
		cfg.ReportIntervalSec = 10
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func newDriver(cfg *Config, id int, stats *counters, logger zerolog.Logger) (*reconnect.Driver, error) {
	token := cfg.Token
	if token == "" {
		token = fmt.Sprintf("wsclient-%d", id)
	}

	var ready atomic.Bool
	header := http.Header{}
	header.Set("User-Agent", "ws-fanout-client/1.0")

	driver, err := reconnect.New(reconnect.Config{
		URL:               cfg.URL,
		Token:             token,
		Header:            header,
		MaxAttempts:       cfg.MaxAttempts,
		CompressThreshold: cfg.CompressThreshold,
		AutoAck:           cfg.AutoAck,
		Logger:            logger.With().Int("client", id).Logger(),
		OnStateChange: func(s reconnect.State) {
			if s == reconnect.StateReconnectScheduled {
				stats.reconnect.Add(1)
			}
			if s == reconnect.StateReady {
				if !ready.Swap(true) {
					stats.ready.Add(1)
				}
			} else if ready.Swap(false) {
				stats.ready.Add(-1)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	for _, ch := range cfg.Channels {
		if err := driver.Subscribe(ch, cfg.Priority); err != nil {
			return nil, err
		}
	}
	return driver, nil
}

func consume(driver *reconnect.Driver, id int, printAll bool, stats *counters, logger zerolog.Logger) {
	for msg := range driver.Messages() {
		switch msg.Type {
		case protocol.TypeMessage:
			stats.messages.Add(1)
			if printAll {
				fmt.Printf("[%d] %s %s\n", id, msg.Channel, msg.Data)
			}
		case protocol.TypeError:
			stats.errors.Add(1)
			logger.Warn().Int("client", id).Stringer("code", msg.Code).Str("message", msg.Message).Msg("Server error")
		case protocol.TypeSubscribeResponse:
			logger.Debug().Int("client", id).Str("channel", msg.Channel).Msg("Subscribed")
		}
	}
}

func periodicReports(ctx context.Context, interval time.Duration, stats *counters, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(stats, logger)
		}
	}
}

func report(stats *counters, logger zerolog.Logger) {
	logger.Info().
		Int64("ready_clients", stats.ready.Load()).
		Int64("messages", stats.messages.Load()).
		Int64("errors", stats.errors.Load()).
		Int64("reconnects", stats.reconnect.Load()).
		Msg("Client report")
}
