package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
)

const defaultSubjectPrefix = "events"

type NATSConfig struct {
	URL string
	// SubjectPrefix scopes the subscription to "<prefix>.>"; the rest of the
	// subject is the channel.
	SubjectPrefix   string
	DefaultPriority int
	MaxReconnects   int
	ReconnectWait   time.Duration
	Pacer           Pacer
	Logger          zerolog.Logger
}

// NATSSource subscribes to "<prefix>.<channel>" subjects and broadcasts each
// message on its channel.
type NATSSource struct {
	config NATSConfig
	dispatcher

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
}

func NewNATSSource(broadcaster Broadcaster, config NATSConfig) *NATSSource {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaultSubjectPrefix
	}
	if config.DefaultPriority <= 0 {
		config.DefaultPriority = DefaultPriority
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = -1 // forever
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.Pacer == nil {
		config.Pacer = unpaced{}
	}

	return &NATSSource{
		config: config,
		dispatcher: dispatcher{
			source:      "nats",
			broadcaster: broadcaster,
			pacer:       config.Pacer,
			logger:      config.Logger.With().Str("component", "nats_ingest").Logger(),
		},
	}
}

// Start connects and subscribes. Messages are handled on the subscription's
// goroutine until Stop or ctx is done.
func (n *NATSSource) Start(ctx context.Context) error {
	conn, err := nats.Connect(n.config.URL,
		nats.Name("ws-fanout"),
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.ConnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				monitoring.RecordError(monitoring.ErrorTypeIngest, monitoring.ErrorSeverityWarning)
				n.logger.Warn().Err(err).Msg("Disconnected from NATS")
				return
			}
			n.logger.Info().Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			monitoring.RecordError(monitoring.ErrorTypeIngest, monitoring.ErrorSeverityWarning)
			n.logger.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	subject := n.config.SubjectPrefix + ".>"
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		n.handleMsg(ctx, msg)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	n.mu.Lock()
	n.conn, n.sub = conn, sub
	n.mu.Unlock()

	n.logger.Info().Str("subject", subject).Msg("NATS ingest started")
	return nil
}

// Stop unsubscribes and closes the connection.
func (n *NATSSource) Stop() {
	n.mu.Lock()
	conn, sub := n.conn, n.sub
	n.conn, n.sub = nil, nil
	n.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Debug().Err(err).Msg("Unsubscribe failed")
		}
	}
	if conn != nil {
		conn.Close()
		n.logger.Info().Msg("NATS ingest stopped")
	}
}

func (n *NATSSource) handleMsg(ctx context.Context, msg *nats.Msg) {
	priority := n.config.DefaultPriority
	if msg.Header != nil {
		priority = parsePriority(msg.Header.Get(PriorityHeader), n.config.DefaultPriority)
	}
	n.dispatch(ctx, n.channelFor(msg.Subject), msg.Data, priority)
}

func (n *NATSSource) channelFor(subject string) string {
	channel, ok := strings.CutPrefix(subject, n.config.SubjectPrefix+".")
	if !ok {
		return ""
	}
	return channel
}
