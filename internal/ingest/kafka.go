package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
)

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	// TopicPrefix is stripped from topic names to form the channel, so
	// "chain.transactions" with prefix "chain." publishes on "transactions".
	TopicPrefix     string
	DefaultPriority int
	Pacer           Pacer
	Logger          zerolog.Logger
}

// KafkaSource consumes topics with a franz-go consumer group and broadcasts
// each record on the channel named by its topic.
type KafkaSource struct {
	client *kgo.Client
	config KafkaConfig
	dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaSource(broadcaster Broadcaster, config KafkaConfig) (*KafkaSource, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(config.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if config.DefaultPriority <= 0 {
		config.DefaultPriority = DefaultPriority
	}
	if config.Pacer == nil {
		config.Pacer = unpaced{}
	}

	logger := config.Logger.With().Str("component", "kafka_ingest").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(config.Brokers...),
		kgo.ConsumerGroup(config.ConsumerGroup),
		kgo.ConsumeTopics(config.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()), // live events only
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaSource{
		client: client,
		config: config,
		dispatcher: dispatcher{
			source:      "kafka",
			broadcaster: broadcaster,
			pacer:       config.Pacer,
			logger:      logger,
		},
	}, nil
}

// Start launches the poll loop.
func (k *KafkaSource) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)

	k.wg.Add(1)
	go k.consumeLoop(ctx)

	k.logger.Info().
		Strs("brokers", k.config.Brokers).
		Strs("topics", k.config.Topics).
		Str("group", k.config.ConsumerGroup).
		Msg("Kafka ingest started")
}

// Stop cancels polling, waits for the loop and closes the client, which
// commits marked offsets and leaves the group.
func (k *KafkaSource) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	k.client.Close()
	k.logger.Info().Msg("Kafka ingest stopped")
}

func (k *KafkaSource) consumeLoop(ctx context.Context) {
	defer k.wg.Done()
	defer monitoring.RecoverPanic(k.logger, "kafka_consume", map[string]any{
		"topics": k.config.Topics,
	})

	for {
		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			monitoring.RecordError(monitoring.ErrorTypeIngest, monitoring.ErrorSeverityWarning)
			k.logger.Error().
				Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("Fetch error")
		})

		fetches.EachRecord(func(record *kgo.Record) {
			k.handleRecord(ctx, record)
		})
	}
}

func (k *KafkaSource) handleRecord(ctx context.Context, record *kgo.Record) {
	priority := k.config.DefaultPriority
	for _, h := range record.Headers {
		if h.Key == PriorityHeader {
			priority = parsePriority(string(h.Value), k.config.DefaultPriority)
		}
	}
	k.dispatch(ctx, k.channelFor(record.Topic), record.Value, priority)
}

func (k *KafkaSource) channelFor(topic string) string {
	return strings.TrimPrefix(topic, k.config.TopicPrefix)
}
