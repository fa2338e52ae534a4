package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/ws_fanout/internal/config"
)

func TestStartIngest_KafkaFailureDoesNotSkipNATS(t *testing.T) {
	cfg := &config.Config{
		KafkaBrokers:      "127.0.0.1:1",
		KafkaTopics:       "transactions",
		NATSURL:           "nats://127.0.0.1:1",
		NATSSubjectPrefix: "events",
	}

	sources, err := startIngest(context.Background(), cfg, nil, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Empty(t, sources)
	assert.Contains(t, err.Error(), "kafka ingest")
	assert.Contains(t, err.Error(), "nats ingest", "NATS is still attempted after Kafka fails")
}

func TestStartIngest_NothingConfigured(t *testing.T) {
	sources, err := startIngest(context.Background(), &config.Config{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, sources)
}
