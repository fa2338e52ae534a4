package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/ws_fanout/internal/session"
)

type published struct {
	channel  string
	payload  string
	priority int
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []published
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, channel string, payload []byte, priority int) session.BroadcastResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{channel, string(payload), priority})
	return session.BroadcastResult{Direct: 1}
}

type closedPacer struct{}

func (closedPacer) WaitIngest(ctx context.Context) error { return context.Canceled }

func TestParsePriority(t *testing.T) {
	assert.Equal(t, 5, parsePriority("", 5))
	assert.Equal(t, 5, parsePriority("high", 5))
	assert.Equal(t, 9, parsePriority(" 9 ", 5))
	assert.Equal(t, 10, parsePriority("42", 5))
	assert.Equal(t, 0, parsePriority("-3", 5))
}

func TestNewKafkaSource_Validates(t *testing.T) {
	_, err := NewKafkaSource(&recordingBroadcaster{}, KafkaConfig{})
	assert.Error(t, err)

	_, err = NewKafkaSource(&recordingBroadcaster{}, KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	_, err = NewKafkaSource(&recordingBroadcaster{}, KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "g",
	})
	assert.Error(t, err)
}

func TestKafkaSource_HandleRecord(t *testing.T) {
	b := &recordingBroadcaster{}
	src, err := NewKafkaSource(b, KafkaConfig{
		Brokers:       []string{"127.0.0.1:1"},
		ConsumerGroup: "test",
		Topics:        []string{"chain.transactions"},
		TopicPrefix:   "chain.",
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	defer src.client.Close()

	ctx := context.Background()
	src.handleRecord(ctx, &kgo.Record{Topic: "chain.transactions", Value: []byte(`{"tx":1}`)})
	src.handleRecord(ctx, &kgo.Record{
		Topic:   "chain.system",
		Value:   []byte(`{"halt":true}`),
		Headers: []kgo.RecordHeader{{Key: PriorityHeader, Value: []byte("9")}},
	})
	src.handleRecord(ctx, &kgo.Record{Topic: "chain.blocks"})

	require.Len(t, b.events, 2)
	assert.Equal(t, published{"transactions", `{"tx":1}`, DefaultPriority}, b.events[0])
	assert.Equal(t, published{"system", `{"halt":true}`, 9}, b.events[1])
}

func TestNATSSource_HandleMsg(t *testing.T) {
	b := &recordingBroadcaster{}
	src := NewNATSSource(b, NATSConfig{URL: nats.DefaultURL, Logger: zerolog.Nop()})
	ctx := context.Background()

	src.handleMsg(ctx, &nats.Msg{Subject: "events.blocks", Data: []byte(`"b1"`)})

	withHeader := &nats.Msg{Subject: "events.validators", Data: []byte(`"v"`), Header: nats.Header{}}
	withHeader.Header.Set(PriorityHeader, "2")
	src.handleMsg(ctx, withHeader)

	src.handleMsg(ctx, &nats.Msg{Subject: "other.blocks", Data: []byte(`"x"`)})

	require.Len(t, b.events, 2)
	assert.Equal(t, published{"blocks", `"b1"`, DefaultPriority}, b.events[0])
	assert.Equal(t, published{"validators", `"v"`, 2}, b.events[1])
}

func TestDispatcher_StopsWhenPacerCancelled(t *testing.T) {
	b := &recordingBroadcaster{}
	d := dispatcher{source: "test", broadcaster: b, pacer: closedPacer{}, logger: zerolog.Nop()}

	assert.False(t, d.dispatch(context.Background(), "blocks", []byte("x"), 5))
	assert.Empty(t, b.events)
}

func TestNATSSource_StartFailsWithoutServer(t *testing.T) {
	src := NewNATSSource(&recordingBroadcaster{}, NATSConfig{
		URL:           "nats://127.0.0.1:1",
		MaxReconnects: 1,
		Logger:        zerolog.Nop(),
	})
	assert.Error(t, src.Start(context.Background()))
	src.Stop()
}
