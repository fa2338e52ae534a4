// Package ingest feeds events from upstream buses into the fan-out layer.
package ingest

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
	"github.com/adred-codev/ws_fanout/internal/session"
)

// DefaultPriority applies when an event carries no priority header.
const DefaultPriority = 5

// PriorityHeader names the optional record/message header carrying the wire
// priority (0..10).
const PriorityHeader = "priority"

// Broadcaster publishes one event on a channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, payload []byte, priority int) session.BroadcastResult
}

// Pacer bounds the ingest rate. WaitIngest returns an error only when ctx is
// done.
type Pacer interface {
	WaitIngest(ctx context.Context) error
}

type unpaced struct{}

func (unpaced) WaitIngest(context.Context) error { return nil }

// Result labels for the ingest metric.
const (
	resultDelivered = "delivered"
	resultInvalid   = "invalid"
	resultDropped   = "dropped"
)

// dispatcher is the part shared by every source: validation, pacing,
// broadcast and accounting.
type dispatcher struct {
	source      string
	broadcaster Broadcaster
	pacer       Pacer
	logger      zerolog.Logger
}

func (d *dispatcher) dispatch(ctx context.Context, channel string, payload []byte, priority int) bool {
	if channel == "" || len(payload) == 0 {
		monitoring.RecordIngest(d.source, resultInvalid)
		d.logger.Warn().Str("channel", channel).Msg("Skipping event without channel or payload")
		return false
	}
	if err := d.pacer.WaitIngest(ctx); err != nil {
		monitoring.RecordIngest(d.source, resultDropped)
		return false
	}

	res := d.broadcaster.Broadcast(ctx, channel, payload, priority)
	monitoring.RecordIngest(d.source, resultDelivered)

	d.logger.Debug().
		Str("channel", channel).
		Int("priority", priority).
		Int("direct", res.Direct).
		Int("queued", res.Queued+res.Offline).
		Msg("Event fanned out")
	return true
}

// parsePriority reads a header value, falling back to def when it is missing
// or malformed. Values are clamped to 0..10.
func parsePriority(value string, def int) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	p, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return min(max(p, 0), 10)
}
