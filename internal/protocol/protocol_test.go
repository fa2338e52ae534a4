package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Commands(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Command
	}{
		{"auth", `{"type":"auth","token":"abc"}`, Auth{Token: "abc"}},
		{"unsubscribe", `{"type":"unsubscribe","channel":"blocks"}`, Unsubscribe{Channel: "blocks"}},
		{"ping", `{"type":"ping"}`, Ping{}},
		{"pong", `{"type":"pong"}`, Pong{}},
		{"list", `{"type":"list"}`, ListSubscriptions{}},
		{"stats", `{"type":"stats"}`, StatsRequest{}},
		{"ack", `{"type":"ack","messageId":"msg_1_1"}`, Ack{MessageID: "msg_1_1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.name, got.Type())
		})
	}
}

func TestDecode_SubscribePriority(t *testing.T) {
	cmd, err := Decode([]byte(`{"type":"subscribe","channel":"transactions","filter":"x","priority":5}`))
	require.NoError(t, err)

	sub, ok := cmd.(Subscribe)
	require.True(t, ok)
	assert.Equal(t, "transactions", sub.Channel)
	assert.Equal(t, "x", sub.Filter)
	assert.Equal(t, 5, sub.PriorityOr(1))

	cmd, err = Decode([]byte(`{"type":"subscribe","channel":"transactions"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, cmd.(Subscribe).PriorityOr(1))
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"token":"abc"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"type":"replay"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"type":"subscribe","channel":5}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(bytes.Repeat([]byte("a"), MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecode_Validation(t *testing.T) {
	_, err := Decode([]byte(`{"type":"auth"}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"token is required"}, verr.Messages)

	long := strings.Repeat("c", 129)
	_, err = Decode([]byte(`{"type":"subscribe","channel":"` + long + `"}`))
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "channel must be at most 128 characters")

	_, err = Decode([]byte(`{"type":"subscribe","channel":"blocks","priority":11}`))
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "priority must be less than or equal to 10")
}

func TestEncode_RoundTrip(t *testing.T) {
	prio := 7
	for _, cmd := range []Command{
		Auth{Token: "t"},
		Subscribe{Channel: "blocks", Priority: &prio},
		Ping{},
		Ack{MessageID: "msg_1_2"},
	} {
		raw, err := Encode(cmd)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err, string(raw))
		assert.Equal(t, cmd, got)
	}
}

func TestEvent_EmbedsJSONPayload(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)

	raw := Event("transactions", []byte(`{"amount":10}`), "", now)
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, msg.Type)
	assert.Equal(t, "transactions", msg.Channel)
	assert.JSONEq(t, `{"amount":10}`, string(msg.Data))
	assert.Equal(t, int64(1_700_000_000_123), msg.Timestamp)
	assert.Empty(t, msg.MessageID)

	raw = Event("transactions", []byte("plain text"), "msg_1_1", now)
	msg, err = ParseMessage(raw)
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(msg.Data, &s))
	assert.Equal(t, "plain text", s)
	assert.Equal(t, "msg_1_1", msg.MessageID)
}

func TestEnvelopes(t *testing.T) {
	now := time.Now()

	msg, err := ParseMessage(SubscribeResponse("blocks", "f", 5, now))
	require.NoError(t, err)
	assert.Equal(t, TypeSubscribeResponse, msg.Type)
	assert.Equal(t, StatusSuccess, msg.Status)
	require.NotNil(t, msg.Priority)
	assert.Equal(t, 5, *msg.Priority)

	msg, err = ParseMessage(ErrorMessage(CodePermissionDenied, "", now))
	require.NoError(t, err)
	assert.Equal(t, CodePermissionDenied, msg.Code)
	assert.Equal(t, "Permission denied for channel", msg.Message)

	msg, err = ParseMessage(AckResponse("m", false, now))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, msg.Status)

	msg, err = ParseMessage(StatsMessage(map[string]int{"queued": 3}, now))
	require.NoError(t, err)
	assert.JSONEq(t, `{"queued":3}`, string(msg.Data))
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte(`{"channel":"blocks"}`), 200)

	compressed, err := Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	out, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = Decompress([]byte("not gzip"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecompress_RejectsOversizedOutput(t *testing.T) {
	compressed, err := Compress(make([]byte, MaxMessageSize+10))
	require.NoError(t, err)

	_, err = Decompress(compressed)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCodes(t *testing.T) {
	assert.Equal(t, "VIOLATED_POLICY", CloseViolatedPolicy.String())
	assert.Equal(t, 1008, int(CloseViolatedPolicy))
	assert.Equal(t, "Rate limit exceeded", CodeRateLimitExceeded.String())
	assert.Equal(t, "Unknown error", ErrorCode(9).String())
}
