package protocol

// MaxMessageSize bounds a single inbound frame, compressed or not.
const MaxMessageSize = 1 << 20

// ErrorCode identifies an error reported to the client in an error envelope.
type ErrorCode int

const (
	// Connection
	CodeConnectionFailed     ErrorCode = 1000
	CodeAuthenticationFailed ErrorCode = 1001
	CodeNetworkTimeout       ErrorCode = 1002
	CodeInvalidToken         ErrorCode = 1003

	// Message
	CodeInvalidMessage    ErrorCode = 2000
	CodeInvalidChannel    ErrorCode = 2001
	CodeMessageTooLarge   ErrorCode = 2002
	CodeRateLimitExceeded ErrorCode = 2003

	// Server
	CodeServerError        ErrorCode = 3000
	CodeServiceUnavailable ErrorCode = 3001
	CodeCircuitBreakerOpen ErrorCode = 3002

	// Channel
	CodeChannelNotFound      ErrorCode = 4000
	CodeSubscriptionFailed   ErrorCode = 4001
	CodeUnsubscriptionFailed ErrorCode = 4002
	CodePermissionDenied     ErrorCode = 4003
)

var errorCodeText = map[ErrorCode]string{
	CodeConnectionFailed:     "Connection failed",
	CodeAuthenticationFailed: "Authentication failed",
	CodeNetworkTimeout:       "Network timeout",
	CodeInvalidToken:         "Invalid authentication token",
	CodeInvalidMessage:       "Invalid message format",
	CodeInvalidChannel:       "Invalid channel name",
	CodeMessageTooLarge:      "Message exceeds size limit",
	CodeRateLimitExceeded:    "Rate limit exceeded",
	CodeServerError:          "Internal server error",
	CodeServiceUnavailable:   "Service temporarily unavailable",
	CodeCircuitBreakerOpen:   "Circuit breaker is open",
	CodeChannelNotFound:      "Channel not found",
	CodeSubscriptionFailed:   "Failed to subscribe to channel",
	CodeUnsubscriptionFailed: "Failed to unsubscribe from channel",
	CodePermissionDenied:     "Permission denied for channel",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeText[c]; ok {
		return s
	}
	return "Unknown error"
}

// CloseCode is a WebSocket close status.
type CloseCode int

const (
	CloseNormal              CloseCode = 1000
	CloseGoingAway           CloseCode = 1001
	CloseAbnormal            CloseCode = 1006 // never sent; the peer vanished without a close frame
	CloseViolatedPolicy      CloseCode = 1008
	CloseUnexpectedCondition CloseCode = 1011
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "NORMAL_CLOSURE"
	case CloseGoingAway:
		return "GOING_AWAY"
	case CloseAbnormal:
		return "ABNORMAL_CLOSURE"
	case CloseViolatedPolicy:
		return "VIOLATED_POLICY"
	case CloseUnexpectedCondition:
		return "UNEXPECTED_CONDITION"
	default:
		return "UNKNOWN"
	}
}
