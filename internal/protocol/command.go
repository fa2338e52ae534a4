package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Client → server message types.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeList        = "list"
	TypeStats       = "stats"
	TypeAck         = "ack"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
	ErrTooLarge    = errors.New("message exceeds size limit")
)

// Command is one decoded client command. The set of implementations is closed;
// callers switch over the concrete types.
type Command interface {
	Type() string
	command()
}

type Auth struct {
	Token string `json:"token" validate:"required"`
}

type Subscribe struct {
	Channel  string `json:"channel" validate:"required,max=128"`
	Filter   string `json:"filter,omitempty" validate:"max=1024"`
	Priority *int   `json:"priority,omitempty" validate:"omitempty,gte=0,lte=10"`
}

// PriorityOr returns the requested priority or def when none was sent.
func (s Subscribe) PriorityOr(def int) int {
	if s.Priority == nil {
		return def
	}
	return *s.Priority
}

type Unsubscribe struct {
	Channel string `json:"channel" validate:"required,max=128"`
}

type Ping struct{}

type Pong struct{}

type ListSubscriptions struct{}

type StatsRequest struct{}

type Ack struct {
	MessageID string `json:"messageId" validate:"required,max=64"`
}

func (Auth) Type() string              { return TypeAuth }
func (Subscribe) Type() string         { return TypeSubscribe }
func (Unsubscribe) Type() string       { return TypeUnsubscribe }
func (Ping) Type() string              { return TypePing }
func (Pong) Type() string              { return TypePong }
func (ListSubscriptions) Type() string { return TypeList }
func (StatsRequest) Type() string      { return TypeStats }
func (Ack) Type() string               { return TypeAck }

func (Auth) command()              {}
func (Subscribe) command()         {}
func (Unsubscribe) command()       {}
func (Ping) command()              {}
func (Pong) command()              {}
func (ListSubscriptions) command() {}
func (StatsRequest) command()      {}
func (Ack) command()               {}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
	return v
}

type header struct {
	Type string `json:"type"`
}

// Decode parses one text frame into a Command. Errors wrap ErrMalformed,
// ErrUnknownType, ErrTooLarge or are a *ValidationError.
func Decode(raw []byte) (Command, error) {
	if len(raw) > MaxMessageSize {
		return nil, ErrTooLarge
	}

	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var cmd Command
	switch h.Type {
	case TypeAuth:
		var c Auth
		if err := decodeInto(raw, &c); err != nil {
			return nil, err
		}
		cmd = c
	case TypeSubscribe:
		var c Subscribe
		if err := decodeInto(raw, &c); err != nil {
			return nil, err
		}
		cmd = c
	case TypeUnsubscribe:
		var c Unsubscribe
		if err := decodeInto(raw, &c); err != nil {
			return nil, err
		}
		cmd = c
	case TypeAck:
		var c Ack
		if err := decodeInto(raw, &c); err != nil {
			return nil, err
		}
		cmd = c
	case TypePing:
		cmd = Ping{}
	case TypePong:
		cmd = Pong{}
	case TypeList:
		cmd = ListSubscriptions{}
	case TypeStats:
		cmd = StatsRequest{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
	return cmd, nil
}

func decodeInto(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}
	return nil
}

func formatValidationErrors(errs validator.ValidationErrors) *ValidationError {
	out := &ValidationError{}
	for _, err := range errs {
		field := err.Field()
		var msg string
		switch err.Tag() {
		case "required":
			msg = fmt.Sprintf("%s is required", field)
		case "max":
			msg = fmt.Sprintf("%s must be at most %s characters", field, err.Param())
		case "gte":
			msg = fmt.Sprintf("%s must be greater than or equal to %s", field, err.Param())
		case "lte":
			msg = fmt.Sprintf("%s must be less than or equal to %s", field, err.Param())
		default:
			msg = fmt.Sprintf("%s failed validation for %s", field, err.Tag())
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}

// Encode marshals a client command with its type discriminator. Used by
// clients of this protocol.
func Encode(cmd Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return json.Marshal(header{Type: cmd.Type()})
	}
	typed, err := json.Marshal(header{Type: cmd.Type()})
	if err != nil {
		return nil, err
	}
	// {"type":"x"} + ,<fields>
	out := make([]byte, 0, len(typed)+len(body))
	out = append(out, typed[:len(typed)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}
