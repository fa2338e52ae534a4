package subscription

import "strings"

// MaxChannelLength bounds channel names accepted from clients.
const MaxChannelLength = 128

// Roles carried by authenticated principals.
const (
	RoleUser      = "USER"
	RoleAdmin     = "ADMIN"
	RoleValidator = "VALIDATOR"
	RoleDeveloper = "DEVELOPER"
)

// Known channels.
const (
	ChannelTransactions = "transactions"
	ChannelBlocks       = "blocks"
	ChannelBridge       = "bridge"
	ChannelAnalytics    = "analytics"
	ChannelSystem       = "system"
	ChannelConsensus    = "consensus"
	ChannelAdmin        = "admin"
	ChannelNetwork      = "network"
	ChannelValidators   = "validators"
	ChannelDebug        = "debug"
	ChannelMetrics      = "metrics"
)

// Policy decides whether a principal role may subscribe to a channel.
// Implementations must be pure: no I/O, no state.
type Policy interface {
	Allow(role, channel string) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(role, channel string) bool

func (f PolicyFunc) Allow(role, channel string) bool { return f(role, channel) }

// RolePolicy maps each channel to the roles allowed on it. A nil role set means
// any authenticated role. Channels missing from the map are denied.
type RolePolicy map[string]map[string]struct{}

func (p RolePolicy) Allow(role, channel string) bool {
	roles, ok := p[channel]
	if !ok {
		return false
	}
	if roles == nil {
		return true
	}
	_, ok = roles[strings.ToUpper(role)]
	return ok
}

func roleSet(roles ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// DefaultPolicy returns the channel access rules for the event stream.
func DefaultPolicy() RolePolicy {
	return RolePolicy{
		ChannelTransactions: nil,
		ChannelBlocks:       nil,
		ChannelBridge:       nil,
		ChannelAnalytics:    nil,
		ChannelSystem:       nil,
		ChannelConsensus:    roleSet(RoleAdmin),
		ChannelAdmin:        roleSet(RoleAdmin),
		ChannelNetwork:      roleSet(RoleValidator, RoleAdmin),
		ChannelValidators:   roleSet(RoleValidator, RoleAdmin),
		ChannelDebug:        roleSet(RoleDeveloper, RoleAdmin),
		ChannelMetrics:      roleSet(RoleDeveloper, RoleAdmin),
	}
}

// ValidateChannel rejects empty or oversized channel names.
func ValidateChannel(channel string) error {
	if strings.TrimSpace(channel) == "" || len(channel) > MaxChannelLength {
		return ErrInvalidChannel
	}
	return nil
}
