package limits

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
)

const (
	DefaultIPBurst     = 10
	DefaultIPRate      = 1.0
	DefaultIPTTL       = 5 * time.Minute
	DefaultGlobalBurst = 300
	DefaultGlobalRate  = 50.0

	// maxTrackedIPs bounds the per-IP limiter table. The least recently seen
	// address is dropped first, which only ever makes admission more lenient.
	maxTrackedIPs = 100_000
)

// ConnectionRateLimiter throttles WebSocket upgrade attempts with two token
// buckets: one shared by every client and one per source IP.
type ConnectionRateLimiter struct {
	global *rate.Limiter

	mu  sync.Mutex
	ips *expirable.LRU[string, *rate.Limiter]

	config ConnectionRateLimiterConfig
	logger zerolog.Logger
}

type ConnectionRateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration // idle addresses are forgotten after this long
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst <= 0 {
		config.IPBurst = DefaultIPBurst
	}
	if config.IPRate <= 0 {
		config.IPRate = DefaultIPRate
	}
	if config.IPTTL <= 0 {
		config.IPTTL = DefaultIPTTL
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = DefaultGlobalBurst
	}
	if config.GlobalRate <= 0 {
		config.GlobalRate = DefaultGlobalRate
	}

	l := &ConnectionRateLimiter{
		global: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		ips:    expirable.NewLRU[string, *rate.Limiter](maxTrackedIPs, nil, config.IPTTL),
		config: config,
		logger: config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
	}

	l.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Connection rate limiter initialized")
	return l
}

// Allow reports whether a connection attempt from ip may proceed. The global
// bucket is checked first so a flood from many addresses cannot grow the
// per-IP table before it is cut off.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		monitoring.IncrementConnectionRateLimit("global")
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		return false
	}

	if !l.limiterFor(ip).Allow() {
		monitoring.IncrementConnectionRateLimit("per_ip")
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.ips.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.config.IPRate), l.config.IPBurst)
	}
	// Re-adding refreshes the idle expiry.
	l.ips.Add(ip, limiter)
	return limiter
}

// TrackedIPs returns how many addresses currently hold a bucket.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	return l.ips.Len()
}
