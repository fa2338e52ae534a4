package limits

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
)

const (
	DefaultMaxConnections     = 10_000
	DefaultCPURejectThreshold = 75.0
	DefaultMemoryLimit        = 512 << 20
	DefaultIngestRate         = 5_000
	DefaultSampleInterval     = 15 * time.Second
)

// Sample is one resource reading.
type Sample struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// Sampler reads current process resource usage.
type Sampler func(ctx context.Context) (Sample, error)

// ResourceGuard enforces static admission limits: a hard connection cap plus
// CPU and memory brakes fed by a periodic sampler. It also paces ingest so a
// burst on the event bus cannot outrun fan-out.
type ResourceGuard struct {
	config ResourceGuardConfig
	logger zerolog.Logger

	ingest *rate.Limiter

	connections atomic.Int64
	cpuBits     atomic.Uint64 // math.Float64bits of the last CPU reading
	memoryBytes atomic.Uint64
}

type ResourceGuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64
	MemoryLimit        int64
	IngestRate         int // events per second across all ingest sources
	Sampler            Sampler
	Logger             zerolog.Logger
}

func NewResourceGuard(config ResourceGuardConfig) *ResourceGuard {
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	if config.CPURejectThreshold <= 0 {
		config.CPURejectThreshold = DefaultCPURejectThreshold
	}
	if config.MemoryLimit <= 0 {
		config.MemoryLimit = DefaultMemoryLimit
	}
	if config.IngestRate <= 0 {
		config.IngestRate = DefaultIngestRate
	}
	if config.Sampler == nil {
		config.Sampler = ProcessSampler
	}

	g := &ResourceGuard{
		config: config,
		logger: config.Logger.With().Str("component", "resource_guard").Logger(),
		ingest: rate.NewLimiter(rate.Limit(config.IngestRate), config.IngestRate*2),
	}

	g.logger.Info().
		Int("max_connections", config.MaxConnections).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Int64("memory_limit", config.MemoryLimit).
		Int("ingest_rate", config.IngestRate).
		Msg("Resource guard initialized")
	return g
}

// ProcessSampler measures system CPU with gopsutil and heap usage with
// runtime.ReadMemStats.
func ProcessSampler(ctx context.Context) (Sample, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{MemoryBytes: mem.Alloc}, fmt.Errorf("read cpu percent: %w", err)
	}
	var usage float64
	if len(percents) > 0 {
		usage = percents[0]
	}
	return Sample{CPUPercent: usage, MemoryBytes: mem.Alloc}, nil
}

// Acquire admits one connection or explains why not. A successful Acquire
// must be paired with Release.
func (g *ResourceGuard) Acquire() (bool, string) {
	if n := g.connections.Add(1); n > int64(g.config.MaxConnections) {
		g.connections.Add(-1)
		monitoring.IncrementCapacityRejection("at_max_connections")
		return false, fmt.Sprintf("at max connections (%d)", g.config.MaxConnections)
	}

	if usage := g.CPUPercent(); usage > g.config.CPURejectThreshold {
		g.connections.Add(-1)
		monitoring.IncrementCapacityRejection("cpu_overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", usage, g.config.CPURejectThreshold)
	}

	if mem := g.memoryBytes.Load(); mem > uint64(g.config.MemoryLimit) {
		g.connections.Add(-1)
		monitoring.IncrementCapacityRejection("memory_limit")
		return false, "memory limit exceeded"
	}
	return true, ""
}

func (g *ResourceGuard) Release() {
	g.connections.Add(-1)
}

func (g *ResourceGuard) Connections() int64 {
	return g.connections.Load()
}

func (g *ResourceGuard) CPUPercent() float64 {
	return math.Float64frombits(g.cpuBits.Load())
}

func (g *ResourceGuard) MemoryBytes() uint64 {
	return g.memoryBytes.Load()
}

// WaitIngest blocks until one more ingested event may be fanned out.
func (g *ResourceGuard) WaitIngest(ctx context.Context) error {
	return g.ingest.Wait(ctx)
}

// Update takes one resource sample.
func (g *ResourceGuard) Update(ctx context.Context) {
	sample, err := g.config.Sampler(ctx)
	if err != nil {
		monitoring.LogError(g.logger, err, "Failed to sample resources", nil)
	}
	g.cpuBits.Store(math.Float64bits(sample.CPUPercent))
	g.memoryBytes.Store(sample.MemoryBytes)
	monitoring.UpdateResourceMetrics(sample.MemoryBytes, sample.CPUPercent)

	g.logger.Debug().
		Float64("cpu_percent", sample.CPUPercent).
		Uint64("memory_mb", sample.MemoryBytes/(1024*1024)).
		Int64("connections", g.connections.Load()).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("Resource state updated")
}

// Run samples every interval until ctx is done.
func (g *ResourceGuard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	defer monitoring.RecoverPanic(g.logger, "resource_guard", nil)

	g.Update(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info().Msg("Resource guard monitoring stopped")
			return
		case <-ticker.C:
			g.Update(ctx)
		}
	}
}
