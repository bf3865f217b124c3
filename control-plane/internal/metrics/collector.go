package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/alertcore/pkg/types"
)

// BufferStatsProvider is an interface for getting buffer statistics.
type BufferStatsProvider interface {
	GetStats(ctx context.Context) types.BufferStats
}

// DatabaseStatsProvider reports pool statistics and liveness.
type DatabaseStatsProvider interface {
	GetPoolStats() types.PoolStats
	Ping(ctx context.Context) error
}

// EngineStatsProvider summarizes alerting state.
type EngineStatsProvider interface {
	EngineHealth() types.EngineHealth
}

// Collector gathers health metrics with caching.
type Collector struct {
	db     DatabaseStatsProvider // may be nil when persistence is disabled
	buffer BufferStatsProvider   // may be nil if buffer is disabled
	engine EngineStatsProvider

	startTime time.Time

	// Cached values with TTL
	mu            sync.RWMutex
	cachedHealth  *types.SystemHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new health collector.
func NewCollector(db DatabaseStatsProvider, buffer BufferStatsProvider, engine EngineStatsProvider) *Collector {
	return &Collector{
		db:            db,
		buffer:        buffer,
		engine:        engine,
		startTime:     time.Now(),
		cacheDuration: 10 * time.Second,
	}
}

// GetSystemHealth returns the current health metrics.
// Process metrics are cached briefly since CPU sampling is not free.
func (c *Collector) GetSystemHealth(ctx context.Context) (*types.SystemHealth, error) {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health, nil
	}
	c.mu.RUnlock()

	health := c.collectHealth(ctx)

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return health, nil
}

func (c *Collector) collectHealth(ctx context.Context) *types.SystemHealth {
	health := &types.SystemHealth{
		Timestamp:    time.Now(),
		Status:       "healthy",
		ControlPlane: c.collectControlPlaneHealth(),
		Database:     c.collectDatabaseHealth(ctx),
		Buffer:       c.collectBufferHealth(ctx),
	}
	if c.engine != nil {
		health.Engine = c.engine.EngineHealth()
	}

	if health.ControlPlane.Status != "healthy" ||
		(health.Database.Enabled && health.Database.Status != "healthy") ||
		(health.Buffer.Enabled && !health.Buffer.Connected) {
		health.Status = "degraded"
	}
	return health
}

func (c *Collector) collectControlPlaneHealth() types.ControlPlaneHealth {
	health := types.ControlPlaneHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	// Get process metrics using gopsutil
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}

func (c *Collector) collectDatabaseHealth(ctx context.Context) types.DatabaseHealth {
	if c.db == nil {
		return types.DatabaseHealth{Enabled: false, Status: "disabled"}
	}

	health := types.DatabaseHealth{
		Enabled: true,
		Status:  "healthy",
		Pool:    c.db.GetPoolStats(),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.db.Ping(pingCtx); err != nil {
		health.Status = "error"
		return health
	}

	if health.Pool.MaxConnections > 2 && health.Pool.AcquiredConnections >= health.Pool.MaxConnections-2 {
		health.Status = "degraded"
	}
	return health
}

func (c *Collector) collectBufferHealth(ctx context.Context) types.BufferHealth {
	if c.buffer == nil {
		return types.BufferHealth{
			Enabled:   false,
			Connected: false,
		}
	}

	stats := c.buffer.GetStats(ctx)
	return types.BufferHealth{
		Enabled:    true,
		Connected:  stats.Connected,
		QueueDepth: stats.QueueDepth,
		DrainRate:  stats.DrainRate,
	}
}
