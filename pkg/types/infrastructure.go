package types

import "time"

// SystemHealth contains all health metrics reported by /health.
type SystemHealth struct {
	Timestamp    time.Time          `json:"timestamp"`
	Status       string             `json:"status"` // healthy, degraded
	ControlPlane ControlPlaneHealth `json:"control_plane"`
	Database     DatabaseHealth     `json:"database"`
	Buffer       BufferHealth       `json:"buffer"`
	Engine       EngineHealth       `json:"engine"`
}

// ControlPlaneHealth contains control plane runtime metrics.
type ControlPlaneHealth struct {
	Status        string  `json:"status"` // healthy, degraded, down
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// DatabaseHealth contains database connection metrics.
type DatabaseHealth struct {
	Enabled bool      `json:"enabled"`
	Status  string    `json:"status"`
	Pool    PoolStats `json:"pool"`
}

// PoolStats contains pgxpool connection pool statistics.
type PoolStats struct {
	TotalConnections    int32 `json:"total_connections"`
	IdleConnections     int32 `json:"idle_connections"`
	AcquiredConnections int32 `json:"acquired_connections"`
	MaxConnections      int32 `json:"max_connections"`
}

// BufferHealth contains Redis event buffer metrics.
type BufferHealth struct {
	Enabled    bool    `json:"enabled"`
	Connected  bool    `json:"connected"`
	QueueDepth int64   `json:"queue_depth"`
	DrainRate  float64 `json:"drain_rate_per_second"`
}

// BufferStats represents buffer statistics for health reporting.
type BufferStats struct {
	QueueDepth int64
	DrainRate  float64
	Connected  bool
}

// EngineHealth summarizes alerting state.
type EngineHealth struct {
	LiveAlerts       int              `json:"live_alerts"`
	ExhaustedAlerts  int              `json:"exhausted_alerts"`
	ActiveRuns       int              `json:"active_runs"`
	OpenIncidents    int              `json:"open_incidents"`
	IngestQueueDepth int              `json:"ingest_queue_depth"`
	ProviderFailures map[string]int64 `json:"provider_failures,omitempty"`
}
