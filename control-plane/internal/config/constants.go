// Package config loads the control plane configuration file and holds the
// constants shared across packages.
package config

import "time"

// Pagination defaults for API list endpoints.
const (
	// DefaultPaginationLimit is the default number of items returned
	// when no limit is specified.
	DefaultPaginationLimit = 50

	// MaxPaginationLimit is the maximum number of items that can be
	// requested in a single API call.
	MaxPaginationLimit = 500
)

// Ingestion limits.
const (
	// MaxEventsPerRequest bounds the batch size accepted by POST /events.
	MaxEventsPerRequest = 1000

	// MaxSamplesPerRequest bounds the batch size accepted by POST /samples.
	MaxSamplesPerRequest = 10000

	// MaxRequestBodyBytes bounds every JSON request body.
	MaxRequestBodyBytes = 8 << 20
)

// Cache TTLs for API response caching. Entries are also invalidated on
// change, so these only bound staleness after a missed invalidation.
const (
	// CacheTTLAlertList is the TTL for alert list responses.
	CacheTTLAlertList = 10 * time.Second

	// CacheTTLIncidentList is the TTL for incident list responses.
	CacheTTLIncidentList = 30 * time.Second

	// CacheInvalidationInterval collapses bursts of alert transitions
	// into one invalidation.
	CacheInvalidationInterval = 500 * time.Millisecond
)

// Connection and shutdown timeouts.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout = 15 * time.Second

	// RestoreTimeout bounds loading persisted state at start-up.
	RestoreTimeout = 30 * time.Second
)

// Configuration file reload.
const (
	// ReloadDebounce coalesces the burst of filesystem events editors
	// produce when saving a file.
	ReloadDebounce = 250 * time.Millisecond
)
