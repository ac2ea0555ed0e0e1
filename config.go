package glassdb

import (
	log "log/slog"
	"time"
)

// Default option values.
const (
	DefaultCacheSize       = 5012 * 1024 * 1024
	DefaultLockTimeout     = 10 * time.Second
	DefaultLockTTL         = time.Minute
	DefaultMonitorInterval = time.Second
	DefaultGCInterval      = time.Minute
	DefaultGCFullScanEvery = 10
	DefaultGCConcurrency   = 8
	DefaultRetryBackoff    = 10 * time.Millisecond
)

// Options holds the configuration of a database. Zero valued fields are
// replaced by their defaults when the database is opened.
type Options struct {
	// Clock is the time source. Defaults to the system clock.
	Clock Clock `json:"-"`
	// Logger receives the structured logs. Defaults to slog.Default().
	Logger *log.Logger `json:"-"`
	// Locker is the commit lock table. Defaults to an in-process lock table;
	// use a Redis backed one when several processes share a backend.
	Locker LockClient `json:"-"`

	// CacheSize is the byte budget of the value cache. Zero selects the
	// default, a negative size disables caching.
	CacheSize int64 `json:"cache_size,omitempty"`
	// LockTimeout bounds the wait for a contended commit lock. Running out
	// turns into a conflict and the transaction is retried.
	LockTimeout time.Duration `json:"lock_timeout,omitempty"`
	// LockTTL bounds the lifetime of a commit lock whose owner crashed.
	LockTTL time.Duration `json:"lock_ttl,omitempty"`
	// MonitorInterval is the period of the watermark refresh.
	MonitorInterval time.Duration `json:"monitor_interval,omitempty"`
	// GCInterval is the period of the garbage collection pass.
	GCInterval time.Duration `json:"gc_interval,omitempty"`
	// GCFullScanEvery makes one in every N passes list the whole keyspace.
	GCFullScanEvery int `json:"gc_full_scan_every,omitempty"`
	// GCConcurrency limits the parallel deletes of a pass.
	GCConcurrency int `json:"gc_concurrency,omitempty"`
	// MaxRetries caps the retries of one transaction. 0 means unlimited.
	MaxRetries int `json:"max_retries,omitempty"`
	// RetryBackoff is the base of the jittered exponential backoff slept
	// between conflicting attempts.
	RetryBackoff time.Duration `json:"retry_backoff,omitempty"`
}

// DefaultOptions returns Options with every field set to its default.
func DefaultOptions() Options {
	return Options{}.WithDefaults()
}

// WithDefaults returns a copy of o with zero fields defaulted. Locker is left
// alone when nil, the caller picks the in-process implementation.
func (o Options) WithDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
	if o.GCInterval <= 0 {
		o.GCInterval = DefaultGCInterval
	}
	if o.GCFullScanEvery <= 0 {
		o.GCFullScanEvery = DefaultGCFullScanEvery
	}
	if o.GCConcurrency <= 0 {
		o.GCConcurrency = DefaultGCConcurrency
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	return o
}
