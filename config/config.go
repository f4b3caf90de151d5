// Package config holds process-wide tunables for the messaging core:
// broker socket paths, session queue limits, watchdog intervals, and
// the atomic-file backup suffix. It follows
// coreengine/config/core_config.go's plain-struct-with-JSON-tags shape
// and its global Get/Set injection pattern, narrowed to this domain.
package config

import "sync"

// Config holds the tunables for one running messaging-core process.
type Config struct {
	// Directory Broker
	OffersSocketPath string `json:"offers_socket_path"`
	OpensSocketPath  string `json:"opens_socket_path"`
	AcceptBacklog    int    `json:"accept_backlog"`

	// Session Engine
	MaxSendQueueDepth int `json:"max_send_queue_depth"` // soft limit; the session engine neither enforces nor logs it

	// Watchdog
	WatchdogDefaultIntervalMs int `json:"watchdog_default_interval_ms"`

	// Atomic File Update
	AtomicFileBackupSuffix string `json:"atomic_file_backup_suffix"`

	// Logging
	LogLevel string `json:"log_level"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		OffersSocketPath:          "/run/legato/offers.sock",
		OpensSocketPath:           "/run/legato/opens.sock",
		AcceptBacklog:             16,
		MaxSendQueueDepth:         64,
		WatchdogDefaultIntervalMs: 30000,
		AtomicFileBackupSuffix:    ".bak~~",
		LogLevel:                  "INFO",
	}
}

var (
	global   *Config
	globalMu sync.RWMutex
)

// Get returns the process-wide configuration. Returns defaults if none
// has been injected via Set.
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if global == nil {
		return DefaultConfig()
	}
	return global
}

// Set injects the process-wide configuration. cmd/directoryd does not call
// it; it reads DefaultConfig directly for its flag defaults.
func Set(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()

	global = cfg
}

// Reset clears the injected configuration; Get will return defaults
// again. Intended for test isolation between cases that call Set.
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()

	global = nil
}
