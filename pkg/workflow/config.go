// Package workflow implements the execution engine: instance lifecycle,
// lease-based mutual exclusion, hierarchical node execution, and heartbeat
// driven crash recovery. Business logic never lives here; it is injected
// through the executor registry.
package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config carries the engine-wide execution settings. Zero values are filled
// in by WithDefaults, so an empty Config is a valid starting point.
type Config struct {
	// EngineID identifies this engine process as a lease owner and in
	// heartbeats. Generated when empty.
	EngineID string

	// LeaseTTL is how long an instance lease lives without renewal. It must
	// comfortably exceed HeartbeatInterval or a healthy engine loses its own
	// lease between renewals.
	LeaseTTL time.Duration

	// HeartbeatInterval is the keepalive period: each tick renews the lease
	// and refreshes the instance heartbeat.
	HeartbeatInterval time.Duration

	// StaleThreshold is how old a running instance's heartbeat may be before
	// the recovery sweep considers the instance abandoned.
	StaleThreshold time.Duration

	// RecoverySchedule is the cron expression driving the recovery sweep.
	RecoverySchedule string

	// MaxConcurrency caps fan-out within one instance. Node-level settings
	// may only lower it.
	MaxConcurrency int
}

const (
	DefaultLeaseTTL          = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultStaleThreshold    = 60 * time.Second
	DefaultRecoverySchedule  = "@every 30s"
	DefaultMaxConcurrency    = 8
)

// WithDefaults returns a copy with every unset field replaced by its default.
func (c Config) WithDefaults() Config {
	if c.EngineID == "" {
		c.EngineID = fmt.Sprintf("engine-%s", uuid.New().String()[:8])
	}

	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}

	if c.RecoverySchedule == "" {
		c.RecoverySchedule = DefaultRecoverySchedule
	}

	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}

	return c
}

// EffectiveConcurrency resolves a node-level fan-out bound against the engine
// cap. Zero means "use the engine default".
func (c Config) EffectiveConcurrency(nodeMax int) int {
	if nodeMax <= 0 || nodeMax > c.MaxConcurrency {
		return c.MaxConcurrency
	}

	return nodeMax
}
