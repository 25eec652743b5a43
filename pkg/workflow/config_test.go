package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_WithDefaultsFillsEverything(t *testing.T) {
	cfg := Config{}.WithDefaults()

	assert.True(t, strings.HasPrefix(cfg.EngineID, "engine-"))
	assert.Greater(t, len(cfg.EngineID), len("engine-"))
	assert.Equal(t, DefaultLeaseTTL, cfg.LeaseTTL)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, DefaultStaleThreshold, cfg.StaleThreshold)
	assert.Equal(t, DefaultRecoverySchedule, cfg.RecoverySchedule)
	assert.Equal(t, DefaultMaxConcurrency, cfg.MaxConcurrency)
}

func TestConfig_WithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		EngineID:          "engine-custom",
		LeaseTTL:          time.Minute,
		HeartbeatInterval: 15 * time.Second,
		StaleThreshold:    2 * time.Minute,
		RecoverySchedule:  "@every 5m",
		MaxConcurrency:    2,
	}.WithDefaults()

	assert.Equal(t, "engine-custom", cfg.EngineID)
	assert.Equal(t, time.Minute, cfg.LeaseTTL)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.StaleThreshold)
	assert.Equal(t, "@every 5m", cfg.RecoverySchedule)
	assert.Equal(t, 2, cfg.MaxConcurrency)
}

func TestConfig_EngineIDsAreUnique(t *testing.T) {
	first := Config{}.WithDefaults()
	second := Config{}.WithDefaults()

	assert.NotEqual(t, first.EngineID, second.EngineID)
}

func TestConfig_EffectiveConcurrency(t *testing.T) {
	cfg := Config{MaxConcurrency: 8}.WithDefaults()

	assert.Equal(t, 8, cfg.EffectiveConcurrency(0), "zero falls back to the engine cap")
	assert.Equal(t, 8, cfg.EffectiveConcurrency(-1))
	assert.Equal(t, 3, cfg.EffectiveConcurrency(3), "a node may lower the cap")
	assert.Equal(t, 8, cfg.EffectiveConcurrency(64), "a node must not raise it")
}
