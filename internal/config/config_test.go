// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Reload.Timeout)
	assert.Equal(t, 5*time.Second, cfg.TrackSwitch.Timeout)
	assert.Equal(t, 200*time.Millisecond, cfg.TrackSwitch.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Subtitle.LoadTimeout)
	assert.Equal(t, 3*time.Second, cfg.Subtitle.CueTimeout)
	assert.Equal(t, 2*time.Second, cfg.Breaker.Window)
	assert.Equal(t, 3, cfg.Breaker.Threshold)
	require.NoError(t, Validate(cfg))
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telecast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
retry:
  base_delay_ms: 500
  max_attempts: 2
subtitle:
  preferred_language: de
  allow_cue_extraction: true
breaker:
  window_ms: 4000
  threshold: 5
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Untouched keys keep their defaults.
	want := Default()
	want.Retry.BaseDelay = 500 * time.Millisecond
	want.Retry.MaxAttempts = 2
	want.Subtitle.PreferredLanguage = "de"
	want.Subtitle.AllowCueExtraction = true
	want.Breaker.Window = 4 * time.Second
	want.Breaker.Threshold = 5
	want.Log.Level = "debug"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, "retry:\n  base_delay: 500\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "retry:\n  base_delay_ms: 500\n")
	t.Setenv("TELECAST_RETRY_BASE_DELAY_MS", "250")
	t.Setenv("TELECAST_TRACK_SWITCH_ALLOW_PASSTHROUGH", "true")
	t.Setenv("TELECAST_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.True(t, cfg.TrackSwitch.AllowPassthrough)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvParseErrorsAccumulate(t *testing.T) {
	t.Setenv("TELECAST_RETRY_BASE_DELAY_MS", "soon")
	t.Setenv("TELECAST_BREAKER_THRESHOLD", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELECAST_RETRY_BASE_DELAY_MS")
	assert.Contains(t, err.Error(), "TELECAST_BREAKER_THRESHOLD")
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Retry.BaseDelay = 0
	cfg.Breaker.Threshold = 0
	cfg.Log.Level = "loud"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry.base_delay_ms")
	assert.Contains(t, err.Error(), "breaker.threshold")
	assert.Contains(t, err.Error(), "log.level")
}

func TestValidatePollIntervalBelowTimeout(t *testing.T) {
	cfg := Default()
	cfg.TrackSwitch.PollInterval = cfg.TrackSwitch.Timeout

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval")
}

func TestHolderReloadAtomicity(t *testing.T) {
	path := writeConfigFile(t, "retry:\n  max_attempts: 2\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	h := NewHolder(cfg, path)
	assert.Equal(t, 2, h.Get().Retry.MaxAttempts)

	var notified []Config
	h.OnReload(func(c Config) { notified = append(notified, c) })

	// Valid change applies and notifies.
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 1\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))
	assert.Equal(t, 1, h.Get().Retry.MaxAttempts)
	require.Len(t, notified, 1)

	// Invalid change is rejected and the old config stays.
	require.NoError(t, os.WriteFile(path, []byte("breaker:\n  threshold: -1\n"), 0o600))
	require.Error(t, h.Reload(context.Background()))
	assert.Equal(t, 1, h.Get().Retry.MaxAttempts)
	assert.Len(t, notified, 1)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfigFile(t, "retry:\n  max_attempts: 2\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	h := NewHolder(cfg, path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 1\n"), 0o600))

	require.Eventually(t, func() bool {
		return h.Get().Retry.MaxAttempts == 1
	}, 5*time.Second, 50*time.Millisecond)
}
