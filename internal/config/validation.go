// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
)

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true,
}

// Validate checks the configuration and returns all problems at once, not
// just the first one.
func Validate(cfg Config) error {
	var errs []error

	if cfg.Retry.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay_ms: must be positive, got %v", cfg.Retry.BaseDelay))
	}
	if cfg.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts: must not be negative, got %d", cfg.Retry.MaxAttempts))
	}
	if cfg.Reload.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("reload.timeout_ms: must be positive, got %v", cfg.Reload.Timeout))
	}
	if cfg.TrackSwitch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("track_switch.timeout_ms: must be positive, got %v", cfg.TrackSwitch.Timeout))
	}
	if cfg.TrackSwitch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("track_switch.poll_interval_ms: must be positive, got %v", cfg.TrackSwitch.PollInterval))
	}
	if cfg.TrackSwitch.PollInterval >= cfg.TrackSwitch.Timeout {
		errs = append(errs, fmt.Errorf("track_switch.poll_interval_ms: must be below the switch timeout (%v >= %v)",
			cfg.TrackSwitch.PollInterval, cfg.TrackSwitch.Timeout))
	}
	if cfg.Subtitle.LoadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("subtitle.load_timeout_ms: must be positive, got %v", cfg.Subtitle.LoadTimeout))
	}
	if cfg.Subtitle.CueTimeout <= 0 {
		errs = append(errs, fmt.Errorf("subtitle.cue_timeout_ms: must be positive, got %v", cfg.Subtitle.CueTimeout))
	}
	if cfg.Subtitle.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("subtitle.fetch_timeout_ms: must be positive, got %v", cfg.Subtitle.FetchTimeout))
	}
	if cfg.Breaker.Window <= 0 {
		errs = append(errs, fmt.Errorf("breaker.window_ms: must be positive, got %v", cfg.Breaker.Window))
	}
	if cfg.Breaker.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("breaker.threshold: must be positive, got %d", cfg.Breaker.Threshold))
	}
	if cfg.Log.Level != "" && !validLogLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", cfg.Log.Level))
	}

	return joinErrs(errs)
}

func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
