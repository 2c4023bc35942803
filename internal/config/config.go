// SPDX-License-Identifier: MIT

// Package config loads, validates and hot-reloads the engine configuration.
// Precedence: defaults, then YAML file, then TELECAST_* environment
// variables.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig tunes the media-error retry loop.
type RetryConfig struct {
	BaseDelay time.Duration
	// MaxAttempts is clamped to the hard retry ceiling at use time.
	MaxAttempts int
}

// ReloadConfig tunes stream reloads.
type ReloadConfig struct {
	// Timeout bounds the wait for metadata or error after a reload.
	Timeout time.Duration
}

// TrackSwitchConfig tunes audio track switching.
type TrackSwitchConfig struct {
	Timeout          time.Duration
	PollInterval     time.Duration
	AllowPassthrough bool
}

// SubtitleConfig tunes subtitle resolution and fallback.
type SubtitleConfig struct {
	LoadTimeout        time.Duration
	CueTimeout         time.Duration
	FetchTimeout       time.Duration
	PreferredLanguage  string
	AllowCueExtraction bool
}

// BreakerConfig tunes the failure-rate circuit breaker.
type BreakerConfig struct {
	Window    time.Duration
	Threshold int
}

// LogConfig tunes logging.
type LogConfig struct {
	Level string
}

// DiagConfig tunes the diagnostics listener.
type DiagConfig struct {
	Addr string
}

// Config is the full engine configuration.
type Config struct {
	Retry       RetryConfig
	Reload      ReloadConfig
	TrackSwitch TrackSwitchConfig
	Subtitle    SubtitleConfig
	Breaker     BreakerConfig
	Log         LogConfig
	Diag        DiagConfig
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Retry: RetryConfig{
			BaseDelay:   time.Second,
			MaxAttempts: 3,
		},
		Reload: ReloadConfig{
			Timeout: 10 * time.Second,
		},
		TrackSwitch: TrackSwitchConfig{
			Timeout:      5 * time.Second,
			PollInterval: 200 * time.Millisecond,
		},
		Subtitle: SubtitleConfig{
			LoadTimeout:  2 * time.Second,
			CueTimeout:   3 * time.Second,
			FetchTimeout: 15 * time.Second,
		},
		Breaker: BreakerConfig{
			Window:    2 * time.Second,
			Threshold: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
		Diag: DiagConfig{
			Addr: ":9090",
		},
	}
}

// Load builds the effective configuration: defaults, merged with the YAML
// file at path (optional, empty path skips the file), merged with
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	if err := mergeEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fileConfig is the YAML schema. Durations are milliseconds; pointers
// distinguish absent keys from zero values.
type fileConfig struct {
	Retry struct {
		BaseDelayMS *int `yaml:"base_delay_ms"`
		MaxAttempts *int `yaml:"max_attempts"`
	} `yaml:"retry"`
	Reload struct {
		TimeoutMS *int `yaml:"timeout_ms"`
	} `yaml:"reload"`
	TrackSwitch struct {
		TimeoutMS        *int  `yaml:"timeout_ms"`
		PollIntervalMS   *int  `yaml:"poll_interval_ms"`
		AllowPassthrough *bool `yaml:"allow_passthrough"`
	} `yaml:"track_switch"`
	Subtitle struct {
		LoadTimeoutMS      *int    `yaml:"load_timeout_ms"`
		CueTimeoutMS       *int    `yaml:"cue_timeout_ms"`
		FetchTimeoutMS     *int    `yaml:"fetch_timeout_ms"`
		PreferredLanguage  *string `yaml:"preferred_language"`
		AllowCueExtraction *bool   `yaml:"allow_cue_extraction"`
	} `yaml:"subtitle"`
	Breaker struct {
		WindowMS  *int `yaml:"window_ms"`
		Threshold *int `yaml:"threshold"`
	} `yaml:"breaker"`
	Log struct {
		Level *string `yaml:"level"`
	} `yaml:"log"`
	Diag struct {
		Addr *string `yaml:"addr"`
	} `yaml:"diag"`
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyMS(&cfg.Retry.BaseDelay, fc.Retry.BaseDelayMS)
	applyInt(&cfg.Retry.MaxAttempts, fc.Retry.MaxAttempts)
	applyMS(&cfg.Reload.Timeout, fc.Reload.TimeoutMS)
	applyMS(&cfg.TrackSwitch.Timeout, fc.TrackSwitch.TimeoutMS)
	applyMS(&cfg.TrackSwitch.PollInterval, fc.TrackSwitch.PollIntervalMS)
	applyBool(&cfg.TrackSwitch.AllowPassthrough, fc.TrackSwitch.AllowPassthrough)
	applyMS(&cfg.Subtitle.LoadTimeout, fc.Subtitle.LoadTimeoutMS)
	applyMS(&cfg.Subtitle.CueTimeout, fc.Subtitle.CueTimeoutMS)
	applyMS(&cfg.Subtitle.FetchTimeout, fc.Subtitle.FetchTimeoutMS)
	applyString(&cfg.Subtitle.PreferredLanguage, fc.Subtitle.PreferredLanguage)
	applyBool(&cfg.Subtitle.AllowCueExtraction, fc.Subtitle.AllowCueExtraction)
	applyMS(&cfg.Breaker.Window, fc.Breaker.WindowMS)
	applyInt(&cfg.Breaker.Threshold, fc.Breaker.Threshold)
	applyString(&cfg.Log.Level, fc.Log.Level)
	applyString(&cfg.Diag.Addr, fc.Diag.Addr)
	return nil
}

func applyMS(dst *time.Duration, src *int) {
	if src != nil {
		*dst = time.Duration(*src) * time.Millisecond
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// mergeEnv merges TELECAST_* environment variables; they take the highest
// precedence.
func mergeEnv(cfg *Config) error {
	var errs []error

	envMS(&cfg.Retry.BaseDelay, "TELECAST_RETRY_BASE_DELAY_MS", &errs)
	envInt(&cfg.Retry.MaxAttempts, "TELECAST_RETRY_MAX_ATTEMPTS", &errs)
	envMS(&cfg.Reload.Timeout, "TELECAST_RELOAD_TIMEOUT_MS", &errs)
	envMS(&cfg.TrackSwitch.Timeout, "TELECAST_TRACK_SWITCH_TIMEOUT_MS", &errs)
	envMS(&cfg.TrackSwitch.PollInterval, "TELECAST_TRACK_SWITCH_POLL_INTERVAL_MS", &errs)
	envBool(&cfg.TrackSwitch.AllowPassthrough, "TELECAST_TRACK_SWITCH_ALLOW_PASSTHROUGH", &errs)
	envMS(&cfg.Subtitle.LoadTimeout, "TELECAST_SUBTITLE_LOAD_TIMEOUT_MS", &errs)
	envMS(&cfg.Subtitle.CueTimeout, "TELECAST_SUBTITLE_CUE_TIMEOUT_MS", &errs)
	envMS(&cfg.Subtitle.FetchTimeout, "TELECAST_SUBTITLE_FETCH_TIMEOUT_MS", &errs)
	envString(&cfg.Subtitle.PreferredLanguage, "TELECAST_SUBTITLE_PREFERRED_LANGUAGE")
	envBool(&cfg.Subtitle.AllowCueExtraction, "TELECAST_SUBTITLE_ALLOW_CUE_EXTRACTION", &errs)
	envMS(&cfg.Breaker.Window, "TELECAST_BREAKER_WINDOW_MS", &errs)
	envInt(&cfg.Breaker.Threshold, "TELECAST_BREAKER_THRESHOLD", &errs)
	envString(&cfg.Log.Level, "TELECAST_LOG_LEVEL")
	envString(&cfg.Diag.Addr, "TELECAST_DIAG_ADDR")

	return joinErrs(errs)
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func envMS(dst *time.Duration, key string, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid millisecond value %q", key, v))
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

func envBool(dst *bool, key string, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}
