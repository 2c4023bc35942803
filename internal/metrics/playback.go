// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus instrumentation for the playback
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecast_playback_retry_attempts_total",
		Help: "Media-error retry attempts by error kind",
	}, []string{"kind"})

	reloadOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecast_playback_reloads_total",
		Help: "Stream reload outcomes (ok, error, timeout)",
	}, []string{"outcome"})

	trackSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecast_track_switches_total",
		Help: "Audio track switch outcomes (ok, timeout, failed, rejected)",
	}, []string{"outcome"})

	subtitleFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecast_subtitle_fallbacks_total",
		Help: "Subtitle fallback fetch outcomes by variant",
	}, []string{"variant", "outcome"})

	recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecast_stream_recoveries_total",
		Help: "Stream-level recoveries (transcode_fallback, burnin_reload) by outcome",
	}, []string{"action", "outcome"})

	playbackStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telecast_playback_status",
		Help: "Current playback status (exactly one label is 1)",
	}, []string{"status"})
)

var statuses = []string{"idle", "loading", "buffering", "playing", "paused", "seeking", "ended", "error"}

// RecordRetryAttempt counts one media-error retry attempt.
func RecordRetryAttempt(kind string) {
	retryAttempts.WithLabelValues(kind).Inc()
}

// RecordReload counts one stream reload outcome.
func RecordReload(outcome string) {
	reloadOutcomes.WithLabelValues(outcome).Inc()
}

// RecordTrackSwitch counts one audio track switch outcome.
func RecordTrackSwitch(outcome string) {
	trackSwitches.WithLabelValues(outcome).Inc()
}

// RecordSubtitleFallback counts one subtitle fallback attempt per variant.
func RecordSubtitleFallback(variant, outcome string) {
	subtitleFallbacks.WithLabelValues(variant, outcome).Inc()
}

// RecordRecovery counts one stream-level recovery action.
func RecordRecovery(action, outcome string) {
	recoveries.WithLabelValues(action, outcome).Inc()
}

// SetPlaybackStatus records the active playback status gauge.
func SetPlaybackStatus(status string) {
	for _, s := range statuses {
		value := 0.0
		if s == status {
			value = 1.0
		}
		playbackStatus.WithLabelValues(s).Set(value)
	}
}
