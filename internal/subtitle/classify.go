// SPDX-License-Identifier: MIT

// Package subtitle resolves, attaches and (when necessary) fetches,
// converts and rewrites subtitle tracks, including the multi-strategy
// network fallback chain.
package subtitle

import "strings"

// Image and picture-based formats can only be rendered by burning them into
// the video server-side.
var burnInFormats = []string{
	"pgs", "pgssub", "hdmv_pgs_subtitle", "dvdsub", "dvd_subtitle", "vobsub", "xsub",
}

// Text formats the host text-track mechanism renders natively after
// normalization.
var textFormats = []string{
	"subrip", "srt", "webvtt", "vtt", "mov_text", "text", "ttml",
}

// Styled formats are text-candidates only when cue extraction is allowed;
// otherwise styling fidelity requires burn-in.
var styledFormats = []string{"ass", "ssa"}

// RequiresBurnIn reports whether the subtitle format cannot be rendered by
// the native text-track mechanism.
func RequiresBurnIn(format string, allowCueExtraction bool) bool {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" {
		return true
	}
	for _, b := range burnInFormats {
		if strings.HasPrefix(f, b) {
			return true
		}
	}
	for _, s := range styledFormats {
		if strings.HasPrefix(f, s) {
			return !allowCueExtraction
		}
	}
	for _, t := range textFormats {
		if strings.HasPrefix(f, t) {
			return false
		}
	}
	// Unknown formats are safer burned in than rendered as garbage.
	return true
}
