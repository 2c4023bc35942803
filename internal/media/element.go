// SPDX-License-Identifier: MIT

// Package media abstracts the host's media playback primitive. The engine
// never decodes media itself; it drives an Element and reacts to the signals
// the host emits.
package media

import "time"

// Signal is a low-level playback signal emitted by the host media element.
type Signal string

const (
	SignalLoadStart      Signal = "loadstart"
	SignalCanPlay        Signal = "canplay"
	SignalLoadedMetadata Signal = "loadedmetadata"
	SignalPlaying        Signal = "playing"
	SignalPause          Signal = "pause"
	SignalWaiting        Signal = "waiting"
	SignalSeeking        Signal = "seeking"
	SignalSeeked         Signal = "seeked"
	SignalTimeUpdate     Signal = "timeupdate"
	SignalProgress       Signal = "progress"
	SignalEnded          Signal = "ended"
	SignalError          Signal = "error"

	// Text-track element signals; Event.TrackID names the track.
	SignalTextTrackLoad  Signal = "texttrackload"
	SignalTextTrackError Signal = "texttrackerror"
)

// FailureCode is the host's coarse classification of a fatal media error.
type FailureCode int

const (
	FailureAborted FailureCode = iota + 1
	FailureNetwork
	FailureDecode
	FailureSrcNotSupported
)

// Failure carries the host error payload of a SignalError event.
type Failure struct {
	Code    FailureCode
	Message string
}

// Event is one signal plus its optional failure payload. TrackID is set
// only for text-track signals.
type Event struct {
	Signal  Signal
	Failure *Failure
	TrackID string
}

// AudioTrackState is one entry of the host's native audio track list.
// Matching is always by ID: the host's positional index is media-relative
// and must never be used for lookup.
type AudioTrackState struct {
	ID      string
	Enabled bool
}

// TextTrackSource describes a subtitle source handed to the host's
// text-track mechanism.
type TextTrackSource struct {
	ID       string
	URL      string
	Language string
	Label    string
	Hidden   bool
}

// Element is the host media playback primitive.
type Element interface {
	// Load (re)issues the host load instruction for the current sources.
	Load()
	// ClearSources removes every attached media source.
	ClearSources()
	// SetSource attaches a bare source URL (native-HLS path).
	SetSource(url string)
	// SetSourceWithType attaches a source element carrying a MIME hint.
	SetSourceWithType(url, mimeType string)

	Play() error
	Pause()
	CurrentTime() time.Duration
	Seek(pos time.Duration)
	Duration() time.Duration
	BufferedPercent() float64
	Volume() float64
	Muted() bool
	// Advancing reports whether the element is actively progressing
	// (not paused, not ended, enough data).
	Advancing() bool

	// AudioTrackList returns the host's native audio track list, or nil
	// when the host exposes no multi-track audio.
	AudioTrackList() []AudioTrackState
	SetAudioTrackEnabled(id string, enabled bool)

	AttachTextTrack(src TextTrackSource)
	RemoveTextTrack(id string)
	TextTrackCount() int
	// CueCount returns the number of cues materialized for a text track.
	CueCount(id string) int

	// Subscribe registers a signal listener; the returned function
	// unregisters it.
	Subscribe(fn func(Event)) (cancel func())
}
