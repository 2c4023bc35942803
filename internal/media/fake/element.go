// SPDX-License-Identifier: MIT

// Package fake provides a scripted media element for tests and the soak
// binary. Behavior is driven by the caller: signals are emitted explicitly
// and failure modes are toggled per scenario.
package fake

import (
	"sync"
	"time"

	"github.com/telecast-tv/telecast/internal/media"
)

// Source records one attached media source.
type Source struct {
	URL      string
	MIMEType string
}

// Element is a scripted, in-memory media.Element.
type Element struct {
	mu sync.Mutex

	sources   []Source
	loadCount int
	position  time.Duration
	duration  time.Duration
	buffered  float64
	volume    float64
	muted     bool
	playing   bool
	ended     bool

	// ManualAudioApply leaves SetAudioTrackEnabled requests recorded but
	// unapplied, so tests can exercise the switch poll/timeout path.
	ManualAudioApply bool
	audioTracks      []media.AudioTrackState
	audioRequests    []string

	textTracks map[string]media.TextTrackSource
	cueCounts  map[string]int

	// OnLoad, when set, runs synchronously on every Load call after the
	// load counter increments.
	OnLoad func()
	// PlayErr, when set, is returned by Play.
	PlayErr error

	nextListener int
	listeners    map[int]func(media.Event)

	seeks []time.Duration
}

var _ media.Element = (*Element)(nil)

// New returns an idle fake element.
func New() *Element {
	return &Element{
		volume:     1.0,
		textTracks: make(map[string]media.TextTrackSource),
		cueCounts:  make(map[string]int),
		listeners:  make(map[int]func(media.Event)),
	}
}

// Emit broadcasts a signal to every subscribed listener.
func (e *Element) Emit(ev media.Event) {
	e.mu.Lock()
	fns := make([]func(media.Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// EmitSignal is shorthand for Emit with no failure payload.
func (e *Element) EmitSignal(s media.Signal) {
	e.Emit(media.Event{Signal: s})
}

// EmitTrackSignal broadcasts a text-track signal for one track id.
func (e *Element) EmitTrackSignal(s media.Signal, trackID string) {
	e.Emit(media.Event{Signal: s, TrackID: trackID})
}

// EmitError broadcasts a fatal media failure.
func (e *Element) EmitError(code media.FailureCode, msg string) {
	e.Emit(media.Event{Signal: media.SignalError, Failure: &media.Failure{Code: code, Message: msg}})
}

func (e *Element) Load() {
	e.mu.Lock()
	e.loadCount++
	fn := e.OnLoad
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *Element) ClearSources() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = nil
}

func (e *Element) SetSource(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = append(e.sources, Source{URL: url})
}

func (e *Element) SetSourceWithType(url, mimeType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = append(e.sources, Source{URL: url, MIMEType: mimeType})
}

func (e *Element) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PlayErr != nil {
		return e.PlayErr
	}
	e.playing = true
	e.ended = false
	return nil
}

func (e *Element) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
}

func (e *Element) CurrentTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *Element) Seek(pos time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = pos
	e.seeks = append(e.seeks, pos)
}

func (e *Element) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func (e *Element) BufferedPercent() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffered
}

func (e *Element) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

func (e *Element) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

func (e *Element) Advancing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing && !e.ended
}

func (e *Element) AudioTrackList() []media.AudioTrackState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.audioTracks == nil {
		return nil
	}
	out := make([]media.AudioTrackState, len(e.audioTracks))
	copy(out, e.audioTracks)
	return out
}

func (e *Element) SetAudioTrackEnabled(id string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enabled {
		e.audioRequests = append(e.audioRequests, id)
	}
	if e.ManualAudioApply {
		return
	}
	for i := range e.audioTracks {
		if e.audioTracks[i].ID == id {
			e.audioTracks[i].Enabled = enabled
		}
	}
}

func (e *Element) AttachTextTrack(src media.TextTrackSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.textTracks[src.ID] = src
}

func (e *Element) RemoveTextTrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.textTracks, id)
	delete(e.cueCounts, id)
}

func (e *Element) TextTrackCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.textTracks)
}

func (e *Element) CueCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cueCounts[id]
}

func (e *Element) Subscribe(fn func(media.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Scripting helpers below are test-side controls, not part of media.Element.

// SetAudioTracks installs the host's native audio track list.
func (e *Element) SetAudioTracks(tracks ...media.AudioTrackState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioTracks = append([]media.AudioTrackState(nil), tracks...)
}

// ApplyAudioRequest flips the recorded enable state for id, used together
// with ManualAudioApply.
func (e *Element) ApplyAudioRequest(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.audioTracks {
		e.audioTracks[i].Enabled = e.audioTracks[i].ID == id
	}
}

// AudioRequests returns the ids passed to SetAudioTrackEnabled(id, true),
// in order.
func (e *Element) AudioRequests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.audioRequests...)
}

// SetCueCount scripts the cue count of a text track.
func (e *Element) SetCueCount(id string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cueCounts[id] = n
}

// SetPosition scripts the current playback position.
func (e *Element) SetPosition(pos time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = pos
}

// SetDuration scripts the media duration.
func (e *Element) SetDuration(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.duration = d
}

// SetBuffered scripts the buffered percentage.
func (e *Element) SetBuffered(pct float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffered = pct
}

// SetEnded scripts the ended flag.
func (e *Element) SetEnded(ended bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended = ended
	if ended {
		e.playing = false
	}
}

// Sources returns the currently attached sources.
func (e *Element) Sources() []Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Source(nil), e.sources...)
}

// LoadCount returns how many times Load was issued.
func (e *Element) LoadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadCount
}

// Seeks returns every position passed to Seek, in order.
func (e *Element) Seeks() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration(nil), e.seeks...)
}

// TextTrack returns the attached text track source for id.
func (e *Element) TextTrack(id string) (media.TextTrackSource, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.textTracks[id]
	return src, ok
}
