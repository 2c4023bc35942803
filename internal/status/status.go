// SPDX-License-Identifier: MIT

// Package status normalizes low-level media element signals into a playback
// status state machine and broadcasts consolidated state snapshots.
package status

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/telecast-tv/telecast/internal/event"
	"github.com/telecast-tv/telecast/internal/log"
	"github.com/telecast-tv/telecast/internal/media"
	"github.com/telecast-tv/telecast/internal/metrics"
	"github.com/telecast-tv/telecast/internal/playback"
)

// Engine is the playback status state machine. It owns the normalized
// status; time and buffer updates are re-broadcast at the host's native
// cadence rather than polled.
type Engine struct {
	mu sync.Mutex

	el  media.Element
	bus *event.Bus
	lg  zerolog.Logger

	status      playback.Status
	priorToSeek playback.Status
	audioTrack  string
	subTrack    string
	lastErr     *playback.Error

	cancel func()
}

// New builds an Engine over the element and starts consuming its signals.
func New(el media.Element, bus *event.Bus) *Engine {
	e := &Engine{
		el:     el,
		bus:    bus,
		lg:     log.WithComponent("status"),
		status: playback.StatusIdle,
	}
	e.cancel = el.Subscribe(e.handle)
	return e
}

// Status returns the current normalized status.
func (e *Engine) Status() playback.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Snapshot assembles the consolidated playback state.
func (e *Engine) Snapshot() playback.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// SetActiveAudioTrack records the committed audio selection.
func (e *Engine) SetActiveAudioTrack(id string) {
	e.mu.Lock()
	e.audioTrack = id
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.bus.Publish(event.TopicTrackChange, event.Payload{TrackKind: "audio", TrackID: id})
	e.bus.Publish(event.TopicStateChange, event.Payload{State: &snap})
}

// SetActiveSubtitleTrack records the committed subtitle selection. A reason
// accompanies deactivations.
func (e *Engine) SetActiveSubtitleTrack(id, reason string) {
	e.mu.Lock()
	e.subTrack = id
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.bus.Publish(event.TopicTrackChange, event.Payload{TrackKind: "subtitle", TrackID: id, Reason: reason})
	e.bus.Publish(event.TopicStateChange, event.Payload{State: &snap})
}

// ActiveAudioTrack returns the committed audio selection.
func (e *Engine) ActiveAudioTrack() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audioTrack
}

// ActiveSubtitleTrack returns the committed subtitle selection.
func (e *Engine) ActiveSubtitleTrack() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subTrack
}

// SetError records a playback error and moves the machine to the error
// status.
func (e *Engine) SetError(pe *playback.Error) {
	e.mu.Lock()
	e.lastErr = pe
	e.mu.Unlock()
	e.transition(playback.StatusError)
}

// Reset returns the machine to idle, clearing the error and seek memory.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.lastErr = nil
	e.priorToSeek = ""
	e.audioTrack = ""
	e.subTrack = ""
	e.mu.Unlock()
	e.transition(playback.StatusIdle)
}

// Close unsubscribes from the element.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handle(ev media.Event) {
	switch ev.Signal {
	case media.SignalLoadStart:
		e.transition(playback.StatusLoading)
	case media.SignalCanPlay:
		// First readiness while loading means ready-but-not-started.
		if e.Status() == playback.StatusLoading {
			e.transition(playback.StatusPaused)
		}
	case media.SignalPlaying:
		e.transition(playback.StatusPlaying)
	case media.SignalPause:
		// Seeking emits a transient pause; ended is terminal. Neither is
		// overridden.
		s := e.Status()
		if s != playback.StatusSeeking && s != playback.StatusEnded {
			e.transition(playback.StatusPaused)
		}
	case media.SignalWaiting:
		if e.Status() == playback.StatusPlaying {
			e.transition(playback.StatusBuffering)
		}
	case media.SignalSeeking:
		e.mu.Lock()
		if e.status != playback.StatusSeeking {
			e.priorToSeek = e.status
		}
		e.mu.Unlock()
		e.transition(playback.StatusSeeking)
	case media.SignalSeeked:
		if e.el.Advancing() {
			e.transition(playback.StatusPlaying)
		} else {
			e.mu.Lock()
			prior := e.priorToSeek
			e.mu.Unlock()
			if prior == "" {
				prior = playback.StatusPaused
			}
			e.transition(prior)
		}
	case media.SignalEnded:
		e.transition(playback.StatusEnded)
		e.bus.Publish(event.TopicEnded, event.Payload{})
	case media.SignalError:
		pe := classifySignal(ev.Failure)
		e.mu.Lock()
		e.lastErr = pe
		e.mu.Unlock()
		e.transition(playback.StatusError)
	case media.SignalTimeUpdate:
		e.bus.Publish(event.TopicTimeUpdate, event.Payload{PositionMs: e.el.CurrentTime().Milliseconds()})
	case media.SignalProgress:
		e.bus.Publish(event.TopicBufferUpdate, event.Payload{BufferPercent: e.el.BufferedPercent()})
	}
}

func (e *Engine) transition(next playback.Status) {
	e.mu.Lock()
	prev := e.status
	if prev == next {
		e.mu.Unlock()
		return
	}
	e.status = next
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.lg.Debug().
		Str(log.FieldOldState, prev.String()).
		Str(log.FieldNewState, next.String()).
		Msg("playback status changed")
	metrics.SetPlaybackStatus(next.String())
	e.bus.Publish(event.TopicStateChange, event.Payload{State: &snap})
}

func (e *Engine) snapshotLocked() playback.State {
	return playback.State{
		Status:        e.status,
		Position:      e.el.CurrentTime(),
		Duration:      e.el.Duration(),
		BufferPercent: e.el.BufferedPercent(),
		Volume:        e.el.Volume(),
		Muted:         e.el.Muted(),
		AudioTrack:    e.audioTrack,
		SubtitleTrack: e.subTrack,
		Err:           e.lastErr,
	}
}

// classifySignal maps a host failure payload onto the error taxonomy.
func classifySignal(f *media.Failure) *playback.Error {
	if f == nil {
		return playback.NewError(playback.KindUnknown, "media element error without payload")
	}
	switch f.Code {
	case media.FailureNetwork, media.FailureAborted:
		return playback.NewError(playback.KindNetwork, f.Message)
	case media.FailureDecode:
		return playback.NewError(playback.KindDecode, f.Message)
	case media.FailureSrcNotSupported:
		return playback.NewError(playback.KindFormatUnsupported, f.Message)
	default:
		return playback.NewError(playback.KindUnknown, f.Message)
	}
}
