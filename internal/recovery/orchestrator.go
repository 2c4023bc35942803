// SPDX-License-Identifier: MIT

package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/telecast-tv/telecast/internal/log"
	"github.com/telecast-tv/telecast/internal/metrics"
	"github.com/telecast-tv/telecast/internal/playback"
)

// ErrAlreadyAttempted reports that the one-shot recovery budget for this
// item (or item/track pair) is spent.
var ErrAlreadyAttempted = errors.New("recovery: fallback already attempted")

// Config tunes the failure-rate breaker.
type Config struct {
	// Window is the sliding failure window. Default 2s.
	Window time.Duration
	// Threshold trips the breaker when reached inside the window. Default 3.
	Threshold int
}

// Orchestrator owns stream-level recovery policy: the one-shot transcode
// fallback, the one-shot burn-in reload per track, and the failure-rate
// breaker that halts automatic channel advancement when playback fails
// systemically.
type Orchestrator struct {
	mu sync.Mutex

	resolver  playback.Resolver
	scheduler playback.Scheduler
	breaker   *Breaker
	lg        zerolog.Logger

	busy           bool
	paused         bool
	transcodeTried map[string]struct{}
	burnInTried    map[string]struct{}

	// Load applies a re-resolved stream: rebuild the descriptor, reload the
	// element and resume at the requested offset. Wired by the engine.
	Load func(ctx context.Context, dec *playback.StreamDecision, req playback.ResolveRequest) error
	// OnError surfaces user-facing errors.
	OnError func(err *playback.Error)
}

// New builds an Orchestrator over the external resolver and scheduler.
func New(resolver playback.Resolver, scheduler playback.Scheduler, cfg Config, opts ...BreakerOption) *Orchestrator {
	return &Orchestrator{
		resolver:       resolver,
		scheduler:      scheduler,
		breaker:        NewBreaker("playback", cfg.Window, cfg.Threshold, opts...),
		lg:             log.WithComponent("recovery"),
		transcodeTried: make(map[string]struct{}),
		burnInTried:    make(map[string]struct{}),
	}
}

// FallBackToTranscode re-resolves the item with transcoding forced and
// reloads at the given position, keeping the active audio selection. At
// most one attempt per item; a second call returns ErrAlreadyAttempted and
// a call during an in-flight recovery returns playback.ErrRecoveryBusy.
func (o *Orchestrator) FallBackToTranscode(ctx context.Context, desc *playback.StreamDescriptor, pos time.Duration, audioID string) error {
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return playback.ErrRecoveryBusy
	}
	if _, done := o.transcodeTried[desc.ItemKey]; done {
		o.mu.Unlock()
		return ErrAlreadyAttempted
	}
	o.busy = true
	o.transcodeTried[desc.ItemKey] = struct{}{}
	o.mu.Unlock()
	defer o.clearBusy()

	o.lg.Info().
		Str(log.FieldItemKey, desc.ItemKey).
		Dur("position", pos).
		Msg("direct play failed, falling back to transcode")

	req := playback.ResolveRequest{
		ItemKey:       desc.ItemKey,
		StartOffset:   pos,
		DirectPlay:    false,
		AudioStreamID: audioID,
	}
	if err := o.resolveAndLoad(ctx, req, "transcode"); err != nil {
		return err
	}
	return nil
}

// ReloadWithBurnIn re-resolves the item requesting server-side burn-in of
// the given subtitle track, preserving position and audio track. At most
// one attempt per (item, track) pair. When the current stream already burns
// that exact track the call is a no-op.
func (o *Orchestrator) ReloadWithBurnIn(ctx context.Context, desc *playback.StreamDescriptor, trackID string, pos time.Duration, audioID string) error {
	if desc.BurnInSubtitle == trackID {
		return nil
	}

	key := desc.ItemKey + "\x00" + trackID
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return playback.ErrRecoveryBusy
	}
	if _, done := o.burnInTried[key]; done {
		o.mu.Unlock()
		return ErrAlreadyAttempted
	}
	o.busy = true
	o.burnInTried[key] = struct{}{}
	o.mu.Unlock()
	defer o.clearBusy()

	o.lg.Info().
		Str(log.FieldItemKey, desc.ItemKey).
		Str(log.FieldTrackID, trackID).
		Msg("reloading stream with subtitle burn-in")

	req := playback.ResolveRequest{
		ItemKey:        desc.ItemKey,
		StartOffset:    pos,
		DirectPlay:     false,
		AudioStreamID:  audioID,
		BurnInSubtitle: trackID,
	}
	return o.resolveAndLoad(ctx, req, "burn_in")
}

func (o *Orchestrator) resolveAndLoad(ctx context.Context, req playback.ResolveRequest, action string) error {
	dec, err := o.resolver.ResolveStream(ctx, req)
	if err != nil {
		metrics.RecordRecovery(action, "resolve_error")
		if playback.IsAuthError(err) {
			o.surfaceAuth(err)
			return err
		}
		return fmt.Errorf("recovery: resolve %s stream: %w", action, err)
	}
	if o.Load != nil {
		if err := o.Load(ctx, dec, req); err != nil {
			metrics.RecordRecovery(action, "load_error")
			return fmt.Errorf("recovery: load %s stream: %w", action, err)
		}
	}
	metrics.RecordRecovery(action, "ok")
	return nil
}

// HandleStreamFailure is the terminal-failure entry point: retries are
// exhausted (or the error was never retryable) and the item cannot play.
// Auth errors bypass the failure counter and surface immediately. Below the
// trip threshold a failure skips to the next scheduled item; at the
// threshold the breaker trips, advancement pauses and a recoverable error
// is surfaced.
func (o *Orchestrator) HandleStreamFailure(err error) {
	if playback.IsAuthError(err) {
		o.surfaceAuth(err)
		return
	}

	already := o.breaker.Tripped()
	tripped := o.breaker.RecordFailure()

	switch {
	case tripped && !already:
		o.lg.Warn().Err(err).Msg("failure rate exceeded, pausing channel advancement")
		o.setPaused(true)
		o.scheduler.PauseAdvancement()
		if cb := o.OnError; cb != nil {
			cb(playback.NewError(playback.KindNetwork,
				"playback is failing repeatedly; automatic channel advancement is paused"))
		}
	case tripped:
		// Stays tripped; no auto-skip until Reset.
	default:
		o.lg.Debug().Err(err).Int("recent_failures", o.breaker.FailureCount()).
			Msg("stream failed, skipping to next item")
		o.scheduler.SkipToNext()
	}
}

// Reset declares playback healthy again: the breaker closes, the one-shot
// attempt registries clear, and a paused scheduler resumes.
func (o *Orchestrator) Reset() {
	o.breaker.Reset()
	o.mu.Lock()
	resume := o.paused
	o.paused = false
	o.transcodeTried = make(map[string]struct{})
	o.burnInTried = make(map[string]struct{})
	o.mu.Unlock()
	if resume {
		o.scheduler.ResumeAdvancement()
	}
}

// OnItemChanged clears the per-item attempt registries without touching the
// breaker. A new item gets a fresh recovery budget, but systemic failure
// accounting spans items.
func (o *Orchestrator) OnItemChanged() {
	o.mu.Lock()
	o.transcodeTried = make(map[string]struct{})
	o.burnInTried = make(map[string]struct{})
	o.mu.Unlock()
}

// Tripped reports the breaker state.
func (o *Orchestrator) Tripped() bool {
	return o.breaker.Tripped()
}

func (o *Orchestrator) surfaceAuth(err error) {
	o.lg.Error().Err(err).Msg("authentication failure, bypassing recovery")
	if cb := o.OnError; cb != nil {
		if pe := playback.AsError(err); pe != nil {
			cb(pe)
			return
		}
		cb(playback.WrapError(playback.KindAuth, "stream resolution rejected", err))
	}
}

func (o *Orchestrator) clearBusy() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

func (o *Orchestrator) setPaused(v bool) {
	o.mu.Lock()
	o.paused = v
	o.mu.Unlock()
}
