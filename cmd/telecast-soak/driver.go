// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/telecast-tv/telecast/internal/config"
	"github.com/telecast-tv/telecast/internal/engine"
	"github.com/telecast-tv/telecast/internal/log"
	"github.com/telecast-tv/telecast/internal/media"
	"github.com/telecast-tv/telecast/internal/media/fake"
	"github.com/telecast-tv/telecast/internal/playback"
)

type driverOptions struct {
	Items        int
	FailRate     float64
	AdvanceEvery time.Duration
}

// driver cycles the engine through a synthetic channel lineup. It doubles
// as the external scheduler: skip requests land on a channel the run loop
// consumes.
type driver struct {
	el       *fake.Element
	cfg      config.Config
	opts     driverOptions
	resolver *soakResolver
	engine   *engine.Engine

	mu     sync.Mutex
	item   int
	paused bool

	skips    chan struct{}
	cycles   atomic.Int64
	failures atomic.Int64
}

func newDriver(el *fake.Element, cfg config.Config, opts driverOptions) *driver {
	if opts.Items <= 0 {
		opts.Items = 1
	}
	d := &driver{
		el:       el,
		cfg:      cfg,
		opts:     opts,
		resolver: &soakResolver{},
		skips:    make(chan struct{}, 4),
	}
	// A real host raises ready signals after every load; the scripted
	// element needs them injected so retry reloads can settle.
	el.OnLoad = func() {
		go func() {
			time.Sleep(10 * time.Millisecond)
			el.SetDuration(30 * time.Minute)
			el.EmitSignal(media.SignalLoadedMetadata)
			el.EmitSignal(media.SignalCanPlay)
			el.EmitSignal(media.SignalPlaying)
		}()
	}
	return d
}

// PauseAdvancement implements playback.Scheduler.
func (d *driver) PauseAdvancement() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// ResumeAdvancement implements playback.Scheduler.
func (d *driver) ResumeAdvancement() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

// SkipToNext implements playback.Scheduler.
func (d *driver) SkipToNext() {
	select {
	case d.skips <- struct{}{}:
	default:
	}
}

func (d *driver) CurrentItem() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return itemKey(d.item)
}

func (d *driver) Cycles() int64 { return d.cycles.Load() }

func (d *driver) InjectedFailures() int64 { return d.failures.Load() }

// Run drives the load/fail/recover loop until ctx is done.
func (d *driver) Run(ctx context.Context) error {
	logger := log.WithComponent("soak.driver")

	if err := d.loadCurrent(ctx); err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(d.opts.FailRate), 1)
	failer := make(chan struct{})
	go func() {
		defer close(failer)
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case failer <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	advance := time.NewTicker(d.opts.AdvanceEvery)
	defer advance.Stop()
	clock := time.NewTicker(time.Second)
	defer clock.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-clock.C:
			// Simulated playhead movement.
			d.el.SetPosition(d.el.CurrentTime() + time.Second)
			d.el.EmitSignal(media.SignalTimeUpdate)

		case <-failer:
			d.failures.Add(1)
			d.injectFailure()

		case <-advance.C:
			d.mu.Lock()
			paused := d.paused
			d.mu.Unlock()
			if paused {
				// Circuit breaker keeps us parked until the operator (or a
				// healthy stretch) resets; simulate an operator reset.
				logger.Info().Msg("advancement paused by breaker, issuing reset")
				d.engine.Reset()
				d.ResumeAdvancement()
				continue
			}
			if err := d.next(ctx); err != nil {
				return err
			}

		case <-d.skips:
			if err := d.next(ctx); err != nil {
				return err
			}
		}
	}
}

func (d *driver) injectFailure() {
	// Weighted failure mix: mostly transient network stalls, a few fatal
	// decode and format errors to exercise the transcode fallback.
	switch rand.Intn(10) {
	case 0:
		d.el.EmitError(media.FailureDecode, "injected decode failure")
	case 1:
		d.el.EmitError(media.FailureSrcNotSupported, "injected container rejection")
	default:
		d.el.EmitError(media.FailureNetwork, "injected network stall")
	}
}

func (d *driver) next(ctx context.Context) error {
	d.mu.Lock()
	d.item = (d.item + 1) % d.opts.Items
	d.mu.Unlock()
	d.cycles.Add(1)
	return d.loadCurrent(ctx)
}

func (d *driver) loadCurrent(ctx context.Context) error {
	d.mu.Lock()
	item := d.item
	d.mu.Unlock()

	desc := d.resolver.descriptor(item)
	return d.engine.LoadStream(ctx, desc)
}

func itemKey(i int) string {
	return fmt.Sprintf("soak-item-%d", i)
}

// soakResolver fabricates stream decisions: items play direct first and
// resolve to a transcode when recovery forces one.
type soakResolver struct {
	resolves atomic.Int64
}

func (r *soakResolver) ResolveStream(_ context.Context, req playback.ResolveRequest) (*playback.StreamDecision, error) {
	r.resolves.Add(1)
	dec := &playback.StreamDecision{
		SessionID:          fmt.Sprintf("soak-sess-%d", r.resolves.Load()),
		AudioStreams:       audioTracks(),
		SubtitleStreams:    subtitleTracks(),
		TranscodeRequested: !req.DirectPlay,
		BurnInSubtitle:     req.BurnInSubtitle,
	}
	if req.DirectPlay {
		dec.PlaybackURL = "http://soak.local/library/" + req.ItemKey + "/file.mkv"
		dec.Protocol = playback.ProtocolDirect
		dec.MIMEType = "video/x-matroska"
	} else {
		dec.PlaybackURL = "http://soak.local/transcode/" + req.ItemKey + "/index.m3u8"
		dec.Protocol = playback.ProtocolHLS
	}
	return dec, nil
}

func (r *soakResolver) descriptor(item int) *playback.StreamDescriptor {
	key := itemKey(item)
	return &playback.StreamDescriptor{
		URL:            "http://soak.local/library/" + key + "/file.mkv",
		Protocol:       playback.ProtocolDirect,
		MIMEType:       "video/x-matroska",
		ItemKey:        key,
		Duration:       30 * time.Minute,
		AudioTracks:    audioTracks(),
		SubtitleTracks: subtitleTracks(),
	}
}

func audioTracks() []playback.AudioTrack {
	return []playback.AudioTrack{
		{ID: "a1", Language: "en", Codec: "aac", Channels: 2, Default: true},
		{ID: "a2", Language: "de", Codec: "mp3", Channels: 2},
	}
}

func subtitleTracks() []playback.SubtitleTrack {
	return []playback.SubtitleTrack{
		{ID: "s1", Language: "English", LanguageCode: "en", Format: "subrip", TextCandidate: true},
		{ID: "s2", Language: "German", LanguageCode: "de", Format: "pgs"},
	}
}
