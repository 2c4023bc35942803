// SPDX-License-Identifier: MIT

// Package engine is the playback facade: it owns the media element, the
// load generation, and wires the status machine, retry coordinator, track
// switcher, subtitle resolver and recovery orchestrator together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/telecast-tv/telecast/internal/config"
	"github.com/telecast-tv/telecast/internal/event"
	"github.com/telecast-tv/telecast/internal/log"
	"github.com/telecast-tv/telecast/internal/media"
	"github.com/telecast-tv/telecast/internal/metrics"
	"github.com/telecast-tv/telecast/internal/playback"
	"github.com/telecast-tv/telecast/internal/recovery"
	"github.com/telecast-tv/telecast/internal/retry"
	"github.com/telecast-tv/telecast/internal/status"
	"github.com/telecast-tv/telecast/internal/subtitle"
	"github.com/telecast-tv/telecast/internal/tracks"
)

// AppError is what the embedding application receives for every surfaced
// playback problem.
type AppError struct {
	Code        string
	Message     string
	Recoverable bool
}

func appErrorFrom(pe *playback.Error) AppError {
	return AppError{
		Code:        string(pe.Kind),
		Message:     pe.Message,
		Recoverable: pe.Recoverable,
	}
}

// Options configures a new Engine.
type Options struct {
	Element   media.Element
	Resolver  playback.Resolver
	Scheduler playback.Scheduler
	Config    config.Config
	// OnError receives every user-facing error. Optional.
	OnError func(AppError)
}

// Engine is the top-level playback engine.
type Engine struct {
	mu sync.Mutex

	el        media.Element
	resolver  playback.Resolver
	scheduler playback.Scheduler
	cfg       config.Config
	lg        zerolog.Logger

	bus       *event.Bus
	status    *status.Engine
	retries   *retry.Coordinator
	switcher  *tracks.Switcher
	subtitles *subtitle.Resolver
	orch      *recovery.Orchestrator

	gen           atomic.Uint64
	desc          *playback.StreamDescriptor
	initialized   bool
	cancelSignals func()

	onError func(AppError)
}

// New builds an Engine; call Initialize before use.
func New(opts Options) *Engine {
	return &Engine{
		el:        opts.Element,
		resolver:  opts.Resolver,
		scheduler: opts.Scheduler,
		cfg:       opts.Config,
		onError:   opts.OnError,
		lg:        log.WithComponent("engine"),
	}
}

// Initialize wires all components and starts listening to the element.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return errors.New("engine: already initialized")
	}

	e.bus = event.NewBus()
	e.status = status.New(e.el, e.bus)

	e.retries = retry.New(e.el, retry.Config{
		BaseDelay:     e.cfg.Retry.BaseDelay,
		MaxAttempts:   e.cfg.Retry.MaxAttempts,
		ReloadTimeout: e.cfg.Reload.Timeout,
	})
	e.retries.OnRecovered = e.onRecovered
	e.retries.OnGiveUp = e.onGiveUp

	allowPassthrough := func() bool { return e.cfg.TrackSwitch.AllowPassthrough }
	e.switcher = tracks.New(e.el, tracks.Config{
		SwitchTimeout: e.cfg.TrackSwitch.Timeout,
		PollInterval:  e.cfg.TrackSwitch.PollInterval,
	}, allowPassthrough)

	e.subtitles = subtitle.NewResolver(e.el, subtitle.Config{
		LoadTimeout:        e.cfg.Subtitle.LoadTimeout,
		CueTimeout:         e.cfg.Subtitle.CueTimeout,
		AllowCueExtraction: e.cfg.Subtitle.AllowCueExtraction,
		Fetcher:            subtitle.FetcherConfig{Timeout: e.cfg.Subtitle.FetchTimeout},
	})
	e.subtitles.OnReady = e.onSubtitleReady
	e.subtitles.OnUnavailable = e.onSubtitleUnavailable

	e.orch = recovery.New(e.resolver, e.scheduler, recovery.Config{
		Window:    e.cfg.Breaker.Window,
		Threshold: e.cfg.Breaker.Threshold,
	})
	e.orch.Load = e.loadRecovered
	e.orch.OnError = e.surface

	e.cancelSignals = e.el.Subscribe(e.handleSignal)
	e.initialized = true
	e.lg.Info().Msg("playback engine initialized")
	return nil
}

// Destroy tears the engine down. The generation bump invalidates every
// in-flight async result before components are released.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	e.initialized = false
	e.desc = nil
	e.mu.Unlock()

	e.gen.Add(1)
	if e.cancelSignals != nil {
		e.cancelSignals()
		e.cancelSignals = nil
	}
	e.retries.Destroy()
	e.switcher.Destroy()
	e.subtitles.Destroy()
	e.status.Close()
	e.bus.Close()
	e.lg.Info().Msg("playback engine destroyed")
}

// Events exposes the engine's event bus.
func (e *Engine) Events() *event.Bus {
	return e.bus
}

// LoadStream binds a new stream descriptor, replacing whatever was playing.
func (e *Engine) LoadStream(ctx context.Context, desc *playback.StreamDescriptor) error {
	if err := e.ensureInitialized(); err != nil {
		return err
	}
	gen := e.gen.Add(1)

	e.mu.Lock()
	prevItem := ""
	if e.desc != nil {
		prevItem = e.desc.ItemKey
	}
	e.desc = desc
	e.mu.Unlock()

	if prevItem != "" && prevItem != desc.ItemKey {
		e.orch.OnItemChanged()
	}

	e.lg.Info().
		Str(log.FieldItemKey, desc.ItemKey).
		Str(log.FieldProtocol, string(desc.Protocol)).
		Str(log.FieldURL, desc.URL).
		Msg("loading stream")

	e.status.Reset()
	e.retries.Bind(gen, desc)

	audioID := defaultAudioTrack(desc, e.cfg.Subtitle.PreferredLanguage)
	e.switcher.Bind(gen, desc, audioID)
	if audioID != "" {
		e.status.SetActiveAudioTrack(audioID)
	}

	applySource(e.el, desc)
	e.el.Load()
	if desc.StartOffset > 0 {
		e.el.Seek(desc.StartOffset)
	}

	e.subtitles.LoadTracks(gen, desc)

	if err := e.el.Play(); err != nil {
		return fmt.Errorf("engine: start playback: %w", err)
	}

	if id := e.pickInitialSubtitle(desc); id != "" {
		if err := e.selectSubtitle(ctx, gen, id); err != nil && !errors.Is(err, playback.ErrStale) {
			e.lg.Warn().Err(err).Str(log.FieldTrackID, id).Msg("initial subtitle selection failed")
		}
	}
	return nil
}

// UnloadStream stops playback and releases every per-stream resource.
func (e *Engine) UnloadStream() {
	if e.ensureInitialized() != nil {
		return
	}
	e.gen.Add(1)

	e.mu.Lock()
	e.desc = nil
	e.mu.Unlock()

	e.retries.Clear()
	e.subtitles.Unload()
	e.el.Pause()
	e.el.ClearSources()
	e.el.Load()
	e.status.Reset()
}

// Play resumes playback.
func (e *Engine) Play() error {
	if err := e.ensureStream(); err != nil {
		return err
	}
	return e.el.Play()
}

// Pause halts playback without unloading.
func (e *Engine) Pause() error {
	if err := e.ensureStream(); err != nil {
		return err
	}
	e.el.Pause()
	return nil
}

// Stop pauses and unloads the current stream.
func (e *Engine) Stop() error {
	if err := e.ensureStream(); err != nil {
		return err
	}
	e.UnloadStream()
	return nil
}

// SeekTo jumps to an absolute position.
func (e *Engine) SeekTo(pos time.Duration) error {
	if err := e.ensureStream(); err != nil {
		return err
	}
	if pos < 0 {
		pos = 0
	}
	if d := e.el.Duration(); d > 0 && pos > d {
		pos = d
	}
	e.el.Seek(pos)
	return nil
}

// SeekRelative jumps by a signed offset from the current position.
func (e *Engine) SeekRelative(delta time.Duration) error {
	if err := e.ensureStream(); err != nil {
		return err
	}
	return e.SeekTo(e.el.CurrentTime() + delta)
}

// SetAudioTrack switches the active audio track by id.
func (e *Engine) SetAudioTrack(ctx context.Context, id string) error {
	if err := e.ensureStream(); err != nil {
		return err
	}
	if err := e.switcher.Switch(ctx, id); err != nil {
		if pe := playback.AsError(err); pe != nil {
			e.surface(pe)
		}
		return err
	}
	e.status.SetActiveAudioTrack(id)
	return nil
}

// SetSubtitleTrack selects a subtitle track by id; an empty id disables
// subtitles. Burn-in formats trigger a stream reload with server-side
// rendering of that track.
func (e *Engine) SetSubtitleTrack(ctx context.Context, id string) error {
	if err := e.ensureStream(); err != nil {
		return err
	}
	return e.selectSubtitle(ctx, e.gen.Load(), id)
}

// AudioTracks lists the bound descriptor's audio tracks.
func (e *Engine) AudioTracks() []playback.AudioTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.desc == nil {
		return nil
	}
	return e.desc.AudioTracks
}

// SubtitleTracks lists the bound descriptor's subtitle tracks.
func (e *Engine) SubtitleTracks() []playback.SubtitleTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.desc == nil {
		return nil
	}
	return e.desc.SubtitleTracks
}

// State returns the current playback snapshot.
func (e *Engine) State() playback.State {
	return e.status.Snapshot()
}

// CurrentTime returns the live playback position.
func (e *Engine) CurrentTime() time.Duration {
	return e.el.CurrentTime()
}

// Duration returns the media duration.
func (e *Engine) Duration() time.Duration {
	return e.el.Duration()
}

// IsPlaying reports whether playback is actively advancing.
func (e *Engine) IsPlaying() bool {
	return e.status.Status() == playback.StatusPlaying
}

// Reset declares playback healthy: retry counters, breaker and recovery
// budgets all start over.
func (e *Engine) Reset() {
	if e.ensureInitialized() != nil {
		return
	}
	e.retries.Reset()
	e.orch.Reset()
}

func (e *Engine) ensureInitialized() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return playback.ErrNotInitialized
	}
	return nil
}

func (e *Engine) ensureStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return playback.ErrNotInitialized
	}
	if e.desc == nil {
		return playback.ErrNoStream
	}
	return nil
}

func (e *Engine) currentDesc() *playback.StreamDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc
}

// handleSignal routes fatal media errors into the retry coordinator and
// announces loaded media. All state-machine work happens in the status
// engine's own subscription.
func (e *Engine) handleSignal(ev media.Event) {
	switch ev.Signal {
	case media.SignalLoadedMetadata:
		if desc := e.currentDesc(); desc != nil {
			e.bus.Publish(event.TopicMediaLoaded, event.Payload{Descriptor: desc})
		}
	case media.SignalError:
		if ev.Failure != nil {
			e.retries.HandleFailure(e.gen.Load(), ev.Failure)
		}
	}
}

// onRecovered fires after a retry reload restored playback.
func (e *Engine) onRecovered() {
	e.lg.Info().Msg("playback recovered after reload")
	e.orch.Reset()
}

// onGiveUp fires when the retry loop is exhausted. Direct-play streams get
// one transcode fallback; everything else goes to the failure-rate policy.
func (e *Engine) onGiveUp(pe *playback.Error) {
	desc := e.currentDesc()
	if desc != nil && !desc.Transcoded {
		pos := e.el.CurrentTime()
		audio := e.status.ActiveAudioTrack()
		go func() {
			err := e.orch.FallBackToTranscode(context.Background(), desc, pos, audio)
			if err == nil {
				return
			}
			if errors.Is(err, playback.ErrRecoveryBusy) {
				return
			}
			e.terminalFailure(pe)
		}()
		return
	}
	e.terminalFailure(pe)
}

// terminalFailure surfaces the error and feeds the failure-rate policy.
func (e *Engine) terminalFailure(pe *playback.Error) {
	e.status.SetError(pe)
	e.surface(pe)
	e.orch.HandleStreamFailure(pe)
}

// loadRecovered is the orchestrator's reload hook: the re-resolved stream
// replaces the current one at the held position.
func (e *Engine) loadRecovered(ctx context.Context, dec *playback.StreamDecision, req playback.ResolveRequest) error {
	prev := e.currentDesc()
	desc := descriptorFromDecision(prev, dec, req)
	if err := e.LoadStream(ctx, desc); err != nil {
		return err
	}
	if req.AudioStreamID != "" {
		e.status.SetActiveAudioTrack(req.AudioStreamID)
	}
	if req.BurnInSubtitle != "" {
		e.status.SetActiveSubtitleTrack(req.BurnInSubtitle, "burn-in")
	}
	return nil
}

func (e *Engine) selectSubtitle(ctx context.Context, gen uint64, id string) error {
	if id == "" {
		if err := e.subtitles.Select(gen, ""); err != nil {
			return err
		}
		e.status.SetActiveSubtitleTrack("", "user")
		return nil
	}

	if e.subtitles.RequiresBurnIn(id) {
		return e.reloadWithBurnIn(ctx, id)
	}

	err := e.subtitles.Select(gen, id)
	if errors.Is(err, subtitle.ErrBurnInRequired) {
		return e.reloadWithBurnIn(ctx, id)
	}
	return err
}

func (e *Engine) reloadWithBurnIn(ctx context.Context, id string) error {
	desc := e.currentDesc()
	if desc == nil {
		return playback.ErrNoStream
	}
	if desc.BurnInSubtitle == id {
		// Already burning this track; just mark it active.
		e.status.SetActiveSubtitleTrack(id, "burn-in")
		return nil
	}
	pos := e.el.CurrentTime()
	audio := e.status.ActiveAudioTrack()
	return e.orch.ReloadWithBurnIn(ctx, desc, id, pos, audio)
}

func (e *Engine) onSubtitleReady(id string) {
	e.status.SetActiveSubtitleTrack(id, "selected")
}

func (e *Engine) onSubtitleUnavailable(id, reason string) {
	e.status.SetActiveSubtitleTrack("", reason)
	pe := playback.NewError(playback.KindSubtitleUnavailable, reason)
	// Soft failure: the stream keeps playing without the track.
	pe.Recoverable = true
	e.surface(pe)
}

func (e *Engine) surface(pe *playback.Error) {
	metrics.SetPlaybackStatus(string(e.status.Status()))
	e.bus.Publish(event.TopicError, event.Payload{Err: pe})
	if e.onError != nil {
		e.onError(appErrorFrom(pe))
	}
}

func (e *Engine) pickInitialSubtitle(desc *playback.StreamDescriptor) string {
	if desc.PreferredSubtitle != "" {
		return desc.PreferredSubtitle
	}
	if t := playback.MatchSubtitleLanguage(desc.SubtitleTracks, e.cfg.Subtitle.PreferredLanguage); t != nil {
		return t.ID
	}
	return ""
}

// applySource attaches the descriptor's source the way the host expects:
// native-HLS streams get a bare URL, everything else a typed source.
func applySource(el media.Element, desc *playback.StreamDescriptor) {
	el.ClearSources()
	if desc.Protocol == playback.ProtocolHLS {
		el.SetSource(desc.URL)
		return
	}
	el.SetSourceWithType(desc.URL, desc.MIMEType)
}

// defaultAudioTrack picks the initial audio selection: the preferred
// language when it matches, else the descriptor default, else the first
// track.
func defaultAudioTrack(desc *playback.StreamDescriptor, preferredLang string) string {
	if len(desc.AudioTracks) == 0 {
		return ""
	}
	if t := playback.MatchAudioLanguage(desc.AudioTracks, preferredLang); t != nil {
		return t.ID
	}
	for _, t := range desc.AudioTracks {
		if t.Default {
			return t.ID
		}
	}
	return desc.AudioTracks[0].ID
}

// descriptorFromDecision rebuilds a descriptor from a recovery resolve,
// carrying over the fetch context of the stream it replaces.
func descriptorFromDecision(prev *playback.StreamDescriptor, dec *playback.StreamDecision, req playback.ResolveRequest) *playback.StreamDescriptor {
	desc := &playback.StreamDescriptor{
		URL:            dec.PlaybackURL,
		Protocol:       dec.Protocol,
		MIMEType:       dec.MIMEType,
		ItemKey:        req.ItemKey,
		SessionID:      dec.SessionID,
		StartOffset:    req.StartOffset,
		AudioTracks:    dec.AudioStreams,
		SubtitleTracks: dec.SubtitleStreams,
		BurnInSubtitle: dec.BurnInSubtitle,
		Transcoded:     dec.TranscodeRequested,
	}
	if prev != nil {
		desc.Metadata = prev.Metadata
		desc.Duration = prev.Duration
		if prev.FetchContext != nil {
			fc := *prev.FetchContext
			if dec.SessionID != "" {
				fc.SessionID = dec.SessionID
			}
			desc.FetchContext = &fc
		}
	}
	return desc
}
