// SPDX-License-Identifier: MIT

package subtitle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/telecast-tv/telecast/internal/log"
	"github.com/telecast-tv/telecast/internal/media"
	"github.com/telecast-tv/telecast/internal/playback"
	"github.com/telecast-tv/telecast/internal/sched"
)

// ErrBurnInRequired reports that the selected track cannot be rendered
// natively; the orchestrator must reload the stream with server-side
// burn-in.
var ErrBurnInRequired = errors.New("subtitle: track requires server-side burn-in")

// Config tunes the resolver.
type Config struct {
	// LoadTimeout triggers fallback when the host's track count never
	// increased after attach. Default 2s.
	LoadTimeout time.Duration
	// CueTimeout triggers fallback when zero cues materialized, or marks
	// the track ready when cues exist. Default 3s.
	CueTimeout time.Duration
	// AllowCueExtraction renders ass/ssa as text instead of burn-in.
	AllowCueExtraction bool
	Fetcher            FetcherConfig
}

func (c Config) withDefaults() Config {
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 2 * time.Second
	}
	if c.CueTimeout <= 0 {
		c.CueTimeout = 3 * time.Second
	}
	return c
}

type trackState struct {
	track          playback.SubtitleTrack
	attached       bool
	ready          bool
	fallbackActive bool
	blobURL        string
	cancelFetch    context.CancelFunc
}

// Resolver owns subtitle lifecycle for the currently bound track set: direct
// attach, readiness watching and the network fallback path. All async
// results are validated against the load generation current when the
// operation began.
type Resolver struct {
	mu sync.Mutex

	el      media.Element
	cfg     Config
	fetcher *Fetcher
	blobs   *BlobRegistry
	tasks   *sched.TaskSet
	group   singleflight.Group
	lg      zerolog.Logger

	gen       uint64
	fetchCtx  *playback.SubtitleFetchContext
	states    map[string]*trackState
	selected  string
	baseCount int

	cancelSignals func()

	// OnReady fires when the selected track is renderable.
	OnReady func(trackID string)
	// OnUnavailable fires when the selected track was deactivated; the
	// reason is user-facing.
	OnUnavailable func(trackID, reason string)
}

// NewResolver builds a Resolver over the element.
func NewResolver(el media.Element, cfg Config) *Resolver {
	r := &Resolver{
		el:      el,
		cfg:     cfg.withDefaults(),
		fetcher: NewFetcher(cfg.Fetcher),
		blobs:   NewBlobRegistry(),
		tasks:   sched.NewTaskSet(),
		lg:      log.WithComponent("subtitle"),
		states:  make(map[string]*trackState),
	}
	r.cancelSignals = el.Subscribe(r.handleSignal)
	return r
}

// LoadTracks binds a freshly loaded stream's subtitle set, attaching every
// text-candidate with a usable source (hidden). Unselected tracks stay
// unresolved until chosen, so no language is fetched or converted eagerly.
func (r *Resolver) LoadTracks(gen uint64, desc *playback.StreamDescriptor) {
	r.unload()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen = gen
	r.fetchCtx = desc.FetchContext
	r.baseCount = r.el.TextTrackCount()

	for _, t := range desc.SubtitleTracks {
		st := &trackState{track: t}
		r.states[t.ID] = st
		if !t.TextCandidate || RequiresBurnIn(t.Format, r.cfg.AllowCueExtraction) {
			continue
		}
		src := r.directSource(t)
		if src == "" {
			continue
		}
		r.el.AttachTextTrack(media.TextTrackSource{
			ID:       t.ID,
			URL:      src,
			Language: t.LanguageCode,
			Label:    t.Language,
			Hidden:   true,
		})
		st.attached = true
	}
}

// RequiresBurnIn reports whether the given track id needs server-side
// burn-in.
func (r *Resolver) RequiresBurnIn(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return false
	}
	return !st.track.TextCandidate || RequiresBurnIn(st.track.Format, r.cfg.AllowCueExtraction)
}

// Selected returns the currently selected track id.
func (r *Resolver) Selected() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected
}

// BlobCount reports live converted-subtitle resources.
func (r *Resolver) BlobCount() int {
	return r.blobs.Len()
}

// Select makes the track with the given id the active subtitle and starts
// its readiness watchers. An empty id deselects. Burn-in tracks return
// ErrBurnInRequired for the orchestrator to handle.
func (r *Resolver) Select(gen uint64, id string) error {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return playback.ErrStale
	}
	if id == "" {
		prev := r.selected
		r.selected = ""
		var reattach *media.TextTrackSource
		var remove string
		if prev != "" {
			if st := r.states[prev]; st != nil && st.attached {
				url := st.blobURL
				if url == "" {
					url = r.directSource(st.track)
				}
				if url == "" {
					st.attached = false
					remove = prev
				} else {
					reattach = &media.TextTrackSource{
						ID:       prev,
						URL:      url,
						Language: st.track.LanguageCode,
						Label:    st.track.Language,
						Hidden:   true,
					}
				}
			}
		}
		r.mu.Unlock()
		if prev != "" {
			r.tasks.Cancel(taskLoadKey(prev))
			r.tasks.Cancel(taskCueKey(prev))
		}
		// The host keeps rendering a visible track until it is hidden
		// again or detached.
		if reattach != nil {
			r.el.AttachTextTrack(*reattach)
		} else if remove != "" {
			r.el.RemoveTextTrack(remove)
		}
		return nil
	}

	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return playback.NewError(playback.KindTrackNotFound, fmt.Sprintf("unknown subtitle track %q", id))
	}
	if !st.track.TextCandidate || RequiresBurnIn(st.track.Format, r.cfg.AllowCueExtraction) {
		r.mu.Unlock()
		return ErrBurnInRequired
	}

	r.selected = id
	attached := st.attached
	ready := st.ready
	src := r.directSource(st.track)
	blobURL := st.blobURL
	r.mu.Unlock()

	if ready {
		if cb := r.OnReady; cb != nil {
			cb(id)
		}
		return nil
	}

	// Show the track (re-attach visible, preferring a converted blob).
	attachURL := src
	if blobURL != "" {
		attachURL = blobURL
	}
	if attachURL == "" {
		// No direct source at all; go straight to fallback.
		r.startFallback(gen, id)
		return nil
	}
	r.el.AttachTextTrack(media.TextTrackSource{
		ID:       id,
		URL:      attachURL,
		Language: "",
		Label:    "",
		Hidden:   false,
	})
	if !attached {
		r.mu.Lock()
		st.attached = true
		r.mu.Unlock()
	}

	// Watcher (b): fallback when the host's track count never increased.
	base := r.baseCount
	r.tasks.After(taskLoadKey(id), r.cfg.LoadTimeout, func() {
		if !r.isCurrent(gen, id) {
			return
		}
		if r.el.TextTrackCount() <= base {
			r.lg.Debug().Str(log.FieldTrackID, id).Msg("track count never increased, starting fallback")
			r.startFallback(gen, id)
		}
	})
	// Watcher (c): cue count decides between ready and fallback.
	r.tasks.After(taskCueKey(id), r.cfg.CueTimeout, func() {
		if !r.isCurrent(gen, id) {
			return
		}
		if r.el.CueCount(id) > 0 {
			r.markReady(gen, id)
		} else {
			r.lg.Debug().Str(log.FieldTrackID, id).Msg("no cues materialized, starting fallback")
			r.startFallback(gen, id)
		}
	})
	return nil
}

// Unload cancels in-flight fetches, clears all timers and revokes every
// temporary resource created during this load's lifetime.
func (r *Resolver) Unload() {
	r.unload()
}

// Destroy unloads and detaches from the element permanently.
func (r *Resolver) Destroy() {
	r.unload()
	if r.cancelSignals != nil {
		r.cancelSignals()
		r.cancelSignals = nil
	}
	r.tasks.Close()
}

func (r *Resolver) unload() {
	r.mu.Lock()
	states := r.states
	r.states = make(map[string]*trackState)
	r.selected = ""
	r.fetchCtx = nil
	r.mu.Unlock()

	for id, st := range states {
		if st.cancelFetch != nil {
			st.cancelFetch()
		}
		if st.attached {
			r.el.RemoveTextTrack(id)
		}
	}
	r.tasks.CancelAll()
	r.blobs.RevokeAll()
}

// handleSignal reacts to the element's own text-track load/error signals
// for the selected track.
func (r *Resolver) handleSignal(ev media.Event) {
	if ev.Signal != media.SignalTextTrackLoad && ev.Signal != media.SignalTextTrackError {
		return
	}
	r.mu.Lock()
	gen := r.gen
	selected := r.selected
	r.mu.Unlock()
	if ev.TrackID != selected {
		return
	}

	switch ev.Signal {
	case media.SignalTextTrackLoad:
		if r.el.CueCount(ev.TrackID) > 0 {
			r.markReady(gen, ev.TrackID)
		}
	case media.SignalTextTrackError:
		r.startFallback(gen, ev.TrackID)
	}
}

// startFallback launches the network fallback path for the selected track.
// Singleflight guarantees a single in-flight attempt per track id; stale
// results are discarded on arrival.
func (r *Resolver) startFallback(gen uint64, id string) {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok || st.fallbackActive || gen != r.gen {
		r.mu.Unlock()
		return
	}
	st.fallbackActive = true
	track := st.track
	fc := r.fetchCtx
	ctx, cancel := context.WithCancel(context.Background())
	st.cancelFetch = cancel
	r.mu.Unlock()

	// The flight key carries the generation: a fallback started after a
	// reload must never join (and inherit the cancellation of) a dying
	// call from the previous load.
	flightKey := fmt.Sprintf("%d:%s", gen, id)
	go func() {
		body, err, _ := r.group.Do(flightKey, func() (interface{}, error) {
			raw, variant, err := r.fetcher.Fetch(ctx, fc, track)
			if err != nil {
				return nil, err
			}
			r.lg.Info().
				Str(log.FieldTrackID, id).
				Str(log.FieldVariant, string(variant)).
				Msg("subtitle fetched via fallback")
			return NormalizeToVTT(raw), nil
		})
		r.applyFallback(gen, id, body, err)
	}()
}

// applyFallback commits a fallback result if its generation is still live.
func (r *Resolver) applyFallback(gen uint64, id string, body interface{}, err error) {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok || gen != r.gen {
		r.mu.Unlock()
		return
	}
	st.fallbackActive = false
	st.cancelFetch = nil

	if err != nil {
		stillSelected := r.selected == id
		if stillSelected {
			r.selected = ""
		}
		r.mu.Unlock()
		r.tasks.Cancel(taskLoadKey(id))
		r.tasks.Cancel(taskCueKey(id))
		if stillSelected {
			r.lg.Warn().Err(err).Str(log.FieldTrackID, id).Msg("subtitle fallback exhausted, deactivating track")
			if cb := r.OnUnavailable; cb != nil {
				cb(id, "subtitle could not be loaded")
			}
		}
		return
	}

	data, _ := body.([]byte)
	blob := r.blobs.Create(id, data)
	st.blobURL = blob.URL
	st.attached = true
	hidden := r.selected != id
	r.mu.Unlock()

	// Replace the direct attempt with the converted in-memory source.
	r.el.RemoveTextTrack(id)
	r.el.AttachTextTrack(media.TextTrackSource{ID: id, URL: blob.URL, Hidden: hidden})
	r.markReady(gen, id)
}

func (r *Resolver) markReady(gen uint64, id string) {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok || gen != r.gen {
		r.mu.Unlock()
		return
	}
	already := st.ready
	st.ready = true
	r.mu.Unlock()

	r.tasks.Cancel(taskLoadKey(id))
	r.tasks.Cancel(taskCueKey(id))
	if already {
		return
	}
	r.lg.Info().Str(log.FieldTrackID, id).Msg("subtitle track ready")
	if cb := r.OnReady; cb != nil {
		cb(id)
	}
}

func (r *Resolver) isCurrent(gen uint64, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.gen && r.selected == id
}

// directSource builds the URL attached for the direct (non-fallback)
// attempt, appending the auth token as a query parameter when not already
// present.
func (r *Resolver) directSource(t playback.SubtitleTrack) string {
	fc := r.fetchCtx
	if fc == nil {
		return ""
	}
	direct := r.fetcher.directURL(fc, t)
	if direct == "" {
		return ""
	}
	if fc.Token != "" && !strings.Contains(direct, "token=") {
		direct = appendQuery(direct, map[string]string{"token": fc.Token})
	}
	return direct
}

func taskLoadKey(id string) string { return "subtitle.load:" + id }
func taskCueKey(id string) string  { return "subtitle.cue:" + id }
