// SPDX-License-Identifier: MIT

// Package tracks switches the active audio track with codec validation,
// readiness polling, timeout detection and rollback.
package tracks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/telecast-tv/telecast/internal/log"
	"github.com/telecast-tv/telecast/internal/media"
	"github.com/telecast-tv/telecast/internal/metrics"
	"github.com/telecast-tv/telecast/internal/playback"
	"github.com/telecast-tv/telecast/internal/sched"
)

// supportedCodecs are the audio codecs the host decodes natively. Matching
// is case-insensitive and prefix-tolerant ("pcm_s16le" matches "pcm").
var supportedCodecs = []string{"aac", "mp3", "mp2", "opus", "flac", "vorbis", "pcm"}

// passthroughCodecs are admitted only when the user preference enables
// bitstream passthrough.
var passthroughCodecs = []string{"ac3", "eac3", "dts", "truehd"}

var errSwitchTimeout = errors.New("tracks: switch confirmation timed out")

// Config tunes the switcher.
type Config struct {
	SwitchTimeout time.Duration // default 5s
	PollInterval  time.Duration // default 200ms
}

func (c Config) withDefaults() Config {
	if c.SwitchTimeout <= 0 {
		c.SwitchTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

// Switcher performs audio track switches against the host element.
type Switcher struct {
	mu sync.Mutex

	el    media.Element
	cfg   Config
	tasks *sched.TaskSet
	lg    zerolog.Logger

	// allowPassthrough is the injected user-preference accessor.
	allowPassthrough func() bool

	gen    uint64
	desc   *playback.StreamDescriptor
	active string

	closed chan struct{}
}

// New builds a Switcher. allowPassthrough may be nil (passthrough denied).
func New(el media.Element, cfg Config, allowPassthrough func() bool) *Switcher {
	if allowPassthrough == nil {
		allowPassthrough = func() bool { return false }
	}
	return &Switcher{
		el:               el,
		cfg:              cfg.withDefaults(),
		tasks:            sched.NewTaskSet(),
		lg:               log.WithComponent("tracks"),
		allowPassthrough: allowPassthrough,
		closed:           make(chan struct{}),
	}
}

// Bind points the switcher at a freshly loaded stream. In-flight switch
// polls notice the generation change on their next tick and resolve stale.
func (s *Switcher) Bind(gen uint64, desc *playback.StreamDescriptor, active string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen = gen
	s.desc = desc
	s.active = active
}

// Active returns the committed audio track id.
func (s *Switcher) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Destroy cancels all pending polls and resolves in-flight switches stale.
func (s *Switcher) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.tasks.Close()
	s.desc = nil
}

// Switch activates the audio track with the given id. The active id is
// mutated only after the host confirms the switch; every failure leaves it
// untouched except for the best-effort rollback of the host state.
func (s *Switcher) Switch(ctx context.Context, id string) error {
	s.mu.Lock()
	desc := s.desc
	gen := s.gen
	prev := s.active
	s.mu.Unlock()

	if desc == nil {
		metrics.RecordTrackSwitch("rejected")
		return playback.NewError(playback.KindTrackNotFound, "no stream loaded")
	}
	target := desc.AudioTrackByID(id)
	if target == nil {
		metrics.RecordTrackSwitch("rejected")
		return playback.NewError(playback.KindTrackNotFound, fmt.Sprintf("unknown audio track %q", id))
	}

	// Pre-flight codec check, before touching the host element.
	if !s.codecSupported(target.Codec) {
		metrics.RecordTrackSwitch("rejected")
		return playback.NewError(playback.KindCodecUnsupported,
			fmt.Sprintf("audio codec %q is not supported", target.Codec))
	}

	// A host without a native multi-track list makes the switch pure
	// bookkeeping.
	if s.el.AudioTrackList() == nil {
		s.commit(gen, id)
		metrics.RecordTrackSwitch("ok")
		return nil
	}

	err := s.attempt(ctx, gen, id)
	if err == nil {
		s.commit(gen, id)
		metrics.RecordTrackSwitch("ok")
		return nil
	}
	if errors.Is(err, playback.ErrStale) {
		return playback.ErrStale
	}
	if errors.Is(err, errSwitchTimeout) {
		// Timeouts are never retried.
		metrics.RecordTrackSwitch("timeout")
		return playback.WrapError(playback.KindTrackSwitchTimeout,
			fmt.Sprintf("audio track %q never reported enabled", id), err)
	}

	s.lg.Warn().Err(err).Str(log.FieldTrackID, id).Msg("track switch failed, retrying once")
	retryErr := s.attempt(ctx, gen, id)
	if retryErr == nil {
		s.commit(gen, id)
		metrics.RecordTrackSwitch("ok")
		return nil
	}
	if errors.Is(retryErr, playback.ErrStale) {
		return playback.ErrStale
	}

	// Best-effort rollback of the host state; the committed id was never
	// changed.
	if prev != "" {
		s.enableOnly(prev)
	}
	metrics.RecordTrackSwitch("failed")
	return playback.WrapError(playback.KindTrackSwitchFailed,
		fmt.Sprintf("switching audio track to %q", id), err)
}

// attempt disables every native track except the target and waits until the
// host reports the target enabled. Matching is by id: the host's per-track
// index is media-relative and must never be used.
func (s *Switcher) attempt(ctx context.Context, gen uint64, id string) error {
	if !s.enableOnly(id) {
		return fmt.Errorf("track %q missing from host track list", id)
	}
	if s.targetEnabled(id) {
		return nil
	}

	done := make(chan error, 1)
	pollKey := "tracks.poll:" + id
	guardKey := "tracks.guard:" + id

	s.tasks.Every(pollKey, s.cfg.PollInterval, func() bool {
		if s.currentGen() != gen {
			select {
			case done <- playback.ErrStale:
			default:
			}
			return false
		}
		if s.targetEnabled(id) {
			select {
			case done <- nil:
			default:
			}
			return false
		}
		return true
	})
	s.tasks.After(guardKey, s.cfg.SwitchTimeout, func() {
		select {
		case done <- errSwitchTimeout:
		default:
		}
	})
	defer func() {
		s.tasks.Cancel(pollKey)
		s.tasks.Cancel(guardKey)
	}()

	select {
	case err := <-done:
		return err
	case <-s.closed:
		return playback.ErrStale
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enableOnly enables id and disables everything else, reporting whether id
// exists in the host list.
func (s *Switcher) enableOnly(id string) bool {
	found := false
	for _, t := range s.el.AudioTrackList() {
		if t.ID == id {
			found = true
		}
		s.el.SetAudioTrackEnabled(t.ID, t.ID == id)
	}
	return found
}

func (s *Switcher) targetEnabled(id string) bool {
	for _, t := range s.el.AudioTrackList() {
		if t.ID == id {
			return t.Enabled
		}
	}
	return false
}

func (s *Switcher) commit(gen uint64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.active = id
	s.lg.Info().Str(log.FieldTrackID, id).Msg("audio track switched")
}

func (s *Switcher) currentGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Switcher) codecSupported(codec string) bool {
	if CodecInFamily(codec, supportedCodecs) {
		return true
	}
	return s.allowPassthrough() && CodecInFamily(codec, passthroughCodecs)
}

// CodecInFamily reports whether codec matches any family name,
// case-insensitively and tolerating suffixes ("pcm_s16le" matches "pcm").
func CodecInFamily(codec string, families []string) bool {
	c := strings.ToLower(strings.TrimSpace(codec))
	if c == "" {
		return false
	}
	for _, f := range families {
		if strings.HasPrefix(c, f) {
			return true
		}
	}
	return false
}
