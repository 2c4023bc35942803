// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/telecast-tv/telecast/internal/config"
	"github.com/telecast-tv/telecast/internal/event"
	"github.com/telecast-tv/telecast/internal/media"
	"github.com/telecast-tv/telecast/internal/media/fake"
	"github.com/telecast-tv/telecast/internal/playback"
)

// echoResolver answers every resolve with a transcode stream mirroring the
// request, so tests can assert what the engine asked for.
type echoResolver struct {
	mu        sync.Mutex
	requests  []playback.ResolveRequest
	err       error
	subtitles []playback.SubtitleTrack
}

func (r *echoResolver) ResolveStream(ctx context.Context, req playback.ResolveRequest) (*playback.StreamDecision, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &playback.StreamDecision{
		PlaybackURL:        "http://server/transcode/" + req.ItemKey + ".m3u8",
		Protocol:           playback.ProtocolHLS,
		SessionID:          "sess-2",
		SubtitleStreams:    r.subtitles,
		TranscodeRequested: true,
		BurnInSubtitle:     req.BurnInSubtitle,
	}, nil
}

func (r *echoResolver) Requests() []playback.ResolveRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]playback.ResolveRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

type fakeScheduler struct {
	mu      sync.Mutex
	paused  int
	resumed int
	skips   int
}

func (s *fakeScheduler) PauseAdvancement()  { s.mu.Lock(); s.paused++; s.mu.Unlock() }
func (s *fakeScheduler) ResumeAdvancement() { s.mu.Lock(); s.resumed++; s.mu.Unlock() }
func (s *fakeScheduler) SkipToNext()        { s.mu.Lock(); s.skips++; s.mu.Unlock() }

func (s *fakeScheduler) counts() (paused, resumed, skips int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, s.resumed, s.skips
}

type errorSink struct {
	mu   sync.Mutex
	errs []AppError
}

func (s *errorSink) record(err AppError) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) all() []AppError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AppError(nil), s.errs...)
}

func directDescriptor() *playback.StreamDescriptor {
	return &playback.StreamDescriptor{
		URL:      "http://server/direct/movie.mkv",
		Protocol: playback.ProtocolDirect,
		MIMEType: "video/x-matroska",
		ItemKey:  "item-1",
		AudioTracks: []playback.AudioTrack{
			{ID: "a1", Language: "en", Codec: "aac", Default: true},
			{ID: "a2", Language: "de", Codec: "mp3"},
		},
		SubtitleTracks: []playback.SubtitleTrack{
			{ID: "s1", Language: "English", LanguageCode: "en", Format: "subrip", TextCandidate: true, FetchKey: "http://media/s1.srt"},
			{ID: "s2", Language: "German", LanguageCode: "de", Format: "pgs"},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fake.Element, *echoResolver, *fakeScheduler, *errorSink) {
	t.Helper()
	el := fake.New()
	res := &echoResolver{subtitles: directDescriptor().SubtitleTracks}
	sch := &fakeScheduler{}
	sink := &errorSink{}

	cfg := config.Default()
	cfg.Retry.BaseDelay = 10 * time.Millisecond

	e := New(Options{
		Element:   el,
		Resolver:  res,
		Scheduler: sch,
		Config:    cfg,
		OnError:   sink.record,
	})
	require.NoError(t, e.Initialize())
	t.Cleanup(e.Destroy)
	return e, el, res, sch, sink
}

func TestOperationsBeforeInitialize(t *testing.T) {
	e := New(Options{Element: fake.New()})
	err := e.LoadStream(context.Background(), directDescriptor())
	require.ErrorIs(t, err, playback.ErrNotInitialized)
}

func TestOperationsWithoutStream(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	require.ErrorIs(t, e.Play(), playback.ErrNoStream)
	require.ErrorIs(t, e.SeekTo(time.Second), playback.ErrNoStream)
	require.ErrorIs(t, e.SetAudioTrack(context.Background(), "a1"), playback.ErrNoStream)
}

func TestLoadStreamAppliesSourceAndPlays(t *testing.T) {
	e, el, _, _, _ := newTestEngine(t)

	desc := directDescriptor()
	desc.StartOffset = 30 * time.Second
	require.NoError(t, e.LoadStream(context.Background(), desc))

	srcs := el.Sources()
	require.Len(t, srcs, 1)
	assert.Equal(t, desc.URL, srcs[0].URL)
	assert.Equal(t, "video/x-matroska", srcs[0].MIMEType, "non-HLS sources carry the MIME hint")
	assert.Equal(t, []time.Duration{30 * time.Second}, el.Seeks())
	assert.Equal(t, 1, el.LoadCount())

	el.EmitSignal(media.SignalLoadStart)
	el.EmitSignal(media.SignalPlaying)
	assert.True(t, e.IsPlaying())
	assert.Equal(t, "a1", e.State().AudioTrack, "descriptor default audio selected")
}

func TestHLSSourceIsBare(t *testing.T) {
	e, el, _, _, _ := newTestEngine(t)

	desc := directDescriptor()
	desc.Protocol = playback.ProtocolHLS
	desc.URL = "http://server/live.m3u8"
	require.NoError(t, e.LoadStream(context.Background(), desc))

	srcs := el.Sources()
	require.Len(t, srcs, 1)
	assert.Empty(t, srcs[0].MIMEType)
}

func TestDirectPlayFailureFallsBackToTranscodeOnce(t *testing.T) {
	e, el, res, sch, _ := newTestEngine(t)

	require.NoError(t, e.LoadStream(context.Background(), directDescriptor()))
	el.SetPosition(90 * time.Second)

	// Decode errors are fatal immediately: no retry, straight to recovery.
	el.EmitError(media.FailureDecode, "bitstream corrupt")

	require.Eventually(t, func() bool {
		return len(res.Requests()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	req := res.Requests()[0]
	assert.False(t, req.DirectPlay, "fallback forces a transcode")
	assert.Equal(t, 90*time.Second, req.StartOffset, "position preserved across the fallback")
	assert.Equal(t, "a1", req.AudioStreamID, "audio selection preserved")

	require.Eventually(t, func() bool {
		srcs := el.Sources()
		return len(srcs) == 1 && srcs[0].URL == "http://server/transcode/item-1.m3u8"
	}, 2*time.Second, 10*time.Millisecond)

	// The transcoded stream failing again is terminal: no second fallback,
	// the failure policy skips ahead instead.
	el.EmitError(media.FailureDecode, "bitstream corrupt")
	require.Eventually(t, func() bool {
		_, _, skips := sch.counts()
		return skips == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, res.Requests(), 1, "transcode fallback attempted exactly once")
}

func TestBurnInSubtitleReloadsOnce(t *testing.T) {
	e, el, res, _, _ := newTestEngine(t)

	require.NoError(t, e.LoadStream(context.Background(), directDescriptor()))
	el.SetPosition(45 * time.Second)

	// s2 is a picture-based format: selecting it must reload with burn-in.
	require.NoError(t, e.SetSubtitleTrack(context.Background(), "s2"))

	reqs := res.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "s2", reqs[0].BurnInSubtitle)
	assert.Equal(t, 45*time.Second, reqs[0].StartOffset, "position survives the burn-in reload")
	assert.Equal(t, "a1", reqs[0].AudioStreamID)
	assert.Equal(t, "s2", e.State().SubtitleTrack)

	// Selecting the same track again is a no-op: the stream already burns it.
	require.NoError(t, e.SetSubtitleTrack(context.Background(), "s2"))
	assert.Len(t, res.Requests(), 1)
}

func TestPersistentNetworkFailureRunsThreeReloads(t *testing.T) {
	e, el, _, sch, _ := newTestEngine(t)

	desc := directDescriptor()
	desc.Transcoded = true // no transcode fallback available
	require.NoError(t, e.LoadStream(context.Background(), desc))

	el.OnLoad = func() { el.EmitError(media.FailureNetwork, "origin unreachable") }
	el.EmitError(media.FailureNetwork, "origin unreachable")

	require.Eventually(t, func() bool {
		_, _, skips := sch.counts()
		return skips >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	paused, _, skips := sch.counts()
	assert.Equal(t, 1, skips, "terminal give-up fires once")
	assert.Zero(t, paused, "a single terminal failure must not trip the failure policy")
	assert.Equal(t, 4, el.LoadCount(), "initial load plus three reload attempts")
}

func TestRepeatedFailuresTripBreaker(t *testing.T) {
	e, el, _, sch, sink := newTestEngine(t)

	desc := directDescriptor()
	desc.Transcoded = true // no transcode fallback available
	require.NoError(t, e.LoadStream(context.Background(), desc))

	for i := 0; i < 3; i++ {
		el.EmitError(media.FailureDecode, "bitstream corrupt")
	}

	require.Eventually(t, func() bool {
		paused, _, _ := sch.counts()
		return paused == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, _, skips := sch.counts()
	assert.Equal(t, 2, skips, "pre-trip failures advance to the next item")

	var breakerErr bool
	for _, ae := range sink.all() {
		if ae.Recoverable && ae.Code == string(playback.KindNetwork) {
			breakerErr = true
		}
	}
	assert.True(t, breakerErr, "breaker surfaces a recoverable user-facing error")
}

func TestBusPublishesMediaLoadedAndErrors(t *testing.T) {
	e, el, _, _, _ := newTestEngine(t)

	loaded := e.Events().Subscribe(event.TopicMediaLoaded)
	defer loaded.Close()
	errs := e.Events().Subscribe(event.TopicError)
	defer errs.Close()

	desc := directDescriptor()
	desc.AudioTracks = append(desc.AudioTracks, playback.AudioTrack{ID: "a3", Codec: "exotic"})
	require.NoError(t, e.LoadStream(context.Background(), desc))
	el.EmitSignal(media.SignalLoadedMetadata)

	select {
	case p := <-loaded.C():
		require.NotNil(t, p.Descriptor)
		assert.Equal(t, "item-1", p.Descriptor.ItemKey)
	case <-time.After(time.Second):
		t.Fatal("mediaLoaded never published")
	}

	require.Error(t, e.SetAudioTrack(context.Background(), "a3"))
	select {
	case p := <-errs.C():
		require.NotNil(t, p.Err)
		assert.Equal(t, playback.KindCodecUnsupported, p.Err.Kind)
	case <-time.After(time.Second):
		t.Fatal("error never published")
	}
}

func TestSetAudioTrackUpdatesState(t *testing.T) {
	e, el, _, _, _ := newTestEngine(t)

	require.NoError(t, e.LoadStream(context.Background(), directDescriptor()))
	el.SetAudioTracks(
		media.AudioTrackState{ID: "a1", Enabled: true},
		media.AudioTrackState{ID: "a2"},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.SetAudioTrack(ctx, "a2"))
	assert.Equal(t, "a2", e.State().AudioTrack)
}

func TestSetAudioTrackUnsupportedCodecSurfaces(t *testing.T) {
	e, _, _, _, sink := newTestEngine(t)

	desc := directDescriptor()
	desc.AudioTracks = append(desc.AudioTracks, playback.AudioTrack{ID: "a3", Codec: "exotic"})
	require.NoError(t, e.LoadStream(context.Background(), desc))

	err := e.SetAudioTrack(context.Background(), "a3")
	require.Error(t, err)
	pe := playback.AsError(err)
	assert.Equal(t, playback.KindCodecUnsupported, pe.Kind)
	require.NotEmpty(t, sink.all())
	assert.Equal(t, string(playback.KindCodecUnsupported), sink.all()[0].Code)
}

func TestSeekRelativeClampsToZero(t *testing.T) {
	e, el, _, _, _ := newTestEngine(t)

	require.NoError(t, e.LoadStream(context.Background(), directDescriptor()))
	el.SetPosition(5 * time.Second)
	require.NoError(t, e.SeekRelative(-30*time.Second))

	seeks := el.Seeks()
	assert.Equal(t, time.Duration(0), seeks[len(seeks)-1])
}

func TestUnloadStreamClearsEverything(t *testing.T) {
	e, el, _, _, _ := newTestEngine(t)

	require.NoError(t, e.LoadStream(context.Background(), directDescriptor()))
	e.UnloadStream()

	assert.Empty(t, el.Sources())
	assert.ErrorIs(t, e.Play(), playback.ErrNoStream)
	assert.Equal(t, playback.StatusIdle, e.State().Status)
}

func TestDestroyLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	el := fake.New()
	e := New(Options{
		Element:   el,
		Resolver:  &echoResolver{},
		Scheduler: &fakeScheduler{},
		Config:    config.Default(),
	})
	require.NoError(t, e.Initialize())
	require.NoError(t, e.LoadStream(context.Background(), directDescriptor()))
	el.EmitSignal(media.SignalPlaying)
	e.Destroy()
}
