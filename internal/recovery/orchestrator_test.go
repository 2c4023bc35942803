// SPDX-License-Identifier: MIT

package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecast-tv/telecast/internal/playback"
)

type fakeResolver struct {
	mu       sync.Mutex
	requests []playback.ResolveRequest
	decision *playback.StreamDecision
	err      error
	block    chan struct{} // when set, ResolveStream blocks until closed
}

func (r *fakeResolver) ResolveStream(ctx context.Context, req playback.ResolveRequest) (*playback.StreamDecision, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.decision != nil {
		return r.decision, nil
	}
	return &playback.StreamDecision{
		PlaybackURL:        "http://server/transcode.m3u8",
		Protocol:           playback.ProtocolHLS,
		TranscodeRequested: true,
	}, nil
}

func (r *fakeResolver) Requests() []playback.ResolveRequest {
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

func testDesc() *playback.StreamDescriptor {
	return &playback.StreamDescriptor{
		URL:      "http://server/direct.mkv",
		Protocol: playback.ProtocolDirect,
		ItemKey:  "item-1",
	}
}

func TestTranscodeFallbackHappyPath(t *testing.T) {
	res := &fakeResolver{}
	sch := &fakeScheduler{}
	o := New(res, sch, Config{})

	var loaded []playback.ResolveRequest
	o.Load = func(ctx context.Context, dec *playback.StreamDecision, req playback.ResolveRequest) error {
		loaded = append(loaded, req)
		return nil
	}

	err := o.FallBackToTranscode(context.Background(), testDesc(), 90*time.Second, "a2")
	require.NoError(t, err)

	reqs := res.Requests()
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].DirectPlay, "fallback forces a transcode")
	assert.Equal(t, 90*time.Second, reqs[0].StartOffset, "position preserved")
	assert.Equal(t, "a2", reqs[0].AudioStreamID, "audio selection preserved")
	require.Len(t, loaded, 1)
}

func TestTranscodeFallbackOncePerItem(t *testing.T) {
	res := &fakeResolver{}
	o := New(res, &fakeScheduler{}, Config{})
	o.Load = func(context.Context, *playback.StreamDecision, playback.ResolveRequest) error { return nil }

	require.NoError(t, o.FallBackToTranscode(context.Background(), testDesc(), 0, ""))
	err := o.FallBackToTranscode(context.Background(), testDesc(), 0, "")
	require.ErrorIs(t, err, ErrAlreadyAttempted)
	assert.Len(t, res.Requests(), 1, "budget spent on the first attempt")
}

func TestRecoveryRejectsReentrantCalls(t *testing.T) {
	block := make(chan struct{})
	res := &fakeResolver{block: block}
	o := New(res, &fakeScheduler{}, Config{})

	first := make(chan error, 1)
	go func() {
		first <- o.FallBackToTranscode(context.Background(), testDesc(), 0, "")
	}()

	require.Eventually(t, func() bool {
		return len(res.Requests()) == 1
	}, time.Second, 5*time.Millisecond)

	other := &playback.StreamDescriptor{ItemKey: "item-2"}
	err := o.FallBackToTranscode(context.Background(), other, 0, "")
	require.ErrorIs(t, err, playback.ErrRecoveryBusy)
	err = o.ReloadWithBurnIn(context.Background(), other, "s1", 0, "")
	require.ErrorIs(t, err, playback.ErrRecoveryBusy)

	close(block)
	require.NoError(t, <-first)
}

func TestFailedAttemptStillConsumesBudget(t *testing.T) {
	res := &fakeResolver{err: errors.New("boom")}
	o := New(res, &fakeScheduler{}, Config{})

	err := o.FallBackToTranscode(context.Background(), testDesc(), 0, "")
	require.Error(t, err)
	err = o.FallBackToTranscode(context.Background(), testDesc(), 0, "")
	require.ErrorIs(t, err, ErrAlreadyAttempted)
}

func TestBurnInReloadCarriesTrackPositionAndAudio(t *testing.T) {
	res := &fakeResolver{}
	o := New(res, &fakeScheduler{}, Config{})
	o.Load = func(context.Context, *playback.StreamDecision, playback.ResolveRequest) error { return nil }

	err := o.ReloadWithBurnIn(context.Background(), testDesc(), "s2", 45*time.Second, "a1")
	require.NoError(t, err)

	reqs := res.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "s2", reqs[0].BurnInSubtitle)
	assert.Equal(t, 45*time.Second, reqs[0].StartOffset)
	assert.Equal(t, "a1", reqs[0].AudioStreamID)
	assert.False(t, reqs[0].DirectPlay)
}

func TestBurnInNoOpWhenAlreadyBurningThatTrack(t *testing.T) {
	res := &fakeResolver{}
	o := New(res, &fakeScheduler{}, Config{})

	desc := testDesc()
	desc.BurnInSubtitle = "s2"
	err := o.ReloadWithBurnIn(context.Background(), desc, "s2", 0, "")
	require.NoError(t, err)
	assert.Empty(t, res.Requests(), "no reload when the track already burns in")

	// A different track on the same stream still reloads.
	require.NoError(t, o.ReloadWithBurnIn(context.Background(), desc, "s3", 0, ""))
	assert.Len(t, res.Requests(), 1)
}

func TestBurnInOncePerItemTrackPair(t *testing.T) {
	res := &fakeResolver{}
	o := New(res, &fakeScheduler{}, Config{})

	require.NoError(t, o.ReloadWithBurnIn(context.Background(), testDesc(), "s1", 0, ""))
	err := o.ReloadWithBurnIn(context.Background(), testDesc(), "s1", 0, "")
	require.ErrorIs(t, err, ErrAlreadyAttempted)

	// Another track of the same item has its own budget.
	require.NoError(t, o.ReloadWithBurnIn(context.Background(), testDesc(), "s2", 0, ""))
}

func TestFailuresBelowThresholdSkipToNext(t *testing.T) {
	sch := &fakeScheduler{}
	o := New(&fakeResolver{}, sch, Config{})

	o.HandleStreamFailure(errors.New("stream died"))
	o.HandleStreamFailure(errors.New("stream died"))

	paused, _, skips := sch.counts()
	assert.Equal(t, 2, skips)
	assert.Zero(t, paused)
	assert.False(t, o.Tripped())
}

func TestFailureBurstTripsAndPausesAdvancement(t *testing.T) {
	clk := newMockClock()
	sch := &fakeScheduler{}
	o := New(&fakeResolver{}, sch, Config{Window: 2 * time.Second, Threshold: 3}, WithClock(clk))

	var surfaced *playback.Error
	o.OnError = func(err *playback.Error) { surfaced = err }

	for i := 0; i < 3; i++ {
		o.HandleStreamFailure(errors.New("stream died"))
	}

	paused, _, skips := sch.counts()
	assert.Equal(t, 2, skips, "only the pre-trip failures skip")
	assert.Equal(t, 1, paused)
	assert.True(t, o.Tripped())
	require.NotNil(t, surfaced)
	assert.True(t, surfaced.Recoverable, "breaker error is user-recoverable")

	// Further failures neither skip nor re-pause.
	o.HandleStreamFailure(errors.New("stream died"))
	paused, _, skips = sch.counts()
	assert.Equal(t, 2, skips)
	assert.Equal(t, 1, paused)
}

func TestResetResumesAdvancementAndClearsBudgets(t *testing.T) {
	sch := &fakeScheduler{}
	res := &fakeResolver{}
	o := New(res, sch, Config{})
	o.Load = func(context.Context, *playback.StreamDecision, playback.ResolveRequest) error { return nil }

	require.NoError(t, o.FallBackToTranscode(context.Background(), testDesc(), 0, ""))
	for i := 0; i < 3; i++ {
		o.HandleStreamFailure(errors.New("stream died"))
	}
	require.True(t, o.Tripped())

	o.Reset()
	assert.False(t, o.Tripped())
	_, resumed, _ := sch.counts()
	assert.Equal(t, 1, resumed)
	// Both one-shot registries cleared.
	require.NoError(t, o.FallBackToTranscode(context.Background(), testDesc(), 0, ""))

	// Reset without a prior trip never resumes a scheduler it never paused.
	o.Reset()
	_, resumed, _ = sch.counts()
	assert.Equal(t, 1, resumed)
}

func TestOnItemChangedResetsAttemptsOnly(t *testing.T) {
	sch := &fakeScheduler{}
	o := New(&fakeResolver{}, sch, Config{})
	o.Load = func(context.Context, *playback.StreamDecision, playback.ResolveRequest) error { return nil }

	require.NoError(t, o.FallBackToTranscode(context.Background(), testDesc(), 0, ""))
	for i := 0; i < 3; i++ {
		o.HandleStreamFailure(errors.New("stream died"))
	}

	o.OnItemChanged()
	assert.True(t, o.Tripped(), "breaker accounting spans items")
	require.NoError(t, o.FallBackToTranscode(context.Background(), testDesc(), 0, ""))
}

func TestAuthErrorsBypassFailureCounter(t *testing.T) {
	sch := &fakeScheduler{}
	o := New(&fakeResolver{}, sch, Config{})

	var surfaced *playback.Error
	o.OnError = func(err *playback.Error) { surfaced = err }

	authErr := playback.NewError(playback.KindAuth, "token expired")
	for i := 0; i < 5; i++ {
		o.HandleStreamFailure(authErr)
	}

	paused, _, skips := sch.counts()
	assert.Zero(t, skips)
	assert.Zero(t, paused)
	assert.False(t, o.Tripped(), "auth failures never feed the breaker")
	require.NotNil(t, surfaced)
	assert.Equal(t, playback.KindAuth, surfaced.Kind)
}

func TestAuthErrorDuringRecoverySurfacesImmediately(t *testing.T) {
	res := &fakeResolver{err: playback.NewError(playback.KindAuth, "token expired")}
	o := New(res, &fakeScheduler{}, Config{})

	var surfaced *playback.Error
	o.OnError = func(err *playback.Error) { surfaced = err }

	err := o.FallBackToTranscode(context.Background(), testDesc(), 0, "")
	require.Error(t, err)
	require.NotNil(t, surfaced)
	assert.Equal(t, playback.KindAuth, surfaced.Kind)
}
