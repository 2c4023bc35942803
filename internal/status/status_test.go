// SPDX-License-Identifier: MIT

package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecast-tv/telecast/internal/event"
	"github.com/telecast-tv/telecast/internal/media"
	"github.com/telecast-tv/telecast/internal/media/fake"
	"github.com/telecast-tv/telecast/internal/playback"
)

func newEngine(t *testing.T) (*Engine, *fake.Element, *event.Bus) {
	t.Helper()
	el := fake.New()
	bus := event.NewBus()
	e := New(el, bus)
	t.Cleanup(e.Close)
	return e, el, bus
}

func TestLoadStartEntersLoading(t *testing.T) {
	e, el, _ := newEngine(t)
	el.EmitSignal(media.SignalLoadStart)
	assert.Equal(t, playback.StatusLoading, e.Status())
}

func TestCanPlayWhileLoadingMeansReadyNotStarted(t *testing.T) {
	e, el, _ := newEngine(t)
	el.EmitSignal(media.SignalLoadStart)
	el.EmitSignal(media.SignalCanPlay)
	assert.Equal(t, playback.StatusPaused, e.Status())
}

func TestCanPlayOutsideLoadingIsIgnored(t *testing.T) {
	e, el, _ := newEngine(t)
	el.EmitSignal(media.SignalPlaying)
	el.EmitSignal(media.SignalCanPlay)
	assert.Equal(t, playback.StatusPlaying, e.Status())
}

func TestPauseDoesNotOverrideSeekingOrEnded(t *testing.T) {
	t.Run("seeking", func(t *testing.T) {
		e, el, _ := newEngine(t)
		el.EmitSignal(media.SignalPlaying)
		el.EmitSignal(media.SignalSeeking)
		el.EmitSignal(media.SignalPause)
		assert.Equal(t, playback.StatusSeeking, e.Status())
	})

	t.Run("ended", func(t *testing.T) {
		e, el, _ := newEngine(t)
		el.EmitSignal(media.SignalPlaying)
		el.EmitSignal(media.SignalEnded)
		el.EmitSignal(media.SignalPause)
		assert.Equal(t, playback.StatusEnded, e.Status())
	})

	t.Run("playing", func(t *testing.T) {
		e, el, _ := newEngine(t)
		el.EmitSignal(media.SignalPlaying)
		el.EmitSignal(media.SignalPause)
		assert.Equal(t, playback.StatusPaused, e.Status())
	})
}

func TestWaitingWhilePlayingBuffers(t *testing.T) {
	e, el, _ := newEngine(t)
	el.EmitSignal(media.SignalPlaying)
	el.EmitSignal(media.SignalWaiting)
	assert.Equal(t, playback.StatusBuffering, e.Status())

	// waiting while paused is ignored
	el.EmitSignal(media.SignalPlaying)
	el.EmitSignal(media.SignalPause)
	el.EmitSignal(media.SignalWaiting)
	assert.Equal(t, playback.StatusPaused, e.Status())
}

func TestSeekedRestoresPriorStatusWhenNotAdvancing(t *testing.T) {
	e, el, _ := newEngine(t)
	el.EmitSignal(media.SignalPlaying)
	el.EmitSignal(media.SignalPause)
	el.EmitSignal(media.SignalSeeking)
	require.Equal(t, playback.StatusSeeking, e.Status())

	el.EmitSignal(media.SignalSeeked)
	assert.Equal(t, playback.StatusPaused, e.Status())
}

func TestSeekedGoesToPlayingWhenAdvancing(t *testing.T) {
	e, el, _ := newEngine(t)
	el.EmitSignal(media.SignalPause)
	el.EmitSignal(media.SignalSeeking)
	require.NoError(t, el.Play())

	el.EmitSignal(media.SignalSeeked)
	assert.Equal(t, playback.StatusPlaying, e.Status())
}

func TestErrorSignalClassification(t *testing.T) {
	tests := []struct {
		code media.FailureCode
		kind playback.ErrorKind
	}{
		{media.FailureNetwork, playback.KindNetwork},
		{media.FailureAborted, playback.KindNetwork},
		{media.FailureDecode, playback.KindDecode},
		{media.FailureSrcNotSupported, playback.KindFormatUnsupported},
	}
	for _, tt := range tests {
		e, el, _ := newEngine(t)
		el.EmitError(tt.code, "boom")
		require.Equal(t, playback.StatusError, e.Status())
		snap := e.Snapshot()
		require.NotNil(t, snap.Err)
		assert.Equal(t, tt.kind, snap.Err.Kind)
	}
}

func TestStateChangeEmitsSnapshot(t *testing.T) {
	e, el, bus := newEngine(t)
	sub := bus.Subscribe(event.TopicStateChange)
	t.Cleanup(sub.Close)

	el.SetBuffered(42)
	e.SetActiveAudioTrack("a2")
	el.EmitSignal(media.SignalPlaying)

	var last *playback.State
	for len(sub.C()) > 0 {
		p := <-sub.C()
		last = p.State
	}
	require.NotNil(t, last)
	assert.Equal(t, playback.StatusPlaying, last.Status)
	assert.Equal(t, "a2", last.AudioTrack)
	assert.Equal(t, 42.0, last.BufferPercent)
}

func TestTimeAndBufferUpdatesFollowHostCadence(t *testing.T) {
	_, el, bus := newEngine(t)
	timeSub := bus.Subscribe(event.TopicTimeUpdate)
	bufSub := bus.Subscribe(event.TopicBufferUpdate)
	t.Cleanup(timeSub.Close)
	t.Cleanup(bufSub.Close)

	el.SetPosition(90 * 1e9)
	el.SetBuffered(55)
	el.EmitSignal(media.SignalTimeUpdate)
	el.EmitSignal(media.SignalProgress)

	p := <-timeSub.C()
	assert.Equal(t, int64(90000), p.PositionMs)
	b := <-bufSub.C()
	assert.Equal(t, 55.0, b.BufferPercent)
}

func TestEndedPublishesEndedTopic(t *testing.T) {
	_, el, bus := newEngine(t)
	sub := bus.Subscribe(event.TopicEnded)
	t.Cleanup(sub.Close)

	el.EmitSignal(media.SignalEnded)
	select {
	case <-sub.C():
	default:
		t.Fatal("expected ended event")
	}
}

func TestResetReturnsToIdle(t *testing.T) {
	e, el, _ := newEngine(t)
	el.EmitError(media.FailureDecode, "bad")
	e.Reset()
	assert.Equal(t, playback.StatusIdle, e.Status())
	assert.Nil(t, e.Snapshot().Err)
}
