// SPDX-License-Identifier: MIT

package playback

import (
	"context"
	"time"
)

// ResolveRequest asks the stream resolver to turn a library item into a
// playable stream.
type ResolveRequest struct {
	ItemKey     string
	StartOffset time.Duration
	// DirectPlay requests the original file; false forces a transcode.
	DirectPlay bool
	// AudioStreamID carries the active audio selection across reloads.
	AudioStreamID string
	// BurnInSubtitle requests server-side burn-in of the given subtitle
	// track id.
	BurnInSubtitle string
}

// StreamDecision is the resolver's answer: where to play from and what the
// server decided about transcoding.
type StreamDecision struct {
	PlaybackURL     string
	Protocol        Protocol
	MIMEType        string
	SessionID       string
	AudioStreams    []AudioTrack
	SubtitleStreams []SubtitleTrack
	// TranscodeRequested reports whether the server chose (or was forced)
	// to transcode.
	TranscodeRequested bool
	BurnInSubtitle     string
}

// Resolver resolves library items into playable streams. Implemented by the
// external stream-resolution service; faked in tests.
type Resolver interface {
	ResolveStream(ctx context.Context, req ResolveRequest) (*StreamDecision, error)
}

// Scheduler is the external channel scheduler. The engine only pauses and
// resumes its advancement timer and asks it to skip ahead; deciding what
// plays next stays the scheduler's job.
type Scheduler interface {
	PauseAdvancement()
	ResumeAdvancement()
	SkipToNext()
}
