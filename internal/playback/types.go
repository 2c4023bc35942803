// SPDX-License-Identifier: MIT

// Package playback defines the shared data model of the playback engine:
// stream descriptors, track metadata, the error taxonomy and the contract
// with the external stream resolver.
package playback

import "time"

// Protocol identifies the transport of a playable stream.
type Protocol string

const (
	ProtocolHLS    Protocol = "hls"
	ProtocolDASH   Protocol = "dash"
	ProtocolDirect Protocol = "direct"
)

// String implements fmt.Stringer.
func (p Protocol) String() string {
	return string(p)
}

// IsValid checks whether the protocol is one of the known transports.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolHLS, ProtocolDASH, ProtocolDirect:
		return true
	default:
		return false
	}
}

// AudioTrack describes a selectable audio stream within a descriptor.
type AudioTrack struct {
	ID       string
	Language string
	Codec    string
	Channels int
	Default  bool
}

// SubtitleTrack describes a subtitle stream within a descriptor.
//
// TextCandidate marks formats the host text-track mechanism can render
// natively after normalization; everything else requires server-side
// burn-in. FetchKey, when set, is the server path for fetching the raw
// subtitle body; FetchableViaKey marks tracks whose body can be retrieved
// by id when no explicit key exists.
type SubtitleTrack struct {
	ID              string
	Language        string
	LanguageCode    string
	Format          string
	Default         bool
	Forced          bool
	FetchKey        string
	TextCandidate   bool
	FetchableViaKey bool
}

// SubtitleFetchContext carries everything the subtitle resolver needs to
// reach the media server on its own: base URI, auth token and the item and
// session identifiers of the running stream.
type SubtitleFetchContext struct {
	BaseURI   string
	Token     string
	ItemKey   string
	SessionID string
}

// Metadata is display information about the scheduled item.
type Metadata struct {
	Title     string
	Subtitle  string
	ChannelID string
}

// StreamDescriptor is the full description of one playable stream. It is
// immutable once constructed; reloads replace it wholesale.
type StreamDescriptor struct {
	URL               string
	Protocol          Protocol
	MIMEType          string
	ItemKey           string
	SessionID         string
	StartOffset       time.Duration
	Duration          time.Duration
	Metadata          Metadata
	AudioTracks       []AudioTrack
	SubtitleTracks    []SubtitleTrack
	FetchContext      *SubtitleFetchContext
	PreferredSubtitle string
	// BurnInSubtitle is the id of the subtitle track the server is already
	// burning into the video for this stream, empty otherwise.
	BurnInSubtitle string
	// Transcoded reports whether this stream is a server-side transcode
	// rather than a direct play of the original file.
	Transcoded bool
}

// AudioTrackByID returns the audio track with the given id, or nil.
func (d *StreamDescriptor) AudioTrackByID(id string) *AudioTrack {
	for i := range d.AudioTracks {
		if d.AudioTracks[i].ID == id {
			return &d.AudioTracks[i]
		}
	}
	return nil
}

// SubtitleTrackByID returns the subtitle track with the given id, or nil.
func (d *StreamDescriptor) SubtitleTrackByID(id string) *SubtitleTrack {
	for i := range d.SubtitleTracks {
		if d.SubtitleTracks[i].ID == id {
			return &d.SubtitleTracks[i]
		}
	}
	return nil
}

// State is the consolidated snapshot the engine broadcasts on every status
// change.
type State struct {
	Status        Status
	Position      time.Duration
	Duration      time.Duration
	BufferPercent float64
	Volume        float64
	Muted         bool
	AudioTrack    string
	SubtitleTrack string
	Err           *Error
}

// Status is the normalized playback status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusBuffering Status = "buffering"
	StatusPlaying   Status = "playing"
	StatusPaused    Status = "paused"
	StatusSeeking   Status = "seeking"
	StatusEnded     Status = "ended"
	StatusError     Status = "error"
)

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// IsActive checks whether the status describes a live stream.
func (s Status) IsActive() bool {
	switch s {
	case StatusLoading, StatusBuffering, StatusPlaying, StatusPaused, StatusSeeking:
		return true
	default:
		return false
	}
}
