// SPDX-License-Identifier: MIT

package playback

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a playback failure. Kinds decide recoverability and
// which fallback path the orchestrator applies.
type ErrorKind string

const (
	KindNetwork             ErrorKind = "network"
	KindTimeout             ErrorKind = "timeout"
	KindDecode              ErrorKind = "decode"
	KindFormatUnsupported   ErrorKind = "format-unsupported"
	KindTrackNotFound       ErrorKind = "track-not-found"
	KindTrackSwitchFailed   ErrorKind = "track-switch-failed"
	KindTrackSwitchTimeout  ErrorKind = "track-switch-timeout"
	KindCodecUnsupported    ErrorKind = "codec-unsupported"
	KindSubtitleUnavailable ErrorKind = "subtitle-unavailable"
	KindAuth                ErrorKind = "auth"
	KindUnknown             ErrorKind = "unknown"
)

// Sentinel errors for errors.Is checks at the boundary.
var (
	ErrNotInitialized = errors.New("playback: engine not initialized")
	ErrNoStream       = errors.New("playback: no stream loaded")
	ErrRecoveryBusy   = errors.New("playback: a recovery is already in flight")
	ErrStale          = errors.New("playback: result superseded by a newer load")
)

// Error is the structured playback error shared across components.
type Error struct {
	Kind        ErrorKind
	Message     string
	Recoverable bool
	RetryCount  int
	RetryAfter  time.Duration
	Cause       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("playback: %s: %s", e.Kind, e.Message)
	if e.RetryCount > 0 {
		msg = fmt.Sprintf("%s (attempt %d)", msg, e.RetryCount)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs an Error with the given kind and message.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Recoverable: kind == KindNetwork || kind == KindTimeout}
}

// WrapError constructs an Error wrapping a cause.
func WrapError(kind ErrorKind, msg string, cause error) *Error {
	e := NewError(kind, msg)
	e.Cause = cause
	return e
}

// AsError extracts a *Error from err, synthesizing an unknown-kind wrapper
// when err carries no classification.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), Cause: err}
}

// IsAuthError reports whether err belongs to the authentication family.
// Auth failures bypass local recovery and surface immediately.
func IsAuthError(err error) bool {
	pe := AsError(err)
	return pe != nil && pe.Kind == KindAuth
}
