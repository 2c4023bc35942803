// SPDX-License-Identifier: MIT

// Package retry classifies fatal media failures, applies exponential
// backoff and reloads the stream at the last known position.
package retry

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/telecast-tv/telecast/internal/log"
	"github.com/telecast-tv/telecast/internal/media"
	"github.com/telecast-tv/telecast/internal/metrics"
	"github.com/telecast-tv/telecast/internal/playback"
	"github.com/telecast-tv/telecast/internal/sched"
)

// maxAttempts is the hard retry ceiling. Caller-supplied configuration can
// lower it but never raise it.
const maxAttempts = 3

const (
	taskRetry       = "retry.delay"
	taskReloadGuard = "retry.reload-guard"
)

// Config tunes the coordinator.
type Config struct {
	// BaseDelay seeds the exponential backoff (delay = base × 2^attempt).
	BaseDelay time.Duration
	// MaxAttempts is clamped to the hard ceiling of 3.
	MaxAttempts int
	// ReloadTimeout guards the wait for metadata-ready/error after a
	// reload. A silent host re-enters the retry path as a network error.
	ReloadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > maxAttempts {
		c.MaxAttempts = maxAttempts
	}
	if c.ReloadTimeout <= 0 {
		c.ReloadTimeout = 10 * time.Second
	}
	return c
}

// Coordinator owns the media-error retry loop for the currently bound
// stream. All asynchronous work is validated against the load generation
// that was current when it started.
type Coordinator struct {
	mu sync.Mutex

	el    media.Element
	cfg   Config
	tasks *sched.TaskSet
	lg    zerolog.Logger

	gen      uint64
	desc     *playback.StreamDescriptor
	attempts int
	delays   *backoff.ExponentialBackOff
	handled  *media.Failure

	// OnRecovered fires after a reload restored playback.
	OnRecovered func()
	// OnGiveUp fires with the final error when retries are exhausted or
	// the failure is not recoverable.
	OnGiveUp func(*playback.Error)

	cancelWait func()
}

// New builds a Coordinator over the element.
func New(el media.Element, cfg Config) *Coordinator {
	return &Coordinator{
		el:    el,
		cfg:   cfg.withDefaults(),
		tasks: sched.NewTaskSet(),
		lg:    log.WithComponent("retry"),
	}
}

// Bind points the coordinator at a freshly loaded stream, resetting the
// attempt counter and cancelling pending work from the previous generation.
func (c *Coordinator) Bind(gen uint64, desc *playback.StreamDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.gen = gen
	c.desc = desc
	c.attempts = 0
	c.handled = nil
	c.delays = newBackoff(c.cfg.BaseDelay)
}

// HandleFailure classifies a fatal media failure. Recoverable failures
// schedule a delayed reload; the returned error carries the retry metadata
// either way.
func (c *Coordinator) HandleFailure(gen uint64, f *media.Failure) *playback.Error {
	c.mu.Lock()
	if gen != c.gen || c.desc == nil {
		c.mu.Unlock()
		return nil
	}
	// During a reload wait the owner's subscription and the coordinator's
	// own both observe the same error event; the failure payload is shared,
	// so it marks the event as consumed after the first call.
	if f != nil && f == c.handled {
		c.mu.Unlock()
		return nil
	}
	c.handled = f
	pe := Classify(f, c.attempts, c.cfg.MaxAttempts)
	if !pe.Recoverable {
		c.mu.Unlock()
		if c.OnGiveUp != nil {
			c.OnGiveUp(pe)
		}
		return pe
	}

	delay := c.delays.NextBackOff()
	pe.RetryAfter = delay
	c.attempts++
	pe.RetryCount = c.attempts
	c.mu.Unlock()

	metrics.RecordRetryAttempt(string(pe.Kind))
	c.lg.Warn().
		Str(log.FieldErrorKind, string(pe.Kind)).
		Int(log.FieldAttempt, pe.RetryCount).
		Dur("retry_after", delay).
		Msg("recoverable media failure, scheduling reload")

	c.tasks.After(taskRetry, delay, func() {
		c.reload(gen)
	})
	return pe
}

// Reset cancels pending timers and clears the attempt counter.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.attempts = 0
	c.handled = nil
	c.delays = newBackoff(c.cfg.BaseDelay)
}

// Clear cancels pending timers without touching the attempt counter.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// Destroy cancels everything and rejects future scheduling.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.tasks.Close()
}

// Attempts returns the current attempt counter.
func (c *Coordinator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Coordinator) clearLocked() {
	c.tasks.Cancel(taskRetry)
	c.tasks.Cancel(taskReloadGuard)
	if c.cancelWait != nil {
		c.cancelWait()
		c.cancelWait = nil
	}
}

// reload re-applies the bound stream source and resumes at the captured
// position once the host reports metadata.
func (c *Coordinator) reload(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.desc == nil {
		c.mu.Unlock()
		return
	}
	desc := c.desc
	c.mu.Unlock()

	pos := c.el.CurrentTime()
	if pos == 0 && desc.StartOffset > 0 {
		pos = desc.StartOffset
	}

	c.el.ClearSources()
	if desc.Protocol == playback.ProtocolHLS {
		c.el.SetSource(desc.URL)
	} else {
		c.el.SetSourceWithType(desc.URL, desc.MIMEType)
	}

	var once sync.Once
	settle := func(ready bool, f *media.Failure) {
		once.Do(func() {
			c.mu.Lock()
			if c.cancelWait != nil {
				c.cancelWait()
				c.cancelWait = nil
			}
			c.mu.Unlock()
			c.tasks.Cancel(taskReloadGuard)

			if gen != c.currentGen() {
				return
			}
			if ready {
				c.el.Seek(pos)
				if err := c.el.Play(); err != nil {
					c.lg.Warn().Err(err).Msg("resume after reload failed")
				}
				metrics.RecordReload("ok")
				c.lg.Info().Dur("position", pos).Msg("stream reloaded and resumed")
				if c.OnRecovered != nil {
					c.OnRecovered()
				}
				return
			}
			metrics.RecordReload("error")
			c.HandleFailure(gen, f)
		})
	}

	cancel := c.el.Subscribe(func(ev media.Event) {
		switch ev.Signal {
		case media.SignalLoadedMetadata:
			settle(true, nil)
		case media.SignalError:
			settle(false, ev.Failure)
		}
	})

	c.mu.Lock()
	c.cancelWait = cancel
	c.mu.Unlock()

	// A reload that never reports ready or error must not hang forever;
	// it re-enters the retry path as a network-class failure.
	c.tasks.After(taskReloadGuard, c.cfg.ReloadTimeout, func() {
		metrics.RecordReload("timeout")
		settle(false, &media.Failure{
			Code:    media.FailureNetwork,
			Message: fmt.Sprintf("no metadata or error within %s of reload", c.cfg.ReloadTimeout),
		})
	})

	c.el.Load()
}

func (c *Coordinator) currentGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Classify maps a host failure onto the error taxonomy, honoring the
// attempt cap for the recoverable families.
func Classify(f *media.Failure, attempts, maxConfigured int) *playback.Error {
	ceiling := maxConfigured
	if ceiling <= 0 || ceiling > maxAttempts {
		ceiling = maxAttempts
	}
	msg := "media element failure"
	code := media.FailureCode(0)
	if f != nil {
		msg = f.Message
		code = f.Code
	}

	switch code {
	case media.FailureNetwork, media.FailureAborted:
		pe := playback.NewError(playback.KindNetwork, msg)
		pe.Recoverable = attempts < ceiling
		return pe
	case media.FailureDecode:
		pe := playback.NewError(playback.KindDecode, msg)
		pe.Recoverable = false
		return pe
	case media.FailureSrcNotSupported:
		pe := playback.NewError(playback.KindFormatUnsupported, msg)
		pe.Recoverable = false
		return pe
	default:
		pe := playback.NewError(playback.KindUnknown, msg)
		pe.Recoverable = false
		return pe
	}
}

// newBackoff yields base, 2×base, 4×base... with jitter disabled so delays
// stay deterministic.
func newBackoff(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = base * (1 << maxAttempts)
	return b
}
