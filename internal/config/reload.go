// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/telecast-tv/telecast/internal/log"
)

// Holder holds the configuration with atomic reloading. A failed reload
// keeps the old configuration; either the whole new config is valid and
// applied, or nothing changes.
type Holder struct {
	mu      sync.RWMutex
	current Config
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []func(Config)
}

// NewHolder wraps the initial configuration for hot reloading from path.
func NewHolder(initial Config, path string) *Holder {
	return &Holder{
		current: initial,
		path:    path,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers a callback invoked with the new configuration after
// every successful reload.
func (h *Holder) OnReload(fn func(Config)) {
	h.listenerMu.Lock()
	h.listeners = append(h.listeners, fn)
	h.listenerMu.Unlock()
}

// Reload re-reads the config file, validates the result and swaps it in.
func (h *Holder) Reload(_ context.Context) error {
	newCfg, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldEvent, "config.reload_failed").
			Msg("keeping previous configuration")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	h.current = newCfg
	h.mu.Unlock()

	h.listenerMu.RLock()
	listeners := h.listeners
	h.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(newCfg)
	}

	h.logger.Info().Str(log.FieldEvent, "config.reloaded").Msg("configuration reloaded")
	return nil
}

// Watch starts watching the config file for changes until ctx is done.
// With an empty path this is a no-op (env-only configuration).
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher

	h.logger.Info().Str("path", h.path).Msg("watching config file for changes")
	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	// Editors produce bursts of writes; debounce them into one reload.
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return

		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					_ = h.Reload(ctx)
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}
