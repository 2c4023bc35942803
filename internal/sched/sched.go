// SPDX-License-Identifier: MIT

// Package sched provides the small scheduling primitives the engine builds
// on: an injectable clock and an owner-keyed set of cancellable timers.
package sched

import (
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TaskSet tracks one-shot timers and repeating polls by key. Scheduling a
// task under an existing key replaces the previous one; Close cancels
// everything. A task never fires after it has been cancelled or replaced.
type TaskSet struct {
	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

type task struct {
	timer  *time.Timer
	ticker *time.Ticker
	stop   chan struct{}
}

// NewTaskSet returns an empty task set.
func NewTaskSet() *TaskSet {
	return &TaskSet{tasks: make(map[string]*task)}
}

// After schedules fn to run once after d. The key identifies the task for
// cancellation.
func (s *TaskSet) After(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelLocked(key)

	tk := &task{}
	tk.timer = time.AfterFunc(d, func() {
		if !s.claim(key, tk) {
			return
		}
		fn()
	})
	s.tasks[key] = tk
}

// Every runs fn on a fixed interval until fn returns false or the task is
// cancelled. The first call happens after one interval, not immediately.
func (s *TaskSet) Every(key string, interval time.Duration, fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelLocked(key)

	tk := &task{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
	}
	s.tasks[key] = tk

	go func() {
		defer tk.ticker.Stop()
		for {
			select {
			case <-tk.stop:
				return
			case <-tk.ticker.C:
				if !fn() {
					s.claim(key, tk)
					return
				}
			}
		}
	}()
}

// Cancel stops the task registered under key, if any.
func (s *TaskSet) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
}

// CancelAll stops every pending task but keeps the set usable.
func (s *TaskSet) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.tasks {
		s.cancelLocked(key)
	}
}

// Close cancels every pending task and rejects future scheduling.
func (s *TaskSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.tasks {
		s.cancelLocked(key)
	}
	s.closed = true
}

// Pending reports whether a task is registered under key.
func (s *TaskSet) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// claim removes the task under key if it is still tk, returning whether the
// caller owns the firing. A replaced or cancelled task must not run.
func (s *TaskSet) claim(key string, tk *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[key]
	if !ok || cur != tk {
		return false
	}
	delete(s.tasks, key)
	return true
}

func (s *TaskSet) cancelLocked(key string) {
	tk, ok := s.tasks[key]
	if !ok {
		return
	}
	delete(s.tasks, key)
	if tk.timer != nil {
		tk.timer.Stop()
	}
	if tk.stop != nil {
		close(tk.stop)
	}
}
