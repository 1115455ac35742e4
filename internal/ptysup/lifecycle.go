package ptysup

import (
	"context"
	"sync"
	"time"

	"github.com/terminox/agent/internal/logger"
)

// TrackedHandle pairs a Handle with the bookkeeping the lifecycle sweeper
// needs: an id for removal and the policy governing its lifetime.
type trackedHandle struct {
	id                 string
	handle             *Handle
	maxSessionDuration time.Duration
	idleTimeout        time.Duration
	idleEventFired     bool
}

// Sweeper periodically visits every tracked Handle: removing terminated
// ones, force-terminating ones that exceeded their max session duration,
// and emitting an idle-timeout event (without forcing termination) once a
// handle's last I/O crosses the configured threshold.
type Sweeper struct {
	mu       sync.Mutex
	tracked  map[string]*trackedHandle
	onRemove func(id string)
	onIdle   func(id string)
}

// NewSweeper creates a Sweeper. onRemove is called (outside the lock) when
// a handle is dropped because it terminated; onIdle is called the first
// time a tracked handle crosses its idle threshold.
func NewSweeper(onRemove func(id string), onIdle func(id string)) *Sweeper {
	return &Sweeper{
		tracked:  make(map[string]*trackedHandle),
		onRemove: onRemove,
		onIdle:   onIdle,
	}
}

// Track registers a handle for periodic visitation.
func (s *Sweeper) Track(id string, h *Handle, maxSessionDuration, idleTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[id] = &trackedHandle{id: id, handle: h, maxSessionDuration: maxSessionDuration, idleTimeout: idleTimeout}
}

// Untrack removes a handle from visitation without affecting its process.
func (s *Sweeper) Untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, id)
}

// Run visits tracked handles every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	s.mu.Lock()
	snapshot := make([]*trackedHandle, 0, len(s.tracked))
	for _, t := range s.tracked {
		snapshot = append(snapshot, t)
	}
	s.mu.Unlock()

	for _, t := range snapshot {
		if t.handle.State() == StateTerminated {
			s.Untrack(t.id)
			if s.onRemove != nil {
				s.onRemove(t.id)
			}
			continue
		}

		if t.maxSessionDuration > 0 && time.Since(t.handle.StartedAt()) > t.maxSessionDuration {
			logger.Log.Info("ptysup: session exceeded max duration, terminating", "id", t.id)
			go t.handle.GracefulTerminate(5000)
			continue
		}

		if t.idleTimeout > 0 && !t.idleEventFired && time.Since(t.handle.LastIO()) > t.idleTimeout {
			t.idleEventFired = true
			if s.onIdle != nil {
				s.onIdle(t.id)
			}
		}
	}
}
