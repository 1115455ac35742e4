package conn

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// defaultFlowBurst is the initial byte allowance a session's output
// stream starts with, before any window-update frame grants more.
const defaultFlowBurst = 64 * 1024

// defaultFlowRate smooths steady-state throughput so a single large
// window-update grant can't be spent in one write; bursts still pass
// through the explicit credit balance below.
const defaultFlowRate = 4 * 1024 * 1024

// flowController gates a session's output frames behind a credit-based
// window: 0x50/0x51 flow-control frames grant additional byte
// allowance explicitly (window-update), rather than refilling at a
// fixed rate, so a plain golang.org/x/time/rate.Limiter — built for
// steady refill — is paired with an explicit credit counter that
// window-update frames top up directly.
type flowController struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	credit  int64
	waiters []chan struct{}
}

func newFlowController() *flowController {
	return &flowController{
		limiter: rate.NewLimiter(rate.Limit(defaultFlowRate), defaultFlowBurst),
		credit:  defaultFlowBurst,
	}
}

// Grant adds additionalBytes to the session's credit balance and wakes
// any writer blocked in Wait.
func (f *flowController) Grant(additionalBytes int64) {
	f.mu.Lock()
	f.credit += additionalBytes
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Wait blocks until n bytes of credit are available (spending them) or
// ctx is cancelled. The steady-state rate limiter is consulted first so
// a large one-time grant still can't be spent faster than defaultFlowRate.
func (f *flowController) Wait(ctx context.Context, n int) error {
	for {
		f.mu.Lock()
		if f.credit >= int64(n) {
			f.credit -= int64(n)
			f.mu.Unlock()
			return f.limiter.WaitN(ctx, n)
		}
		ch := make(chan struct{})
		f.waiters = append(f.waiters, ch)
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
