package redimux

import (
	"context"
	"time"
)

// waitTimer wraps a timer so the caller can select on it alongside a
// context and a wakeup channel without leaking the timer's goroutine. This
// is the Go rendering of spec §2 component 6, "wraps the cooperative
// runtime's timer; used only inside the core" — Go has no cooperative
// scheduler to borrow a timer from, so this wraps time.Timer instead.
type waitTimer struct {
	t *time.Timer
}

// newWaitTimer starts a timer for d. A non-positive d never fires (callers
// are expected to also select on ctx.Done() in that case).
func newWaitTimer(d time.Duration) *waitTimer {
	if d <= 0 {
		return &waitTimer{}
	}
	return &waitTimer{t: time.NewTimer(d)}
}

// C returns the timer's fire channel, or nil if this waitTimer never fires
// (a nil channel blocks forever in a select, which is the behavior wanted).
func (w *waitTimer) C() <-chan time.Time {
	if w.t == nil {
		return nil
	}
	return w.t.C
}

func (w *waitTimer) Stop() {
	if w.t != nil {
		w.t.Stop()
	}
}

// waitOn blocks until w fires, wake closes, or ctx is done, reporting which.
func waitOn(ctx context.Context, w *waitTimer, wake <-chan struct{}) (woken, timedOut bool, err error) {
	defer w.Stop()
	select {
	case <-wake:
		return true, false, nil
	case <-w.C():
		return false, true, nil
	case <-ctx.Done():
		return false, false, ctx.Err()
	}
}
