// Package watcher implements the single long-lived subscription that
// translates release messages on the mutex channel into local wakeups.
//
// Grounded on the dispatch/reconnect pair in the teacher's
// v1/syncbus/redis.go (RedisBus.dispatchGlobal / RedisBus.reconnect) and the
// notify-channel pattern in v1/lock/memory.go, adapted from a generic event
// bus to the single well-known release channel the mutex protocol defines.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soren-lund/redimux/v1/handler"
	"github.com/soren-lund/redimux/v1/metrics"
	"github.com/soren-lund/redimux/v1/signalqueue"
)

// Backoff schedule from spec §4.5: a short first retry so transient blips
// don't stall waiters, longer subsequent retries to avoid reconnect storms.
const (
	firstBackoff = 100 * time.Millisecond
	laterBackoff = time.Second
)

// DefaultReconnectMax is the default cap on consecutive reconnect failures
// before the Watcher gives up and marks itself stopped. -1 disables the cap
// (spec's :forever).
const DefaultReconnectMax = 10

// Watcher owns one *redis.PubSub subscription to channel and dispatches
// every release message it receives to queue. It is not safe to Start twice
// concurrently, but Watching, Stop and the dispatch loop itself coordinate
// through mu.
type Watcher struct {
	client       *redis.Client
	channel      string
	queue        *signalqueue.Queue
	reconnectMax int
	logger       *slog.Logger

	mu      sync.Mutex
	pid     int
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a Watcher that dispatches release messages from channel onto
// queue using client as its dedicated, never-pooled connection. reconnectMax
// <0 means retry forever; logger may be nil.
func New(client *redis.Client, channel string, queue *signalqueue.Queue, reconnectMax int, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Watcher{
		client:       client,
		channel:      channel,
		queue:        queue,
		reconnectMax: reconnectMax,
		logger:       logger,
		pid:          os.Getpid(),
	}
}

// Watching reports whether the Watcher currently holds a live subscription.
func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start establishes the subscription and begins dispatching in the
// background. It blocks until the initial subscribe succeeds or ctx is
// done, matching "setup's watcher handshake" as one of the suspension
// points spec §5 names.
//
// If Start detects that the calling process id no longer matches the one it
// was created under, it first clears queue of inherited waiters (spec §4.5,
// "Fork handling") before resubscribing; the client itself is already
// process-local since exec/fork duplicates file descriptors but go-redis
// reconnects its TCP socket lazily on first use.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	if pid := os.Getpid(); pid != w.pid {
		w.pid = pid
		w.queue.Clear()
	}
	w.mu.Unlock()

	sub := w.client.Subscribe(ctx, w.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	w.mu.Lock()
	w.running = true
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()
	metrics.WatcherUp.Set(1)

	go w.run(runCtx, sub, done)
	return nil
}

// Stop unsubscribes and stops the dispatch loop. It refuses with
// signalqueue's waiters still queued unless force is set, matching
// stop_watcher(force=false) in spec §6.3: without a live Watcher those
// waiters would never be woken except by their own timeout.
func (w *Watcher) Stop(force bool) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	if !force && w.queue.HasWaiters() {
		w.mu.Unlock()
		return ErrWaitersQueued
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done
	metrics.WatcherUp.Set(0)
	return nil
}

// run owns the subscription for its entire lifetime: dispatch the current
// one until it errors, then reconnect with backoff until reconnectMax is
// exhausted or ctx is cancelled by Stop.
func (w *Watcher) run(ctx context.Context, sub *redis.PubSub, done chan struct{}) {
	defer close(done)

	failures := 0
	backoff := firstBackoff
	current := sub
	for {
		err := w.dispatch(ctx, current)
		if ctx.Err() != nil {
			current.Close()
			return
		}
		if err == nil {
			// dispatch only returns nil when ctx was cancelled, already
			// handled above; kept for an orderly exit if that changes.
			current.Close()
			return
		}
		current.Close()

		metrics.WatcherReconnects.Inc()
		w.logger.Warn("watcher subscription lost, reconnecting", "error", err)
		failures++
		if w.reconnectMax >= 0 && failures > w.reconnectMax {
			w.logger.Error("watcher exceeded reconnect_max, giving up", "reconnect_max", w.reconnectMax)
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			metrics.WatcherUp.Set(0)
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < laterBackoff {
			backoff = laterBackoff
		}

		next, err := w.resubscribe(ctx)
		if err != nil {
			continue
		}
		current = next
		failures = 0
		backoff = firstBackoff
		// Any release that happened while the subscription was down would
		// otherwise be missed; wake every queued waiter so they re-poll
		// (spec §4.5, "On resubscribe, wake every queued waiter").
		w.queue.WakeAll()
	}
}

func (w *Watcher) resubscribe(ctx context.Context) (*redis.PubSub, error) {
	sub := w.client.Subscribe(ctx, w.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// dispatch reads sub's channel until it closes or errors. A nil return
// means the channel closed without an error (a clean Close from Stop); any
// other return is the triggering error, asking run to reconnect. go-redis
// re-dials a dropped PubSub connection by itself and reports the renewed
// subscription on this channel; dispatch then wakes every queued waiter.
func (w *Watcher) dispatch(ctx context.Context, sub *redis.PubSub) error {
	ch := sub.ChannelWithSubscriptions()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errSubscriptionClosed
			}
			switch m := msg.(type) {
			case *redis.Message:
				names := handler.DecodeReleased(m.Payload)
				if len(names) > 0 {
					w.queue.WakeReleased(names)
				}
			case *redis.Subscription:
				if m.Kind == "subscribe" {
					w.queue.WakeAll()
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
