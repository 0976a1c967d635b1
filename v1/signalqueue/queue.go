// Package signalqueue implements the process-wide waiter registry described
// by the mutex protocol: a map from full resource name to an ordered list of
// local waiters, with head-of-line wakeup so a release notification resumes
// at most one waiter per name instead of causing a thundering herd.
//
// One Queue is shared by every Mutex instance in a process (Design Notes
// §9). It is grounded on the notify-channel-per-waiter pattern in the
// teacher's v1/lock/memory.go, generalized from a single name to the
// multi-name registration a single Lock call needs.
package signalqueue

import "sync"

// Waiter is a single task's registration to be woken when any name it is
// interested in is released. A Waiter may be registered under more than one
// name (for a multi-lock); it fires at most once no matter how many of its
// names are released, or how many times it appears across those names'
// queues.
type Waiter struct {
	notify chan struct{}

	mu     sync.Mutex
	fired  bool
	closed bool
}

// NewWaiter creates a Waiter ready to be registered with a Queue.
func NewWaiter() *Waiter {
	return &Waiter{notify: make(chan struct{})}
}

// C returns the channel that closes when the waiter is woken.
func (w *Waiter) C() <-chan struct{} {
	return w.notify
}

func (w *Waiter) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.fired = true
	w.closed = true
	close(w.notify)
}

func (w *Waiter) isFired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Queue is a name -> ordered waiter list registry.
type Queue struct {
	mu      sync.Mutex
	entries map[string][]*Waiter
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{entries: make(map[string][]*Waiter)}
}

// Register appends w to the tail of every name's waiter list. Open Question
// 1 (see DESIGN.md) is resolved in favor of registering on every name
// rather than only the first, so a release of any requested name wakes this
// waiter instead of only a release of the first.
func (q *Queue) Register(names []string, w *Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range names {
		q.entries[n] = append(q.entries[n], w)
	}
}

// Cancel removes w from every name's waiter list, used when a blocking call
// times out before being woken. It is a no-op for names where w was already
// popped by a wakeup.
func (q *Queue) Cancel(names []string, w *Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range names {
		list := q.entries[n]
		for i, e := range list {
			if e == w {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(q.entries, n)
		} else {
			q.entries[n] = list
		}
	}
}

// WakeReleased wakes the head-of-line waiter registered on each of the
// released names. Stale entries (waiters already fired via another of their
// names) are discarded lazily rather than eagerly swept on release, so a
// multi-name waiter never receives more than one wakeup per registration.
func (q *Queue) WakeReleased(names []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range names {
		q.popAndFireLocked(n)
	}
}

// WakeAll wakes every currently queued waiter across every name. Used by the
// Watcher after a reconnect/resubscribe to cover releases that may have been
// missed while the subscription was down (spec §4.5).
func (q *Queue) WakeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for n := range q.entries {
		list := q.entries[n]
		q.entries[n] = nil
		delete(q.entries, n)
		for _, w := range list {
			w.fire()
		}
	}
}

// popAndFireLocked must be called with q.mu held.
func (q *Queue) popAndFireLocked(name string) {
	list := q.entries[name]
	for len(list) > 0 {
		head := list[0]
		list = list[1:]
		if head.isFired() {
			continue
		}
		head.fire()
		break
	}
	if len(list) == 0 {
		delete(q.entries, name)
	} else {
		q.entries[name] = list
	}
}

// Len reports how many waiters are currently queued under name, for tests
// and introspection.
func (q *Queue) Len(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[name])
}

// HasWaiters reports whether any name has a waiter queued, used by the
// Watcher to refuse a non-forced Stop while callers are still blocked
// waiting on wakeups it would otherwise deliver.
func (q *Queue) HasWaiters() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range q.entries {
		if len(list) > 0 {
			return true
		}
	}
	return false
}

// Clear drops every queued waiter without firing it, used after a detected
// fork: the child process inherits no local waiters to wake (spec §4.5,
// "Fork handling").
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string][]*Waiter)
}
