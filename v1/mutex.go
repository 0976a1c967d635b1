// Package redimux implements a distributed advisory mutex over a
// Redis-compatible store: exclusive, lease-based, multi-name locking across
// machines, processes, and goroutines ("owners"), with low-latency wakeup
// via pub/sub instead of polling.
//
// Grounded throughout on the teacher's v1/lock package (Redis.TryLock /
// Redis.Acquire / Redis.Release in v1/lock/redis.go), generalized from a
// single key with a random token to a namespaced multi-name list with a
// structured owner identity and mandatory lease expiry.
package redimux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/soren-lund/redimux/v1/config"
	"github.com/soren-lund/redimux/v1/handler"
	"github.com/soren-lund/redimux/v1/metrics"
	"github.com/soren-lund/redimux/v1/ownerid"
	"github.com/soren-lund/redimux/v1/redistrace"
)

// Mutex is the user-facing handle for one multi-name lock. It is immutable
// after construction except for the per-instance waiter set Sleep/Wakeup
// use; every exported method is safe for concurrent use by multiple
// goroutines (SPEC_FULL.md §5 — a deliberate strengthening of the source
// spec's single-threaded Non-goal, since Go has no cooperative scheduler to
// make that non-goal safe by default).
type Mutex struct {
	rc     *config.Context
	names  []string
	full   []string
	ns     string
	expire time.Duration
	block  *time.Duration
	owner  string

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// New constructs a Mutex over one or more resource names. Names may be
// given positionally or via WithName (or both); if none are given at all,
// one is generated per spec §4.7. rc must come from a successful
// config.Setup; passing a nil rc fails with ErrConfiguration, matching the
// source spec's "Fails with configuration error if setup has not run."
func New(rc *config.Context, names []string, opts ...Option) (*Mutex, error) {
	if rc == nil {
		return nil, fmt.Errorf("%w: config.Setup has not been called", ErrConfiguration)
	}

	o := options{names: append([]string(nil), names...)}
	for _, opt := range opts {
		opt(&o)
	}

	if len(o.names) == 0 {
		o.names = []string{nextAutoName()}
	}
	if err := validateNames(o.names); err != nil {
		return nil, err
	}

	ns := rc.DefaultNamespace()
	if o.nsSet {
		ns = o.ns
	}
	expire := o.expire
	if expire == 0 {
		expire = rc.DefaultExpire()
	}
	if expire <= 0 {
		return nil, fmt.Errorf("%w: expire must be > 0, got %s", ErrConfiguration, expire)
	}

	full := make([]string, len(o.names))
	for i, n := range o.names {
		full[i] = fullName(ns, n)
	}

	return &Mutex{
		rc:      rc,
		names:   o.names,
		full:    full,
		ns:      ns,
		expire:  expire,
		block:   o.block,
		owner:   o.owner,
		waiters: make(map[string]chan struct{}),
	}, nil
}

func validateNames(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: names must be non-empty", ErrConfiguration)
	}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			return fmt.Errorf("%w: name must not be empty", ErrConfiguration)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrConfiguration, n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

func fullName(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + ":" + name
}

// Names returns the resource names this Mutex covers, in construction
// order (not namespace-qualified).
func (m *Mutex) Names() []string { return append([]string(nil), m.names...) }

// FullNames returns the namespace-qualified names actually used as store
// keys.
func (m *Mutex) FullNames() []string { return append([]string(nil), m.full...) }

// Namespace returns this Mutex's effective namespace prefix.
func (m *Mutex) Namespace() string { return m.ns }

// ExpireTimeout returns this Mutex's lease duration.
func (m *Mutex) ExpireTimeout() time.Duration { return m.expire }

// BlockTimeout returns this Mutex's default block timeout, or nil if it
// waits forever by default.
func (m *Mutex) BlockTimeout() *time.Duration { return m.block }

// ownerFor composes the full owner identity "<process-uuid>$<pid>$<task>": the
// process UUID and OS pid come from the Context, the task component is
// either this Mutex's WithOwner override or derived per-call from ctx via
// ownerid.Resolve (spec §3).
func (m *Mutex) ownerFor(ctx context.Context) string {
	task := m.owner
	if task == "" {
		task = ownerid.Resolve(ctx)
	}
	return m.rc.ProcessID() + "$" + strconv.Itoa(os.Getpid()) + "$" + task
}

func (m *Mutex) effectiveBlock(override *time.Duration) *time.Duration {
	if override != nil {
		return override
	}
	return m.block
}

// Lock attempts to acquire every name, waiting up to blockTimeout (falling
// back to the Mutex's own WithBlock default, then to waiting forever if
// neither is set). It returns false, nil on timeout and fails with
// ErrDeadlock if the calling owner already holds any of the names.
//
// Cross-process wakeup order is explicitly unspecified (source spec §8,
// Open Question 3): the first process whose retry wins the underlying
// store CAS/script takes the lock, regardless of wait order.
func (m *Mutex) Lock(ctx context.Context, blockTimeout *time.Duration) (bool, error) {
	ctx, span := redistrace.Start(ctx, "redimux.Lock")
	defer span.End()

	lockCtx := ctx
	var cancel context.CancelFunc
	if eff := m.effectiveBlock(blockTimeout); eff != nil {
		lockCtx, cancel = context.WithTimeout(ctx, *eff)
		defer cancel()
	}

	owner := m.ownerFor(ctx)
	start := time.Now()
	ok, err := m.rc.Handler().Lock(lockCtx, m.full, owner, m.expire)
	metrics.ObserveWait(time.Since(start))
	if err != nil {
		if errors.Is(err, handler.ErrDeadlock) {
			metrics.LockAttempts.WithLabelValues("deadlock").Inc()
			return false, fmt.Errorf("%w: owner already holds one of %v", ErrDeadlock, m.full)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			metrics.LockAttempts.WithLabelValues("timeout").Inc()
			return false, nil
		}
		metrics.LockAttempts.WithLabelValues("error").Inc()
		return false, err
	}
	if ok {
		metrics.LockAttempts.WithLabelValues("acquired").Inc()
	} else {
		metrics.LockAttempts.WithLabelValues("timeout").Inc()
	}
	return ok, nil
}

// TryLock attempts a single, non-blocking acquisition of every name.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	ctx, span := redistrace.Start(ctx, "redimux.TryLock")
	defer span.End()

	owner := m.ownerFor(ctx)
	ok, err := m.rc.Handler().TryLock(ctx, m.full, owner, m.expire)
	if err != nil {
		metrics.LockAttempts.WithLabelValues("error").Inc()
		return false, err
	}
	if ok {
		metrics.LockAttempts.WithLabelValues("acquired").Inc()
	}
	return ok, nil
}

// Unlock releases every name this Mutex's owner identity currently holds.
// It is a silent no-op if the owner holds none of them.
func (m *Mutex) Unlock(ctx context.Context) error {
	_, err := m.UnlockReleased(ctx)
	return err
}

// UnlockReleased is Unlock but also reports which full names were actually
// released, for callers that need to know (e.g. tests asserting on
// testable property 3, multi-lock atomicity).
func (m *Mutex) UnlockReleased(ctx context.Context) ([]string, error) {
	ctx, span := redistrace.Start(ctx, "redimux.Unlock")
	defer span.End()

	owner := m.ownerFor(ctx)
	released, err := m.rc.Handler().Unlock(ctx, m.full, owner)
	if err != nil {
		return nil, err
	}
	return released, nil
}

// Locked reports whether any of this Mutex's names is currently held by
// anyone with an unexpired lease.
func (m *Mutex) Locked(ctx context.Context) (bool, error) {
	return handler.IsAnyLocked(ctx, m.rc.Client(), m.full)
}

// Owned reports whether every one of this Mutex's names is currently held
// by this Mutex's own owner identity with an unexpired lease.
func (m *Mutex) Owned(ctx context.Context) (bool, error) {
	return handler.IsOwnedBy(ctx, m.rc.Client(), m.full, m.ownerFor(ctx))
}

// Refresh extends the lease deadline on every name, using newExpire in
// place of this Mutex's own ExpireTimeout if given. It returns false if
// ownership has already been lost; the optimistic handler additionally
// refuses if any lease has already expired, while the scripted handler can
// re-claim an expired-but-still-ours lease (CanRefreshExpired on the
// Context reports which is true).
func (m *Mutex) Refresh(ctx context.Context, newExpire *time.Duration) (bool, error) {
	ctx, span := redistrace.Start(ctx, "redimux.Refresh")
	defer span.End()

	expire := m.expire
	if newExpire != nil {
		expire = *newExpire
	}
	owner := m.ownerFor(ctx)
	ok, err := m.rc.Handler().Refresh(ctx, m.full, owner, expire)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if ok {
		metrics.RefreshTotal.WithLabelValues("extended").Inc()
	} else {
		metrics.RefreshTotal.WithLabelValues("lost").Inc()
	}
	return ok, nil
}

// Synchronize locks, runs fn, and unlocks on every exit path (success,
// fn's own error, or a panic propagating through — the deferred Unlock
// still runs). It fails with ErrTimeout if acquisition does not succeed
// within blockTimeout.
func (m *Mutex) Synchronize(ctx context.Context, blockTimeout *time.Duration, fn func(context.Context) error) error {
	ok, err := m.Lock(ctx, blockTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: could not acquire %v", ErrTimeout, m.full)
	}
	defer func() {
		unlockCtx := context.WithoutCancel(ctx)
		_ = m.Unlock(unlockCtx)
	}()
	return fn(ctx)
}

// Sleep releases the lock, suspends the calling goroutine until timeout
// elapses or another goroutine wakes it via Wakeup, then reacquires before
// running the optional fn. It fails with ErrTimeout if the reacquire phase
// times out; the original lock is not reacquired in that case.
//
// The waiter handle passed to a corresponding Wakeup call is this Mutex's
// WithOwner override if one was set; otherwise it is the task component
// ownerid.Resolve(ctx) resolves to for this call (i.e. whatever WithTask
// attached to ctx, or a fresh one-shot id if none was).
func (m *Mutex) Sleep(ctx context.Context, timeout *time.Duration, fn func(context.Context) error) error {
	task := m.owner
	if task == "" {
		task = ownerid.Resolve(ctx)
	}

	wake := make(chan struct{})
	m.mu.Lock()
	m.waiters[task] = wake
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, task)
		m.mu.Unlock()
	}()

	if err := m.Unlock(ctx); err != nil {
		return err
	}

	var d time.Duration
	if timeout != nil {
		d = *timeout
	}
	_, _, err := waitOn(ctx, newWaitTimer(d), wake)
	if err != nil {
		return err
	}

	ok, err := m.Lock(ctx, m.block)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: could not reacquire %v after sleep", ErrTimeout, m.full)
	}
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Wakeup resumes a goroutine blocked in Sleep under the given task handle,
// removing it from this Mutex's waiter set. It is a no-op if no goroutine
// is currently sleeping under that handle.
func (m *Mutex) Wakeup(task string) {
	m.mu.Lock()
	wake, ok := m.waiters[task]
	if ok {
		delete(m.waiters, task)
	}
	m.mu.Unlock()
	if ok {
		close(wake)
	}
}

// String renders the Mutex for diagnostics as "redimux(ns:name1,ns:name2)".
func (m *Mutex) String() string {
	return fmt.Sprintf("redimux(%s)", strings.Join(m.full, ","))
}
