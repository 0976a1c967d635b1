// Package handler implements the acquire/release/refresh protocol shared by
// redimux's two interchangeable backends: Optimistic (plain GET/SETNX/DEL,
// for stores without server-side scripting) and Scripted (one Lua round
// trip per operation). Both satisfy the same Handler interface so the
// Facade never knows which one it is driving (Design Notes §9, "Handler
// polymorphism: express as an interface ... not as mixin injection").
package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soren-lund/redimux/v1/signalqueue"
)

// defaultRetryHint bounds how long Lock waits for a wakeup when it cannot
// compute one from an observed lease (e.g. the blocking key vanished
// between the failed TryLock and the lease read that follows it).
const defaultRetryHint = 50 * time.Millisecond

// readLeases reads and decodes whichever of names currently hold a
// parseable lease value, for use in deadlock detection and as a retry-wait
// hint. Names with no value, or an undecodable one, are simply omitted.
func readLeases(ctx context.Context, client redis.Cmdable, names []string) (map[string]lease, error) {
	vals, err := client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, err
	}
	leases := make(map[string]lease, len(names))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		l, err := decodeLease(s)
		if err != nil {
			continue
		}
		leases[names[i]] = l
	}
	return leases, nil
}

// earliestDeadlineHint returns the soonest remaining deadline among leases,
// or defaultRetryHint if none could be read.
func earliestDeadlineHint(leases map[string]lease, now time.Time) time.Duration {
	var best time.Duration = -1
	for _, l := range leases {
		remaining := l.deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if best < 0 || remaining < best {
			best = remaining
		}
	}
	if best < 0 {
		return defaultRetryHint
	}
	return best
}

// Handler is the pluggable lock protocol every Mutex delegates to.
type Handler interface {
	// TryLock attempts an atomic all-or-nothing claim on names. It never
	// blocks and never leaves partial state on failure.
	TryLock(ctx context.Context, names []string, owner string, lease time.Duration) (bool, error)
	// Lock blocks until all names are acquired or ctx is done. A deadlock
	// (owner already holds one of names) fails immediately without
	// blocking.
	Lock(ctx context.Context, names []string, owner string, lease time.Duration) (bool, error)
	// Unlock releases every name whose stored value still names owner and
	// publishes the release. It returns the names actually released.
	Unlock(ctx context.Context, names []string, owner string) ([]string, error)
	// Refresh extends the lease deadline on names still owned by owner.
	Refresh(ctx context.Context, names []string, owner string, lease time.Duration) (bool, error)
	// CanRefreshExpired reports whether Refresh can re-claim a lease whose
	// deadline has passed but whose stored owner still matches.
	CanRefreshExpired() bool
}

// ErrDeadlock is returned by TryLock/Lock when owner already holds one of
// the requested names.
var ErrDeadlock = fmt.Errorf("handler: deadlock")

// ErrMalformedLease is returned when a stored lease value cannot be parsed.
var ErrMalformedLease = fmt.Errorf("handler: malformed lease value")

// lease is the owner+deadline pair stored per full name. Both handlers store
// it in the same "<owner>$<deadline>" text: the scripted handler's Lua
// scripts write owner .. '$' .. deadline with the deadline formatted by
// encodeDeadline, so decodeLease parses values written by either handler.
type lease struct {
	owner    string
	deadline time.Time
}

func encodeLease(owner string, deadline time.Time) string {
	return owner + "$" + strconv.FormatFloat(float64(deadline.UnixNano())/1e9, 'f', 6, 64)
}

func decodeLease(raw string) (lease, error) {
	i := strings.LastIndex(raw, "$")
	if i < 0 {
		return lease{}, ErrMalformedLease
	}
	owner := raw[:i]
	secs, err := strconv.ParseFloat(raw[i+1:], 64)
	if err != nil {
		return lease{}, ErrMalformedLease
	}
	ns := int64(secs * 1e9)
	return lease{owner: owner, deadline: time.Unix(0, ns)}, nil
}

func (l lease) expired(now time.Time) bool {
	return !l.deadline.After(now)
}

// EncodeReleased and DecodeReleased implement the self-describing,
// list-of-byte-strings wire framing both handlers must agree on (spec
// §4.2, Design Notes "Signal channel serialization"). NUL cannot appear in
// a Redis key, so joining full names with it is sufficient framing without
// reaching for a language-specific encoder.
const releasedSep = "\x00"

func EncodeReleased(names []string) string {
	return strings.Join(names, releasedSep)
}

func DecodeReleased(payload string) []string {
	if payload == "" {
		return nil
	}
	return strings.Split(payload, releasedSep)
}

// hasDeadlock reports whether owner already appears, with an unexpired
// lease, as the holder of any of names according to leases. It is the
// shared check both handlers run before registering a waiter (spec §4.6).
func hasDeadlock(leases map[string]lease, owner string, now time.Time) bool {
	for _, l := range leases {
		if l.owner == owner && !l.expired(now) {
			return true
		}
	}
	return false
}

// waitForWakeup blocks until w fires, the retry-hint timer elapses (in
// which case the caller should retry regardless, per spec §4.3), or ctx is
// done. It reports which of those happened.
func waitForWakeup(ctx context.Context, w *signalqueue.Waiter, retryHint time.Duration) (woken bool, err error) {
	var timer *time.Timer
	var timerC <-chan time.Time
	if retryHint > 0 {
		timer = time.NewTimer(retryHint)
		timerC = timer.C
		defer timer.Stop()
	}
	select {
	case <-w.C():
		return true, nil
	case <-timerC:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// IsAnyLocked reports whether any of names is currently held by anyone with
// an unexpired lease, implementing the Facade's locked? (spec §4.1).
func IsAnyLocked(ctx context.Context, client redis.Cmdable, names []string) (bool, error) {
	leases, err := readLeases(ctx, client, names)
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, name := range names {
		if l, ok := leases[name]; ok && !l.expired(now) {
			return true, nil
		}
	}
	return false, nil
}

// IsOwnedBy reports whether every one of names is currently held by owner
// with an unexpired lease, implementing the Facade's owned? (spec §4.1).
func IsOwnedBy(ctx context.Context, client redis.Cmdable, names []string, owner string) (bool, error) {
	leases, err := readLeases(ctx, client, names)
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, name := range names {
		l, ok := leases[name]
		if !ok || l.owner != owner || l.expired(now) {
			return false, nil
		}
	}
	return true, nil
}
