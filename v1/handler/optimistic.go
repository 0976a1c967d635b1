package handler

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soren-lund/redimux/v1/signalqueue"
)

// Optimistic implements Handler using only primitive store commands: GET,
// SETNX (via SetNX+TTL), GETSET-style compare-and-replace (via go-redis's
// WATCH/MULTI), DEL and PUBLISH. It is the handler to use against a store
// without server-side scripting support.
//
// Grounded on the claim/rollback shape of the teacher's Redis.TryLock /
// Redis.Release in v1/lock/redis.go, generalized from a single key to an
// ordered list of names with rollback on partial failure.
type Optimistic struct {
	client  redis.Cmdable
	channel string
	queue   *signalqueue.Queue
}

// NewOptimistic returns a Handler backed by client, publishing releases on
// channel and registering waiters on queue.
func NewOptimistic(client redis.Cmdable, channel string, queue *signalqueue.Queue) *Optimistic {
	return &Optimistic{client: client, channel: channel, queue: queue}
}

func (h *Optimistic) CanRefreshExpired() bool { return false }

// TryLock implements spec §4.3. Names are claimed in order; any failure
// rolls back every name this attempt had already claimed.
func (h *Optimistic) TryLock(ctx context.Context, names []string, owner string, lease time.Duration) (bool, error) {
	deadline := time.Now().Add(lease)
	value := encodeLease(owner, deadline)

	var claimed []string
	ok, err := h.tryClaimAll(ctx, names, value, lease, &claimed)
	if err != nil {
		if len(claimed) > 0 {
			h.client.Del(ctx, claimed...)
		}
		return false, err
	}
	if !ok {
		if len(claimed) > 0 {
			h.client.Del(ctx, claimed...)
		}
		return false, nil
	}
	return true, nil
}

func (h *Optimistic) tryClaimAll(ctx context.Context, names []string, value string, lease time.Duration, claimed *[]string) (bool, error) {
	for _, name := range names {
		setOK, err := h.client.SetNX(ctx, name, value, lease).Result()
		if err != nil {
			return false, err
		}
		if setOK {
			*claimed = append(*claimed, name)
			continue
		}

		got, err := h.client.Get(ctx, name).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, err
		}
		if errors.Is(err, redis.Nil) {
			// Key vanished between SETNX and GET; try once more for this name.
			setOK, err = h.client.SetNX(ctx, name, value, lease).Result()
			if err != nil {
				return false, err
			}
			if setOK {
				*claimed = append(*claimed, name)
				continue
			}
			return false, nil
		}

		cur, err := decodeLease(got)
		if err != nil {
			return false, err
		}
		if !cur.expired(time.Now()) {
			return false, nil
		}

		replaced, err := h.casExpired(ctx, name, got, value, lease)
		if err != nil {
			return false, err
		}
		if !replaced {
			return false, nil
		}
		*claimed = append(*claimed, name)
	}
	return true, nil
}

// casExpired atomically replaces name's value with newValue only if it
// still reads back as expectedOld, using WATCH/MULTI as the store's
// optimistic-transaction primitive (spec §4.3).
func (h *Optimistic) casExpired(ctx context.Context, name, expectedOld, newValue string, ttl time.Duration) (bool, error) {
	watcher, ok := h.client.(*redis.Client)
	if !ok {
		return h.casExpiredNoWatch(ctx, name, expectedOld, newValue, ttl)
	}
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, name).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != expectedOld {
			return redis.TxFailedErr
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, name, newValue, ttl)
			return nil
		})
		return err
	}
	err := watcher.Watch(ctx, txf, name)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// casExpiredNoWatch is used when client is not a *redis.Client (e.g. a
// cluster client or a test double) that does not expose Watch. It accepts a
// narrower race window: a plain Get-then-Set rather than a true CAS.
func (h *Optimistic) casExpiredNoWatch(ctx context.Context, name, expectedOld, newValue string, ttl time.Duration) (bool, error) {
	cur, err := h.client.Get(ctx, name).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	if cur != expectedOld {
		return false, nil
	}
	if err := h.client.Set(ctx, name, newValue, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Lock implements spec §4.3's retry loop.
func (h *Optimistic) Lock(ctx context.Context, names []string, owner string, lease time.Duration) (bool, error) {
	for {
		ok, err := h.TryLock(ctx, names, owner, lease)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		leases, err := readLeases(ctx, h.client, names)
		if err != nil {
			return false, err
		}
		now := time.Now()
		if hasDeadlock(leases, owner, now) {
			return false, ErrDeadlock
		}

		w := signalqueue.NewWaiter()
		h.queue.Register(names, w)
		retryHint := earliestDeadlineHint(leases, now)

		_, err = waitForWakeup(ctx, w, retryHint)
		h.queue.Cancel(names, w)
		if err != nil {
			return false, err
		}
	}
}

// Unlock implements spec §4.3: delete each owned name after verifying the
// value still matches, then publish the names actually released.
func (h *Optimistic) Unlock(ctx context.Context, names []string, owner string) ([]string, error) {
	var released []string
	for _, name := range names {
		got, err := h.client.Get(ctx, name).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return released, err
		}
		l, err := decodeLease(got)
		if err != nil || l.owner != owner {
			continue
		}
		ok, err := h.delIfMatches(ctx, name, got)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, name)
		}
	}
	if len(released) > 0 {
		if err := h.client.Publish(ctx, h.channel, EncodeReleased(released)).Err(); err != nil {
			return released, err
		}
	}
	return released, nil
}

func (h *Optimistic) delIfMatches(ctx context.Context, name, expected string) (bool, error) {
	watcher, ok := h.client.(*redis.Client)
	if !ok {
		cur, err := h.client.Get(ctx, name).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if cur != expected {
			return false, nil
		}
		n, err := h.client.Del(ctx, name).Result()
		return n != 0, err
	}
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, name).Result()
		if errors.Is(err, redis.Nil) {
			return redis.TxFailedErr
		}
		if err != nil {
			return err
		}
		if cur != expected {
			return redis.TxFailedErr
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, name)
			return nil
		})
		return err
	}
	err := watcher.Watch(ctx, txf, name)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Refresh implements spec §4.3: all-or-nothing deadline extension, refusing
// if any of names has already expired.
func (h *Optimistic) Refresh(ctx context.Context, names []string, owner string, lease time.Duration) (bool, error) {
	watcher, ok := h.client.(*redis.Client)
	if !ok {
		return h.refreshNoWatch(ctx, names, owner, lease)
	}

	newDeadline := time.Now().Add(lease)
	txf := func(tx *redis.Tx) error {
		vals, err := tx.MGet(ctx, names...).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				return redis.TxFailedErr
			}
			l, err := decodeLease(s)
			if err != nil {
				return redis.TxFailedErr
			}
			if l.owner != owner || l.expired(time.Now()) {
				return redis.TxFailedErr
			}
		}
		newValue := encodeLease(owner, newDeadline)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, name := range names {
				pipe.Set(ctx, name, newValue, lease)
			}
			return nil
		})
		return err
	}
	err := watcher.Watch(ctx, txf, names...)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (h *Optimistic) refreshNoWatch(ctx context.Context, names []string, owner string, lease time.Duration) (bool, error) {
	now := time.Now()
	vals, err := h.client.MGet(ctx, names...).Result()
	if err != nil {
		return false, err
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		l, err := decodeLease(s)
		if err != nil || l.owner != owner || l.expired(now) {
			return false, nil
		}
	}
	newValue := encodeLease(owner, now.Add(lease))
	for _, name := range names {
		if err := h.client.Set(ctx, name, newValue, lease).Err(); err != nil {
			return false, err
		}
	}
	return true, nil
}
