package redimux

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/soren-lund/redimux/v1/config"
	"github.com/soren-lund/redimux/v1/ownerid"
)

func newTestContext(t *testing.T) (*config.Context, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	rc, err := config.Setup(context.Background(), config.Options{
		Addr:   mr.Addr(),
		Expire: time.Minute,
	})
	if err != nil {
		mr.Close()
		t.Fatalf("config.Setup: %v", err)
	}
	cleanup := func() {
		rc.StopWatcher(true)
		mr.Close()
	}
	return rc, mr, cleanup
}

// TestS1SameOwnerDeadlock is scenario S1 from spec §8.
func TestS1SameOwnerDeadlock(t *testing.T) {
	rc, _, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	m, err := New(rc, []string{"r"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := ownerid.WithTask(context.Background(), "owner-A")

	ok, err := m.Lock(ctx, nil)
	if err != nil || !ok {
		t.Fatalf("first Lock = %v, %v; want true, nil", ok, err)
	}

	_, err = m.Lock(ctx, nil)
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("second Lock by same owner = %v, want ErrDeadlock", err)
	}

	other, err := New(rc, []string{"r"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ok, err = other.TryLock(ctx)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if ok {
		t.Fatal("a second Mutex with the same owner should also fail TryLock while r is held")
	}

	if err := m.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	ok, err = other.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("TryLock after Unlock = %v, %v; want true, nil", ok, err)
	}
}

// TestS3BlockTimeout is scenario S3 from spec §8.
func TestS3BlockTimeout(t *testing.T) {
	rc, _, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	m, err := New(rc, []string{"r"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ownerCtx := ownerid.WithTask(context.Background(), "owner-A")
	if ok, err := m.Lock(ownerCtx, nil); err != nil || !ok {
		t.Fatalf("Lock: %v, %v", ok, err)
	}

	other, err := New(rc, []string{"r"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	otherCtx := ownerid.WithTask(context.Background(), "owner-B")

	block := 120 * time.Millisecond
	start := time.Now()
	ok, err := other.Lock(otherCtx, &block)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if ok {
		t.Fatal("B's Lock should time out while A still holds r")
	}
	if elapsed < block || elapsed > block+200*time.Millisecond {
		t.Fatalf("elapsed = %v, want ~%v", elapsed, block)
	}

	owned, err := m.Owned(ownerCtx)
	if err != nil || !owned {
		t.Fatalf("A should still own r: %v, %v", owned, err)
	}
}

// TestS4LeaseExpirationDuringWait is scenario S4 from spec §8.
func TestS4LeaseExpirationDuringWait(t *testing.T) {
	rc, mr, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	expire := 150 * time.Millisecond
	m, err := New(rc, []string{"r"}, WithExpire(expire))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ownerCtx := ownerid.WithTask(context.Background(), "owner-A")
	if ok, err := m.Lock(ownerCtx, nil); err != nil || !ok {
		t.Fatalf("Lock: %v, %v", ok, err)
	}

	other, err := New(rc, []string{"r"}, WithExpire(time.Minute))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	otherCtx := ownerid.WithTask(context.Background(), "owner-B")

	block := time.Second
	done := make(chan bool, 1)
	go func() {
		ok, err := other.Lock(otherCtx, &block)
		if err != nil {
			t.Errorf("Lock: %v", err)
		}
		done <- ok
	}()

	mr.FastForward(expire + 50*time.Millisecond)

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("B should acquire r once A's lease expires")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("B never acquired r after A's lease expired")
	}
}

func TestTryLockMultiLockAtomicity(t *testing.T) {
	rc, _, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	a, err := New(rc, []string{"x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctxA := ownerid.WithTask(context.Background(), "owner-A")
	if ok, err := a.TryLock(ctxA); err != nil || !ok {
		t.Fatalf("TryLock x: %v, %v", ok, err)
	}

	multi, err := New(rc, []string{"x", "y"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctxB := ownerid.WithTask(context.Background(), "owner-B")
	ok, err := multi.TryLock(ctxB)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if ok {
		t.Fatal("multi-lock should fail because x is held")
	}

	y, err := New(rc, []string{"y"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ok, err = y.TryLock(ctxB)
	if err != nil || !ok {
		t.Fatalf("y should still be free after the failed multi-lock: %v, %v", ok, err)
	}
}

func TestRefreshExtendsLease(t *testing.T) {
	rc, mr, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	m, err := New(rc, []string{"r"}, WithExpire(100*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := ownerid.WithTask(context.Background(), "owner-A")
	if ok, err := m.Lock(ctx, nil); err != nil || !ok {
		t.Fatalf("Lock: %v, %v", ok, err)
	}

	mr.FastForward(60 * time.Millisecond)
	longer := 500 * time.Millisecond
	ok, err := m.Refresh(ctx, &longer)
	if err != nil || !ok {
		t.Fatalf("Refresh = %v, %v; want true, nil", ok, err)
	}

	mr.FastForward(80 * time.Millisecond)
	owned, err := m.Owned(ctx)
	if err != nil || !owned {
		t.Fatalf("lease should still be live after refresh: %v, %v", owned, err)
	}
}

func TestSynchronizeUnlocksOnError(t *testing.T) {
	rc, _, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	m, err := New(rc, []string{"r"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := ownerid.WithTask(context.Background(), "owner-A")

	boom := errors.New("boom")
	err = m.Synchronize(ctx, nil, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Synchronize = %v, want boom", err)
	}

	locked, err := m.Locked(ctx)
	if err != nil || locked {
		t.Fatalf("r should be unlocked after Synchronize's body errors: %v, %v", locked, err)
	}
}

func TestSynchronizeTimesOutWhenContended(t *testing.T) {
	rc, _, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	m, err := New(rc, []string{"r"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctxA := ownerid.WithTask(context.Background(), "owner-A")
	if ok, err := m.Lock(ctxA, nil); err != nil || !ok {
		t.Fatalf("Lock: %v, %v", ok, err)
	}

	other, err := New(rc, []string{"r"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctxB := ownerid.WithTask(context.Background(), "owner-B")
	block := 100 * time.Millisecond
	ran := false
	err = other.Synchronize(ctxB, &block, func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Synchronize = %v, want ErrTimeout", err)
	}
	if ran {
		t.Fatal("body should not run when acquisition times out")
	}
}

// TestS2CrossTaskWakeup is scenario S2 from spec §8: A locks, B blocks on
// Synchronize, A holds r for a while then unlocks, and B acquires within a
// few ms of that unlock rather than polling for it.
func TestS2CrossTaskWakeup(t *testing.T) {
	rc, _, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	m, err := New(rc, []string{"r"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctxA := ownerid.WithTask(context.Background(), "owner-A")
	if ok, err := m.Lock(ctxA, nil); err != nil || !ok {
		t.Fatalf("Lock: %v, %v", ok, err)
	}

	other, err := New(rc, []string{"r"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctxB := ownerid.WithTask(context.Background(), "owner-B")

	bDone := make(chan time.Time, 1)
	go func() {
		block := 2 * time.Second
		_ = other.Synchronize(ctxB, &block, func(context.Context) error {
			bDone <- time.Now()
			return nil
		})
	}()

	time.Sleep(250 * time.Millisecond)
	unlockAt := time.Now()
	if err := m.Unlock(ctxA); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	select {
	case got := <-bDone:
		if got.Before(unlockAt) {
			t.Fatalf("B ran its body at %v, before A's unlock at %v", got, unlockAt)
		}
		if got.Sub(unlockAt) > 100*time.Millisecond {
			t.Fatalf("B took %v after unlock to run, want a few ms", got.Sub(unlockAt))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("B never ran its Synchronize body")
	}
}

func TestWakeupResumesSleep(t *testing.T) {
	rc, _, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	m, err := New(rc, []string{"r"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := ownerid.WithTask(context.Background(), "owner-A")
	if ok, err := m.Lock(ctx, nil); err != nil || !ok {
		t.Fatalf("Lock: %v, %v", ok, err)
	}

	done := make(chan error, 1)
	go func() {
		long := 10 * time.Second
		done <- m.Sleep(ctx, &long, nil)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		m.mu.Lock()
		_, waiting := m.waiters["owner-A"]
		m.mu.Unlock()
		if waiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Sleep never registered its waiter")
		}
		time.Sleep(time.Millisecond)
	}

	m.Wakeup("owner-A")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sleep: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wakeup did not resume Sleep")
	}
}

func TestAutoGeneratedNameWhenNoneGiven(t *testing.T) {
	rc, _, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	m, err := New(rc, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(m.Names()) != 1 {
		t.Fatalf("Names() = %v, want exactly one auto-generated name", m.Names())
	}
}

func TestNewRejectsDuplicateNames(t *testing.T) {
	rc, _, cleanup := newTestContext(t)
	defer cleanup()

	_, err := New(rc, []string{"a", "a"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("New with duplicate names = %v, want ErrConfiguration", err)
	}
}

func TestNewFailsWithoutSetup(t *testing.T) {
	_, err := New(nil, []string{"a"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("New(nil, ...) = %v, want ErrConfiguration", err)
	}
}

// TestS7ChaosSafety is scenario S7 from spec §8: many goroutines each
// synchronize { setnx K i; sleep a tick; get K == i; del K }; all must
// complete with no interleaving, and mutual exclusion (property 1) holds
// throughout.
func TestS7ChaosSafety(t *testing.T) {
	rc, _, cleanup := newTestContext(t)
	defer cleanup()
	ResetNameSeed()

	const n = 10
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			m, err := New(rc, []string{"chaos"})
			if err != nil {
				t.Errorf("New: %v", err)
				results <- -1
				return
			}
			ctx := ownerid.WithTask(context.Background(), "chaos-worker-"+itoa(i))
			block := 5 * time.Second
			err = m.Synchronize(ctx, &block, func(ctx context.Context) error {
				set, err := rc.Client().SetNX(ctx, "chaos:K", i, 0).Result()
				if err != nil {
					return err
				}
				if !set {
					t.Errorf("chaos: SETNX found chaos:K already set while holding i=%d, mutual exclusion violated", i)
				}
				time.Sleep(2 * time.Millisecond)
				got, err := rc.Client().Get(ctx, "chaos:K").Result()
				if err != nil {
					return err
				}
				if got != itoa(i) {
					t.Errorf("chaos: read back %q while holding i=%d, mutual exclusion violated", got, i)
				}
				return rc.Client().Del(ctx, "chaos:K").Err()
			})
			if err != nil {
				t.Errorf("Synchronize: %v", err)
				results <- -1
				return
			}
			results <- i
		}()
	}

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			if r >= 0 {
				seen[r] = true
			}
		case <-time.After(10 * time.Second):
			t.Fatal("chaos workers did not all finish")
		}
	}
	if len(seen) != n {
		t.Fatalf("saw %d distinct results, want %d", len(seen), n)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}
