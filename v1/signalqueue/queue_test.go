package signalqueue

import (
	"testing"
	"time"
)

func TestFIFOWithinName(t *testing.T) {
	q := New()
	w1, w2, w3 := NewWaiter(), NewWaiter(), NewWaiter()
	q.Register([]string{"r"}, w1)
	q.Register([]string{"r"}, w2)
	q.Register([]string{"r"}, w3)

	q.WakeReleased([]string{"r"})
	select {
	case <-w1.C():
	default:
		t.Fatal("expected w1 (head) to be woken first")
	}
	select {
	case <-w2.C():
		t.Fatal("w2 should not be woken yet")
	default:
	}

	q.WakeReleased([]string{"r"})
	select {
	case <-w2.C():
	default:
		t.Fatal("expected w2 to be woken second")
	}

	if q.Len("r") != 1 {
		t.Fatalf("expected 1 waiter left, got %d", q.Len("r"))
	}
}

func TestMultiNameWakesOnce(t *testing.T) {
	q := New()
	w := NewWaiter()
	q.Register([]string{"a", "b"}, w)

	q.WakeReleased([]string{"a", "b"})

	select {
	case <-w.C():
	case <-time.After(time.Second):
		t.Fatal("expected waiter to fire")
	}

	if q.Len("a") != 0 || q.Len("b") != 0 {
		t.Fatalf("expected both name queues drained, got a=%d b=%d", q.Len("a"), q.Len("b"))
	}
}

func TestCancelRemovesWaiter(t *testing.T) {
	q := New()
	w := NewWaiter()
	q.Register([]string{"r"}, w)
	q.Cancel([]string{"r"}, w)

	if q.Len("r") != 0 {
		t.Fatalf("expected queue empty after cancel, got %d", q.Len("r"))
	}
	q.WakeReleased([]string{"r"})
	select {
	case <-w.C():
		t.Fatal("cancelled waiter should never fire")
	default:
	}
}

func TestWakeAll(t *testing.T) {
	q := New()
	w1 := NewWaiter()
	w2 := NewWaiter()
	q.Register([]string{"x"}, w1)
	q.Register([]string{"y"}, w2)

	q.WakeAll()

	for _, w := range []*Waiter{w1, w2} {
		select {
		case <-w.C():
		default:
			t.Fatal("expected waiter woken by WakeAll")
		}
	}
	if q.Len("x") != 0 || q.Len("y") != 0 {
		t.Fatal("expected queues cleared after WakeAll")
	}
}
