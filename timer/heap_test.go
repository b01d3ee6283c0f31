package timer

import (
	"runtime"
	"testing"
	"time"
	"weak"

	"github.com/google/go-cmp/cmp"
)

func TestExpiredOrdersByDueTimeThenInsertionOrder(t *testing.T) {
	h := New()
	var fired []string

	// Same due time: insertion order must break the tie.
	h.Add(time.Millisecond, false, func() { fired = append(fired, "a") })
	h.Add(time.Millisecond, false, func() { fired = append(fired, "b") })
	h.Add(time.Millisecond*2, false, func() { fired = append(fired, "c") })

	time.Sleep(time.Millisecond * 5)

	for _, cb := range h.Expired() {
		cb()
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, fired); diff != "" {
		t.Fatalf("fired order mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelRemovesPendingTimer(t *testing.T) {
	h := New()
	ran := false
	timer := h.Add(time.Millisecond, false, func() { ran = true })

	if !timer.Cancel() {
		t.Fatal("Cancel reported failure on a pending timer")
	}
	if timer.Cancel() {
		t.Fatal("Cancel reported success on an already-cancelled timer")
	}

	time.Sleep(time.Millisecond * 3)
	for _, cb := range h.Expired() {
		cb()
	}
	if ran {
		t.Fatal("cancelled timer's callback ran")
	}
}

func TestRecurringTimerReschedulesItself(t *testing.T) {
	h := New()
	var n int
	h.Add(time.Millisecond, true, func() { n++ })

	time.Sleep(time.Millisecond * 3)
	for _, cb := range h.Expired() {
		cb()
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	if h.Empty() {
		t.Fatal("recurring timer was not rescheduled")
	}

	time.Sleep(time.Millisecond * 3)
	for _, cb := range h.Expired() {
		cb()
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
}

func TestRefreshExtendsDeadline(t *testing.T) {
	h := New()
	var ran bool
	timer := h.Add(time.Millisecond*2, false, func() { ran = true })

	time.Sleep(time.Millisecond)
	if !timer.Refresh() {
		t.Fatal("Refresh reported failure")
	}

	time.Sleep(time.Millisecond * 2)
	for _, cb := range h.Expired() {
		cb()
	}
	if !ran {
		t.Fatal("refreshed timer never fired")
	}
}

func TestConditionalTimerSkipsExpiredWitness(t *testing.T) {
	h := New()
	ran := false

	// Large enough to stay out of the tiny allocator, which can keep a
	// small object alive alongside its neighbours after GC.
	witness := new([64]byte)
	ptr := weak.Make(witness)
	AddConditional(h, time.Millisecond, false, ptr, func() { ran = true })

	witness = nil
	runtime.GC()

	time.Sleep(time.Millisecond * 3)
	for _, cb := range h.Expired() {
		cb()
	}
	if ran {
		t.Fatal("conditional timer fired after its witness was collected")
	}
}

func TestNextTimeoutEmptyIsNegative(t *testing.T) {
	h := New()
	if h.NextTimeout() >= 0 {
		t.Fatalf("NextTimeout on an empty heap = %v, want negative", h.NextTimeout())
	}
}

func TestOnFrontChangedFiresOnceUntilDrained(t *testing.T) {
	h := New()
	var calls int
	h.OnFrontChanged = func() { calls++ }

	h.Add(time.Hour, false, func() {})
	if calls != 1 {
		t.Fatalf("calls after first insert = %d, want 1", calls)
	}

	// A later timer doesn't become the front, so no further notification.
	h.Add(time.Hour*2, false, func() {})
	if calls != 1 {
		t.Fatalf("calls after later insert = %d, want 1", calls)
	}

	// The manager re-polls, clearing the latch, before waiting again.
	h.NextTimeout()

	// An earlier timer becomes the new front and should notify again.
	h.Add(time.Minute, false, func() {})
	if calls != 2 {
		t.Fatalf("calls after earlier insert = %d, want 2", calls)
	}
}
