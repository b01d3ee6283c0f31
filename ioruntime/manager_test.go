package ioruntime

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/loopwire/fiberrt/fiber"
)

func TestTimerDrivesShutdown(t *testing.T) {
	m, err := New("test", 1, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	var fired bool
	m.Timers().Add(10*time.Millisecond, false, func() {
		fired = true
		m.Stop()
	})

	done := make(chan struct{})
	go func() {
		_ = m.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("manager never stopped after its only timer fired")
	}
	if !fired {
		t.Fatal("timer callback never ran")
	}
}

func TestScheduleFuncRunsOnManager(t *testing.T) {
	m, err := New("test", 2, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	ran := make(chan struct{})
	m.ScheduleFunc(func(ctx context.Context) {
		close(ran)
		m.Stop()
	}, -1)

	done := make(chan struct{})
	go func() {
		_ = m.Run(context.Background())
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled callback never ran")
	}
	<-done
}

func TestAddEventOnPipeWakesFiber(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("descriptor polling requires the linux epoll backend")
	}

	m, err := New("test", 1, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	rfd := int(r.Fd())
	woken := make(chan struct{})

	m.ScheduleFunc(func(ctx context.Context) {
		if err := m.AddEvent(ctx, rfd, EventRead, nil); err != nil {
			t.Errorf("AddEvent: %v", err)
			m.Stop()
			return
		}
		fiber.Yield(ctx) // resumed once rfd becomes readable
		close(woken)
		m.Stop()
	}, -1)

	m.ScheduleFunc(func(ctx context.Context) {
		_, _ = w.Write([]byte("x"))
	}, -1)

	done := make(chan struct{})
	go func() {
		_ = m.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("manager never stopped")
	}
	select {
	case <-woken:
	default:
		t.Fatal("fiber blocked on AddEvent was never woken")
	}
}

func TestStoppingRequiresPendingEventsDrained(t *testing.T) {
	m, err := New("test", 1, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if !m.Stopping() {
		t.Fatal("fresh manager should report Stopping true")
	}

	m.pending.Add(1)
	if m.Stopping() {
		t.Fatal("manager with a pending event reported Stopping true")
	}
	m.pending.Add(-1)
}

func TestAddEventRejectsDuplicateRegistration(t *testing.T) {
	m, err := New("test", 1, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	noop := func(context.Context) {}

	if err := m.AddEvent(context.Background(), fd, EventRead, noop); err != nil {
		t.Fatalf("first AddEvent: %v", err)
	}

	pendingBefore := m.pending.Load()
	if err := m.AddEvent(context.Background(), fd, EventRead, noop); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("second AddEvent on the same bit = %v, want ErrDuplicateEvent", err)
	}
	if m.pending.Load() != pendingBefore {
		t.Fatalf("pending changed from %d to %d on a rejected duplicate registration", pendingBefore, m.pending.Load())
	}

	if !m.CancelEvent(fd, EventRead) {
		t.Fatal("CancelEvent found nothing registered after a supposedly-rejected duplicate")
	}
}

// TestConcurrentEventsOnSameFDAreRaceFree exercises AddEvent/CancelEvent
// from many goroutines against the same descriptor record concurrently.
// fdContext.mu is what makes this safe; run with -race to confirm it.
func TestConcurrentEventsOnSameFDAreRaceFree(t *testing.T) {
	m, err := New("test", 2, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	const fd = 5
	const n = 200

	var wg sync.WaitGroup
	wg.Add(n * 2)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = m.AddEvent(context.Background(), fd, EventRead, func(context.Context) {})
		}()
		go func() {
			defer wg.Done()
			m.CancelEvent(fd, EventRead)
		}()
	}
	wg.Wait()

	m.CancelAll(fd)
}
