package fiber

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestResumeYieldRoundTrip(t *testing.T) {
	ctx := context.Background()
	boot := NewBootstrap()

	var trace []string
	h := Spawn(ctx, func(ctx context.Context) {
		trace = append(trace, "enter")
		Yield(ctx)
		trace = append(trace, "resumed")
	}, 0, true)

	if h.State() != Ready {
		t.Fatalf("new fiber state = %s, want READY", h.State())
	}

	h.Resume(boot)
	if got := h.State(); got != Ready {
		t.Fatalf("state after first yield = %s, want READY", got)
	}
	if want := []string{"enter"}; !equalStrings(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}

	h.Resume(boot)
	if got := h.State(); got != Term {
		t.Fatalf("state after entry return = %s, want TERM", got)
	}
	if want := []string{"enter", "resumed"}; !equalStrings(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
}

func TestResumeOnNonReadyPanics(t *testing.T) {
	ctx := context.Background()
	boot := NewBootstrap()
	h := Spawn(ctx, func(ctx context.Context) {}, 0, true)

	h.Resume(boot) // runs to completion, now TERM

	defer func() {
		if recover() == nil {
			t.Fatal("Resume on a TERM fiber did not panic")
		}
	}()
	h.Resume(boot)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	boot := NewBootstrap()

	var n int
	h := Spawn(ctx, func(ctx context.Context) { n = 1 }, 0, true)
	h.Resume(boot)
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	if h.State() != Term {
		t.Fatalf("state = %s, want TERM", h.State())
	}

	if err := Reset(h, func(ctx context.Context) { n = 2 }); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.State() != Ready {
		t.Fatalf("state after reset = %s, want READY", h.State())
	}

	h.Resume(boot)
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}

	// h is TERM again; a first Reset makes it READY, and a second must fail.
	if err := Reset(h, func(ctx context.Context) {}); err != nil {
		t.Fatalf("Reset after second run: %v", err)
	}
	if err := Reset(h, func(ctx context.Context) {}); err == nil {
		t.Fatal("Reset on a non-TERM fiber did not error")
	}
}

func TestFromContextPanicsWithoutFiber(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("FromContext on a bare context did not panic")
		}
	}()
	FromContext(context.Background())
}

func TestMutualExclusionAcrossChainedResumes(t *testing.T) {
	ctx := context.Background()
	boot := NewBootstrap()

	var mu sync.Mutex
	running := 0
	maxConcurrent := 0
	observe := func() {
		mu.Lock()
		running++
		if running > maxConcurrent {
			maxConcurrent = running
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
	}

	var b, c *Handle
	a := Spawn(ctx, func(ctx context.Context) {
		observe()
		b.Resume(FromContext(ctx))
		observe()
	}, 0, true)
	b = Spawn(ctx, func(ctx context.Context) {
		observe()
		c.Resume(FromContext(ctx))
		observe()
	}, 0, true)
	c = Spawn(ctx, func(ctx context.Context) {
		observe()
	}, 0, true)

	a.Resume(boot)

	if maxConcurrent != 1 {
		t.Fatalf("observed %d fibers RUNNING concurrently, want 1", maxConcurrent)
	}
	if a.State() != Term {
		t.Fatalf("a.State() = %s, want TERM", a.State())
	}
	if c.State() != Term {
		t.Fatalf("c.State() = %s, want TERM", c.State())
	}
}

func TestSpawnIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	seen := map[ID]bool{}
	for i := 0; i < 100; i++ {
		h := Spawn(ctx, func(ctx context.Context) {}, 0, true)
		if seen[h.ID()] {
			t.Fatalf("duplicate fiber id %d", h.ID())
		}
		seen[h.ID()] = true
	}
}

func TestParticipates(t *testing.T) {
	ctx := context.Background()
	boot := NewBootstrap()

	task := Spawn(ctx, func(ctx context.Context) {
		if !FromContext(ctx).Participates() {
			t.Error("task fiber should participate")
		}
	}, 0, true)
	task.Resume(boot)

	dedicated := Spawn(ctx, func(ctx context.Context) {
		if FromContext(ctx).Participates() {
			t.Error("dedicated fiber should not participate")
		}
	}, 0, false)
	dedicated.Resume(boot)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ExampleSpawn() {
	ctx := context.Background()
	boot := NewBootstrap()

	h := Spawn(ctx, func(ctx context.Context) {
		fmt.Println("hello from fiber")
	}, 0, true)
	h.Resume(boot)
	// Output: hello from fiber
}
