package fiberrt

import (
	"context"
	"testing"
	"time"
)

func TestRunSpawnedFiberAndStop(t *testing.T) {
	rt, err := New(WithWorkers(2), WithUseCaller(false), WithLogLevel("error"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	ran := make(chan struct{})
	rt.Spawn(func(ctx context.Context) {
		if CurrentFiber(ctx) == nil {
			t.Error("CurrentFiber returned nil inside a spawned fiber")
		}
		close(ran)
		rt.Stop()
	})

	done := make(chan struct{})
	go func() {
		if err := rt.Run(context.Background()); err != nil {
			t.Errorf("Run: %v", err)
		}
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("spawned fiber never ran")
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run never returned after Stop")
	}
}

func TestDefaultConfigHasAtLeastOneWorker(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Workers < 1 {
		t.Fatalf("Workers = %d, want >= 1", cfg.Workers)
	}
	if cfg.Name == "" {
		t.Fatal("Name is empty")
	}
	if cfg.IdlePollTimeout != 5*time.Second {
		t.Fatalf("IdlePollTimeout = %v, want 5s", cfg.IdlePollTimeout)
	}
	if cfg.DefaultStackHint <= 0 {
		t.Fatalf("DefaultStackHint = %d, want > 0", cfg.DefaultStackHint)
	}
	if cfg.ListenBacklog <= 0 {
		t.Fatalf("ListenBacklog = %d, want > 0", cfg.ListenBacklog)
	}
}

func TestWithIdlePollTimeoutOverridesDefault(t *testing.T) {
	rt, err := New(WithWorkers(1), WithUseCaller(false), WithIdlePollTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()
	if rt.cfg.IdlePollTimeout != 2*time.Second {
		t.Fatalf("IdlePollTimeout = %v, want 2s", rt.cfg.IdlePollTimeout)
	}
}

func TestNewRejectsZeroWorkers(t *testing.T) {
	_, err := New(WithWorkers(0))
	if err == nil {
		t.Fatal("expected an error constructing a runtime with zero workers")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/fiberrt.toml")
	if err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}
