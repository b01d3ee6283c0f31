// Package fiberrt is the process-entry facade for the fiber runtime: it
// owns the I/O manager, the per-descriptor hook state, and the structured
// logger every other package in this module is threaded with explicit
// handles instead of reaching for through globals.
package fiberrt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loopwire/fiberrt/fdctx"
	"github.com/loopwire/fiberrt/fiber"
	"github.com/loopwire/fiberrt/hook"
	"github.com/loopwire/fiberrt/ioruntime"
)

// Runtime is a fully wired instance of the fiber runtime: an I/O-aware
// M:N scheduler, its descriptor hook state, and the logger both are
// configured with.
type Runtime struct {
	cfg     Config
	manager *ioruntime.Manager
	fds     *fdctx.Table
	hooks   *hook.Env
	logger  *slog.Logger
}

// New constructs a Runtime from [DefaultConfig] overridden by opts.
func New(opts ...Option) (*Runtime, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newFromConfig(cfg)
}

// NewFromFile constructs a Runtime from a TOML configuration file,
// overridden by opts.
func NewFromFile(path string, opts ...Option) (*Runtime, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newFromConfig(cfg)
}

func newFromConfig(cfg Config) (*Runtime, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("fiberrt: workers must be at least 1, got %d", cfg.Workers)
	}

	logger := cfg.newLogger()
	manager, err := ioruntime.New(cfg.Name, cfg.Workers, cfg.UseCaller,
		ioruntime.WithLogger(logger),
		ioruntime.WithIdleTimeout(cfg.IdlePollTimeout),
		ioruntime.WithDefaultStackHint(cfg.DefaultStackHint))
	if err != nil {
		return nil, fmt.Errorf("fiberrt: %w", err)
	}

	fds := fdctx.New()
	return &Runtime{
		cfg:     cfg,
		manager: manager,
		fds:     fds,
		hooks:   hook.NewEnv(manager, fds),
		logger:  logger,
	}, nil
}

// Logger returns the runtime's structured logger.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Hooks returns the syscall interposition environment bound to this
// runtime's I/O manager and descriptor table, for code that needs to call
// into the hook package directly rather than through [Runtime.Spawn].
func (r *Runtime) Hooks() *hook.Env { return r.hooks }

// Manager returns the runtime's I/O manager.
func (r *Runtime) Manager() *ioruntime.Manager { return r.manager }

// Listen marks fd as a passive socket using the configured
// [Config.ListenBacklog], for callers building a listener on top of
// [Runtime.Hooks]' Accept.
func (r *Runtime) Listen(fd int) error {
	return r.hooks.Listen(fd, r.cfg.ListenBacklog)
}

// Spawn schedules entry to run in a new, participating fiber once the
// runtime starts running.
func (r *Runtime) Spawn(entry func(ctx context.Context)) {
	r.manager.ScheduleFunc(entry, -1)
}

// Run starts every worker thread and blocks until [Runtime.Stop] has
// drained the scheduler, or ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("runtime starting",
		slog.Int("workers", r.cfg.Workers),
		slog.Bool("use_caller", r.cfg.UseCaller))
	stop := context.AfterFunc(ctx, r.manager.Stop)
	defer stop()
	err := r.manager.Run(ctx)
	r.logger.Info("runtime stopped")
	return err
}

// Stop signals the runtime to drain and exit. It does not block; let
// [Runtime.Run] return.
func (r *Runtime) Stop() {
	r.manager.Stop()
}

// Close releases the runtime's underlying poller. Call it after Run has
// returned.
func (r *Runtime) Close() error {
	return r.manager.Close()
}

// CurrentFiber returns the fiber executing ctx, so callers inside a
// spawned entry point don't need to import the fiber package directly for
// the common case of naming their own handle.
func CurrentFiber(ctx context.Context) *fiber.Handle {
	return fiber.FromContext(ctx)
}
