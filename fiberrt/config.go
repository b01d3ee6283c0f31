package fiberrt

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/loopwire/fiberrt/sched"
)

// Config holds the settings a [Runtime] is constructed from. The zero
// Config is not valid; use [DefaultConfig] and override individual fields,
// or load one with [LoadConfig].
type Config struct {
	// Name identifies the runtime's scheduler in logs and is used to name
	// its worker threads.
	Name string `toml:"name"`

	// Workers is the number of OS threads in the scheduler's pool,
	// including the caller's own thread if UseCaller is set.
	Workers int `toml:"workers"`

	// UseCaller, if true, folds whatever goroutine calls [Runtime.Run]
	// into the worker pool instead of leaving it idle.
	UseCaller bool `toml:"use_caller"`

	// LogLevel is one of "debug", "info", "warn", or "error".
	LogLevel string `toml:"log_level"`

	// IdlePollTimeout bounds how long an otherwise-idle worker blocks in
	// the poller when no timer is pending before re-checking for
	// shutdown.
	IdlePollTimeout time.Duration `toml:"idle_poll_timeout"`

	// DefaultStackHint is recorded on every fiber spawned to wrap a plain
	// callback task. Go grows goroutine stacks automatically, so this is
	// advisory metadata only, not an allocation size.
	DefaultStackHint int `toml:"default_stack_hint"`

	// ListenBacklog is the backlog size passed to any socket helper built
	// on top of [github.com/loopwire/fiberrt/hook.Env.Accept].
	ListenBacklog int `toml:"listen_backlog"`
}

// DefaultConfig returns a Config sized for the current machine: one
// worker per [sched.DefaultWorkerCount], with the caller folded into the
// pool and informational logging.
func DefaultConfig() Config {
	return Config{
		Name:             "fiberrt",
		Workers:          sched.DefaultWorkerCount(),
		UseCaller:        true,
		LogLevel:         "info",
		IdlePollTimeout:  5 * time.Second,
		DefaultStackHint: 64 * 1024,
		ListenBacklog:    128,
	}
}

// LoadConfig reads a TOML configuration file, applying its values on top
// of [DefaultConfig] so that a file only needs to mention the fields it
// wants to override.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("fiberrt: load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) logLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: c.logLevel(),
	})).With(slog.String("runtime", c.Name))
}

// Option customizes a [Runtime] at construction time, applied after its
// [Config] so a caller can override specific fields without hand-writing
// a whole Config.
type Option func(*Config)

// WithName overrides the runtime's name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithWorkers overrides the worker pool size.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithUseCaller overrides whether the calling goroutine joins the worker
// pool.
func WithUseCaller(v bool) Option {
	return func(c *Config) { c.UseCaller = v }
}

// WithLogLevel overrides the configured log level.
func WithLogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}

// WithIdlePollTimeout overrides how long an idle worker waits in the
// poller when no timer is pending.
func WithIdlePollTimeout(d time.Duration) Option {
	return func(c *Config) { c.IdlePollTimeout = d }
}

// WithDefaultStackHint overrides the stack-size hint recorded on fibers
// spawned to wrap plain callback tasks.
func WithDefaultStackHint(n int) Option {
	return func(c *Config) { c.DefaultStackHint = n }
}

// WithListenBacklog overrides the backlog size passed to socket helpers
// built on [github.com/loopwire/fiberrt/hook.Env.Accept].
func WithListenBacklog(n int) Option {
	return func(c *Config) { c.ListenBacklog = n }
}
