package shutdown

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is a component released when the run ends.
type Closer interface {
	Close() error
}

// Func is a cleanup step run before the registered closers.
type Func func(ctx context.Context) error

// Coordinator turns termination signals into context cancellation and
// releases registered resources in priority order when the run ends,
// successfully or not.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	closers []entry[Closer]
	hooks   []entry[Func]

	closeOnce   sync.Once
	triggerOnce sync.Once
	triggered   chan struct{}
}

type entry[T any] struct {
	name     string
	value    T
	priority int // lower runs first
}

// New creates a coordinator whose cleanup is bounded by timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:   timeout,
		logger:    logger.With().Str("component", "shutdown").Logger(),
		triggered: make(chan struct{}),
	}
}

// Register adds a component closed during Shutdown.
func (c *Coordinator) Register(name string, closer Closer, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closers = append(c.closers, entry[Closer]{name: name, value: closer, priority: priority})

	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered component for shutdown")
}

// RegisterHook adds a cleanup function run during Shutdown, before closers.
func (c *Coordinator) RegisterHook(name string, hook Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hooks = append(c.hooks, entry[Func]{name: name, value: hook, priority: priority})

	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered shutdown hook")
}

// Watch returns a context cancelled on SIGINT, SIGTERM or TriggerShutdown.
// The returned stop function releases the signal handler.
func (c *Coordinator) Watch(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-quit:
			c.logger.Warn().
				Str("signal", sig.String()).
				Msg("Received signal, stopping after the current block")
			cancel()
		case <-c.triggered:
			cancel()
		case <-done:
		}
	}()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			signal.Stop(quit)
			close(done)
			cancel()
		})
	}
	return ctx, stop
}

// TriggerShutdown cancels every context returned by Watch.
// Safe to call from multiple goroutines.
func (c *Coordinator) TriggerShutdown() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.triggered)
	})
}

// Shutdown runs the hooks and then closes the components, each group in
// priority order. It runs once; later calls return nil.
func (c *Coordinator) Shutdown() error {
	var shutdownErr error

	c.closeOnce.Do(func() {
		c.mu.Lock()
		hooks := slices.Clone(c.hooks)
		closers := slices.Clone(c.closers)
		c.mu.Unlock()

		sortByPriority(hooks)
		sortByPriority(closers)

		c.logger.Debug().
			Dur("timeout", c.timeout).
			Int("components", len(closers)).
			Int("hooks", len(hooks)).
			Msg("Releasing resources")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		record := func(err error) {
			if shutdownErr == nil {
				shutdownErr = err
			}
		}

		for _, h := range hooks {
			if ctx.Err() != nil {
				c.logger.Warn().Str("hook", h.name).Msg("Shutdown timeout reached, skipping remaining hooks")
				record(ctx.Err())
				return
			}
			if err := h.value(ctx); err != nil {
				c.logger.Error().Err(err).Str("hook", h.name).Msg("Shutdown hook failed")
				record(err)
			}
		}

		for _, comp := range closers {
			if ctx.Err() != nil {
				c.logger.Warn().Str("name", comp.name).Msg("Shutdown timeout reached, skipping remaining components")
				record(ctx.Err())
				return
			}
			if err := comp.value.Close(); err != nil {
				c.logger.Error().Err(err).Str("name", comp.name).Msg("Component shutdown failed")
				record(err)
				continue
			}
			c.logger.Debug().Str("name", comp.name).Msg("Component closed")
		}

		c.logger.Debug().Dur("duration", time.Since(start)).Msg("Resources released")
	})

	return shutdownErr
}

func sortByPriority[T any](entries []entry[T]) {
	slices.SortStableFunc(entries, func(a, b entry[T]) int {
		return a.priority - b.priority
	})
}

// Priorities used by the batch command.
const (
	PriorityTempFiles = 10 // remove leftover temp files first
	PriorityStorage   = 80 // publish backends
	PriorityDatabase  = 90 // DuckDB last
)
