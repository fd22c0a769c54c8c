// Package infra holds process-level plumbing: the phased shutdown
// coordinator that takes the server down in a deterministic order.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownPhase orders shutdown work. Components registered with
// earlier phases are shut down first.
type ShutdownPhase int

const (
	// PhaseTransport runs first: stop accepting requests and drain
	// in-flight tool calls.
	PhaseTransport ShutdownPhase = iota
	// PhaseProviders closes upstream connections (HTTP keep-alives,
	// token caches).
	PhaseProviders
	// PhaseTelemetry flushes traces and stops the metrics listener.
	PhaseTelemetry
	phaseCount // sentinel for iteration
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseTransport:
		return "transport"
	case PhaseProviders:
		return "providers"
	case PhaseTelemetry:
		return "telemetry"
	default:
		return fmt.Sprintf("phase-%d", p)
	}
}

// ShutdownFunc performs cleanup during shutdown. The context is
// cancelled if the handler exceeds its timeout.
type ShutdownFunc func(ctx context.Context) error

// ShutdownHandler is a registered piece of shutdown work.
type ShutdownHandler struct {
	Name    string
	Phase   ShutdownPhase
	Func    ShutdownFunc
	Timeout time.Duration // 0 = coordinator default
}

// ShutdownResult reports how one handler fared.
type ShutdownResult struct {
	Name     string
	Phase    ShutdownPhase
	Duration time.Duration
	Error    error
}

// ShutdownCoordinator manages graceful shutdown of the server's
// components. Handlers run phase by phase; within a phase they run
// concurrently. Shutdown executes at most once.
type ShutdownCoordinator struct {
	mu             sync.Mutex
	handlers       [phaseCount][]ShutdownHandler
	defaultTimeout time.Duration
	logger         *slog.Logger
	once           sync.Once
	shutdownCh     chan struct{}
	shuttingDown   atomic.Bool
}

// NewShutdownCoordinator creates a coordinator. A non-positive timeout
// falls back to 30 seconds; a nil logger falls back to slog.Default.
func NewShutdownCoordinator(defaultTimeout time.Duration, logger *slog.Logger) *ShutdownCoordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownCoordinator{
		defaultTimeout: defaultTimeout,
		logger:         logger,
		shutdownCh:     make(chan struct{}),
	}
}

// Register adds a shutdown handler. Out-of-range phases land in the
// last phase rather than being dropped.
func (c *ShutdownCoordinator) Register(handler ShutdownHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if handler.Phase < 0 || handler.Phase >= phaseCount {
		handler.Phase = PhaseTelemetry
	}
	c.handlers[handler.Phase] = append(c.handlers[handler.Phase], handler)
}

// RegisterFunc registers a plain function under a phase.
func (c *ShutdownCoordinator) RegisterFunc(name string, phase ShutdownPhase, fn ShutdownFunc) {
	c.Register(ShutdownHandler{Name: name, Phase: phase, Func: fn})
}

// OnSignal triggers Shutdown when one of the signals arrives. The
// returned channel closes once shutdown completes. With no signals
// given, SIGINT and SIGTERM are watched.
func (c *ShutdownCoordinator) OnSignal(signals ...os.Signal) <-chan struct{} {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		c.logger.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), c.defaultTimeout)
		defer cancel()

		c.Shutdown(ctx)
		close(done)
	}()

	return done
}

// Shutdown runs all registered handlers in phase order and returns
// their results. Subsequent calls return nil without re-running.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) []ShutdownResult {
	var results []ShutdownResult

	c.once.Do(func() {
		c.shuttingDown.Store(true)
		close(c.shutdownCh)

		c.logger.Info("starting graceful shutdown")
		start := time.Now()

		for phase := ShutdownPhase(0); phase < phaseCount; phase++ {
			c.mu.Lock()
			handlers := c.handlers[phase]
			c.mu.Unlock()

			if len(handlers) == 0 {
				continue
			}

			c.logger.Debug("executing shutdown phase", "phase", phase.String(), "handlers", len(handlers))
			results = append(results, c.runPhase(ctx, handlers)...)

			if ctx.Err() != nil {
				c.logger.Warn("shutdown context cancelled", "phase", phase.String())
				break
			}
		}

		c.logger.Info("graceful shutdown complete", "duration", time.Since(start))
	})

	return results
}

func (c *ShutdownCoordinator) runPhase(ctx context.Context, handlers []ShutdownHandler) []ShutdownResult {
	results := make([]ShutdownResult, len(handlers))
	var wg sync.WaitGroup

	for i, handler := range handlers {
		wg.Add(1)
		go func(idx int, h ShutdownHandler) {
			defer wg.Done()
			results[idx] = c.runHandler(ctx, h)
		}(i, handler)
	}

	wg.Wait()
	return results
}

func (c *ShutdownCoordinator) runHandler(ctx context.Context, handler ShutdownHandler) ShutdownResult {
	result := ShutdownResult{Name: handler.Name, Phase: handler.Phase}

	timeout := handler.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- handler.Func(handlerCtx)
	}()

	select {
	case err := <-done:
		result.Duration = time.Since(start)
		result.Error = err
		if err != nil {
			c.logger.Warn("shutdown handler error",
				"handler", handler.Name,
				"phase", handler.Phase.String(),
				"error", err,
			)
		} else {
			c.logger.Debug("shutdown handler complete",
				"handler", handler.Name,
				"duration", result.Duration,
			)
		}
	case <-handlerCtx.Done():
		result.Duration = time.Since(start)
		result.Error = handlerCtx.Err()
		c.logger.Warn("shutdown handler timed out",
			"handler", handler.Name,
			"phase", handler.Phase.String(),
			"timeout", timeout,
		)
	}

	return result
}

// IsShuttingDown reports whether shutdown has been initiated.
func (c *ShutdownCoordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Done returns a channel closed when shutdown begins.
func (c *ShutdownCoordinator) Done() <-chan struct{} {
	return c.shutdownCh
}
