package infra

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testCoordinator(timeout time.Duration) *ShutdownCoordinator {
	return NewShutdownCoordinator(timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestShutdownPhaseOrdering(t *testing.T) {
	c := testCoordinator(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownFunc {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered out of phase order on purpose.
	c.RegisterFunc("traces", PhaseTelemetry, record("traces"))
	c.RegisterFunc("server", PhaseTransport, record("server"))
	c.RegisterFunc("reddit", PhaseProviders, record("reddit"))

	c.Shutdown(context.Background())

	want := []string{"server", "reddit", "traces"}
	if len(order) != len(want) {
		t.Fatalf("ran %d handlers, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestShutdownRunsPhaseConcurrently(t *testing.T) {
	c := testCoordinator(time.Second)

	var running atomic.Int32
	var peak atomic.Int32
	slow := func(context.Context) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	c.RegisterFunc("a", PhaseProviders, slow)
	c.RegisterFunc("b", PhaseProviders, slow)
	c.RegisterFunc("c", PhaseProviders, slow)

	start := time.Now()
	c.Shutdown(context.Background())
	elapsed := time.Since(start)

	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want >= 2", peak.Load())
	}
	if elapsed > 140*time.Millisecond {
		t.Errorf("phase took %v, want concurrent execution well under 150ms", elapsed)
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	c := testCoordinator(time.Second)

	var calls atomic.Int32
	c.RegisterFunc("x", PhaseTransport, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	first := c.Shutdown(context.Background())
	second := c.Shutdown(context.Background())

	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
	if len(first) != 1 {
		t.Errorf("first results = %d, want 1", len(first))
	}
	if second != nil {
		t.Errorf("second Shutdown returned %v, want nil", second)
	}
}

func TestShutdownHandlerTimeout(t *testing.T) {
	c := testCoordinator(time.Second)

	c.Register(ShutdownHandler{
		Name:    "stuck",
		Phase:   PhaseProviders,
		Timeout: 30 * time.Millisecond,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(10 * time.Second) // never finishes in time
			return nil
		},
	})

	start := time.Now()
	results := c.Shutdown(context.Background())
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown blocked for %v on a stuck handler", elapsed)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if !errors.Is(results[0].Error, context.DeadlineExceeded) {
		t.Errorf("stuck handler error = %v, want deadline exceeded", results[0].Error)
	}
}

func TestShutdownCollectsHandlerErrors(t *testing.T) {
	c := testCoordinator(time.Second)

	errBoom := errors.New("boom")
	c.RegisterFunc("bad", PhaseTransport, func(context.Context) error { return errBoom })
	c.RegisterFunc("good", PhaseProviders, func(context.Context) error { return nil })

	results := c.Shutdown(context.Background())
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	var sawErr, sawOK bool
	for _, r := range results {
		switch r.Name {
		case "bad":
			sawErr = errors.Is(r.Error, errBoom)
		case "good":
			sawOK = r.Error == nil
		}
	}
	if !sawErr || !sawOK {
		t.Errorf("results = %+v, want bad=boom good=nil", results)
	}
}

func TestRegisterOutOfRangePhase(t *testing.T) {
	c := testCoordinator(time.Second)

	ran := false
	c.Register(ShutdownHandler{
		Name:  "stray",
		Phase: ShutdownPhase(99),
		Func:  func(context.Context) error { ran = true; return nil },
	})

	results := c.Shutdown(context.Background())
	if !ran {
		t.Error("out-of-range handler never ran")
	}
	if len(results) != 1 || results[0].Phase != PhaseTelemetry {
		t.Errorf("results = %+v, want one handler in the telemetry phase", results)
	}
}

func TestDoneAndIsShuttingDown(t *testing.T) {
	c := testCoordinator(time.Second)

	if c.IsShuttingDown() {
		t.Error("IsShuttingDown true before Shutdown")
	}
	select {
	case <-c.Done():
		t.Error("Done closed before Shutdown")
	default:
	}

	c.Shutdown(context.Background())

	if !c.IsShuttingDown() {
		t.Error("IsShuttingDown false after Shutdown")
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after Shutdown")
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase ShutdownPhase
		want  string
	}{
		{PhaseTransport, "transport"},
		{PhaseProviders, "providers"},
		{PhaseTelemetry, "telemetry"},
		{ShutdownPhase(7), "phase-7"},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("ShutdownPhase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}
