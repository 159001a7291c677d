package shutdown

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/logging"
)

func newTestCoordinator(mutate func(*Config)) (*Coordinator, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logging.New()
	l.SetOutput(&buf)
	l.SetLevel(logging.LevelDebug)

	cfg := DefaultConfig()
	cfg.Logger = l
	if mutate != nil {
		mutate(&cfg)
	}
	return NewCoordinator(cfg), &buf
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) handler(name string, err error) Func {
	return func(context.Context) error {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestCoordinator_SwarmPhaseOrder(t *testing.T) {
	coord, _ := newTestCoordinator(nil)
	rec := &recorder{}

	// Registered out of order on purpose.
	coord.RegisterWithPhase("telemetry", rec.handler("telemetry", nil), PhaseTelemetry)
	coord.RegisterWithPhase("bus", rec.handler("bus", nil), PhaseBus)
	coord.RegisterWithPhase("engine", rec.handler("engine", nil), PhaseEngine)
	coord.RegisterWithPhase("orchestrator", rec.handler("orchestrator", nil), PhaseOrchestrator)

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	want := []string{"orchestrator", "engine", "bus", "telemetry"}
	got := rec.got()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}

	select {
	case <-coord.Done():
	default:
		t.Error("Done not closed")
	}
	if r := coord.Result(); r == nil || len(r.Results) != 4 || r.Failed() {
		t.Errorf("Result = %+v", r)
	}
}

func TestCoordinator_SamePhaseConcurrent(t *testing.T) {
	coord, _ := newTestCoordinator(nil)

	var running, peak atomic.Int32
	block := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	for _, name := range []string{"a", "b", "c"} {
		coord.RegisterFunc(name, block, PhaseWorkers)
	}

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if peak.Load() != 3 {
		t.Errorf("peak concurrency = %d, want 3", peak.Load())
	}
}

func TestCoordinator_ErrorHandling(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		cont     bool
		wantRuns []string
	}{
		{"continue", true, []string{"engine", "bus"}},
		{"stop", false, []string{"engine"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord, buf := newTestCoordinator(func(c *Config) { c.ContinueOnError = tt.cont })
			rec := &recorder{}
			coord.RegisterWithPhase("engine", rec.handler("engine", boom), PhaseEngine)
			coord.RegisterWithPhase("bus", rec.handler("bus", nil), PhaseBus)

			err := coord.ShutdownWithTimeout(time.Second)
			if !errors.Is(err, ErrHandlerFailed) {
				t.Fatalf("Shutdown error = %v, want ErrHandlerFailed", err)
			}
			if got := rec.got(); strings.Join(got, ",") != strings.Join(tt.wantRuns, ",") {
				t.Errorf("ran %v, want %v", got, tt.wantRuns)
			}
			if failed := coord.Result().FailedHandlers(); len(failed) != 1 || failed[0] != "engine" {
				t.Errorf("FailedHandlers = %v", failed)
			}
			if !strings.Contains(buf.String(), "handler_failed") || !strings.Contains(buf.String(), "boom") {
				t.Errorf("log missing failure:\n%s", buf.String())
			}
		})
	}
}

func TestCoordinator_Timeout(t *testing.T) {
	coord, _ := newTestCoordinator(nil)
	rec := &recorder{}

	coord.RegisterFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, PhaseEngine)
	coord.RegisterWithPhase("bus", rec.handler("bus", nil), PhaseBus)

	err := coord.ShutdownWithTimeout(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Shutdown error = %v, want ErrTimeout", err)
	}
	if got := rec.got(); len(got) != 0 {
		t.Errorf("later phase ran after deadline: %v", got)
	}
}

func TestCoordinator_SecondShutdown(t *testing.T) {
	coord, _ := newTestCoordinator(nil)
	var calls atomic.Int32
	coord.RegisterFunc("once", func(context.Context) error {
		calls.Add(1)
		return nil
	}, PhaseBus)

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("first Shutdown error: %v", err)
	}
	if err := coord.ShutdownWithTimeout(time.Second); err != ErrAlreadyShutdown {
		t.Errorf("second Shutdown = %v, want ErrAlreadyShutdown", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	if coord.Err() != nil {
		t.Errorf("Err() = %v, want nil", coord.Err())
	}
}

func TestCoordinator_Trigger(t *testing.T) {
	coord, buf := newTestCoordinator(func(c *Config) { c.Timeout = time.Second })
	rec := &recorder{}
	coord.RegisterWithPhase("bus", rec.handler("bus", nil), PhaseBus)

	coord.HandleSignals()
	coord.Trigger()

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not triggered")
	}
	if got := rec.got(); len(got) != 1 {
		t.Errorf("ran %v, want [bus]", got)
	}
	if !strings.Contains(buf.String(), "signal_received") {
		t.Errorf("log missing signal line:\n%s", buf.String())
	}
}

type closer struct{ closed bool }

func (c *closer) Close() error { c.closed = true; return nil }

func TestAdapters(t *testing.T) {
	c := &closer{}
	if err := Closer(c).OnShutdown(context.Background()); err != nil || !c.closed {
		t.Errorf("Closer: err=%v closed=%v", err, c.closed)
	}

	stopErr := errors.New("not started")
	if err := Stopper(func() error { return stopErr }).OnShutdown(context.Background()); err != stopErr {
		t.Errorf("Stopper = %v, want %v", err, stopErr)
	}
}

func TestCoordinator_Defaults(t *testing.T) {
	coord := NewCoordinator(Config{})
	if coord.config.Timeout != 30*time.Second || coord.config.DefaultPhase != 100 {
		t.Errorf("config = %+v", coord.config)
	}
	if coord.Result() != nil || coord.Err() != nil {
		t.Error("Result/Err set before shutdown")
	}

	rec := &recorder{}
	coord.Register("late", rec.handler("late", nil))
	coord.RegisterWithPhase("early", rec.handler("early", nil), PhaseBus)
	coord.logger.SetOutput(&bytes.Buffer{})
	coord.ShutdownWithTimeout(time.Second)
	if got := rec.got(); strings.Join(got, ",") != "early,late" {
		t.Errorf("order = %v, want [early late]", got)
	}

	bad := Config{Timeout: -1}
	if err := bad.Validate(); err != ErrInvalidConfig {
		t.Errorf("Validate = %v, want ErrInvalidConfig", err)
	}
}

func TestGroupByPhase(t *testing.T) {
	regs := []registration{{name: "a", phase: 1}, {name: "b", phase: 1}, {name: "c", phase: 2}}
	groups := groupByPhase(regs)
	if len(groups) != 2 || len(groups[0]) != 2 || groups[1][0].name != "c" {
		t.Errorf("groups = %+v", groups)
	}
	if groupByPhase(nil) != nil {
		t.Error("groupByPhase(nil) != nil")
	}
}
