package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingRunner struct {
	ticks     atomic.Int32
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	hold      time.Duration
	block     chan struct{}
	started   chan struct{}
	panicOnce sync.Once
	panics    bool
	forced    []string
}

func (r *countingRunner) Tick(context.Context) TickSummary {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		m := r.maxFlight.Load()
		if n <= m || r.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	r.ticks.Add(1)
	if r.panics {
		panicked := false
		r.panicOnce.Do(func() { panicked = true })
		if panicked {
			panic("first tick explodes")
		}
	}
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.block != nil {
		<-r.block
	}
	time.Sleep(r.hold)
	return TickSummary{}
}

func (r *countingRunner) ForceRun(_ context.Context, name string) (RunOutcome, error) {
	r.forced = append(r.forced, name)
	return RunOutcome{Task: name}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonTicksImmediatelyAndRepeatedly(t *testing.T) {
	r := &countingRunner{hold: 3 * time.Millisecond}
	d := NewDaemon(r, 5*time.Millisecond, zerolog.Nop())
	d.Start()
	d.Start() // no second chain

	waitFor(t, "first tick", func() bool { return r.ticks.Load() >= 1 })
	waitFor(t, "repeated ticks", func() bool { return r.ticks.Load() >= 4 })
	d.Stop()
	d.Wait()

	after := r.ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if r.ticks.Load() != after {
		t.Fatal("ticks continued after Stop")
	}
	if r.maxFlight.Load() != 1 {
		t.Fatalf("ticks overlapped: max in flight %d", r.maxFlight.Load())
	}
	if d.Running() {
		t.Fatal("daemon still reports running")
	}
}

func TestDaemonFirstTickDoesNotWaitForInterval(t *testing.T) {
	r := &countingRunner{}
	d := NewDaemon(r, time.Hour, zerolog.Nop())
	d.Start()
	defer d.Stop()
	waitFor(t, "immediate tick", func() bool { return r.ticks.Load() == 1 })
}

func TestDaemonStopLetsInFlightTickFinish(t *testing.T) {
	r := &countingRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	d := NewDaemon(r, time.Millisecond, zerolog.Nop())
	d.Start()
	<-r.started

	shutdown := make(chan error, 1)
	go func() { shutdown <- d.Shutdown(context.Background()) }()

	select {
	case <-shutdown:
		t.Fatal("shutdown returned while a tick was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(r.block)
	select {
	case err := <-shutdown:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return after the tick finished")
	}
	if r.ticks.Load() != 1 {
		t.Fatalf("ticks = %d, want 1", r.ticks.Load())
	}
}

func TestDaemonShutdownHonoursDeadline(t *testing.T) {
	r := &countingRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	defer close(r.block)
	d := NewDaemon(r, time.Millisecond, zerolog.Nop())
	d.Start()
	<-r.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); err == nil {
		t.Fatal("expected deadline error while tick is blocked")
	}
}

func TestDaemonSurvivesPanickingTick(t *testing.T) {
	r := &countingRunner{panics: true}
	d := NewDaemon(r, 2*time.Millisecond, zerolog.Nop())
	d.Start()
	waitFor(t, "ticks after panic", func() bool { return r.ticks.Load() >= 3 })
	d.Stop()
	d.Wait()
}

func TestDaemonForceRunDelegates(t *testing.T) {
	r := &countingRunner{}
	d := NewDaemon(r, time.Hour, zerolog.Nop())
	if _, err := d.ForceRun(context.Background(), "check_credits"); err != nil {
		t.Fatalf("force run: %v", err)
	}
	if len(r.forced) != 1 || r.forced[0] != "check_credits" {
		t.Fatalf("forced = %v", r.forced)
	}
}
