package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Runner is what the daemon drives. *Scheduler implements it.
type Runner interface {
	Tick(ctx context.Context) TickSummary
	ForceRun(ctx context.Context, taskName string) (RunOutcome, error)
}

// Daemon ticks a Runner on a self-rescheduling timer. The next tick is only
// armed after the current one returns, so ticks never overlap.
type Daemon struct {
	runner   Runner
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	gen     int
	timer   *time.Timer
	wg      sync.WaitGroup
}

func NewDaemon(r Runner, interval time.Duration, logger zerolog.Logger) *Daemon {
	return &Daemon{
		runner:   r,
		interval: interval,
		logger:   logger.With().Str("component", "daemon").Logger(),
	}
}

// Start runs one tick immediately and keeps ticking every interval until
// Stop. Calling Start on a running daemon does nothing.
func (d *Daemon) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.gen++
	d.logger.Info().Dur("interval", d.interval).Msg("heartbeat daemon started")
	d.wg.Add(1)
	go d.fire(d.gen)
}

// Stop cancels the pending timer. A tick already running is allowed to
// finish; use Wait or Shutdown to block until it has.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}
	d.timer = nil
	d.logger.Info().Msg("heartbeat daemon stopped")
}

func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Wait blocks until no tick is in flight and no timer is pending.
func (d *Daemon) Wait() {
	d.wg.Wait()
}

// Shutdown stops the daemon and waits for an in-flight tick, up to ctx.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.Stop()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceRun runs one task outside the periodic path.
func (d *Daemon) ForceRun(ctx context.Context, taskName string) (RunOutcome, error) {
	return d.runner.ForceRun(ctx, taskName)
}

// fire runs one tick and arms the next. gen ties the chain to one Start so a
// Stop followed by Start cannot leave two chains running.
func (d *Daemon) fire(gen int) {
	defer d.wg.Done()

	d.mu.Lock()
	active := d.running && d.gen == gen
	d.mu.Unlock()
	if !active {
		return
	}

	d.tickOnce()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.gen != gen {
		return
	}
	d.wg.Add(1)
	d.timer = time.AfterFunc(d.interval, func() { d.fire(gen) })
}

func (d *Daemon) tickOnce() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("tick panicked")
		}
	}()
	sum := d.runner.Tick(context.Background())
	if sum.Skipped {
		d.logger.Debug().Msg("tick skipped, previous tick still running")
	}
}
