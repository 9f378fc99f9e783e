package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lifeline/internal/domain"
	"lifeline/internal/store"
)

// ErrTaskTimeout is reported when a task loses the race against its timeout.
var ErrTaskTimeout = errors.New("task timed out")

const (
	// historyScanLimit bounds how far back consecutive failures are counted.
	historyScanLimit = 10
	wakeSource       = "heartbeat"
	releaseTimeout   = 5 * time.Second
)

// Skip reasons reported in RunOutcome.
const (
	SkipUnregistered = "unregistered"
	SkipUnscheduled  = "unscheduled"
	SkipLeaseHeld    = "lease_held"
)

// WakeFunc is invoked synchronously when a task asks the agent to wake.
type WakeFunc func(reason string)

// RunOutcome describes one Execute call.
type RunOutcome struct {
	Task     string           `json:"task"`
	Skipped  string           `json:"skipped,omitempty"`
	Result   domain.RunResult `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Message  string           `json:"message,omitempty"`
	Duration time.Duration    `json:"duration"`
	Woke     bool             `json:"woke,omitempty"`
	RetryAt  *time.Time       `json:"retry_at,omitempty"`
}

// Ran reports whether the task body was invoked.
func (o RunOutcome) Ran() bool { return o.Skipped == "" }

type ExecutorConfig struct {
	OwnerID        string
	LeaseTTL       time.Duration
	DefaultTimeout time.Duration
	RetryDelay     time.Duration
}

// Executor runs one task under a lease, races it against its timeout and
// records the outcome.
type Executor struct {
	store    store.Store
	registry *Registry
	env      *TaskEnv
	cfg      ExecutorConfig
	onWake   WakeFunc
	logger   zerolog.Logger
	now      func() time.Time

	// inFlight holds task names running in this process. The store lease is
	// re-entrant for one owner, so it alone cannot keep a force-run from
	// overlapping a tick's run of the same task.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewExecutor(st store.Store, reg *Registry, env *TaskEnv, cfg ExecutorConfig, onWake WakeFunc, logger zerolog.Logger) *Executor {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if env == nil {
		env = &TaskEnv{Store: st, Logger: logger}
	}
	return &Executor{
		store:    st,
		registry: reg,
		env:      env,
		cfg:      cfg,
		onWake:   onWake,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// Execute runs taskName once. Task failures and timeouts are recorded, not
// returned; the error result is reserved for persistence failures. A task
// with no registered implementation or no schedule row is skipped silently,
// as is one whose lease is held by another owner.
func (x *Executor) Execute(ctx context.Context, taskName string, tc *TickContext) (RunOutcome, error) {
	out := RunOutcome{Task: taskName}
	log := x.logger.With().Str("task", taskName).Str("tick_id", tc.TickID).Logger()

	fn, ok := x.registry.Lookup(taskName)
	if !ok {
		log.Debug().Msg("no implementation registered, skipping")
		out.Skipped = SkipUnregistered
		return out, nil
	}

	if !x.claim(taskName) {
		leaseContention.WithLabelValues(taskName).Inc()
		log.Debug().Msg("already running in this process, skipping")
		out.Skipped = SkipLeaseHeld
		return out, nil
	}
	defer x.unclaim(taskName)

	entry, err := x.store.GetScheduleEntry(ctx, taskName)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Msg("no schedule row, skipping")
		out.Skipped = SkipUnscheduled
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("load schedule %s: %w", taskName, err)
	}
	timeout := x.cfg.DefaultTimeout
	if entry.TimeoutMs > 0 {
		timeout = time.Duration(entry.TimeoutMs) * time.Millisecond
	}

	acquired, err := x.store.AcquireLease(ctx, taskName, x.cfg.OwnerID, x.cfg.LeaseTTL)
	if err != nil {
		return out, fmt.Errorf("acquire lease %s: %w", taskName, err)
	}
	if !acquired {
		leaseContention.WithLabelValues(taskName).Inc()
		log.Debug().Msg("lease held by another owner, skipping")
		out.Skipped = SkipLeaseHeld
		return out, nil
	}
	defer x.release(taskName, log)

	started := x.now()
	res, runErr := x.run(ctx, fn, tc, timeout)
	completed := x.now()
	out.Duration = completed.Sub(started)
	taskDuration.WithLabelValues(taskName).Observe(out.Duration.Seconds())

	// Recording must survive cancellation of the caller.
	rctx := context.WithoutCancel(ctx)
	if runErr == nil {
		out.Result = domain.ResultSuccess
		out.Message = res.Message
		taskRuns.WithLabelValues(taskName, string(out.Result)).Inc()
		if err := x.recordSuccess(rctx, taskName, tc, res, started, completed, &out); err != nil {
			return out, err
		}
		log.Info().Dur("duration", out.Duration).Str("message", res.Message).Msg("task succeeded")
		return out, nil
	}

	out.Result = classify(runErr)
	out.Error = runErr.Error()
	taskRuns.WithLabelValues(taskName, string(out.Result)).Inc()
	if err := x.recordFailure(rctx, entry, tc, runErr, out.Result, started, completed, &out); err != nil {
		return out, err
	}
	ev := log.Warn().Err(runErr).Str("result", string(out.Result)).Dur("duration", out.Duration)
	if out.RetryAt != nil {
		ev = ev.Time("retry_at", *out.RetryAt)
	}
	ev.Msg("task failed")
	return out, nil
}

type taskOutput struct {
	res domain.TaskResult
	err error
}

// run races fn against timeout. When the timer wins, the task's context is
// cancelled and its eventual result is dropped.
func (x *Executor) run(ctx context.Context, fn TaskFunc, tc *TickContext, timeout time.Duration) (domain.TaskResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan taskOutput, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- taskOutput{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		res, err := fn(runCtx, tc, x.env)
		done <- taskOutput{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.res, o.err
	case <-timer.C:
		return domain.TaskResult{}, fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)
	case <-ctx.Done():
		return domain.TaskResult{}, fmt.Errorf("task abandoned: %w", ctx.Err())
	}
}

func classify(err error) domain.RunResult {
	if errors.Is(err, ErrTaskTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ResultTimeout
	}
	return domain.ResultFailure
}

func (x *Executor) recordSuccess(ctx context.Context, taskName string, tc *TickContext, res domain.TaskResult, started, completed time.Time, out *RunOutcome) error {
	if err := x.store.InsertHistory(ctx, historyRecord(taskName, tc, domain.ResultSuccess, "", started, completed)); err != nil {
		return fmt.Errorf("record history %s: %w", taskName, err)
	}
	result := domain.ResultSuccess
	cleared := ""
	if err := x.store.UpdateSchedule(ctx, taskName, domain.ScheduleUpdate{
		LastRunAt:      &completed,
		LastResult:     &result,
		LastError:      &cleared,
		ClearNextRunAt: true,
		IncRunCount:    true,
	}); err != nil {
		return fmt.Errorf("update schedule %s: %w", taskName, err)
	}

	if !res.ShouldWake {
		return nil
	}
	reason := res.Message
	if reason == "" {
		reason = fmt.Sprintf("heartbeat task %s requested wake", taskName)
	}
	out.Woke = true
	wakesTotal.WithLabelValues(taskName).Inc()
	if x.onWake != nil {
		x.onWake(reason)
	}
	meta := map[string]string{"task": taskName, "tick_id": tc.TickID}
	if err := x.store.InsertWakeEvent(ctx, wakeSource, reason, meta); err != nil {
		return fmt.Errorf("record wake event %s: %w", taskName, err)
	}
	return nil
}

func (x *Executor) recordFailure(ctx context.Context, entry domain.ScheduleEntry, tc *TickContext, runErr error, result domain.RunResult, started, completed time.Time, out *RunOutcome) error {
	taskName := entry.TaskName
	msg := runErr.Error()
	if err := x.store.InsertHistory(ctx, historyRecord(taskName, tc, result, msg, started, completed)); err != nil {
		return fmt.Errorf("record history %s: %w", taskName, err)
	}

	u := domain.ScheduleUpdate{
		LastRunAt:      &completed,
		LastResult:     &result,
		LastError:      &msg,
		IncRunCount:    true,
		IncFailCount:   true,
		ClearNextRunAt: true,
	}
	if entry.MaxRetries > 0 {
		recent, err := x.store.QueryRecentHistory(ctx, taskName, historyScanLimit)
		if err != nil {
			return fmt.Errorf("query history %s: %w", taskName, err)
		}
		if ShouldRetry(entry.MaxRetries, ConsecutiveFailures(recent)) {
			retryAt := completed.Add(x.cfg.RetryDelay)
			u.NextRunAt = &retryAt
			u.ClearNextRunAt = false
			out.RetryAt = &retryAt
		}
	}
	if err := x.store.UpdateSchedule(ctx, taskName, u); err != nil {
		return fmt.Errorf("update schedule %s: %w", taskName, err)
	}
	return nil
}

func (x *Executor) claim(taskName string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, busy := x.inFlight[taskName]; busy {
		return false
	}
	x.inFlight[taskName] = struct{}{}
	return true
}

func (x *Executor) unclaim(taskName string) {
	x.mu.Lock()
	delete(x.inFlight, taskName)
	x.mu.Unlock()
}

func (x *Executor) release(taskName string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := x.store.ReleaseLease(ctx, taskName, x.cfg.OwnerID); err != nil {
		log.Error().Err(err).Msg("failed to release lease")
	}
}

func historyRecord(taskName string, tc *TickContext, result domain.RunResult, errMsg string, started, completed time.Time) domain.HistoryRecord {
	return domain.HistoryRecord{
		TaskName:       taskName,
		StartedAt:      started,
		CompletedAt:    completed,
		Result:         result,
		DurationMs:     completed.Sub(started).Milliseconds(),
		Error:          errMsg,
		IdempotencyKey: tc.TickID + ":" + taskName,
	}
}

// ConsecutiveFailures counts failed or timed-out runs in history, newest
// first, stopping at the first success.
func ConsecutiveFailures(history []domain.HistoryRecord) int {
	n := 0
	for _, h := range history {
		if h.Result == domain.ResultSuccess {
			break
		}
		n++
	}
	return n
}

// ShouldRetry allows a retry only while the failure count is strictly below
// the ceiling.
func ShouldRetry(maxRetries, consecutiveFailures int) bool {
	return maxRetries > 0 && consecutiveFailures < maxRetries
}
