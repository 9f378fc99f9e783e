package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lifeline/internal/config"
	"lifeline/internal/domain"
	"lifeline/internal/store"
	"lifeline/internal/survival"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCredits struct {
	cents int64
	err   error
	calls atomic.Int32
}

func (f *fakeCredits) CreditsCents(context.Context) (int64, error) {
	f.calls.Add(1)
	return f.cents, f.err
}

type fakeUSDC struct {
	balance float64
	err     error
	calls   atomic.Int32
}

func (f *fakeUSDC) USDCBalance(context.Context, string) (float64, error) {
	f.calls.Add(1)
	return f.balance, f.err
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Tiers = survival.Thresholds{High: 10000, Normal: 1000, LowCompute: 100}
	cfg.Schedule = nil
	return &cfg
}

func testStore(t *testing.T, clock *testClock) *store.SQLiteStore {
	t.Helper()
	st, err := store.OpenSQLite(":memory:", store.WithNow(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type harness struct {
	t       *testing.T
	clock   *testClock
	store   *store.SQLiteStore
	reg     *Registry
	cfg     *config.Config
	credits *fakeCredits
	usdc    *fakeUSDC
	sched   *Scheduler
	wakes   []string
}

func newHarness(t *testing.T, cents int64) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   newTestClock(),
		reg:     NewRegistry(),
		cfg:     testConfig(),
		credits: &fakeCredits{cents: cents},
		usdc:    &fakeUSDC{},
	}
	h.store = testStore(t, h.clock)
	h.build()
	return h
}

// build (re)creates the scheduler, picking up changes to cfg.
func (h *harness) build() {
	h.sched = New(Options{
		Store:    h.store,
		Registry: h.reg,
		Config:   h.cfg,
		Credits:  h.credits,
		USDC:     h.usdc,
		OnWake:   func(reason string) { h.wakes = append(h.wakes, reason) },
		OwnerID:  "owner-test",
		Logger:   zerolog.Nop(),
	})
	h.sched.builder.now = h.clock.Now
	h.sched.executor.now = h.clock.Now
}

func (h *harness) seed(s domain.ScheduleSeed) {
	h.t.Helper()
	if err := h.store.UpsertScheduleSeed(context.Background(), s); err != nil {
		h.t.Fatalf("seed %s: %v", s.TaskName, err)
	}
}

func (h *harness) register(name string, fn TaskFunc) {
	h.t.Helper()
	if err := h.reg.Register(name, fn); err != nil {
		h.t.Fatalf("register %s: %v", name, err)
	}
}

func (h *harness) entry(name string) domain.ScheduleEntry {
	h.t.Helper()
	e, err := h.store.GetScheduleEntry(context.Background(), name)
	if err != nil {
		h.t.Fatalf("get %s: %v", name, err)
	}
	return e
}

func (h *harness) history(name string) []domain.HistoryRecord {
	h.t.Helper()
	recs, err := h.store.QueryRecentHistory(context.Background(), name, 50)
	if err != nil {
		h.t.Fatalf("history %s: %v", name, err)
	}
	return recs
}

func (h *harness) tickContext() *TickContext {
	return h.sched.builder.Build(context.Background())
}

func intervalSeed(name string, every time.Duration) domain.ScheduleSeed {
	return domain.ScheduleSeed{
		TaskName:    name,
		IntervalMs:  every.Milliseconds(),
		Enabled:     true,
		TimeoutMs:   1000,
		TierMinimum: survival.Dead,
	}
}

func succeed(msg string) TaskFunc {
	return func(context.Context, *TickContext, *TaskEnv) (domain.TaskResult, error) {
		return domain.TaskResult{Message: msg}, nil
	}
}
