package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lifeline/internal/domain"
	"lifeline/internal/store"
	"lifeline/internal/survival"
)

func TestTickRunsDueTasksInOrder(t *testing.T) {
	h := newHarness(t, 5000)
	var order []string
	record := func(name string) TaskFunc {
		return func(context.Context, *TickContext, *TaskEnv) (domain.TaskResult, error) {
			order = append(order, name)
			return domain.TaskResult{}, nil
		}
	}
	for _, name := range []string{"a_first", "b_second", "c_third"} {
		h.seed(intervalSeed(name, time.Minute))
		h.register(name, record(name))
	}

	sum := h.sched.Tick(context.Background())
	if sum.Err != nil || sum.Skipped {
		t.Fatalf("tick: %+v", sum)
	}
	if len(order) != 3 || order[0] != "a_first" || order[2] != "c_third" {
		t.Fatalf("execution order = %v", order)
	}

	order = nil
	h.clock.Advance(30 * time.Second)
	h.sched.Tick(context.Background())
	if len(order) != 0 {
		t.Fatalf("tasks re-ran before their interval: %v", order)
	}
	h.clock.Advance(31 * time.Second)
	h.sched.Tick(context.Background())
	if len(order) != 3 {
		t.Fatalf("tasks not re-run after interval: %v", order)
	}
}

func TestTickGatesByTier(t *testing.T) {
	h := newHarness(t, 500) // low_compute with 10000/1000/100 thresholds
	seed := intervalSeed("rich_only", time.Minute)
	seed.TierMinimum = survival.Normal
	h.seed(seed)
	h.seed(intervalSeed("always", time.Minute))
	h.register("rich_only", succeed(""))
	h.register("always", succeed(""))

	sum := h.sched.Tick(context.Background())
	if sum.Tier != survival.LowCompute {
		t.Fatalf("tier = %s", sum.Tier)
	}
	if len(sum.Due) != 1 || sum.Due[0] != "always" {
		t.Fatalf("due at low_compute = %v", sum.Due)
	}

	h.credits.cents = 5000
	h.clock.Advance(2 * time.Minute)
	sum = h.sched.Tick(context.Background())
	if len(sum.Due) != 2 {
		t.Fatalf("due at normal = %v", sum.Due)
	}
}

func TestTickOverlapGuard(t *testing.T) {
	h := newHarness(t, 5000)
	h.seed(intervalSeed("slow", time.Minute))

	entered := make(chan struct{})
	release := make(chan struct{})
	var runs int
	var mu sync.Mutex
	h.register("slow", func(context.Context, *TickContext, *TaskEnv) (domain.TaskResult, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		close(entered)
		<-release
		return domain.TaskResult{}, nil
	})

	done := make(chan TickSummary)
	go func() { done <- h.sched.Tick(context.Background()) }()
	<-entered

	second := h.sched.Tick(context.Background())
	if !second.Skipped {
		t.Fatal("overlapping tick was not skipped")
	}
	if got := h.credits.calls.Load(); got != 1 {
		t.Fatalf("balance fetched %d times, want 1", got)
	}

	close(release)
	first := <-done
	if first.Skipped || first.Err != nil {
		t.Fatalf("first tick: %+v", first)
	}
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("task ran %d times, want 1", runs)
	}
}

func TestForceRunDuringTickDoesNotOverlap(t *testing.T) {
	h := newHarness(t, 5000)
	h.seed(intervalSeed("slow", time.Minute))

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var active, maxActive atomic.Int32
	h.register("slow", func(context.Context, *TickContext, *TaskEnv) (domain.TaskResult, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		entered <- struct{}{}
		<-release
		active.Add(-1)
		return domain.TaskResult{}, nil
	})

	done := make(chan TickSummary)
	go func() { done <- h.sched.Tick(context.Background()) }()
	<-entered

	out, err := h.sched.ForceRun(context.Background(), "slow")
	if err != nil {
		t.Fatalf("force run: %v", err)
	}
	if out.Skipped != SkipLeaseHeld || out.Ran() {
		t.Fatalf("force run during tick: %+v", out)
	}

	close(release)
	if first := <-done; first.Skipped || first.Err != nil {
		t.Fatalf("tick: %+v", first)
	}
	if got := maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent runs of slow = %d, want 1", got)
	}

	out, err = h.sched.ForceRun(context.Background(), "slow")
	if err != nil || !out.Ran() || out.Result != domain.ResultSuccess {
		t.Fatalf("force run after tick: out=%+v err=%v", out, err)
	}
}

func TestTickDegradesOnBalanceFailure(t *testing.T) {
	h := newHarness(t, 5000)
	h.credits.err = errors.New("credits api down")
	h.cfg.Identity.WalletAddress = "0x00000000000000000000000000000000deadbeef"
	h.usdc.err = errors.New("rpc down")
	h.build()

	tc := h.tickContext()
	if tc.CreditBalance != 0 || tc.USDCBalance != 0 {
		t.Fatalf("balances = %d / %v, want zero", tc.CreditBalance, tc.USDCBalance)
	}
	if tc.Tier != survival.Critical {
		t.Fatalf("tier = %s, want critical", tc.Tier)
	}

	h.seed(intervalSeed("survivor", time.Minute))
	h.register("survivor", succeed(""))
	sum := h.sched.Tick(context.Background())
	if sum.Err != nil {
		t.Fatalf("tick failed: %v", sum.Err)
	}
	if len(sum.Outcomes) != 1 || sum.Outcomes[0].Result != domain.ResultSuccess {
		t.Fatalf("outcomes = %+v", sum.Outcomes)
	}
}

func TestTickContextBalancesFetchedOnce(t *testing.T) {
	h := newHarness(t, 20000)
	h.cfg.Identity.WalletAddress = "0x00000000000000000000000000000000deadbeef"
	h.usdc.balance = 3.25
	h.build()

	var seen []*TickContext
	for _, name := range []string{"one", "two"} {
		h.seed(intervalSeed(name, time.Minute))
		h.register(name, func(_ context.Context, tc *TickContext, _ *TaskEnv) (domain.TaskResult, error) {
			seen = append(seen, tc)
			return domain.TaskResult{}, nil
		})
	}
	h.sched.Tick(context.Background())

	if h.credits.calls.Load() != 1 || h.usdc.calls.Load() != 1 {
		t.Fatalf("fetches credits=%d usdc=%d, want 1 each", h.credits.calls.Load(), h.usdc.calls.Load())
	}
	if len(seen) != 2 || seen[0] != seen[1] {
		t.Fatal("tasks in one tick must share the same context")
	}
	if seen[0].Tier != survival.High || seen[0].USDCBalance != 3.25 || seen[0].LowComputeMultiplier != 4 {
		t.Fatalf("context = %+v", seen[0])
	}
}

func TestTickWithoutWalletSkipsUSDC(t *testing.T) {
	h := newHarness(t, 5000)
	h.tickContext()
	if h.usdc.calls.Load() != 0 {
		t.Fatal("usdc fetched without a wallet address")
	}
}

func TestTickIDsAreUnique(t *testing.T) {
	h := newHarness(t, 5000)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := h.tickContext().TickID
		if seen[id] {
			t.Fatalf("duplicate tick id %s", id)
		}
		seen[id] = true
	}
}

func TestTickHousekeeping(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5000)
	h.seed(intervalSeed("stuck", time.Hour))
	if ok, _ := h.store.AcquireLease(ctx, "stuck", "dead-process", time.Minute); !ok {
		t.Fatal("setup lease failed")
	}
	_, _ = h.store.InsertDedupKey(ctx, "approval:1", time.Second)
	h.clock.Advance(2 * time.Minute)

	ran := false
	h.register("stuck", func(context.Context, *TickContext, *TaskEnv) (domain.TaskResult, error) {
		ran = true
		return domain.TaskResult{}, nil
	})
	h.sched.Tick(ctx)

	if !ran {
		t.Fatal("task behind an expired lease did not run")
	}
	if n, _ := h.store.PruneExpiredDedupKeys(ctx); n != 0 {
		t.Fatalf("tick left %d expired dedup keys behind", n)
	}
}

func TestTickRecordsTierChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5000)
	tracker := survival.NewTracker(h.store, survival.KVLimiter{KV: h.store}, zerolog.Nop())
	h.sched.tracker = tracker

	h.sched.Tick(ctx)
	h.credits.cents = 50
	h.sched.Tick(ctx)

	v, ok, _ := h.store.GetKV(ctx, survival.KeyCurrentTier)
	if !ok || v != "critical" {
		t.Fatalf("current tier = %q", v)
	}
	flag, _, _ := h.store.GetKV(ctx, survival.KeyLowCompute)
	if flag != "true" {
		t.Fatalf("low compute flag = %q", flag)
	}
	log, err := tracker.Transitions(ctx)
	if err != nil || len(log) != 1 || log[0].From != survival.Normal || log[0].To != survival.Critical {
		t.Fatalf("transitions = %+v err=%v", log, err)
	}
}

type failingStore struct {
	store.Store
	err error
}

func (f failingStore) GetSchedule(context.Context) ([]domain.ScheduleEntry, error) {
	return nil, f.err
}

type panickingCredits struct{}

func (panickingCredits) CreditsCents(context.Context) (int64, error) { panic("balance client bug") }

func TestTickNeverPropagatesFailures(t *testing.T) {
	h := newHarness(t, 5000)
	sched := New(Options{
		Store:    failingStore{Store: h.store, err: errors.New("disk I/O error")},
		Registry: h.reg,
		Config:   h.cfg,
		Credits:  h.credits,
		OwnerID:  "owner-test",
		Logger:   zerolog.Nop(),
	})
	sum := sched.Tick(context.Background())
	if sum.Err == nil {
		t.Fatal("expected tick error to be reported")
	}
	if again := sched.Tick(context.Background()); again.Skipped {
		t.Fatal("guard not cleared after a failed tick")
	}

	panicky := New(Options{
		Store:    h.store,
		Registry: h.reg,
		Config:   h.cfg,
		Credits:  panickingCredits{},
		OwnerID:  "owner-test",
		Logger:   zerolog.Nop(),
	})
	sum = panicky.Tick(context.Background())
	if sum.Err == nil {
		t.Fatal("panic should surface as a tick error")
	}
	if again := panicky.Tick(context.Background()); again.Skipped {
		t.Fatal("guard not cleared after a panicking tick")
	}
}

func TestForceRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5000)
	seed := intervalSeed("manual", time.Hour)
	seed.TierMinimum = survival.High
	h.seed(seed)
	runs := 0
	h.register("manual", func(context.Context, *TickContext, *TaskEnv) (domain.TaskResult, error) {
		runs++
		return domain.TaskResult{}, nil
	})

	for i := 0; i < 2; i++ {
		out, err := h.sched.ForceRun(ctx, "manual")
		if err != nil || out.Result != domain.ResultSuccess {
			t.Fatalf("force run %d: out=%+v err=%v", i, out, err)
		}
	}
	if runs != 2 {
		t.Fatalf("force run bypasses due-ness: runs=%d", runs)
	}

	if _, err := h.sched.ForceRun(ctx, "nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("a", succeed("")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("a", succeed("")); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if err := reg.Register("", succeed("")); err == nil {
		t.Fatal("empty name accepted")
	}
	_ = reg.Register("0_first", succeed(""))
	if got := reg.Names(); len(got) != 2 || got[0] != "0_first" {
		t.Fatalf("names = %v", got)
	}
}
