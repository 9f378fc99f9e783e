package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lifeline/internal/domain"
	"lifeline/internal/survival"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

func testStore(t *testing.T) (*SQLiteStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st, err := OpenSQLite(":memory:", WithNow(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, clock
}

func sampleSeed(name string) domain.ScheduleSeed {
	return domain.ScheduleSeed{
		TaskName:    name,
		IntervalMs:  60000,
		Enabled:     true,
		Priority:    3,
		TimeoutMs:   5000,
		MaxRetries:  2,
		TierMinimum: survival.LowCompute,
	}
}

func TestUpsertScheduleSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, _ := testStore(t)

	seed := sampleSeed("check_credits")
	if err := st.UpsertScheduleSeed(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	failure := domain.ResultFailure
	msg := "boom"
	if err := st.UpdateSchedule(ctx, "check_credits", domain.ScheduleUpdate{
		LastRunAt: &now, LastResult: &failure, LastError: &msg, IncRunCount: true, IncFailCount: true,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok, err := st.AcquireLease(ctx, "check_credits", "owner-a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	seed.TimeoutMs = 9000
	if err := st.UpsertScheduleSeed(ctx, seed); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	e, err := st.GetScheduleEntry(ctx, "check_credits")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.RunCount != 1 || e.FailCount != 1 {
		t.Fatalf("counters reset by reseed: run=%d fail=%d", e.RunCount, e.FailCount)
	}
	if e.LeaseOwner != "owner-a" || e.LeaseExpiresAt == nil {
		t.Fatalf("lease reset by reseed: %+v", e)
	}
	if e.LastRunAt == nil || !e.LastRunAt.Equal(now) {
		t.Fatalf("last run reset by reseed: %v", e.LastRunAt)
	}
	if e.TimeoutMs != 9000 {
		t.Fatalf("static field not refreshed: timeout=%d", e.TimeoutMs)
	}
	if e.TierMinimum != survival.LowCompute || e.IntervalMs != 60000 || e.CronExpr != "" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestGetScheduleEntryNotFound(t *testing.T) {
	st, _ := testStore(t)
	_, err := st.GetScheduleEntry(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateScheduleClearsNextRun(t *testing.T) {
	ctx := context.Background()
	st, _ := testStore(t)
	_ = st.UpsertScheduleSeed(ctx, sampleSeed("t"))

	next := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	if err := st.UpdateSchedule(ctx, "t", domain.ScheduleUpdate{NextRunAt: &next}); err != nil {
		t.Fatalf("set next: %v", err)
	}
	e, _ := st.GetScheduleEntry(ctx, "t")
	if e.NextRunAt == nil || !e.NextRunAt.Equal(next) {
		t.Fatalf("next run = %v", e.NextRunAt)
	}
	empty := ""
	if err := st.UpdateSchedule(ctx, "t", domain.ScheduleUpdate{ClearNextRunAt: true, LastError: &empty}); err != nil {
		t.Fatalf("clear next: %v", err)
	}
	e, _ = st.GetScheduleEntry(ctx, "t")
	if e.NextRunAt != nil || e.LastError != "" {
		t.Fatalf("expected cleared fields, got %+v", e)
	}
	if err := st.UpdateSchedule(ctx, "nope", domain.ScheduleUpdate{IncRunCount: true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown row, got %v", err)
	}
}

func TestAcquireLeaseExclusive(t *testing.T) {
	ctx := context.Background()
	st, _ := testStore(t)
	_ = st.UpsertScheduleSeed(ctx, sampleSeed("t"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.AcquireLease(ctx, "t", fmt.Sprintf("owner-%d", i), time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one lease winner, got %d", wins.Load())
	}
}

func TestAcquireLeaseReentrantAndRelease(t *testing.T) {
	ctx := context.Background()
	st, _ := testStore(t)
	_ = st.UpsertScheduleSeed(ctx, sampleSeed("t"))

	if ok, _ := st.AcquireLease(ctx, "t", "a", time.Minute); !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := st.AcquireLease(ctx, "t", "a", time.Minute); !ok {
		t.Fatal("owner must be able to re-acquire its own lease")
	}
	if ok, _ := st.AcquireLease(ctx, "t", "b", time.Minute); ok {
		t.Fatal("other owner acquired a live lease")
	}
	if err := st.ReleaseLease(ctx, "t", "b"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	e, _ := st.GetScheduleEntry(ctx, "t")
	if e.LeaseOwner != "a" {
		t.Fatal("non-owner release must be a no-op")
	}
	if err := st.ReleaseLease(ctx, "t", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := st.AcquireLease(ctx, "t", "b", time.Minute); !ok {
		t.Fatal("released lease not acquirable")
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	st, clock := testStore(t)
	_ = st.UpsertScheduleSeed(ctx, sampleSeed("t"))
	_ = st.UpsertScheduleSeed(ctx, sampleSeed("u"))

	if ok, _ := st.AcquireLease(ctx, "t", "crashed", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	if ok, _ := st.AcquireLease(ctx, "u", "crashed", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	clock.Advance(61 * time.Second)

	e, _ := st.GetScheduleEntry(ctx, "t")
	if e.LeaseActive(clock.Now()) {
		t.Fatal("expired lease reported active")
	}
	if ok, _ := st.AcquireLease(ctx, "t", "fresh", time.Minute); !ok {
		t.Fatal("expired lease not acquirable by another owner")
	}

	n, err := st.ClearExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared %d leases, want 1", n)
	}
	e, _ = st.GetScheduleEntry(ctx, "u")
	if e.LeaseOwner != "" || e.LeaseExpiresAt != nil {
		t.Fatalf("lease not cleared: %+v", e)
	}
}

func TestHistoryNewestFirstAndPrune(t *testing.T) {
	ctx := context.Background()
	st, _ := testStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	results := []domain.RunResult{domain.ResultFailure, domain.ResultFailure, domain.ResultSuccess}
	for i, r := range results {
		if err := st.InsertHistory(ctx, domain.HistoryRecord{
			TaskName:    "t",
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			CompletedAt: base.Add(time.Duration(i)*time.Hour + time.Second),
			Result:      r,
			DurationMs:  1000,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	recent, err := st.QueryRecentHistory(ctx, "t", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recent) != 3 || recent[0].Result != domain.ResultSuccess {
		t.Fatalf("expected newest first, got %+v", recent)
	}
	if recent[0].ID == "" {
		t.Fatal("history id not assigned")
	}

	n, err := st.PruneHistory(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
}

func TestDedupKeys(t *testing.T) {
	ctx := context.Background()
	st, clock := testStore(t)

	if ok, _ := st.InsertDedupKey(ctx, "k", time.Minute); !ok {
		t.Fatal("first insert rejected")
	}
	if ok, _ := st.InsertDedupKey(ctx, "k", time.Minute); ok {
		t.Fatal("duplicate live key accepted")
	}
	clock.Advance(2 * time.Minute)
	if ok, _ := st.InsertDedupKey(ctx, "k", time.Minute); !ok {
		t.Fatal("expired key not replaceable")
	}
	_, _ = st.InsertDedupKey(ctx, "old", time.Second)
	clock.Advance(5 * time.Second)
	n, err := st.PruneExpiredDedupKeys(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d keys, want 1", n)
	}
}

func TestWakeEventsAndKV(t *testing.T) {
	ctx := context.Background()
	st, _ := testStore(t)

	if err := st.InsertWakeEvent(ctx, "heartbeat", "credits low", map[string]string{"task": "check_credits"}); err != nil {
		t.Fatalf("wake: %v", err)
	}
	events, err := st.ListWakeEvents(ctx, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Reason != "credits low" || events[0].Metadata["task"] != "check_credits" {
		t.Fatalf("unexpected events %+v", events)
	}

	if _, ok, _ := st.GetKV(ctx, "current_tier"); ok {
		t.Fatal("unexpected kv value")
	}
	_ = st.SetKV(ctx, "current_tier", "normal")
	_ = st.SetKV(ctx, "current_tier", "critical")
	v, ok, err := st.GetKV(ctx, "current_tier")
	if err != nil || !ok || v != "critical" {
		t.Fatalf("kv = %q %v %v", v, ok, err)
	}
}
