package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lifeline/internal/domain"
	"lifeline/internal/scheduler"
	"lifeline/internal/store"
	"lifeline/internal/survival"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

type Server struct {
	r      *chi.Mux
	store  store.Store
	runner scheduler.Runner
	now    func() time.Time
}

func NewServer(st store.Store, runner scheduler.Runner) http.Handler {
	return NewServerWithDebug(st, runner, false)
}

func NewServerWithDebug(st store.Store, runner scheduler.Runner, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, runner: runner, now: time.Now}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/schedule", s.listSchedule)
	r.Get("/api/schedule/{task}/history", s.taskHistory)
	r.Get("/api/tier", s.tier)
	r.Get("/api/wake-events", s.wakeEvents)
	r.Post("/api/tasks/{task}/run", s.forceRun)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ScheduleView is the JSON shape of one schedule row.
type ScheduleView struct {
	Task           string            `json:"task"`
	Cron           string            `json:"cron,omitempty"`
	IntervalMs     int64             `json:"interval_ms,omitempty"`
	Enabled        bool              `json:"enabled"`
	Priority       int               `json:"priority"`
	TimeoutMs      int64             `json:"timeout_ms"`
	MaxRetries     int               `json:"max_retries"`
	TierMinimum    survival.Tier     `json:"tier_minimum"`
	LastRunAt      *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time        `json:"next_run_at,omitempty"`
	NextDueAt      *time.Time        `json:"next_due_at,omitempty"`
	LastResult     *domain.RunResult `json:"last_result,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	RunCount       int               `json:"run_count"`
	FailCount      int               `json:"fail_count"`
	LeaseOwner     string            `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time        `json:"lease_expires_at,omitempty"`
}

func NewScheduleView(e domain.ScheduleEntry, now time.Time) ScheduleView {
	v := ScheduleView{
		Task:        e.TaskName,
		Cron:        e.CronExpr,
		IntervalMs:  e.IntervalMs,
		Enabled:     e.Enabled,
		Priority:    e.Priority,
		TimeoutMs:   e.TimeoutMs,
		MaxRetries:  e.MaxRetries,
		TierMinimum: e.TierMinimum,
		LastRunAt:   e.LastRunAt,
		NextRunAt:   e.NextRunAt,
		LastResult:  e.LastResult,
		LastError:   e.LastError,
		RunCount:    e.RunCount,
		FailCount:   e.FailCount,
	}
	if e.LeaseActive(now) {
		v.LeaseOwner = e.LeaseOwner
		v.LeaseExpiresAt = e.LeaseExpiresAt
	}
	if next := scheduler.NextDueAt(e, now); !next.IsZero() {
		v.NextDueAt = &next
	}
	return v
}

func (s *Server) listSchedule(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetSchedule(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	now := s.now()
	out := make([]ScheduleView, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewScheduleView(e, now))
	}
	writeJSON(w, 200, out)
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if _, err := s.store.GetScheduleEntry(r.Context(), task); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	records, err := s.store.QueryRecentHistory(r.Context(), task, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if records == nil {
		records = []domain.HistoryRecord{}
	}
	writeJSON(w, 200, records)
}

type tierResp struct {
	Tier        *survival.Tier        `json:"tier"`
	LowCompute  bool                  `json:"low_compute"`
	Transitions []survival.Transition `json:"transitions"`
}

func (s *Server) tier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp tierResp
	raw, ok, err := s.store.GetKV(ctx, survival.KeyCurrentTier)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if ok {
		if t, err := survival.ParseTier(raw); err == nil {
			resp.Tier = &t
		}
	}
	if flag, ok, _ := s.store.GetKV(ctx, survival.KeyLowCompute); ok {
		resp.LowCompute, _ = strconv.ParseBool(flag)
	}
	resp.Transitions, err = survival.LoadTransitions(ctx, s.store)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if resp.Transitions == nil {
		resp.Transitions = []survival.Transition{}
	}
	writeJSON(w, 200, resp)
}

func (s *Server) wakeEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	events, err := s.store.ListWakeEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if events == nil {
		events = []domain.WakeEvent{}
	}
	writeJSON(w, 200, events)
}

func (s *Server) forceRun(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")
	out, err := s.runner.ForceRun(r.Context(), task)
	if errors.Is(err, scheduler.ErrUnknownTask) {
		http.Error(w, err.Error(), 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	code := http.StatusOK
	if !out.Ran() {
		code = http.StatusConflict
	}
	writeJSON(w, code, out)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
