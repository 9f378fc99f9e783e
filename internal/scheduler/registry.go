package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"lifeline/internal/balance"
	"lifeline/internal/config"
	"lifeline/internal/domain"
	"lifeline/internal/store"
)

// TaskFunc is the body of a named heartbeat task. ctx is cancelled once the
// executor stops waiting for it; a task that ignores ctx keeps running in the
// background and its result is discarded.
type TaskFunc func(ctx context.Context, tc *TickContext, env *TaskEnv) (domain.TaskResult, error)

// TaskEnv bundles what task bodies need beyond the tick snapshot. The
// scheduler never touches these collaborators itself.
type TaskEnv struct {
	Identity   config.Identity
	Config     *config.Config
	Store      store.Store
	Credits    balance.CreditsSource
	USDC       balance.USDCSource
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Registry maps task names to their implementations.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskFunc)}
}

// Register adds fn under name. Registering a name twice is an error.
func (r *Registry) Register(name string, fn TaskFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("register task: name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("register task %q: already registered", name)
	}
	r.tasks[name] = fn
	return nil
}

func (r *Registry) Lookup(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
