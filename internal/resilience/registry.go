package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/memory-engine/pkg/types"
)

// Registry owns one breaker per (store, operation), created on first use.
// Construct one per process and inject it; there is no package-level instance.
type Registry struct {
	settings Settings
	now      func() time.Time
	logger   *log.Logger

	mu       sync.Mutex
	breakers map[Key]*Breaker
}

// NewRegistry builds an empty registry.
func NewRegistry(settings Settings, logger *log.Logger) *Registry {
	return &Registry{
		settings: settings,
		now:      time.Now,
		logger:   logger,
		breakers: make(map[Key]*Breaker),
	}
}

// WithClock overrides the time source for breakers created afterwards.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

// Get returns the breaker for (store, operation), creating it if needed.
func (r *Registry) Get(store, operation string) *Breaker {
	key := Key{Store: store, Operation: operation}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := NewBreaker(key, r.settings, r.now)
	b.onChange = r.logTransition
	r.breakers[key] = b
	return b
}

func (r *Registry) logTransition(key Key, from, to State) {
	if r.logger == nil {
		return
	}
	if to == StateOpen {
		r.logger.Warn("circuit opened", "store", key.Store, "operation", key.Operation, "from", from.String())
		return
	}
	r.logger.Info("circuit state changed", "store", key.Store, "operation", key.Operation, "from", from.String(), "to", to.String())
}

// Snapshots returns all breakers sorted by store then operation.
func (r *Registry) Snapshots() []types.BreakerSnapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]types.BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Store != out[j].Store {
			return out[i].Store < out[j].Store
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// Len reports how many breakers exist.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}
