package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xiy/memory-engine/pkg/types"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Key identifies one breaker: a store and an operation on it.
type Key struct {
	Store     string
	Operation string
}

func (k Key) String() string { return k.Store + "/" + k.Operation }

// Settings tune a breaker.
type Settings struct {
	// FailureThreshold consecutive failures within Window open the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe is allowed.
	ResetTimeout time.Duration
	// Window bounds how far apart failures of one streak may be. Zero disables it.
	Window time.Duration
}

// DefaultSettings returns threshold 5, reset 30s, window 60s.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, ResetTimeout: 30 * time.Second, Window: time.Minute}
}

// Breaker guards a single (store, operation) pair.
type Breaker struct {
	key      Key
	settings Settings
	now      func() time.Time
	onChange func(key Key, from, to State)

	mu            sync.Mutex
	state         State
	failures      int
	streakStart   time.Time
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker returns a closed breaker.
func NewBreaker(key Key, settings Settings, now func() time.Time) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = DefaultSettings().ResetTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{key: key, settings: settings, now: now}
}

// Key returns the breaker's (store, operation) pair.
func (b *Breaker) Key() Key { return b.key }

// State returns the current state, advancing open to half_open when due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.observed()
}

// observed reports open as half_open once the reset timeout has passed, even
// before a probe arrives. Callers hold mu.
func (b *Breaker) observed() State {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.settings.ResetTimeout)) {
		return StateHalfOpen
	}
	return b.state
}

// Allow admits one call. The returned done func must be called exactly once
// with the call's outcome. A rejected call gets a *CircuitOpenError.
func (b *Breaker) Allow() (done func(error), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Before(b.openedAt.Add(b.settings.ResetTimeout)) {
			return nil, &CircuitOpenError{Key: b.key}
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return b.doneFunc(true), nil
	case StateHalfOpen:
		if b.probeInFlight {
			return nil, &CircuitOpenError{Key: b.key}
		}
		b.probeInFlight = true
		return b.doneFunc(true), nil
	default:
		return b.doneFunc(false), nil
	}
}

func (b *Breaker) doneFunc(probe bool) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(probe, err) })
	}
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if errors.Is(err, context.Canceled) {
		// The caller walked away; the store's health is unknown.
		if probe {
			b.probeInFlight = false
		}
		return
	}
	failed := err != nil && !IsInvalidInput(err)

	if probe {
		b.probeInFlight = false
		if b.state != StateHalfOpen {
			return
		}
		if failed {
			b.open(now)
			return
		}
		b.failures = 0
		b.transition(StateClosed)
		return
	}

	if b.state != StateClosed {
		return
	}
	if !failed {
		b.failures = 0
		return
	}
	if b.failures == 0 || (b.settings.Window > 0 && now.Sub(b.streakStart) > b.settings.Window) {
		b.failures = 0
		b.streakStart = now
	}
	b.failures++
	if b.failures >= b.settings.FailureThreshold {
		b.open(now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.onChange != nil {
		b.onChange(b.key, from, to)
	}
}

// Snapshot returns the observable state for health reporting.
func (b *Breaker) Snapshot() types.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := types.BreakerSnapshot{
		Store:               b.key.Store,
		Operation:           b.key.Operation,
		State:               b.observed().String(),
		ConsecutiveFailures: b.failures,
		ProbeInFlight:       b.probeInFlight,
	}
	if b.state != StateClosed {
		snap.OpenedAt = b.openedAt
	}
	return snap
}

// Execute runs fn through the breaker.
func Execute[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	done, err := b.Allow()
	if err != nil {
		return zero, err
	}
	out, err := fn(ctx)
	done(err)
	return out, err
}
