package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when too many requests in half-open state
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings for circuit breaker behavior
type Settings struct {
	// MaxRequests: concurrent trial requests allowed in half-open state
	MaxRequests uint32
	// Interval: window after which closed-state counters reset
	Interval time.Duration
	// Timeout: time spent open before probing
	Timeout time.Duration
	// FailureThreshold: consecutive failures that open the circuit
	FailureThreshold uint32
	// SuccessThreshold: consecutive half-open successes that close it again
	SuccessThreshold uint32
	// IsFailure decides whether an error counts against the circuit.
	// Defaults to any non-nil error except context cancellation.
	IsFailure func(err error) bool
	// OnStateChange is called synchronously with the lock released.
	OnStateChange func(name string, from State, to State)
}

// DefaultSettings returns the settings used for the analytics hop.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts is a snapshot of the current window.
type Counts struct {
	Requests        uint32
	Successes       uint32
	Failures        uint32
	ConsecutiveFail uint32
	ConsecutiveSucc uint32
}

// CircuitBreaker guards calls to one downstream dependency.
type CircuitBreaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	inFlight   uint32
	lastError  error
}

func NewCircuitBreaker(name string, settings Settings) *CircuitBreaker {
	def := DefaultSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.SuccessThreshold == 0 {
		settings.SuccessThreshold = def.SuccessThreshold
	}
	if settings.Timeout == 0 {
		settings.Timeout = def.Timeout
	}
	if settings.Interval == 0 {
		settings.Interval = def.Interval
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = def.MaxRequests
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}

	cb := &CircuitBreaker{name: name, settings: settings, now: time.Now}
	cb.toNewGeneration(cb.now())
	return cb
}

// Name returns the dependency name given at construction.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the circuit is open. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, errors.New("panic recovered"))
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.afterRequest(generation, err)
	return err
}

// State returns the current state, moving open to half-open once the timeout
// has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	state, change := cb.currentState(cb.now())
	cb.mu.Unlock()
	cb.notify(change)
	return state
}

// Counts returns current statistics
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// LastError returns the most recent error counted as a failure.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastError
}

// Reset manually returns the breaker to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.setState(StateClosed, cb.now())
	cb.mu.Unlock()
	cb.notify(change)
}

type transition struct {
	from, to State
	changed  bool
}

func (cb *CircuitBreaker) notify(t transition) {
	if t.changed && cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, t.from, t.to)
	}
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	now := cb.now()
	state, change := cb.currentState(now)

	var err error
	switch state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.settings.MaxRequests {
			err = ErrTooManyRequests
		}
	}
	if err == nil {
		cb.inFlight++
		cb.counts.Requests++
	}
	generation := cb.generation
	cb.mu.Unlock()
	cb.notify(change)
	return generation, err
}

func (cb *CircuitBreaker) afterRequest(generation uint64, err error) {
	cb.mu.Lock()
	now := cb.now()
	state, change := cb.currentState(now)
	if generation != cb.generation {
		// Result belongs to a window that has already been reset.
		cb.mu.Unlock()
		cb.notify(change)
		return
	}
	if cb.inFlight > 0 {
		cb.inFlight--
	}

	if !cb.settings.IsFailure(err) {
		cb.counts.Successes++
		cb.counts.ConsecutiveFail = 0
		cb.counts.ConsecutiveSucc++
		if state == StateHalfOpen && cb.counts.ConsecutiveSucc >= cb.settings.SuccessThreshold {
			change = cb.setState(StateClosed, now)
		}
	} else {
		cb.counts.Failures++
		cb.counts.ConsecutiveSucc = 0
		cb.counts.ConsecutiveFail++
		cb.lastError = err
		if state == StateHalfOpen || cb.counts.ConsecutiveFail >= cb.settings.FailureThreshold {
			change = cb.setState(StateOpen, now)
		}
	}
	cb.mu.Unlock()
	cb.notify(change)
}

// currentState must be called with mu held.
func (cb *CircuitBreaker) currentState(now time.Time) (State, transition) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			return StateHalfOpen, cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, transition{}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State, now time.Time) transition {
	from := cb.state
	if from == to {
		return transition{}
	}
	cb.state = to
	cb.toNewGeneration(now)
	return transition{from: from, to: to, changed: true}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	cb.inFlight = 0
	switch cb.state {
	case StateClosed:
		cb.expiry = now.Add(cb.settings.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.settings.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}
