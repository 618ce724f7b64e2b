package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the wrapped function while the
// breaker is open or its half-open probe budget is spent.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast with ErrOpen
	StateHalfOpen              // a few probe calls decide whether to close
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

type Config struct {
	// FailureThreshold consecutive failures open the breaker. Zero disables it.
	FailureThreshold int
	// SuccessThreshold probe successes close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxProbes bounds concurrent calls while half-open.
	MaxProbes int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          5 * time.Second,
		MaxProbes:        1,
	}
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = 1
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// OnStateChange sets a callback run synchronously on every transition,
// with the breaker lock released.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. Errors for which failure
// returns false are passed through without counting against the breaker.
func (cb *CircuitBreaker) Execute(fn func() error, failure func(error) bool) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && (failure == nil || failure(err)) {
		cb.record(false)
		return err
	}
	cb.record(true)
	return err
}

func (cb *CircuitBreaker) allow() error {
	if cb.config.FailureThreshold <= 0 {
		return nil
	}
	cb.mu.Lock()
	var change func()
	defer func() {
		cb.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrOpen
		}
		change = cb.transitionLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			return ErrOpen
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) record(ok bool) {
	if cb.config.FailureThreshold <= 0 {
		return
	}
	cb.mu.Lock()
	var change func()
	switch cb.state {
	case StateClosed:
		if ok {
			cb.failures = 0
			break
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			change = cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.probes--
		if !ok {
			change = cb.transitionLocked(StateOpen)
			break
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			change = cb.transitionLocked(StateClosed)
		}
	}
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}

// transitionLocked switches state and returns the callback invocation to
// run once the lock is released.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	fn := cb.onStateChange
	if fn == nil {
		return nil
	}
	return func() { fn(from, to) }
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}
