// Package resilience guards external-service calls with a per-endpoint
// circuit breaker composed with a stateless retry/backoff policy.
package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker position for one endpoint.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ServiceUnavailableError is returned without a network attempt while the
// breaker is open.
type ServiceUnavailableError struct {
	Endpoint string
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service unavailable: circuit open for %s", e.Endpoint)
}

// Breaker is the shared per-endpoint state machine. Transitions:
// Closed -> Open after FailureThreshold consecutive transient failures,
// Open -> HalfOpen once RecoveryTimeout elapses, HalfOpen -> Closed on a
// successful probe or back to Open on failure.
type Breaker struct {
	endpoint         string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time // test hook
}

func NewBreaker(endpoint string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		endpoint:         endpoint,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// State returns the current position, accounting for timeout elapse.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		return HalfOpen
	}
	return b.state
}

// Failures returns the rolling consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset explicitly closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// allow decides whether a call may proceed. It returns the probe flag so
// the caller's completion can be matched to the HalfOpen trial.
func (b *Breaker) allow() (ok, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true, false
	case Open:
		if b.now().Sub(b.openedAt) < b.recoveryTimeout {
			return false, false
		}
		b.state = HalfOpen
		fallthrough
	case HalfOpen:
		if b.probing {
			// Exactly one trial call while half-open.
			return false, false
		}
		b.probing = true
		return true, true
	}
	return false, false
}

func (b *Breaker) onSuccess(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	if probe {
		b.probing = false
	}
}

func (b *Breaker) onFailure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe || b.state == HalfOpen {
		b.state = Open
		b.openedAt = b.now()
		b.probing = false
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = Open
		b.openedAt = b.now()
	}
}

// Call runs fn under the breaker. While open it fails fast with
// ServiceUnavailableError and no attempt is made. Only transient errors
// count toward opening; client-side errors pass through untallied.
func (b *Breaker) Call(fn func() error) error {
	ok, probe := b.allow()
	if !ok {
		return &ServiceUnavailableError{Endpoint: b.endpoint}
	}
	err := fn()
	if err == nil {
		b.onSuccess(probe)
		return nil
	}
	if IsTransient(err) {
		b.onFailure(probe)
	} else if probe {
		// A non-transient response still proves the service is reachable.
		b.onSuccess(probe)
	}
	return err
}

// Registry holds one breaker per endpoint; state is shared across workers
// and persists until recovery timeout or explicit reset.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	recoveryTimeout  time.Duration
}

func NewRegistry(failureThreshold int, recoveryTimeout time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Get returns the breaker for an endpoint, creating it on first use.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[endpoint]
	if !ok {
		b = NewBreaker(endpoint, r.failureThreshold, r.recoveryTimeout)
		r.breakers[endpoint] = b
	}
	return b
}
