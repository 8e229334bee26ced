package resilience

import (
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type BreakerConfig struct {
	// FailThreshold is the consecutive-failure count that opens the circuit.
	FailThreshold int
	// ResetAfter is how long the circuit stays open before admitting one
	// half-open trial call.
	ResetAfter time.Duration
	// Disabled is the kill switch: the breaker degenerates to always-closed.
	Disabled bool
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailThreshold <= 0 {
		c.FailThreshold = 5
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 30 * time.Second
	}
	return c
}

// CircuitBreaker is the per-target state machine. It is shared across all
// concurrent callers hitting the same endpoint+model: one flaky target trips
// the breaker for everyone.
type CircuitBreaker struct {
	mu            sync.Mutex
	cfg           BreakerConfig
	state         BreakerState
	consecutive   int
	openedAt      time.Time
	trialInFlight bool
	now           func() time.Time
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg.withDefaults(),
		state: BreakerClosed,
		now:   time.Now,
	}
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Admit reports whether a call may proceed. While open it fails fast with
// ErrCircuitOpen until ResetAfter elapses, then admits exactly one trial call
// in half_open. Every admitted call must be followed by Record.
func (b *CircuitBreaker) Admit() error {
	if b.cfg.Disabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetAfter {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// Record feeds the outcome of an admitted call back into the state machine.
func (b *CircuitBreaker) Record(success bool) {
	if b.cfg.Disabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		if success {
			b.consecutive = 0
			return
		}
		b.consecutive++
		if b.consecutive >= b.cfg.FailThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerHalfOpen:
		b.trialInFlight = false
		if success {
			b.state = BreakerClosed
			b.consecutive = 0
			return
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	case BreakerOpen:
		// Outcome of a call admitted before the circuit opened; the open
		// timer is authoritative, nothing to update.
	}
}

// BreakerRegistry holds one breaker per target identity (endpoint+model).
// Process-wide and shared across concurrently executing runs.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*CircuitBreaker
}

func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: map[string]*CircuitBreaker{},
	}
}

func (r *BreakerRegistry) Get(targetKey string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	breaker, ok := r.breakers[targetKey]
	if !ok {
		breaker = NewCircuitBreaker(r.cfg)
		r.breakers[targetKey] = breaker
	}
	return breaker
}
