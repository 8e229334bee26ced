package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"evalgate/internal/target"
)

type InvokerConfig struct {
	// CallTimeout bounds every individual attempt, independent of the run.
	CallTimeout time.Duration
	// MaxRetries caps retry attempts after the first call (total attempts is
	// MaxRetries+1).
	MaxRetries int
	// BackoffBase seeds the exponential backoff between attempts.
	BackoffBase time.Duration
	// BackoffCap bounds any single backoff sleep.
	BackoffCap time.Duration
	// Workers is the per-target concurrency (semaphore width).
	Workers int
	// QueueDepth is how many callers may wait for a worker slot before new
	// calls are rejected with ErrQueueFull.
	QueueDepth int
	Breaker    BreakerConfig
}

func (c InvokerConfig) withDefaults() InvokerConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 8 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
	}
	return c
}

// CallFunc performs one attempt against the target. The returned RawResponse
// may be non-nil even on error (it carries status and retry-after hints).
type CallFunc func(ctx context.Context) (*target.RawResponse, error)

// Outcome describes how a resilient call went, independent of its payload.
type Outcome struct {
	Attempts    int
	Retries     int
	Latency     time.Duration
	CircuitOpen bool
}

type targetLimiter struct {
	slots   *semaphore.Weighted
	waiting atomic.Int64
	depth   int64
}

// Invoker wraps every outbound call to a target with timeout, classified
// retries, the shared per-target circuit breaker and bounded concurrency.
type Invoker struct {
	cfg      InvokerConfig
	breakers *BreakerRegistry

	mu       sync.Mutex
	limiters map[string]*targetLimiter
}

func NewInvoker(cfg InvokerConfig) *Invoker {
	cfg = cfg.withDefaults()
	return &Invoker{
		cfg:      cfg,
		breakers: NewBreakerRegistry(cfg.Breaker),
		limiters: map[string]*targetLimiter{},
	}
}

// Breaker exposes the breaker for a target key, mainly for tests and metrics.
func (i *Invoker) Breaker(targetKey string) *CircuitBreaker {
	return i.breakers.Get(targetKey)
}

func (i *Invoker) limiter(targetKey string) *targetLimiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	limiter, ok := i.limiters[targetKey]
	if !ok {
		limiter = &targetLimiter{
			slots: semaphore.NewWeighted(int64(i.cfg.Workers)),
			depth: int64(i.cfg.QueueDepth),
		}
		i.limiters[targetKey] = limiter
	}
	return limiter
}

// Do runs fn with the full resilience stack for targetKey (endpoint+model).
// The returned Outcome is valid even when err is non-nil.
func (i *Invoker) Do(ctx context.Context, targetKey string, fn CallFunc) (*target.RawResponse, Outcome, error) {
	outcome := Outcome{}

	limiter := i.limiter(targetKey)
	if !limiter.slots.TryAcquire(1) {
		if limiter.waiting.Add(1) > limiter.depth {
			limiter.waiting.Add(-1)
			return nil, outcome, ErrQueueFull
		}
		err := limiter.slots.Acquire(ctx, 1)
		limiter.waiting.Add(-1)
		if err != nil {
			return nil, outcome, err
		}
	}
	defer limiter.slots.Release(1)

	breaker := i.breakers.Get(targetKey)
	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = i.cfg.BackoffBase
	delays.MaxInterval = i.cfg.BackoffCap

	var lastErr error
	for attempt := 0; attempt <= i.cfg.MaxRetries; attempt++ {
		if err := breaker.Admit(); err != nil {
			// Fast fail: no attempt made, no retry budget consumed.
			outcome.CircuitOpen = true
			return nil, outcome, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, i.cfg.CallTimeout)
		start := time.Now()
		raw, callErr := fn(attemptCtx)
		elapsed := time.Since(start)
		cancel()

		outcome.Attempts++
		if callErr == nil {
			breaker.Record(true)
			outcome.Latency = elapsed
			outcome.Retries = outcome.Attempts - 1
			return raw, outcome, nil
		}

		breaker.Record(false)
		provErr := Classify(callErr, raw)
		lastErr = provErr
		if !provErr.Retryable || attempt == i.cfg.MaxRetries {
			outcome.Retries = outcome.Attempts - 1
			return raw, outcome, provErr
		}

		delay := i.nextDelay(delays, provErr)
		select {
		case <-ctx.Done():
			outcome.Retries = outcome.Attempts - 1
			return raw, outcome, ctx.Err()
		case <-time.After(delay):
		}
	}
	outcome.Retries = outcome.Attempts - 1
	return nil, outcome, lastErr
}

// nextDelay picks the sleep before the next attempt: the exponential schedule,
// raised to the server's Retry-After hint when larger, and never above the
// configured cap.
func (i *Invoker) nextDelay(delays backoff.BackOff, provErr *ProviderError) time.Duration {
	delay := delays.NextBackOff()
	if provErr.RetryAfter > delay {
		delay = provErr.RetryAfter
	}
	if delay > i.cfg.BackoffCap {
		delay = i.cfg.BackoffCap
	}
	return delay
}
