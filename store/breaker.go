package store

import (
	"context"
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker guarding an Adapter.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	case BreakerOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig defines configuration for the circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures int

	// Cooldown is how long to wait before transitioning from Open to Half-Open
	Cooldown time.Duration

	// SuccessThreshold is the number of consecutive successes needed in Half-Open to close
	SuccessThreshold int
}

// DefaultBreakerConfig returns a default configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 2,
	}
}

// breakerStore wraps an Adapter with circuit breaker logic: after a run of
// consecutive failures the inner adapter is bypassed entirely and calls fail
// fast with ErrUnavailable until the cooldown elapses. NotFound is a normal
// outcome, not a failure.
type breakerStore struct {
	inner Adapter
	cfg   BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

var _ Adapter = (*breakerStore)(nil)

// NewBreaker wraps inner with circuit breaker protection.
func NewBreaker(inner Adapter, cfg BreakerConfig) Adapter {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	return &breakerStore{inner: inner, cfg: cfg, state: BreakerClosed}
}

func (b *breakerStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}
	val, err := b.inner.Load(ctx, key)
	b.observe(err)
	return val, err
}

func (b *breakerStore) Save(ctx context.Context, key string, value []byte) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.inner.Save(ctx, key, value)
	b.observe(err)
	return err
}

func (b *breakerStore) Delete(ctx context.Context, key string) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.inner.Delete(ctx, key)
	b.observe(err)
	return err
}

// State returns the current breaker state.
func (b *breakerStore) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breakerStore) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		if time.Since(b.lastFailure) < b.cfg.Cooldown {
			return ErrUnavailable
		}
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return nil
}

func (b *breakerStore) observe(err error) {
	// NotFound means the store answered; only real failures count.
	failed := err != nil && !IsNotFound(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if failed {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == BreakerHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.state = BreakerOpen
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
		}
	}
}
