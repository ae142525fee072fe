// Package circuit stops calling a failing provider until it has had time to recover.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"appforge/pkg/config"
)

// State is the breaker position.
type State int

const (
	Closed   State = iota // calls pass through
	Open                  // calls rejected
	HalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration // time spent open before probing
}

// DefaultConfig provides reasonable defaults.
//
//nolint:gochecknoglobals // default config
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 1,
	Timeout:          30 * time.Second,
}

// FromConfig converts the resilience section of the app config.
func FromConfig(c config.CircuitBreakerConfig) Config {
	return Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout,
	}
}

// Error is returned while the circuit rejects calls.
type Error struct {
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Breaker tracks call outcomes.
type Breaker interface {
	Allow() bool
	Record(success bool)
	GetState() State
	Reset()
}

type breaker struct {
	lastFailure  time.Time
	now          func() time.Time
	config       Config
	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
}

// New creates a closed breaker.
func New(cfg Config) Breaker {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	return &breaker{config: cfg, state: Closed, now: now}
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.lastFailure) >= b.config.Timeout {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case Closed:
			b.failureCount = 0
		case HalfOpen:
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.state = Closed
				b.failureCount = 0
				b.successCount = 0
			}
		}
		return
	}

	b.failureCount++
	b.lastFailure = b.now()
	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.successCount = 0
	}
}

func (b *breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}
