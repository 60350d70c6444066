package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	boterrors "github.com/windlabs/windbot/internal/pkg/errors"
)

// BreakerState is the per-dependency circuit state.
type BreakerState int

const (
	// BreakerClosed admits all calls.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen admits probe calls after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig tunes one breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures to open
	SuccessThreshold int           // consecutive half-open successes to close
	Cooldown         time.Duration // open -> half-open delay
}

// DefaultBreakerConfig matches the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         60 * time.Second,
	}
}

// BreakerSnapshot is the observable breaker state.
type BreakerSnapshot struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	LastFailureTime      time.Time `json:"lastFailureTime"`
	LastStateChange      time.Time `json:"lastStateChange"`
	TotalCalls           int64     `json:"totalCalls"`
	TotalFailures        int64     `json:"totalFailures"`
	TotalRejected        int64     `json:"totalRejected"`
}

// Breaker is a per-dependency CLOSED/OPEN/HALF_OPEN state machine.
// Transitions are serialized; concurrent callers observe a consistent state
// at entry and may race onto the same result.
type Breaker struct {
	name    string
	cfg     BreakerConfig
	log     *EventLog
	metrics *Collector
	logger  *slog.Logger
	now     func() time.Time

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	lastStateChange      time.Time
	totalCalls           int64
	totalFailures        int64
	totalRejected        int64
}

// NewBreaker creates a breaker named after its dependency.
func NewBreaker(name string, cfg BreakerConfig, log *EventLog, metrics *Collector, logger *slog.Logger) *Breaker {
	return &Breaker{
		name:    name,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		state:   BreakerClosed,
	}
}

// State returns the current state, applying the cooldown transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Snapshot returns the observable state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return BreakerSnapshot{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailureTime:      b.lastFailureTime,
		LastStateChange:      b.lastStateChange,
		TotalCalls:           b.totalCalls,
		TotalFailures:        b.totalFailures,
		TotalRejected:        b.totalRejected,
	}
}

// Call runs fn through the breaker.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// CallValue runs fn through the breaker. When the circuit is open and a
// fallback is supplied, the fallback value is returned instead of the
// rejection error.
func CallValue[T any](ctx context.Context, b *Breaker, fallback *T, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		if fallback != nil {
			return *fallback, nil
		}
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err == nil)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// admit decides whether a call may proceed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()
	b.totalCalls++

	if b.state == BreakerOpen {
		b.totalRejected++
		return boterrors.PolicyDenied("breaker."+b.name,
			fmt.Errorf("%w: %s", ErrCircuitOpen, b.name))
	}
	return nil
}

// record applies a call result to the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case BreakerHalfOpen:
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
				b.transitionLocked(BreakerClosed, "probe threshold reached")
			}
		case BreakerClosed:
			b.consecutiveFailures = 0
		}
		return
	}

	b.totalFailures++
	b.lastFailureTime = b.now()

	switch b.state {
	case BreakerHalfOpen:
		b.transitionLocked(BreakerOpen, "probe failed")
	case BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(BreakerOpen,
				fmt.Sprintf("%d consecutive failures", b.consecutiveFailures))
		}
	}
}

// maybeHalfOpenLocked moves OPEN to HALF_OPEN once the cooldown has elapsed
// since the last failure.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailureTime) >= b.cfg.Cooldown {
		b.transitionLocked(BreakerHalfOpen, "cooldown elapsed")
	}
}

// transitionLocked applies and logs a state change.
func (b *Breaker) transitionLocked(to BreakerState, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = b.now()

	switch to {
	case BreakerClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	case BreakerHalfOpen:
		b.consecutiveSuccesses = 0
	}

	if b.logger != nil {
		b.logger.Warn("breaker transition",
			slog.String("breaker", b.name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("reason", reason),
		)
	}
	if b.log != nil {
		b.log.Append(EventBreakerTransition, b.name, map[string]any{
			"from":   from.String(),
			"to":     to.String(),
			"reason": reason,
		})
	}
	if b.metrics != nil {
		b.metrics.RecordBreaker(b.name, to.String())
	}
}
