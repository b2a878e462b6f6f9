package breaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"LeapsEngine/pkg/logger"
)

var (
	// ErrOpen is returned without invoking the operation while the breaker rejects calls.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when an operation exceeds the per-call timeout.
	ErrTimeout = errors.New("circuit breaker call timed out")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// Config holds breaker settings. Populated through Option funcs.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	CallTimeout      time.Duration
	IgnoredErrors    []error
	IgnoredMessages  []string
	IsIgnored        func(error) bool
	Logger           *logger.Logger
	OnStateChange    func(name string, from, to State)
}

type Option func(*Config)

func WithFailureThreshold(n int) Option { return func(c *Config) { c.FailureThreshold = n } }
func WithSuccessThreshold(n int) Option { return func(c *Config) { c.SuccessThreshold = n } }

func WithResetTimeout(d time.Duration) Option { return func(c *Config) { c.ResetTimeout = d } }

// WithCallTimeout bounds every operation. Zero disables the timeout.
func WithCallTimeout(d time.Duration) Option { return func(c *Config) { c.CallTimeout = d } }

// WithIgnoredErrors excludes errors matching any target (errors.Is) from accounting.
func WithIgnoredErrors(targets ...error) Option {
	return func(c *Config) { c.IgnoredErrors = append(c.IgnoredErrors, targets...) }
}

// WithIgnoredMessages excludes errors whose message contains any of the substrings.
func WithIgnoredMessages(substrings ...string) Option {
	return func(c *Config) { c.IgnoredMessages = append(c.IgnoredMessages, substrings...) }
}

func WithIgnorePredicate(fn func(error) bool) Option { return func(c *Config) { c.IsIgnored = fn } }

func WithLogger(l *logger.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithStateListener is notified after every transition.
func WithStateListener(fn func(name string, from, to State)) Option {
	return func(c *Config) { c.OnStateChange = fn }
}

func defaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     60 * time.Second,
	}
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	TotalRequests        uint64    `json:"total_requests"`
	TotalFailures        uint64    `json:"total_failures"`
	FailureRate          float64   `json:"failure_rate"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime      time.Time `json:"next_attempt_time,omitempty"`
}

// Breaker guards calls to one named resource.
type Breaker struct {
	name string
	cfg  *Config

	mu          sync.RWMutex
	cb          *gobreaker.TwoStepCircuitBreaker
	gen         uint64
	trials      int
	lastFailure time.Time
	nextAttempt time.Time

	requests atomic.Uint64
	failures atomic.Uint64
}

// New creates a breaker in the CLOSED state.
func New(name string, opts ...Option) *Breaker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	b := &Breaker{name: name, cfg: cfg}
	b.mu.Lock()
	b.rebuildLocked()
	b.mu.Unlock()
	return b
}

func (b *Breaker) Name() string { return b.name }

// rebuildLocked swaps in a fresh gobreaker instance. Caller holds b.mu.
func (b *Breaker) rebuildLocked() {
	b.gen++
	gen := b.gen
	threshold := uint32(b.cfg.FailureThreshold)

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: uint32(b.cfg.SuccessThreshold),
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(gen, fromGobreaker(from), fromGobreaker(to))
		},
	})
	b.nextAttempt = time.Time{}
	b.trials = 0
}

// onStateChange runs under gobreaker's lock; it must not call back into gobreaker.
func (b *Breaker) onStateChange(gen uint64, from, to State) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	if to == StateOpen {
		b.nextAttempt = time.Now().Add(b.cfg.ResetTimeout)
	} else {
		b.nextAttempt = time.Time{}
	}
	b.mu.Unlock()

	b.cfg.Logger.Warn("circuit breaker state change",
		logger.String("breaker", b.name),
		logger.String("from", from.String()),
		logger.String("to", to.String()),
	)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) current() *gobreaker.TwoStepCircuitBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

// State returns the current state. An expired OPEN breaker reports HALF_OPEN.
func (b *Breaker) State() State {
	return fromGobreaker(b.current().State())
}

// Execute runs op through the breaker.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call runs a value-returning op through the breaker.
func Call[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	cb := b.current()
	switch cb.State() {
	case gobreaker.StateOpen:
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	case gobreaker.StateHalfOpen:
		return trial(ctx, b, cb, op)
	}

	done, err := cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		return zero, err
	}

	b.requests.Add(1)
	v, err := run(ctx, b.cfg.CallTimeout, op)
	switch {
	case err == nil:
		done(true)
	case b.ignored(ctx, err):
		// Neither counts nor resets.
	default:
		b.recordFailure()
		done(false)
	}
	return v, err
}

// trial runs op while HALF_OPEN. At most SuccessThreshold trials are in
// flight. The outcome reaches gobreaker only after op returns, so an ignored
// error frees its slot without counting as a success or a failure.
func trial[T any](ctx context.Context, b *Breaker, cb *gobreaker.TwoStepCircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	gen, ok := b.acquireTrial(cb)
	if !ok {
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	defer b.releaseTrial(gen)

	b.requests.Add(1)
	v, err := run(ctx, b.cfg.CallTimeout, op)
	if err != nil && b.ignored(ctx, err) {
		return v, err
	}
	if err != nil {
		b.recordFailure()
	}
	// A sibling trial may already have reopened or closed the breaker.
	if done, aerr := cb.Allow(); aerr == nil {
		done(err == nil)
	}
	return v, err
}

func (b *Breaker) acquireTrial(cb *gobreaker.TwoStepCircuitBreaker) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb != b.cb || b.trials >= b.cfg.SuccessThreshold {
		return 0, false
	}
	b.trials++
	return b.gen, true
}

func (b *Breaker) releaseTrial(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.gen && b.trials > 0 {
		b.trials--
	}
}

func (b *Breaker) recordFailure() {
	b.failures.Add(1)
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()
}

func run[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := op(callCtx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return r.v, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return r.v, r.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func (b *Breaker) ignored(ctx context.Context, err error) bool {
	// Caller cancellation says nothing about the resource.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return true
	}
	for _, target := range b.cfg.IgnoredErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	if b.cfg.IsIgnored != nil && b.cfg.IsIgnored(err) {
		return true
	}
	if len(b.cfg.IgnoredMessages) > 0 {
		msg := err.Error()
		for _, s := range b.cfg.IgnoredMessages {
			if s != "" && strings.Contains(msg, s) {
				return true
			}
		}
	}
	return false
}

// Stats returns a snapshot of counters and timestamps.
func (b *Breaker) Stats() Stats {
	cb := b.current()
	state := fromGobreaker(cb.State())
	counts := cb.Counts()

	b.mu.RLock()
	lastFailure, nextAttempt := b.lastFailure, b.nextAttempt
	b.mu.RUnlock()

	total, failed := b.requests.Load(), b.failures.Load()
	var rate float64
	if total > 0 {
		rate = float64(failed) / float64(total)
	}
	if state != StateOpen {
		nextAttempt = time.Time{}
	}
	return Stats{
		Name:                 b.name,
		State:                state.String(),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		TotalRequests:        total,
		TotalFailures:        failed,
		FailureRate:          rate,
		LastFailureTime:      lastFailure,
		NextAttemptTime:      nextAttempt,
	}
}

// Reset returns the breaker to CLOSED with zeroed counters.
func (b *Breaker) Reset() {
	from := b.State()
	b.mu.Lock()
	b.rebuildLocked()
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	b.requests.Store(0)
	b.failures.Store(0)
	if from != StateClosed {
		b.cfg.Logger.Info("circuit breaker reset", logger.String("breaker", b.name))
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(b.name, from, StateClosed)
		}
	}
}

// ForceOpen trips the breaker immediately. It recovers through the normal
// HALF_OPEN trial once the reset timeout elapses.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.rebuildLocked()
	cb := b.cb
	b.mu.Unlock()

	for i := 0; i < b.cfg.FailureThreshold; i++ {
		done, err := cb.Allow()
		if err != nil {
			break
		}
		done(false)
	}
}
