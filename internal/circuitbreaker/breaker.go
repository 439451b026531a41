package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's position: closed passes traffic, open rejects it,
// half-open lets a few probes through after the cooldown.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the breaker rejects traffic. Callers treat it
// like any other upstream failure and fall back.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes the breaker.
type Config struct {
	// FailureThreshold is how many consecutive failures trip the breaker.
	FailureThreshold int
	// SuccessThreshold is how many consecutive half-open successes close it.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// MaxProbes caps concurrent traffic while half-open.
	MaxProbes int
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = 1
	}
}

// Breaker guards a flaky upstream such as the embedding service. A run of
// failures opens it so the caller fails fast instead of stacking timeouts.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// New builds a breaker starting closed.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	cfg.applyDefaults()
	return &Breaker{name: name, cfg: cfg, logger: logger, state: Closed}
}

// Do runs fn if the breaker allows it and records the outcome. While open
// it returns ErrOpen without touching the upstream.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State reports the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked(time.Now()) {
	case Open:
		return ErrOpen
	case HalfOpen:
		if b.probes >= b.cfg.MaxProbes {
			return ErrOpen
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.stateLocked(time.Now())
	if state == HalfOpen && b.probes > 0 {
		b.probes--
	}

	if !success {
		b.failures++
		b.successes = 0
		if state == HalfOpen || (state == Closed && b.failures >= b.cfg.FailureThreshold) {
			b.trip()
		}
		return
	}

	b.failures = 0
	if state == HalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(Closed)
		}
	}
}

// stateLocked resolves Open into HalfOpen once the cooldown elapses.
func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transition(HalfOpen)
	}
	return b.state
}

func (b *Breaker) trip() {
	b.openedAt = time.Now()
	b.transition(Open)
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.failures = 0
	b.successes = 0
	b.probes = 0
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}
