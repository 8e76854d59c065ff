package redis

import (
	"sync"
	"time"

	"vibrationd/internal/model"
)

// BreakerState is the cache breaker's current mode.
type BreakerState int

const (
	// BreakerClosed passes writes through normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects writes immediately.
	BreakerOpen
	// BreakerHalfOpen lets one probe write through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after consecutive cache failures so a dead Redis costs
// one state check per write instead of a full network timeout. While
// open it rejects calls until probeAfter has elapsed, then admits a
// single probe: success closes the breaker, failure reopens it.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	maxFailures int
	probeAfter  time.Duration
	lastFailure time.Time

	// OnStateChange, when set, observes every transition.
	OnStateChange func(from, to BreakerState)
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and probes again after probeAfter.
func NewBreaker(maxFailures int, probeAfter time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		probeAfter:  probeAfter,
		state:       BreakerClosed,
	}
}

// Do runs fn unless the breaker is open. An open breaker returns
// model.ErrCacheUnavailable without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == BreakerOpen {
		if time.Since(b.lastFailure) > b.probeAfter {
			b.transition(BreakerHalfOpen)
		} else {
			b.mu.Unlock()
			return model.ErrCacheUnavailable
		}
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
			b.transition(BreakerOpen)
		}
		return err
	}

	if b.state == BreakerHalfOpen {
		b.transition(BreakerClosed)
	}
	b.failures = 0
	return nil
}

// State reports the current mode.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
