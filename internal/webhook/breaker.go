package webhook

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

type CircuitBreaker interface {
	Execute(fn func() error) error
}

type noopBreaker struct{}

func (noopBreaker) Execute(fn func() error) error {
	return fn()
}

type gobreakerWrapper struct {
	cb *gobreaker.CircuitBreaker
}

func (g *gobreakerWrapper) Execute(fn func() error) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

type BreakerOptions struct {
	Enabled             bool
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// breakers keeps one breaker per endpoint URL so one dead endpoint does not
// trip deliveries to others.
type breakers struct {
	mu    sync.Mutex
	opts  BreakerOptions
	byURL map[string]CircuitBreaker
}

func newBreakers(opts BreakerOptions) *breakers {
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	return &breakers{opts: opts, byURL: make(map[string]CircuitBreaker)}
}

func (b *breakers) forURL(url string) CircuitBreaker {
	if !b.opts.Enabled {
		return noopBreaker{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.byURL[url]; ok {
		return cb
	}
	threshold := b.opts.ConsecutiveFailures
	cb := &gobreakerWrapper{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + url,
		MaxRequests: 1,
		Timeout:     b.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})}
	b.byURL[url] = cb
	return cb
}
