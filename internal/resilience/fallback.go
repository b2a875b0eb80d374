package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no link of a [Chain] produced a result.
var ErrAllFailed = errors.New("resilience: all fallback entries failed")

// FallbackConfig configures the circuit breaker created for each link of a
// [Chain].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover logs. Default: slog.Default().
	Logger *slog.Logger
}

type link[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Chain is an ordered list of interchangeable values, each guarded by its own
// circuit breaker. [Try] walks the chain until one link succeeds.
//
// Links are added during setup; a Chain is safe for concurrent use once it is
// shared.
type Chain[T any] struct {
	links []link[T]
	cfg   FallbackConfig
	log   *slog.Logger
}

// NewChain returns an empty chain.
func NewChain[T any](cfg FallbackConfig) *Chain[T] {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Chain[T]{cfg: cfg, log: log}
}

// Add appends a link named name.
func (c *Chain[T]) Add(name string, v T) {
	bc := c.cfg.CircuitBreaker
	bc.Name = name
	if bc.Logger == nil {
		bc.Logger = c.log
	}
	c.links = append(c.links, link[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names lists the links in try order.
func (c *Chain[T]) Names() []string {
	names := make([]string, 0, len(c.links))
	for _, l := range c.links {
		names = append(names, l.name)
	}
	return names
}

// Try calls fn with each link in order and returns the first success. Links
// whose breaker is open are skipped. The walk stops early when ctx is done.
// If nothing succeeds the error wraps [ErrAllFailed] and the last failure.
func Try[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	lastErr := errors.New("empty chain")
	for i := range c.links {
		l := &c.links[i]
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%w: %w", ErrAllFailed, err)
		}
		var out R
		err := l.breaker.Execute(func() error {
			var err error
			out, err = fn(ctx, l.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				c.log.Debug("resilience: served by fallback", "entry", l.name)
			}
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			c.log.Debug("resilience: skip open entry", "entry", l.name)
		default:
			c.log.Warn("resilience: entry failed", "entry", l.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
