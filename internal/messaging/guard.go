package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Default breaker settings for provider calls.
const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
)

// GuardOpts configures a Guarded provider.
type GuardOpts struct {
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// GuardOption configures a Guarded provider.
type GuardOption func(*GuardOpts)

// WithCallTimeout bounds each provider call.
func WithCallTimeout(d time.Duration) GuardOption {
	return func(o *GuardOpts) { o.Timeout = d }
}

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n uint32) GuardOption {
	return func(o *GuardOpts) { o.FailureThreshold = n }
}

// WithOpenTimeout sets how long the circuit stays open before probing.
func WithOpenTimeout(d time.Duration) GuardOption {
	return func(o *GuardOpts) { o.OpenTimeout = d }
}

// Guarded wraps a Provider with a per-call timeout and a circuit breaker.
type Guarded struct {
	inner   Provider
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewGuarded wraps inner. name labels the breaker in logs, usually the bot id.
func NewGuarded(name string, inner Provider, opts ...GuardOption) *Guarded {
	cfg := GuardOpts{
		Timeout:          DefaultCallTimeout,
		FailureThreshold: DefaultFailureThreshold,
		OpenTimeout:      DefaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	threshold := cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Capability answers are not outages.
			return err == nil || errors.Is(err, ErrQRUnavailable) || errors.Is(err, ErrUnsupported)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Guarded: provider circuit changed state", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Guarded{inner: inner, name: name, timeout: cfg.Timeout, cb: cb}
}

// Unwrap returns the wrapped provider.
func (g *Guarded) Unwrap() Provider {
	return g.inner
}

// State reports the breaker state ("closed", "open" or "half-open").
func (g *Guarded) State() string {
	return g.cb.State().String()
}

func (g *Guarded) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(cctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return res, err
}

// SendMessage sends text through the wrapped provider.
func (g *Guarded) SendMessage(ctx context.Context, to, text string) (string, error) {
	res, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.SendMessage(ctx, to, text)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// SendMedia sends media through the wrapped provider.
func (g *Guarded) SendMedia(ctx context.Context, to, mediaURL, mediaType string) (string, error) {
	res, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.SendMedia(ctx, to, mediaURL, mediaType)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// GetQR fetches the login code through the wrapped provider.
func (g *Guarded) GetQR(ctx context.Context) (string, error) {
	res, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.GetQR(ctx)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// GetStatus fetches the session state through the wrapped provider.
func (g *Guarded) GetStatus(ctx context.Context) (Status, error) {
	res, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.GetStatus(ctx)
	})
	if err != nil {
		return StatusUnknown, err
	}
	return res.(Status), nil
}

// Disconnect closes the session through the wrapped provider.
func (g *Guarded) Disconnect(ctx context.Context) error {
	_, err := g.call(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, g.inner.Disconnect(ctx)
	})
	return err
}
