package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"servicemarket/internal/metrics"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Breaker 熔断 + 超时
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	name    string
	timeout time.Duration
}

func NewBreaker(name string, timeout time.Duration) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    15 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(cbName string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(cbName).Set(stateValue(to))
			log.WithFields(log.Fields{
				"circuit": cbName,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("熔断器状态变化")
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return &Breaker{cb: cb, name: name, timeout: timeout}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Do 在超时上下文里执行 fn；熔断打开时直接返回 ErrUnavailable
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}

	metrics.CircuitBreakerFailures.WithLabelValues(b.name).Inc()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s 熔断中", ErrUnavailable, b.name)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s 调用超时", ErrUnavailable, b.name)
	}
	return err
}

// guarded 给渠道套上熔断和超时
type guarded struct {
	inner   Processor
	breaker *Breaker
}

func WithBreaker(p Processor, timeout time.Duration) Processor {
	return &guarded{inner: p, breaker: NewBreaker(p.Method(), timeout)}
}

func (g *guarded) Method() string { return g.inner.Method() }

func (g *guarded) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	var out *Checkout
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.CreateCheckout(ctx, req)
		return err
	})
	return out, err
}

func (g *guarded) Capture(ctx context.Context, checkoutID string) (*Capture, error) {
	var out *Capture
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Capture(ctx, checkoutID)
		return err
	})
	return out, err
}

func (g *guarded) Cancel(ctx context.Context, checkoutID string) (*Capture, error) {
	var out *Capture
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Cancel(ctx, checkoutID)
		return err
	})
	return out, err
}
