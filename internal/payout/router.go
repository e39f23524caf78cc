package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/splitpay/internal/circuitbreaker"
	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/retry"
	"github.com/mbd888/splitpay/internal/traces"
)

// Router dispatches transfers to rails.
type Router struct {
	rails     map[string]Executor
	breaker   *circuitbreaker.Breaker
	attempts  int
	baseDelay time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRouter creates a router with no rails configured.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		rails:     make(map[string]Executor),
		breaker:   circuitbreaker.New(5, 30*time.Second),
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
		timeout:   15 * time.Second,
		logger:    logging.Component(logger, "payout"),
	}
}

// WithRail registers an executor for a rail name.
func (r *Router) WithRail(name string, e Executor) *Router {
	r.rails[name] = e
	return r
}

// WithBreaker replaces the circuit breaker.
func (r *Router) WithBreaker(b *circuitbreaker.Breaker) *Router {
	r.breaker = b
	return r
}

// WithRetry sets the attempt budget and first backoff delay.
func (r *Router) WithRetry(attempts int, baseDelay time.Duration) *Router {
	r.attempts = attempts
	r.baseDelay = baseDelay
	return r
}

// WithTimeout bounds each attempt.
func (r *Router) WithTimeout(d time.Duration) *Router {
	r.timeout = d
	return r
}

// Rails returns the configured rail names.
func (r *Router) Rails() []string {
	names := make([]string, 0, len(r.rails))
	for name := range r.rails {
		names = append(names, name)
	}
	return names
}

// Execute sends t over the rail matching its destination.
func (r *Router) Execute(ctx context.Context, t Transfer) (*Result, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	rail := RailFor(t.Destination)
	exec, ok := r.rails[rail]
	if !ok {
		if rail == "" {
			rail = "none"
		}
		transfersTotal.WithLabelValues(rail, "no_rail").Inc()
		return nil, &TransferError{Rail: rail, Reason: "no rail configured for destination", Err: ErrNoRail}
	}

	ctx, span := traces.StartSpan(ctx, "payout.Execute", traces.Rail(rail))
	defer span.End()
	span.SetAttributes(traces.AmountMinor(t.AmountMinor, t.Currency)...)

	start := time.Now()
	var result *Result
	err := r.breaker.Execute(rail, func() error {
		return retry.DoWithTimeout(ctx, r.attempts, r.baseDelay, r.timeout, func(ctx context.Context) error {
			res, err := exec.Execute(ctx, t)
			if err != nil {
				var te *TransferError
				if errors.As(err, &te) && !te.Retryable {
					return retry.Permanent(err)
				}
				return err
			}
			result = res
			return nil
		})
	}, railFault)
	transferDuration.WithLabelValues(rail).Observe(time.Since(start).Seconds())

	if errors.Is(err, circuitbreaker.ErrOpen) {
		transfersTotal.WithLabelValues(rail, "circuit_open").Inc()
		return nil, &TransferError{Rail: rail, Reason: "rail unavailable", Retryable: true, Err: err}
	}
	if err != nil {
		transfersTotal.WithLabelValues(rail, "failed").Inc()
		traces.RecordError(span, err)
		r.logger.Warn("transfer failed",
			"rail", rail,
			"correlationId", t.CorrelationID,
			logging.Amount("amount", t.AmountMinor, t.Currency),
			"error", err)
		var te *TransferError
		if !errors.As(err, &te) {
			err = &TransferError{Rail: rail, Reason: "rail error", Retryable: true, Err: err}
		}
		return nil, err
	}

	transfersTotal.WithLabelValues(rail, "succeeded").Inc()
	r.logger.Info("transfer sent",
		"rail", rail,
		"correlationId", t.CorrelationID,
		"reference", result.Reference,
		logging.Amount("amount", t.AmountMinor, t.Currency))
	return result, nil
}

// Track asks the rail that accepted a transfer for its current state.
func (r *Router) Track(ctx context.Context, rail, reference string) (TransferState, error) {
	exec, ok := r.rails[rail]
	if !ok {
		return "", &TransferError{Rail: rail, Reason: "no rail configured", Err: ErrNoRail}
	}
	t, ok := exec.(Tracker)
	if !ok {
		return "", fmt.Errorf("payout: %s rail cannot look up transfers", rail)
	}
	return t.Track(ctx, rail, reference)
}

// railFault reports whether an error says something about the rail's health.
func railFault(err error) bool {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

var (
	_ Executor = (*Router)(nil)
	_ Tracker  = (*Router)(nil)
)
