// Package retry holds the bounded retry and polling primitives used by the
// provisioning, injection and teardown flows.
//
// A Bound is either an attempt count, a wall-clock timeout or explicitly
// unbounded. The three forms are mutually exclusive by construction.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	retrygo "github.com/avast/retry-go/v4"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrExhausted is returned by Poll when the bound ran out before the
// condition held.
var ErrExhausted = errors.New("poll bound exhausted")

var errNotReady = errors.New("condition not met")

// Bound limits a retry or poll loop.
type Bound struct {
	attempts  uint
	timeout   time.Duration
	unbounded bool
}

// Attempts bounds a loop by the number of calls, including the first one.
func Attempts(n uint) Bound { return Bound{attempts: n} }

// Within bounds a loop by elapsed wall-clock time.
func Within(d time.Duration) Bound { return Bound{timeout: d} }

// Forever never gives up on its own; only the context stops it.
func Forever() Bound { return Bound{unbounded: true} }

// IsForever reports whether the bound has no deadline.
func (b Bound) IsForever() bool { return b.unbounded }

// Validate rejects the zero Bound.
func (b Bound) Validate() error {
	if b.attempts == 0 && b.timeout <= 0 && !b.unbounded {
		return errors.New("retry: bound needs attempts, a timeout or Forever")
	}
	return nil
}

func (b Bound) String() string {
	switch {
	case b.attempts > 0:
		return fmt.Sprintf("%d attempt(s)", b.attempts)
	case b.unbounded:
		return "no deadline"
	default:
		return b.timeout.String()
	}
}

// Func is one attempt of a retried operation.
type Func func(ctx context.Context) error

// Condition reports whether the awaited state was reached. A non-nil error
// stops the poll immediately.
type Condition func(ctx context.Context) (bool, error)

type options struct {
	logger  *zap.Logger
	name    string
	retryIf func(error) bool
}

// Option configures Do and Poll.
type Option func(*options)

// WithLogger logs each failed attempt at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithName labels log lines with the operation name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// RetryIf restricts which errors are retried. Other errors are returned
// immediately.
func RetryIf(fn func(error) bool) Option {
	return func(o *options) { o.retryIf = fn }
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:  zap.NewNop(),
		name:    "operation",
		retryIf: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// Do calls fn until it returns nil, returns a permanent error, or the bound
// is exhausted. It sleeps for a fixed interval between attempts and returns
// the last error on exhaustion.
func Do(ctx context.Context, b Bound, sleep time.Duration, fn Func, opts ...Option) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if sleep < 0 {
		return errors.New("retry: negative sleep")
	}
	o := newOptions(opts)
	if b.attempts > 0 {
		return doAttempts(ctx, b.attempts, sleep, fn, o)
	}
	if sleep == 0 {
		return errors.New("retry: time-bounded loops need a non-zero interval")
	}
	return doElapsed(ctx, b, sleep, fn, o)
}

func doAttempts(ctx context.Context, attempts uint, sleep time.Duration, fn Func, o *options) error {
	err := retrygo.Do(
		func() error { return fn(ctx) },
		retrygo.Context(ctx),
		retrygo.Attempts(attempts),
		retrygo.Delay(sleep),
		retrygo.DelayType(retrygo.FixedDelay),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(func(err error) bool {
			return !isPermanent(err) && o.retryIf(err)
		}),
		retrygo.OnRetry(func(n uint, err error) {
			o.logger.Debug("attempt failed",
				zap.String("op", o.name),
				zap.Uint("attempt", n+1),
				zap.Uint("max_attempts", attempts),
				zap.Error(err))
		}),
	)
	return unwrapPermanent(err)
}

func doElapsed(ctx context.Context, b Bound, sleep time.Duration, fn Func, o *options) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = sleep
	eb.MaxInterval = sleep
	eb.Multiplier = 1
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = b.timeout // zero means never stop

	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isPermanent(err) || !o.retryIf(err) {
			return backoff.Permanent(unwrapPermanent(err))
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		o.logger.Debug("attempt failed",
			zap.String("op", o.name),
			zap.Int("attempt", attempt),
			zap.Stringer("bound", b),
			zap.Duration("next_in", next),
			zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(eb, ctx), notify)
}

// Poll evaluates cond every interval until it reports true. It returns an
// error wrapping ErrExhausted when the bound runs out first.
func Poll(ctx context.Context, b Bound, interval time.Duration, cond Condition, opts ...Option) error {
	start := time.Now()
	err := Do(ctx, b, interval, func(ctx context.Context) error {
		done, err := cond(ctx)
		if err != nil {
			return Permanent(err)
		}
		if !done {
			return errNotReady
		}
		return nil
	}, opts...)
	if errors.Is(err, errNotReady) {
		return fmt.Errorf("%w: %s elapsed (bound %s)", ErrExhausted, time.Since(start).Round(time.Millisecond), b)
	}
	return err
}
