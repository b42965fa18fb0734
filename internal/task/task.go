// Package task resolves control-plane task state and waits for tasks to
// reach a status.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/metrics"
	"github.com/eniac111/faultops/internal/retry"
	"github.com/eniac111/faultops/internal/types"
	"go.uber.org/zap"
)

// DefaultInterval is the time between two reads of a task.
const DefaultInterval = 10 * time.Second

// DefaultFailOn is the set of statuses that end a wait with a
// TerminalStatusError unless the caller opts into Stall.
var DefaultFailOn = types.StatusSet{types.StatusNotStarted, types.StatusFailed}

// appMarker in a task description means the fault targeted a JVM.
const appMarker = "jvmprocess"

// Getter reads one task.
type Getter interface {
	GetTask(ctx context.Context, id string) (controlplane.Task, error)
}

// OnFailure selects what a wait does when the task lands in a failure
// status.
type OnFailure int

const (
	// FailFast returns a TerminalStatusError.
	FailFast OnFailure = iota
	// Stall logs at error level and keeps polling until the context ends,
	// leaving the task untouched for manual investigation.
	Stall
)

// Expectation describes one wait.
type Expectation struct {
	Expected  types.StatusSet
	FailOn    types.StatusSet // nil means DefaultFailOn
	Bound     retry.Bound
	OnFailure OnFailure
}

// Resolver reads task state from the control plane.
type Resolver struct {
	client    Getter
	interval  time.Duration
	firstRead time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithInterval(d time.Duration) Option {
	return func(r *Resolver) { r.interval = d }
}

// WithFirstReadDelay sets how long a wait holds off before its first read.
// It defaults to the poll interval, since a freshly submitted task can
// briefly report NOT_STARTED.
func WithFirstReadDelay(d time.Duration) Option {
	return func(r *Resolver) { r.firstRead = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver builds a resolver around client.
func NewResolver(client Getter, opts ...Option) *Resolver {
	r := &Resolver{client: client, interval: DefaultInterval, firstRead: -1, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	if r.firstRead < 0 {
		r.firstRead = r.interval
	}
	return r
}

// InferCategory guesses the fault category from a task description. It is
// only used when no recorded category is available.
func InferCategory(description string) types.Category {
	if strings.Contains(description, appMarker) {
		return types.CategoryApp
	}
	return types.CategoryInfra
}

// Summarize flattens a task document into a FaultTask.
func Summarize(t controlplane.Task) types.FaultTask {
	return types.FaultTask{
		ID:          t.ID,
		Status:      t.Status(),
		Category:    InferCategory(t.TaskDescription),
		Description: t.TaskDescription,
		TaskType:    t.TaskType,
		ChildIDs:    t.ChildIDs(),
	}
}

// Resolve returns the task's inferred category and current status.
func (r *Resolver) Resolve(ctx context.Context, id string) (types.Category, types.Status, error) {
	t, err := r.client.GetTask(ctx, id)
	if err != nil {
		if controlplane.Retryable(err) {
			return "", "", &types.TransientError{Op: "get task " + id, Err: err}
		}
		return "", "", fmt.Errorf("get task %s: %w", id, err)
	}
	category := InferCategory(t.TaskDescription)
	r.logger.Debug("resolved task",
		zap.String("task_id", id),
		zap.String("category", string(category)),
		zap.String("status", string(t.Status())))
	return category, t.Status(), nil
}

// Get returns the raw task document.
func (r *Resolver) Get(ctx context.Context, id string) (controlplane.Task, error) {
	return r.client.GetTask(ctx, id)
}

// WaitFor polls id until its status is in exp.Expected. It returns a
// *types.TimeoutError when the bound runs out and a
// *types.TerminalStatusError when the task lands in a failure status.
func (r *Resolver) WaitFor(ctx context.Context, id string, exp Expectation) (controlplane.Task, error) {
	failOn := exp.FailOn
	if failOn == nil {
		failOn = DefaultFailOn
	}

	var last controlplane.Task
	stalled := false
	start := time.Now()

	r.logger.Info("waiting for task",
		zap.String("task_id", id),
		zap.Stringer("expected", exp.Expected),
		zap.Stringer("bound", exp.Bound))

	if r.firstRead > 0 {
		timer := time.NewTimer(r.firstRead)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}

	err := retry.Poll(ctx, exp.Bound, r.interval, func(ctx context.Context) (bool, error) {
		t, err := r.client.GetTask(ctx, id)
		if err != nil {
			if controlplane.Retryable(err) {
				r.metrics.Polled(metrics.PollError)
				r.logger.Warn("task read failed, will retry", zap.String("task_id", id), zap.Error(err))
				return false, nil
			}
			return false, err
		}
		last = t
		status := t.Status()

		if exp.Expected.Contains(status) {
			r.metrics.Polled(metrics.PollReached)
			return true, nil
		}
		if failOn.Contains(status) {
			r.metrics.Polled(metrics.PollFailed)
			if exp.OnFailure == Stall {
				if !stalled {
					r.logger.Error("task reached a failure status, holding for investigation",
						zap.String("task_id", id),
						zap.String("status", string(status)),
						zap.String("description", t.TaskDescription))
					stalled = true
				}
				return false, nil
			}
			return false, &types.TerminalStatusError{TaskID: id, Status: status, Description: t.TaskDescription}
		}
		r.metrics.Polled(metrics.PollPending)
		r.logger.Debug("task pending", zap.String("task_id", id), zap.String("status", string(status)))
		return false, nil
	}, retry.WithLogger(r.logger), retry.WithName("wait for task "+id))

	switch {
	case err == nil:
		r.logger.Info("task reached expected status",
			zap.String("task_id", id),
			zap.String("status", string(last.Status())),
			zap.Duration("waited", time.Since(start)))
		return last, nil
	case errors.Is(err, retry.ErrExhausted):
		r.metrics.Polled(metrics.PollTimedOut)
		return last, &types.TimeoutError{
			TaskID:   id,
			Expected: exp.Expected,
			Last:     last.Status(),
			Waited:   time.Since(start).Round(time.Millisecond),
		}
	}
	return last, err
}
