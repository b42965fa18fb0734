// Package teardown remediates injected faults.
package teardown

import (
	"context"
	"errors"
	"fmt"

	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/events"
	"github.com/eniac111/faultops/internal/metrics"
	"github.com/eniac111/faultops/internal/retry"
	"github.com/eniac111/faultops/internal/store"
	"github.com/eniac111/faultops/internal/task"
	"github.com/eniac111/faultops/internal/types"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const remediationTaskType = "REMEDIATION"

var tracer = otel.Tracer("faultops.teardown")

// Remediator undoes faults.
type Remediator interface {
	RemediateFault(ctx context.Context, taskID string) (controlplane.Task, error)
}

// Tasks reads and waits on tasks.
type Tasks interface {
	Resolve(ctx context.Context, id string) (types.Category, types.Status, error)
	WaitFor(ctx context.Context, id string, exp task.Expectation) (controlplane.Task, error)
}

// Action is what teardown did with one task.
type Action string

const (
	Remediated Action = "remediated"
	Skipped    Action = "skipped"
	Failed     Action = "failed"
)

// Outcome is the result for one task id.
type Outcome struct {
	TaskID   string
	Category types.Category
	Status   types.Status
	Action   Action
	Err      error
}

// Teardown remediates tasks one after another.
type Teardown struct {
	api       Remediator
	tasks     Tasks
	pollBound retry.Bound
	ledger    store.Store
	events    events.Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures a Teardown.
type Option func(*Teardown)

// WithPollBound bounds the wait for a remediation to complete. The default
// waits without a deadline.
func WithPollBound(b retry.Bound) Option {
	return func(t *Teardown) { t.pollBound = b }
}

// WithLedger makes teardown use recorded categories and forget remediated
// tasks.
func WithLedger(s store.Store) Option {
	return func(t *Teardown) { t.ledger = s }
}

func WithEvents(p events.Publisher) Option {
	return func(t *Teardown) { t.events = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Teardown) { t.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Teardown) { t.metrics = m }
}

// New builds a teardown.
func New(api Remediator, tasks Tasks, opts ...Option) *Teardown {
	t := &Teardown{
		api:       api,
		tasks:     tasks,
		pollBound: retry.Forever(),
		events:    events.Nop{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Eligible reports whether a task in status with category is still active
// and can be remediated.
func Eligible(category types.Category, status types.Status) bool {
	return status == category.SuccessStatus()
}

// RemediateAll remediates every eligible task. A failure on one id does not
// stop the others; all failures are returned together.
func (t *Teardown) RemediateAll(ctx context.Context, ids []string) ([]Outcome, error) {
	ctx, span := tracer.Start(ctx, "teardown.RemediateAll")
	defer span.End()
	span.SetAttributes(attribute.StringSlice("fault.task_ids", ids))

	var (
		outcomes []Outcome
		result   *multierror.Error
	)
	for _, id := range ids {
		out := t.remediate(ctx, id)
		outcomes = append(outcomes, out)
		if out.Err != nil {
			result = multierror.Append(result, fmt.Errorf("task %s: %w", id, out.Err))
		}
	}
	err := result.ErrorOrNil()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return outcomes, err
}

func (t *Teardown) category(ctx context.Context, id string, inferred types.Category) types.Category {
	if t.ledger == nil {
		return inferred
	}
	rec, err := t.ledger.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("reading ledger failed", zap.String("task_id", id), zap.Error(err))
		}
		return inferred
	}
	return rec.Category
}

func (t *Teardown) remediate(ctx context.Context, id string) Outcome {
	out := Outcome{TaskID: id}
	log := t.logger.With(zap.String("task_id", id))

	inferred, status, err := t.tasks.Resolve(ctx, id)
	if err != nil {
		return t.fail(ctx, out, err, log)
	}
	out.Category = t.category(ctx, id, inferred)
	out.Status = status

	if !Eligible(out.Category, status) {
		log.Info("task is not active, skipping remediation",
			zap.String("category", string(out.Category)),
			zap.String("status", string(status)))
		out.Action = Skipped
		t.metrics.Remediated(metrics.ResultSkipped)
		return out
	}

	ack, err := t.api.RemediateFault(ctx, id)
	if err != nil {
		return t.fail(ctx, out, err, log)
	}
	if !ack.Initialized || ack.TaskType != remediationTaskType {
		return t.fail(ctx, out, &types.InjectionError{
			Category: out.Category,
			TaskID:   id,
			Reason:   fmt.Sprintf("remediation not initialized (task type %q)", ack.TaskType),
		}, log)
	}
	log.Info("remediation triggered", zap.String("category", string(out.Category)))

	_, err = t.tasks.WaitFor(ctx, id, task.Expectation{
		Expected: types.StatusSet{types.StatusCompleted},
		FailOn:   types.StatusSet{types.StatusFailed},
		Bound:    t.pollBound,
	})
	if err != nil {
		return t.fail(ctx, out, err, log)
	}

	out.Action = Remediated
	t.metrics.Remediated(metrics.ResultOK)
	if t.ledger != nil {
		if err := t.ledger.Delete(ctx, id); err != nil {
			log.Warn("removing task from the ledger failed", zap.Error(err))
		}
	}
	events.Emit(ctx, t.events, events.Event{
		Type:     events.FaultRemediated,
		TaskIDs:  []string{id},
		Category: out.Category,
	}, t.logger)
	log.Info("fault remediated")
	return out
}

func (t *Teardown) fail(ctx context.Context, out Outcome, err error, log *zap.Logger) Outcome {
	out.Action = Failed
	out.Err = err
	t.metrics.Remediated(metrics.ResultFailed)
	log.Error("remediation failed", zap.Error(err))
	events.Emit(ctx, t.events, events.Event{
		Type:     events.FaultRemediationFailed,
		TaskIDs:  []string{out.TaskID},
		Category: out.Category,
		Error:    err.Error(),
	}, t.logger)
	return out
}
