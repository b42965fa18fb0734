// Package dispatch drives one fault request end to end: it registers the
// machines, groups them when the fault is an infrastructure fault against
// several hosts, and runs the executors.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/eniac111/faultops/internal/events"
	"github.com/eniac111/faultops/internal/fault"
	"github.com/eniac111/faultops/internal/store"
	"github.com/eniac111/faultops/internal/types"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("faultops.dispatch")

// Provisioner registers machines and groups their endpoints.
type Provisioner interface {
	Setup(ctx context.Context, m types.Machine) (types.Endpoint, error)
	FormGroup(ctx context.Context, members []types.Endpoint, name string) (types.EndpointGroup, error)
	EnsureGroup(ctx context.Context, members []types.Endpoint, name string) (types.EndpointGroup, error)
}

// Result is the outcome of one dispatch.
type Result struct {
	Endpoints []types.Endpoint
	Group     *types.EndpointGroup
	// TaskIDs are the ids teardown needs, in machine order. For a group
	// fault they are the child task ids.
	TaskIDs []string
	// ParentID is the group's parent task, empty for single endpoints.
	ParentID string
}

// Dispatcher runs fault requests. It is not safe for concurrent use.
type Dispatcher struct {
	provisioner Provisioner
	deps        fault.Deps
	execOpts    []fault.Option
	groupName   string
	reuseGroup  bool
	ledger      store.Store
	events      events.Publisher
	logger      *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithGroup names the endpoint group. With reuse set an existing group of
// that name is repointed at the machines instead of creating a new one.
func WithGroup(name string, reuse bool) Option {
	return func(d *Dispatcher) {
		d.groupName = name
		d.reuseGroup = reuse
	}
}

// WithExecutorOptions passes options to every executor.
func WithExecutorOptions(opts ...fault.Option) Option {
	return func(d *Dispatcher) { d.execOpts = append(d.execOpts, opts...) }
}

// WithLedger records every returned task.
func WithLedger(s store.Store) Option {
	return func(d *Dispatcher) { d.ledger = s }
}

func WithEvents(p events.Publisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New builds a dispatcher.
func New(p Provisioner, deps fault.Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		provisioner: p,
		deps:        deps,
		events:      events.Nop{},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate checks a request without touching the network.
func Validate(machines []types.Machine, req types.FaultRequest) error {
	if len(machines) == 0 {
		return &types.ValidationError{Field: "machines", Reason: "at least one machine is required"}
	}
	if _, err := types.ParseCategory(string(req.Category)); err != nil {
		return err
	}
	schema, err := fault.Lookup(req.Category, req.Subtype)
	if err != nil {
		return err
	}
	return schema.Validate(req.Params)
}

// Dispatch injects req into machines and returns the task ids to tear down
// later. Machines are handled one after another.
func (d *Dispatcher) Dispatch(ctx context.Context, machines []types.Machine, req types.FaultRequest) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("fault.category", string(req.Category)),
		attribute.String("fault.subtype", req.Subtype),
		attribute.Int("fault.machines", len(machines)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetAttributes(attribute.StringSlice("fault.task_ids", res.TaskIDs))
		span.SetStatus(codes.Ok, "")
	}()

	if err := Validate(machines, req); err != nil {
		return Result{}, err
	}
	log := d.logger.With(zap.String("category", string(req.Category)), zap.String("subtype", req.Subtype))

	for _, m := range machines {
		ep, err := d.provisioner.Setup(ctx, m)
		if err != nil {
			return res, err
		}
		res.Endpoints = append(res.Endpoints, ep)
	}
	span.AddEvent("endpoints provisioned")

	if req.Category == types.CategoryInfra && len(res.Endpoints) > 1 {
		g, err := d.group(ctx, res.Endpoints)
		if err != nil {
			return res, err
		}
		res.Group = &g
		span.AddEvent("endpoint group formed")
	}

	switch {
	case res.Group != nil:
		err = d.run(ctx, &res, fault.GroupTarget(*res.Group), machines, req)
	case req.Category == types.CategoryApp:
		for i, ep := range res.Endpoints {
			if err = d.run(ctx, &res, fault.EndpointTarget(ep), machines[i:i+1], req); err != nil {
				break
			}
		}
	default:
		err = d.run(ctx, &res, fault.EndpointTarget(res.Endpoints[0]), machines, req)
	}
	if err != nil {
		return res, err
	}

	log.Info("fault dispatched", zap.Strings("task_ids", res.TaskIDs))
	return res, nil
}

func (d *Dispatcher) group(ctx context.Context, eps []types.Endpoint) (types.EndpointGroup, error) {
	if d.reuseGroup {
		return d.provisioner.EnsureGroup(ctx, eps, d.groupName)
	}
	return d.provisioner.FormGroup(ctx, eps, d.groupName)
}

// run executes one fault and records whatever ids it was assigned, even
// when waiting for them failed.
func (d *Dispatcher) run(ctx context.Context, res *Result, target fault.Target, machines []types.Machine, req types.FaultRequest) error {
	sub, err := fault.Execute(ctx, d.deps, target, machines, req, append([]fault.Option{fault.WithLogger(d.logger)}, d.execOpts...)...)
	ids := sub.IDs()
	if target.Group {
		res.ParentID = sub.TaskID
	}
	res.TaskIDs = append(res.TaskIDs, ids...)
	d.record(ctx, ids, res.ParentID, target.Name, req)

	if err != nil {
		return err
	}
	events.Emit(ctx, d.events, events.Event{
		Type:     events.FaultInjected,
		TaskIDs:  ids,
		Category: req.Category,
		Subtype:  req.Subtype,
		Target:   target.Name,
	}, d.logger)
	return nil
}

func (d *Dispatcher) record(ctx context.Context, ids []string, parent, target string, req types.FaultRequest) {
	if d.ledger == nil {
		return
	}
	now := time.Now().UTC()
	var errs *multierror.Error
	for _, id := range ids {
		if err := d.ledger.Put(ctx, store.TaskRecord{
			ID:        id,
			Category:  req.Category,
			Subtype:   req.Subtype,
			Target:    target,
			ParentID:  parent,
			CreatedAt: now,
		}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("task %s: %w", id, err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		d.logger.Warn("recording tasks in the ledger failed", zap.Strings("task_ids", ids), zap.Error(err))
	}
}
