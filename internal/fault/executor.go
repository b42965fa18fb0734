package fault

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/metrics"
	"github.com/eniac111/faultops/internal/retry"
	"github.com/eniac111/faultops/internal/ssh"
	"github.com/eniac111/faultops/internal/task"
	"github.com/eniac111/faultops/internal/types"
	"go.uber.org/zap"
)

const (
	// RemountCommand lets the control plane's agent execute from /tmp.
	RemountCommand = "mount -o remount,exec /tmp"
	// AuditCommand records the target's clock right before submission.
	AuditCommand = "date"

	DefaultPollTimeout         = 120 * time.Second
	DefaultChildLookupAttempts = 5
	DefaultChildLookupSleep    = 10 * time.Second
)

// DefaultProcessTable maps the symbolic JVM process names operators use to
// the identifiers matched against the target's process list.
func DefaultProcessTable() map[string]string {
	return map[string]string{
		"corfu":           "corfu_oom",
		"corfu-nonconfig": "corfu-nonconfig_oom",
		"cbm":             "cbm_oom",
		"proton":          "proton_oom",
		"policy":          "policy_oom",
	}
}

// PIDCommand lists pids of user's processes matching ident.
func PIDCommand(user, ident string) string {
	return fmt.Sprintf("pgrep -u %s -la|grep '%s'|awk '{print $1}'", user, ident)
}

var identPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// Submitter posts fault payloads.
type Submitter interface {
	InjectFault(ctx context.Context, path string, payload interface{}) (controlplane.Task, error)
}

// Tasks reads and waits on control-plane tasks.
type Tasks interface {
	Get(ctx context.Context, id string) (controlplane.Task, error)
	WaitFor(ctx context.Context, id string, exp task.Expectation) (controlplane.Task, error)
}

// Deps are the collaborators an Executor talks to.
type Deps struct {
	API    Submitter
	Tasks  Tasks
	Dialer ssh.Dialer
}

// Target is the endpoint or endpoint group a fault is aimed at.
type Target struct {
	Name  string
	Group bool
}

func EndpointTarget(ep types.Endpoint) Target { return Target{Name: ep.Name} }

func GroupTarget(g types.EndpointGroup) Target { return Target{Name: g.Name, Group: true} }

// Executor stages the target machines, submits one fault and waits for it
// to take effect. It keeps one shell open against the first machine until
// Close.
type Executor struct {
	deps     Deps
	target   Target
	machines []types.Machine
	primary  ssh.Shell

	processes   map[string]string
	pollBound   retry.Bound
	onFailure   task.OnFailure
	lookupTries uint
	lookupSleep time.Duration
	cmdTimeout  time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithProcessTable adds symbolic process names to the default table.
func WithProcessTable(extra map[string]string) Option {
	return func(e *Executor) {
		for k, v := range extra {
			e.processes[k] = v
		}
	}
}

// WithPollBound bounds the wait for each task to reach its success status.
func WithPollBound(b retry.Bound) Option {
	return func(e *Executor) { e.pollBound = b }
}

// WithOnFailure selects what waits do when a task lands in a failure
// status.
func WithOnFailure(f task.OnFailure) Option {
	return func(e *Executor) { e.onFailure = f }
}

// WithChildLookup sets how often a group's parent task is re-read until it
// lists its child tasks.
func WithChildLookup(attempts uint, sleep time.Duration) Option {
	return func(e *Executor) {
		e.lookupTries = attempts
		e.lookupSleep = sleep
	}
}

func WithCommandTimeout(d time.Duration) Option {
	return func(e *Executor) { e.cmdTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor remounts /tmp on every machine, one short session each, and
// opens the session against machines[0] that later commands run on.
func NewExecutor(ctx context.Context, deps Deps, target Target, machines []types.Machine, opts ...Option) (*Executor, error) {
	if len(machines) == 0 {
		return nil, &types.ValidationError{Field: "machines", Reason: "at least one machine is required"}
	}
	if target.Name == "" {
		return nil, &types.ValidationError{Field: "target", Reason: "target name is empty"}
	}
	e := &Executor{
		deps:        deps,
		target:      target,
		machines:    machines,
		processes:   DefaultProcessTable(),
		pollBound:   retry.Within(DefaultPollTimeout),
		lookupTries: DefaultChildLookupAttempts,
		lookupSleep: DefaultChildLookupSleep,
		cmdTimeout:  ssh.DefaultCommandTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.pollBound.Validate(); err != nil {
		return nil, err
	}
	e.logger = e.logger.With(zap.String("target", target.Name))

	for _, m := range machines {
		if err := e.remount(ctx, m); err != nil {
			return nil, err
		}
	}

	primary, err := deps.Dialer.Dial(ctx, machines[0])
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", machines[0].IP, err)
	}
	e.primary = primary
	return e, nil
}

func (e *Executor) remount(ctx context.Context, m types.Machine) error {
	sh, err := e.deps.Dialer.Dial(ctx, m)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", m.IP, err)
	}
	defer sh.Close()

	res, err := sh.Run(ctx, RemountCommand, e.cmdTimeout)
	if err != nil {
		return fmt.Errorf("remounting /tmp on %s: %w", m.IP, err)
	}
	if res.ExitCode != 0 {
		e.logger.Warn("remount exited non-zero",
			zap.String("host", m.IP),
			zap.Int("exit_code", res.ExitCode),
			zap.String("stderr", res.Stderr))
	}
	return nil
}

// Close ends the primary session.
func (e *Executor) Close() error {
	if e.primary == nil {
		return nil
	}
	err := e.primary.Close()
	e.primary = nil
	return err
}

// SupportedProcesses lists the symbolic process names, sorted.
func (e *Executor) SupportedProcesses() []string {
	out := make([]string, 0, len(e.processes))
	for k := range e.processes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ResolvePID looks up the pid of a symbolic JVM process on the primary
// machine.
func (e *Executor) ResolvePID(ctx context.Context, process, user string) (int, error) {
	ident, ok := e.processes[process]
	if !ok {
		return 0, &types.ValidationError{
			Field:  ParamJVMProcess,
			Reason: fmt.Sprintf("unknown process %q, supported: %s", process, strings.Join(e.SupportedProcesses(), ", ")),
		}
	}
	if !identPattern.MatchString(ident) {
		return 0, &types.ValidationError{Field: ParamJVMProcess, Reason: fmt.Sprintf("invalid process identifier %q", ident)}
	}
	if !userPattern.MatchString(user) {
		return 0, &types.ValidationError{Field: ParamUser, Reason: fmt.Sprintf("invalid user name %q", user)}
	}
	if e.primary == nil {
		return 0, errors.New("executor is closed")
	}

	cmd := PIDCommand(user, ident)
	res, err := e.primary.Run(ctx, cmd, e.cmdTimeout)
	if err != nil {
		return 0, fmt.Errorf("looking up pid of %s: %w", process, err)
	}
	e.logger.Debug("pid lookup", zap.String("command", cmd), zap.String("stdout", res.Stdout), zap.Int("exit_code", res.ExitCode))

	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(res.Stdout), "\n", 2)[0])
	pid, err := strconv.Atoi(first)
	if err != nil || pid <= 0 {
		return 0, &types.InjectionError{
			Category: types.CategoryApp,
			Reason:   fmt.Sprintf("no running process of user %s matches %s (%s)", user, ident, process),
		}
	}
	e.logger.Info("resolved jvm process", zap.String("process", process), zap.Int("pid", pid))
	return pid, nil
}

// Submission is one submitted fault. Group faults fan out into one child
// task per member.
type Submission struct {
	TaskID   string
	ChildIDs []string
}

// IDs returns the child ids of a group fault, otherwise the task id.
func (s Submission) IDs() []string {
	if len(s.ChildIDs) > 0 {
		return s.ChildIDs
	}
	if s.TaskID == "" {
		return nil
	}
	return []string{s.TaskID}
}

// Inject builds and submits req, then waits for it to take effect. The
// returned submission carries whatever ids were assigned even when the wait
// fails.
func (e *Executor) Inject(ctx context.Context, req types.FaultRequest) (Submission, error) {
	if e.primary == nil {
		return Submission{}, errors.New("executor is closed")
	}
	schema, err := Lookup(req.Category, req.Subtype)
	if err != nil {
		return Submission{}, err
	}
	payload, err := schema.Build(ctx, req.Params, e.target.Name, e.ResolvePID)
	if err != nil {
		return Submission{}, err
	}

	dir := InjectionHomeDir(req.Params)
	if err := e.primary.EnsureDir(dir); err != nil {
		e.logger.Warn("could not stage injection home dir", zap.String("dir", dir), zap.Error(err))
	}

	if res, err := e.primary.Run(ctx, AuditCommand, e.cmdTimeout); err != nil {
		e.logger.Warn("audit command failed", zap.Error(err))
	} else {
		e.logger.Info("submitting fault",
			zap.String("category", string(schema.Category)),
			zap.String("subtype", schema.Subtype),
			zap.String("remote_time", strings.TrimSpace(res.Stdout)))
	}

	submitted, err := e.deps.API.InjectFault(ctx, schema.Path, payload)
	if err != nil {
		return Submission{}, fmt.Errorf("submitting %s %s fault: %w", schema.Category, schema.Subtype, err)
	}
	if submitted.ID == "" {
		return Submission{}, &types.InjectionError{
			Category: schema.Category,
			Subtype:  schema.Subtype,
			Reason:   "submission response carries no task id",
		}
	}
	e.logger.Info("fault submitted", zap.String("task_id", submitted.ID), zap.Bool("group", e.target.Group))

	sub := Submission{TaskID: submitted.ID}
	if e.target.Group {
		sub.ChildIDs, err = e.awaitGroup(ctx, submitted.ID)
	} else {
		err = e.await(ctx, submitted.ID)
	}
	if err != nil {
		return sub, err
	}
	e.metrics.Injected(string(schema.Category), schema.Subtype, len(sub.IDs()))
	return sub, nil
}

// injectionDone holds the statuses at which a submitted fault has run. Faults
// such as process kills settle at COMPLETED without ever reporting INJECTED.
var injectionDone = types.StatusSet{types.StatusInjected, types.StatusCompleted}

func (e *Executor) await(ctx context.Context, id string) error {
	_, err := e.deps.Tasks.WaitFor(ctx, id, task.Expectation{
		Expected:  injectionDone,
		Bound:     e.pollBound,
		OnFailure: e.onFailure,
	})
	return err
}

var errNoChildren = errors.New("no child tasks listed yet")

// ChildIDs reads the child task ids of a group's parent task, re-reading
// while the control plane has not listed them yet.
func (e *Executor) ChildIDs(ctx context.Context, parentID string) ([]string, error) {
	var children []string
	err := retry.Do(ctx, retry.Attempts(e.lookupTries), e.lookupSleep, func(ctx context.Context) error {
		t, err := e.deps.Tasks.Get(ctx, parentID)
		if err != nil {
			return err
		}
		children = t.ChildIDs()
		if len(children) == 0 {
			return errNoChildren
		}
		return nil
	},
		retry.WithLogger(e.logger),
		retry.WithName("child tasks of "+parentID),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errNoChildren) ||
				errors.Is(err, controlplane.ErrMalformed) ||
				controlplane.Retryable(err)
		}))
	switch {
	case err == nil:
		return children, nil
	case errors.Is(err, errNoChildren):
		return nil, &types.InjectionError{TaskID: parentID, Reason: "group task lists no child tasks"}
	case errors.Is(err, controlplane.ErrMalformed) || controlplane.Retryable(err):
		return nil, &types.TransientError{Op: "read child tasks of " + parentID, Err: err}
	}
	return nil, err
}

// awaitGroup waits for the parent task and then for every child.
func (e *Executor) awaitGroup(ctx context.Context, parentID string) ([]string, error) {
	children, err := e.ChildIDs(ctx, parentID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("group fault fanned out", zap.String("task_id", parentID), zap.Strings("children", children))

	if err := e.await(ctx, parentID); err != nil {
		return children, err
	}
	for _, id := range children {
		if err := e.await(ctx, id); err != nil {
			return children, err
		}
	}
	return children, nil
}

// Execute runs one fault end to end and always closes the sessions it
// opened.
func Execute(ctx context.Context, deps Deps, target Target, machines []types.Machine, req types.FaultRequest, opts ...Option) (Submission, error) {
	e, err := NewExecutor(ctx, deps, target, machines, opts...)
	if err != nil {
		return Submission{}, err
	}
	defer e.Close()
	return e.Inject(ctx, req)
}
