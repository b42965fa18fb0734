package fault

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/controlplane/cptest"
	"github.com/eniac111/faultops/internal/metrics"
	"github.com/eniac111/faultops/internal/retry"
	"github.com/eniac111/faultops/internal/ssh"
	"github.com/eniac111/faultops/internal/ssh/sshtest"
	"github.com/eniac111/faultops/internal/task"
	"github.com/eniac111/faultops/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv    *cptest.Server
	dialer *sshtest.Dialer
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := cptest.New(t)
	client := srv.NewClient(t)
	dialer := sshtest.NewDialer()
	return &harness{
		srv:    srv,
		dialer: dialer,
		deps: Deps{
			API:    client,
			Tasks:  task.NewResolver(client, task.WithInterval(time.Millisecond)),
			Dialer: dialer,
		},
	}
}

func fastOpts(opts ...Option) []Option {
	return append([]Option{
		WithPollBound(retry.Attempts(20)),
		WithChildLookup(3, time.Millisecond),
	}, opts...)
}

func machines(t *testing.T, ips ...string) []types.Machine {
	t.Helper()
	var out []types.Machine
	for _, ip := range ips {
		m, err := types.NewMachine("node-"+ip, ip, "root", "pw", 0)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func cpuRequest() types.FaultRequest {
	return types.FaultRequest{
		Category: types.CategoryInfra,
		Subtype:  CPU,
		Params:   map[string]interface{}{ParamCPULoad: 80, ParamTimeout: 60},
	}
}

func TestExecuteSingleEndpoint(t *testing.T) {
	h := newHarness(t)
	h.srv.SetPendingPolls(2)
	h.dialer.Respond(AuditCommand, ssh.Result{Stdout: "Mon Oct 19 10:00:00 UTC 2026\n"})
	m := metrics.New()

	sub, err := Execute(context.Background(), h.deps, Target{Name: "ep-10.0.0.1abcdef"},
		machines(t, "10.0.0.1"), cpuRequest(), fastOpts(WithMetrics(m))...)
	require.NoError(t, err)
	ids := sub.IDs()
	assert.Empty(t, sub.ChildIDs)

	injections := h.srv.Injections()
	require.Len(t, injections, 1)
	assert.Equal(t, []string{injections[0].TaskID}, ids)
	assert.Equal(t, "cpu", injections[0].Path)
	assert.Equal(t, "ep-10.0.0.1abcdef", injections[0].Payload["endpointName"])
	assert.Equal(t, 60000.0, injections[0].Payload["timeoutInMilliseconds"])
	assert.Equal(t, 80.0, injections[0].Payload["cpuLoad"])

	assert.Equal(t, []string{RemountCommand, AuditCommand}, h.dialer.Commands("10.0.0.1"))
	assert.Equal(t, []string{DefaultInjectionHomeDir}, h.dialer.Dirs())
	assert.Equal(t, 0, h.dialer.Open())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FaultsInjected.WithLabelValues("INFRA", CPU)))
}

func TestExecuteRemountsEveryMachine(t *testing.T) {
	h := newHarness(t)
	ms := machines(t, "10.0.0.1", "10.0.0.2", "10.0.0.3")

	e, err := NewExecutor(context.Background(), h.deps, Target{Name: "ep-1"}, ms, fastOpts()...)
	require.NoError(t, err)
	for _, m := range ms {
		assert.Equal(t, []string{RemountCommand}, h.dialer.Commands(m.IP))
	}
	assert.Equal(t, 4, h.dialer.Dials())
	assert.Equal(t, 1, h.dialer.Open(), "only the primary session stays open")

	require.NoError(t, e.Close())
	assert.Equal(t, 0, h.dialer.Open())
	_, err = e.Inject(context.Background(), cpuRequest())
	assert.Error(t, err)
}

func TestExecuteClosesSessionsOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{name: "remount fails", setup: func(h *harness) { h.dialer.Fail(RemountCommand, errors.New("connection reset")) }},
		{name: "audit fails and submission rejected", setup: func(h *harness) {
			h.dialer.Fail(AuditCommand, errors.New("connection reset"))
			h.srv.Override(http.MethodPost, "/faults/cpu", http.StatusBadRequest, `{"message":"bad"}`, 1)
		}},
		{name: "dial fails on second machine", setup: func(h *harness) { h.dialer.FailDial("10.0.0.2", errors.New("no route")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			_, err := Execute(context.Background(), h.deps, Target{Name: "ep-1"},
				machines(t, "10.0.0.1", "10.0.0.2"), cpuRequest(), fastOpts()...)
			require.Error(t, err)
			assert.Equal(t, 0, h.dialer.Open())
		})
	}
}

func TestExecuteStagingFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailEnsureDir(errors.New("permission denied"))
	sub, err := Execute(context.Background(), h.deps, Target{Name: "ep-1"}, machines(t, "10.0.0.1"), cpuRequest(), fastOpts()...)
	require.NoError(t, err)
	assert.Len(t, sub.IDs(), 1)
}

func TestExecuteMissingTaskID(t *testing.T) {
	h := newHarness(t)
	h.srv.OmitTaskID(true)

	_, err := Execute(context.Background(), h.deps, Target{Name: "ep-1"}, machines(t, "10.0.0.1"), cpuRequest(), fastOpts()...)
	var ierr *types.InjectionError
	require.True(t, errors.As(err, &ierr), "got %v", err)
	assert.Equal(t, CPU, ierr.Subtype)
	assert.Equal(t, 1, h.srv.Count(http.MethodPost, "/faults/cpu"), "submission is not retried")
}

func TestExecuteValidationHappensBeforeSubmission(t *testing.T) {
	h := newHarness(t)
	req := cpuRequest()
	delete(req.Params, ParamCPULoad)

	_, err := Execute(context.Background(), h.deps, Target{Name: "ep-1"}, machines(t, "10.0.0.1"), req, fastOpts()...)
	var verr *types.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Empty(t, h.srv.Injections())
}

func TestExecuteTerminalStatus(t *testing.T) {
	h := newHarness(t)
	h.srv.SetFinalStatus(types.StatusFailed)

	sub, err := Execute(context.Background(), h.deps, Target{Name: "ep-1"}, machines(t, "10.0.0.1"), cpuRequest(), fastOpts()...)
	var serr *types.TerminalStatusError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.NotEmpty(t, sub.TaskID, "the submitted id is still returned")
}

func TestExecuteTimeout(t *testing.T) {
	h := newHarness(t)
	h.srv.SetPendingPolls(1000)

	_, err := Execute(context.Background(), h.deps, Target{Name: "ep-1"}, machines(t, "10.0.0.1"), cpuRequest(),
		fastOpts(WithPollBound(retry.Attempts(3)))...)
	var terr *types.TimeoutError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, types.StatusSet{types.StatusInjected, types.StatusCompleted}, terr.Expected)
}

func processKillRequest() types.FaultRequest {
	return types.FaultRequest{
		Category: types.CategoryInfra,
		Subtype:  ProcessKill,
		Params:   map[string]interface{}{ParamProcessDescriptor: "nginx"},
	}
}

func TestExecuteAcceptsCompletedInfraTask(t *testing.T) {
	h := newHarness(t)
	h.srv.SetFinalStatus(types.StatusCompleted)

	sub, err := Execute(context.Background(), h.deps, Target{Name: "ep-1"}, machines(t, "10.0.0.1"), processKillRequest(),
		fastOpts(WithPollBound(retry.Within(time.Second)))...)
	require.NoError(t, err)
	tk, ok := h.srv.Task(sub.TaskID)
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, tk.Status())
}

func createGroup(t *testing.T, h *harness, name string, members ...string) {
	t.Helper()
	client := h.deps.API.(*controlplane.Client)
	_, err := client.CreateGroup(context.Background(), controlplane.EndpointSpec{
		Name:              name,
		EndPointType:      controlplane.EndpointTypeGroup,
		EndpointGroupType: controlplane.EndpointTypeMachine,
		EndpointNames:     members,
	})
	require.NoError(t, err)
}

func TestExecuteGroupReturnsChildren(t *testing.T) {
	h := newHarness(t)
	createGroup(t, h, "ep-group-abc123", "ep-a", "ep-b", "ep-c")
	h.srv.SetPendingPolls(1)
	h.srv.HideChildren(2)

	sub, err := Execute(context.Background(), h.deps,
		GroupTarget(types.EndpointGroup{Name: "ep-group-abc123"}),
		machines(t, "10.0.0.1", "10.0.0.2", "10.0.0.3"), cpuRequest(), fastOpts()...)
	require.NoError(t, err)
	ids := sub.IDs()

	injections := h.srv.Injections()
	require.Len(t, injections, 1)
	assert.Equal(t, injections[0].TaskID, sub.TaskID)
	parent, ok := h.srv.Task(sub.TaskID)
	require.True(t, ok)
	assert.Equal(t, parent.ChildIDs(), ids)
	assert.Len(t, ids, 3)
	for _, id := range ids {
		child, ok := h.srv.Task(id)
		require.True(t, ok)
		assert.Equal(t, types.StatusInjected, child.Status())
	}
}

func TestExecuteGroupWithoutChildren(t *testing.T) {
	h := newHarness(t)
	createGroup(t, h, "ep-group-abc123", "ep-a", "ep-b")
	h.srv.HideChildren(100)

	_, err := Execute(context.Background(), h.deps,
		GroupTarget(types.EndpointGroup{Name: "ep-group-abc123"}),
		machines(t, "10.0.0.1", "10.0.0.2"), cpuRequest(), fastOpts()...)
	var ierr *types.InjectionError
	require.True(t, errors.As(err, &ierr), "got %v", err)
	assert.NotEmpty(t, ierr.TaskID)
}

func TestExecuteGroupAcceptsCompletedChildren(t *testing.T) {
	h := newHarness(t)
	createGroup(t, h, "ep-group-abc123", "ep-a", "ep-b")
	h.srv.SetFinalStatus(types.StatusCompleted)

	sub, err := Execute(context.Background(), h.deps,
		GroupTarget(types.EndpointGroup{Name: "ep-group-abc123"}),
		machines(t, "10.0.0.1", "10.0.0.2"), processKillRequest(),
		fastOpts(WithPollBound(retry.Within(time.Second)))...)
	require.NoError(t, err)
	require.Len(t, sub.IDs(), 2)
	for _, id := range sub.IDs() {
		child, ok := h.srv.Task(id)
		require.True(t, ok)
		assert.Equal(t, types.StatusCompleted, child.Status())
	}
}

func memoryRequest(process interface{}) types.FaultRequest {
	return types.FaultRequest{
		Category: types.CategoryApp,
		Subtype:  Memory,
		Params: map[string]interface{}{
			ParamMemoryLoad:   70,
			ParamTimeout:      30,
			ParamJavaHomePath: "/usr/lib/jvm",
			ParamJVMProcess:   process,
			ParamUser:         "app",
		},
	}
}

func TestExecuteResolvesSymbolicProcess(t *testing.T) {
	h := newHarness(t)
	h.dialer.Respond("pgrep", ssh.Result{Stdout: "31337\n31338\n"})

	sub, err := Execute(context.Background(), h.deps, Target{Name: "ep-1"}, machines(t, "10.0.0.1"),
		memoryRequest("myproc"), fastOpts(WithProcessTable(map[string]string{"myproc": "myproc"}))...)
	require.NoError(t, err)
	assert.Len(t, sub.IDs(), 1)

	assert.Equal(t, []string{
		RemountCommand,
		PIDCommand("app", "myproc"),
		AuditCommand,
	}, h.dialer.Commands("10.0.0.1"))

	injections := h.srv.Injections()
	require.Len(t, injections, 1)
	assert.Equal(t, map[string]interface{}{
		"javaHomePath": "/usr/lib/jvm",
		"jvmprocess":   31337.0,
		"user":         "app",
		"port":         float64(DefaultFreePort),
	}, injections[0].Payload["jvmProperties"])
}

func TestResolvePID(t *testing.T) {
	h := newHarness(t)
	e, err := NewExecutor(context.Background(), h.deps, Target{Name: "ep-1"}, machines(t, "10.0.0.1"), fastOpts()...)
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, []string{"cbm", "corfu", "corfu-nonconfig", "policy", "proton"}, e.SupportedProcesses())

	_, err = e.ResolvePID(context.Background(), "unknown", "app")
	var verr *types.ValidationError
	require.True(t, errors.As(err, &verr))

	_, err = e.ResolvePID(context.Background(), "corfu", "app")
	var ierr *types.InjectionError
	require.True(t, errors.As(err, &ierr), "no process running gives empty output")

	h.dialer.Respond("corfu_oom", ssh.Result{Stdout: "4242\n"})
	pid, err := e.ResolvePID(context.Background(), "corfu", "app")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
	assert.Contains(t, h.dialer.Commands("10.0.0.1"), "pgrep -u app -la|grep 'corfu_oom'|awk '{print $1}'")
}

func TestNewExecutorValidates(t *testing.T) {
	h := newHarness(t)
	_, err := NewExecutor(context.Background(), h.deps, Target{Name: "ep-1"}, nil)
	var verr *types.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = NewExecutor(context.Background(), h.deps, Target{}, machines(t, "10.0.0.1"))
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, h.dialer.Dials())
}
