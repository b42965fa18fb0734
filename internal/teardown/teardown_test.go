package teardown

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/controlplane/cptest"
	"github.com/eniac111/faultops/internal/events"
	"github.com/eniac111/faultops/internal/metrics"
	"github.com/eniac111/faultops/internal/store"
	"github.com/eniac111/faultops/internal/task"
	"github.com/eniac111/faultops/internal/types"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() error { return nil }

func seed(srv *cptest.Server, id, description string, status types.Status) {
	srv.AddTask(controlplane.Task{
		ID:              id,
		TaskType:        "INJECTION",
		TaskDescription: description,
		Initialized:     true,
		MangleTaskInfo:  controlplane.TaskInfo{TaskStatus: string(status)},
	})
}

const (
	infraDesc = "Executing Fault: cpu on endpoint: ep-1"
	appDesc   = "Executing Fault: memory on endpoint: ep-1 with jvmprocess=4242"
)

func newTeardown(t *testing.T, srv *cptest.Server, opts ...Option) *Teardown {
	t.Helper()
	client := srv.NewClient(t)
	return New(client, task.NewResolver(client, task.WithInterval(time.Millisecond)), opts...)
}

func TestEligible(t *testing.T) {
	assert.True(t, Eligible(types.CategoryInfra, types.StatusInjected))
	assert.True(t, Eligible(types.CategoryApp, types.StatusCompleted))
	assert.False(t, Eligible(types.CategoryInfra, types.StatusCompleted))
	assert.False(t, Eligible(types.CategoryApp, types.StatusInjected))
	assert.False(t, Eligible(types.CategoryInfra, types.StatusFailed))
}

func TestRemediateAll(t *testing.T) {
	srv := cptest.New(t)
	seed(srv, "infra-active", infraDesc, types.StatusInjected)
	seed(srv, "app-active", appDesc, types.StatusCompleted)
	seed(srv, "infra-done", infraDesc, types.StatusCompleted)
	seed(srv, "app-pending", appDesc, types.StatusInjected)
	seed(srv, "failed", infraDesc, types.StatusFailed)
	m := metrics.New()
	rec := &recorder{}

	outcomes, err := newTeardown(t, srv, WithMetrics(m), WithEvents(rec)).RemediateAll(context.Background(),
		[]string{"infra-active", "app-active", "infra-done", "app-pending", "failed"})
	require.NoError(t, err)

	actions := map[string]Action{}
	for _, o := range outcomes {
		actions[o.TaskID] = o.Action
	}
	assert.Equal(t, map[string]Action{
		"infra-active": Remediated,
		"app-active":   Remediated,
		"infra-done":   Skipped,
		"app-pending":  Skipped,
		"failed":       Skipped,
	}, actions)
	assert.Equal(t, []string{"infra-active", "app-active"}, srv.Remediated())

	tk, _ := srv.Task("infra-active")
	assert.Equal(t, types.StatusCompleted, tk.Status())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Remediations.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Remediations.WithLabelValues(metrics.ResultSkipped)))
	require.Len(t, rec.events, 2)
	assert.Equal(t, events.FaultRemediated, rec.events[0].Type)
}

func TestRemediateAllContinuesAfterFailure(t *testing.T) {
	srv := cptest.New(t)
	seed(srv, "a", infraDesc, types.StatusInjected)
	seed(srv, "c", infraDesc, types.StatusInjected)
	rec := &recorder{}

	outcomes, err := newTeardown(t, srv, WithEvents(rec)).RemediateAll(context.Background(), []string{"a", "missing", "c"})
	require.Error(t, err)
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 1)
	var se *controlplane.StatusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	require.Len(t, outcomes, 3)
	assert.Equal(t, Remediated, outcomes[0].Action)
	assert.Equal(t, Failed, outcomes[1].Action)
	assert.Equal(t, Remediated, outcomes[2].Action)
	assert.Equal(t, []string{"a", "c"}, srv.Remediated())

	var failed int
	for _, ev := range rec.events {
		if ev.Type == events.FaultRemediationFailed {
			failed++
			assert.Equal(t, []string{"missing"}, ev.TaskIDs)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestRemediationNotInitialized(t *testing.T) {
	srv := cptest.New(t)
	srv.RemediationNotInitialized(true)
	seed(srv, "a", infraDesc, types.StatusInjected)
	seed(srv, "b", infraDesc, types.StatusInjected)

	outcomes, err := newTeardown(t, srv).RemediateAll(context.Background(), []string{"a", "b"})
	var ierr *types.InjectionError
	require.True(t, errors.As(err, &ierr), "got %v", err)
	assert.Equal(t, Failed, outcomes[0].Action)
	assert.Equal(t, Failed, outcomes[1].Action)
	assert.Equal(t, []string{"a", "b"}, srv.Remediated())
}

func TestRecordedCategoryWins(t *testing.T) {
	srv := cptest.New(t)
	// nothing in the description marks this as a jvm fault
	seed(srv, "app-task", infraDesc, types.StatusCompleted)

	ledger, err := store.Open(store.Config{InMemory: true}, nil)
	require.NoError(t, err)
	defer ledger.Close()
	ctx := context.Background()
	require.NoError(t, ledger.Put(ctx, store.TaskRecord{ID: "app-task", Category: types.CategoryApp, Subtype: "MEMORY"}))

	outcomes, err := newTeardown(t, srv).RemediateAll(ctx, []string{"app-task"})
	require.NoError(t, err)
	assert.Equal(t, Skipped, outcomes[0].Action, "the description heuristic says INFRA")

	outcomes, err = newTeardown(t, srv, WithLedger(ledger)).RemediateAll(ctx, []string{"app-task"})
	require.NoError(t, err)
	assert.Equal(t, Remediated, outcomes[0].Action)
	assert.Equal(t, types.CategoryApp, outcomes[0].Category)

	_, err = ledger.Get(ctx, "app-task")
	assert.ErrorIs(t, err, store.ErrNotFound, "remediated tasks leave the ledger")
}

func TestRemediationWaitsForCompletion(t *testing.T) {
	srv := cptest.New(t)
	srv.SetPendingPolls(3)
	seed(srv, "a", infraDesc, types.StatusInjected)

	_, err := newTeardown(t, srv).RemediateAll(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 5, srv.Count(http.MethodGet, "/tasks/a"), "one resolve plus four polls")
}
