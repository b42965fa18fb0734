package task

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/controlplane/cptest"
	"github.com/eniac111/faultops/internal/metrics"
	"github.com/eniac111/faultops/internal/retry"
	"github.com/eniac111/faultops/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted answers with one status per read and repeats the last one.
type scripted struct {
	mu       sync.Mutex
	statuses []string
	errs     []error
	reads    int
}

func (s *scripted) GetTask(_ context.Context, id string) (controlplane.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.reads
	s.reads++
	if n < len(s.errs) && s.errs[n] != nil {
		return controlplane.Task{}, s.errs[n]
	}
	if n >= len(s.statuses) {
		n = len(s.statuses) - 1
	}
	return controlplane.Task{ID: id, TaskDescription: "fault on ep-1", MangleTaskInfo: controlplane.TaskInfo{TaskStatus: s.statuses[n]}}, nil
}

func fast(g Getter, opts ...Option) *Resolver {
	return NewResolver(g, append([]Option{WithInterval(time.Millisecond)}, opts...)...)
}

func TestInferCategory(t *testing.T) {
	assert.Equal(t, types.CategoryApp, InferCategory("Executing Fault: memory with jvmprocess=4242"))
	assert.Equal(t, types.CategoryInfra, InferCategory("Executing Fault: cpu on ep-1"))
	assert.Equal(t, types.CategoryInfra, InferCategory(""))
}

func TestSummarize(t *testing.T) {
	ft := Summarize(controlplane.Task{
		ID:              "parent",
		TaskType:        "INJECTION",
		TaskDescription: "Executing Fault: cpu on endpoint: ep-group-x",
		MangleTaskInfo:  controlplane.TaskInfo{TaskStatus: "injected"},
		Triggers:        []controlplane.Trigger{{ChildTaskIDs: []string{"c1", "c2"}}},
	})
	assert.Equal(t, types.FaultTask{
		ID:          "parent",
		Status:      types.StatusInjected,
		Category:    types.CategoryInfra,
		Description: "Executing Fault: cpu on endpoint: ep-group-x",
		TaskType:    "INJECTION",
		ChildIDs:    []string{"c1", "c2"},
	}, ft)
}

func TestResolve(t *testing.T) {
	srv := cptest.New(t)
	srv.AddTask(controlplane.Task{
		ID:              "t-app",
		TaskDescription: "Executing Fault: memory with jvmprocess=4242",
		MangleTaskInfo:  controlplane.TaskInfo{TaskStatus: "COMPLETED"},
	})
	r := NewResolver(srv.NewClient(t))

	category, status, err := r.Resolve(context.Background(), "t-app")
	require.NoError(t, err)
	assert.Equal(t, types.CategoryApp, category)
	assert.Equal(t, types.StatusCompleted, status)

	_, _, err = r.Resolve(context.Background(), "missing")
	var se *controlplane.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	var terr *types.TransientError
	assert.False(t, errors.As(err, &terr))
}

func TestWaitForReachesExpected(t *testing.T) {
	g := &scripted{statuses: []string{"IN_PROGRESS", "IN_PROGRESS", "IN_PROGRESS", "INJECTED"}}
	m := metrics.New()
	r := fast(g, WithMetrics(m))

	got, err := r.WaitFor(context.Background(), "t1", Expectation{
		Expected: types.StatusSet{types.StatusInjected},
		Bound:    retry.Attempts(10),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusInjected, got.Status())
	assert.Equal(t, 4, g.reads)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TaskPolls.WithLabelValues(metrics.PollPending)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskPolls.WithLabelValues(metrics.PollReached)))
}

func TestWaitForTimeout(t *testing.T) {
	g := &scripted{statuses: []string{"IN_PROGRESS"}}
	r := NewResolver(g, WithInterval(5*time.Millisecond))

	_, err := r.WaitFor(context.Background(), "t1", Expectation{
		Expected: types.StatusSet{types.StatusCompleted},
		Bound:    retry.Within(30 * time.Millisecond),
	})
	var terr *types.TimeoutError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, "t1", terr.TaskID)
	assert.Equal(t, types.StatusInProgress, terr.Last)
	assert.Equal(t, types.StatusSet{types.StatusCompleted}, terr.Expected)
}

func TestWaitForTerminalStatus(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   types.Status
	}{
		{name: "failed", status: "FAILED", want: types.StatusFailed},
		{name: "not started with space", status: "NOT STARTED", want: types.StatusNotStarted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &scripted{statuses: []string{"IN_PROGRESS", tt.status}}
			r := fast(g)
			_, err := r.WaitFor(context.Background(), "t1", Expectation{
				Expected: types.StatusSet{types.StatusInjected},
				Bound:    retry.Attempts(10),
			})
			var serr *types.TerminalStatusError
			require.True(t, errors.As(err, &serr), "got %v", err)
			assert.Equal(t, tt.want, serr.Status)
			assert.Equal(t, 2, g.reads)
		})
	}
}

func TestWaitForStallKeepsPolling(t *testing.T) {
	g := &scripted{statuses: []string{"FAILED"}}
	r := fast(g)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := r.WaitFor(ctx, "t1", Expectation{
		Expected:  types.StatusSet{types.StatusInjected},
		Bound:     retry.Forever(),
		OnFailure: Stall,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var serr *types.TerminalStatusError
	assert.False(t, errors.As(err, &serr))
	assert.Greater(t, g.reads, 1)
}

func TestWaitForCustomFailSet(t *testing.T) {
	g := &scripted{statuses: []string{"NOT_STARTED", "COMPLETED"}}
	r := fast(g)
	_, err := r.WaitFor(context.Background(), "t1", Expectation{
		Expected: types.StatusSet{types.StatusCompleted},
		FailOn:   types.StatusSet{types.StatusFailed},
		Bound:    retry.Attempts(5),
	})
	assert.NoError(t, err)
}

func TestWaitForHoldsOffFirstRead(t *testing.T) {
	g := &scripted{statuses: []string{"INJECTED"}}
	r := NewResolver(g, WithInterval(30*time.Millisecond))

	start := time.Now()
	_, err := r.WaitFor(context.Background(), "t1", Expectation{
		Expected: types.StatusSet{types.StatusInjected},
		Bound:    retry.Attempts(3),
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 1, g.reads)
}

func TestWaitForCancelledBeforeFirstRead(t *testing.T) {
	g := &scripted{statuses: []string{"NOT_STARTED"}}
	r := NewResolver(g, WithInterval(time.Millisecond), WithFirstReadDelay(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.WaitFor(ctx, "t1", Expectation{
		Expected: types.StatusSet{types.StatusInjected},
		Bound:    retry.Forever(),
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.reads)
}

func TestWaitForWithoutFirstReadDelay(t *testing.T) {
	g := &scripted{statuses: []string{"NOT_STARTED"}}
	r := NewResolver(g, WithInterval(time.Minute), WithFirstReadDelay(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.WaitFor(ctx, "t1", Expectation{
		Expected: types.StatusSet{types.StatusInjected},
		Bound:    retry.Attempts(3),
	})
	var serr *types.TerminalStatusError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, 1, g.reads)
}

func TestWaitForRetriesTransientReads(t *testing.T) {
	unavailable := &controlplane.StatusError{Method: "GET", Path: "/tasks/t1", StatusCode: http.StatusBadGateway}
	g := &scripted{statuses: []string{"COMPLETED"}, errs: []error{unavailable, unavailable}}
	r := fast(g)
	_, err := r.WaitFor(context.Background(), "t1", Expectation{
		Expected: types.StatusSet{types.StatusCompleted},
		Bound:    retry.Attempts(5),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, g.reads)
}

func TestWaitForStopsOnClientError(t *testing.T) {
	notFound := &controlplane.StatusError{Method: "GET", Path: "/tasks/t1", StatusCode: http.StatusNotFound}
	g := &scripted{statuses: []string{"COMPLETED"}, errs: []error{notFound}}
	r := fast(g)
	_, err := r.WaitFor(context.Background(), "t1", Expectation{
		Expected: types.StatusSet{types.StatusCompleted},
		Bound:    retry.Attempts(5),
	})
	var se *controlplane.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 1, g.reads)
}
