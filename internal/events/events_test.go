package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/eniac111/faultops/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu      sync.Mutex
	msgs    []message
	err     error
	closed  bool
	drained bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, message{subject: subject, data: data})
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool { return c.closed }

func TestPublishSubjectAndBody(t *testing.T) {
	c := &fakeConn{}
	p := newPublisher(c, "chaos.", zap.NewNop())

	err := p.Publish(context.Background(), Event{
		Type:     FaultInjected,
		TaskIDs:  []string{"t1", "t2"},
		Category: types.CategoryInfra,
		Subtype:  "CPU",
		Target:   "ep-group-abc123",
	})
	require.NoError(t, err)
	require.Len(t, c.msgs, 1)
	assert.Equal(t, "chaos.fault.injected", c.msgs[0].subject)

	var got Event
	require.NoError(t, json.Unmarshal(c.msgs[0].data, &got))
	assert.Equal(t, []string{"t1", "t2"}, got.TaskIDs)
	assert.Equal(t, types.CategoryInfra, got.Category)
	assert.False(t, got.Time.IsZero())
}

func TestDefaultPrefix(t *testing.T) {
	p := newPublisher(&fakeConn{}, "", zap.NewNop())
	assert.Equal(t, "faultops.fault.remediated", p.Subject(FaultRemediated))
}

func TestPublishAfterClose(t *testing.T) {
	c := &fakeConn{}
	p := newPublisher(c, "", zap.NewNop())
	require.NoError(t, p.Close())
	assert.True(t, c.drained)
	assert.Error(t, p.Publish(context.Background(), Event{Type: FaultRemediated}))
	assert.NoError(t, p.Close())
}

func TestEmitLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := &fakeConn{err: errors.New("slow consumer")}
	p := newPublisher(c, "", zap.NewNop())

	Emit(context.Background(), p, Event{Type: FaultRemediationFailed, TaskIDs: []string{"t1"}}, zap.New(core))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "publishing event failed", logs.All()[0].Message)

	Emit(context.Background(), nil, Event{Type: FaultInjected}, zap.New(core))
	Emit(context.Background(), Nop{}, Event{Type: FaultInjected}, zap.New(core))
	assert.Equal(t, 1, logs.Len())
}

func TestConnectNeedsURL(t *testing.T) {
	_, err := Connect(Config{}, nil)
	assert.Error(t, err)
}
