// Package events publishes fault lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/eniac111/faultops/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	FaultInjected            = "fault.injected"
	FaultRemediated          = "fault.remediated"
	FaultRemediationFailed   = "fault.remediation_failed"
	DefaultSubjectPrefix     = "faultops"
	defaultReconnectWait     = 2 * time.Second
	defaultConnectionTimeout = 5 * time.Second
)

// Event is one lifecycle change.
type Event struct {
	Type     string         `json:"type"`
	TaskIDs  []string       `json:"taskIds"`
	Category types.Category `json:"category,omitempty"`
	Subtype  string         `json:"subtype,omitempty"`
	Target   string         `json:"target,omitempty"`
	Error    string         `json:"error,omitempty"`
	Time     time.Time      `json:"time"`
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Config selects the NATS server. An empty URL disables publishing.
type Config struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	IsClosed() bool
}

// NATSPublisher publishes events as JSON on <prefix>.<event type>.
type NATSPublisher struct {
	nc     conn
	prefix string
	logger *zap.Logger
}

// Connect dials NATS and keeps reconnecting in the background.
func Connect(cfg Config, logger *zap.Logger) (*NATSPublisher, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New("nats url is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("faultops"),
		nats.Timeout(defaultConnectionTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(defaultReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return newPublisher(nc, cfg.SubjectPrefix, logger), nil
}

func newPublisher(c conn, prefix string, logger *zap.Logger) *NATSPublisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: c, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.Subject(ev.Type), data)
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Drain()
}

// Emit publishes ev and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, ev Event, logger *zap.Logger) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil && logger != nil {
		logger.Warn("publishing event failed",
			zap.String("event", ev.Type),
			zap.Strings("task_ids", ev.TaskIDs),
			zap.Error(err))
	}
}
