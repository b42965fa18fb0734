package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/eniac111/faultops/internal/config"
	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/dispatch"
	"github.com/eniac111/faultops/internal/endpoint"
	"github.com/eniac111/faultops/internal/events"
	"github.com/eniac111/faultops/internal/fault"
	"github.com/eniac111/faultops/internal/logging"
	"github.com/eniac111/faultops/internal/metrics"
	"github.com/eniac111/faultops/internal/ssh"
	"github.com/eniac111/faultops/internal/store"
	"github.com/eniac111/faultops/internal/task"
	"github.com/eniac111/faultops/internal/teardown"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const sshConnectTimeout = 30 * time.Second

// newDialer is replaced in tests.
var newDialer = func(logger *zap.Logger) ssh.Dialer {
	return ssh.SSHDialer{ConnectTimeout: sshConnectTimeout, Logger: logger}
}

// app holds everything built from the config file for one command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	client   *controlplane.Client
	metrics  *metrics.Metrics
	resolver *task.Resolver
	ledger   store.Store
	events   events.Publisher

	closers []func(context.Context) error
}

func newApp(opts *rootOptions, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		events:  events.Nop{},
	}
	a.onClose(func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	a.client, err = controlplane.New(cfg.ControlPlane, controlplane.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.resolver = task.NewResolver(a.client,
		task.WithInterval(cfg.Polling.Interval),
		task.WithLogger(logger),
		task.WithMetrics(a.metrics))

	if cfg.Store.Enabled() {
		ledger, err := store.Open(cfg.Store, logger)
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.ledger = ledger
		a.onClose(func(context.Context) error { return ledger.Close() })
	}

	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(cfg.Events, logger)
		if err != nil {
			logger.Warn("event publishing disabled", zap.String("url", cfg.Events.NATSURL), zap.Error(err))
		} else {
			a.events = pub
			a.onClose(func(context.Context) error { return pub.Close() })
		}
	}

	if opts.trace {
		shutdown, err := setupTracing(stderr)
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.onClose(shutdown)
	}

	if opts.metricsAddr != "" {
		if err := a.serveMetrics(opts.metricsAddr); err != nil {
			a.close(context.Background())
			return nil, err
		}
	}
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close runs the closers in reverse order.
func (a *app) close(ctx context.Context) error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	a.onClose(srv.Shutdown)
	return nil
}

func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "faultops"))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func (a *app) provisioner() *endpoint.Provisioner {
	return endpoint.NewProvisioner(a.client,
		endpoint.WithExistenceChecks(a.cfg.Polling.RetryAttempts, a.cfg.Polling.RetrySleep),
		endpoint.WithLogger(a.logger),
		endpoint.WithMetrics(a.metrics))
}

func (a *app) dispatcher() *dispatch.Dispatcher {
	cfg := a.cfg
	deps := fault.Deps{
		API:    a.client,
		Tasks:  a.resolver,
		Dialer: newDialer(a.logger),
	}
	return dispatch.New(a.provisioner(), deps,
		dispatch.WithGroup(cfg.Group.Name, cfg.Group.Reuse),
		dispatch.WithExecutorOptions(
			fault.WithProcessTable(cfg.ProcessTable),
			fault.WithPollBound(cfg.Polling.PollBound()),
			fault.WithOnFailure(cfg.Polling.FailureMode()),
			fault.WithChildLookup(cfg.Polling.RetryAttempts, cfg.Polling.RetrySleep),
			fault.WithMetrics(a.metrics),
		),
		dispatch.WithLedger(a.ledger),
		dispatch.WithEvents(a.events),
		dispatch.WithLogger(a.logger),
	)
}

func (a *app) teardown() *teardown.Teardown {
	return teardown.New(a.client, a.resolver,
		teardown.WithPollBound(a.cfg.Polling.TeardownBound()),
		teardown.WithLedger(a.ledger),
		teardown.WithEvents(a.events),
		teardown.WithLogger(a.logger),
		teardown.WithMetrics(a.metrics),
	)
}
