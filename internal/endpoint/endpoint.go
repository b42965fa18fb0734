// Package endpoint registers remote machines with the control plane and
// groups them for multi-target faults.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/metrics"
	"github.com/eniac111/faultops/internal/retry"
	"github.com/eniac111/faultops/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EndpointPrefix   = "ep-"
	CredentialPrefix = "ep-cred-"
	GroupPrefix      = "ep-group-"

	DefaultCheckAttempts = 5
	DefaultCheckSleep    = 10 * time.Second

	suffixLen               = 6
	connectionTimeoutMillis = 1000
)

// API is the part of the control plane client the provisioner uses.
type API interface {
	ListCredentials(ctx context.Context) ([]controlplane.Credential, error)
	CreateCredential(ctx context.Context, name, username, password string) (controlplane.Credential, error)
	UpdateCredential(ctx context.Context, name, username, password string) (controlplane.Credential, error)
	DeleteCredentials(ctx context.Context, names ...string) error

	TestEndpoint(ctx context.Context, ep controlplane.EndpointSpec) error
	ListEndpoints(ctx context.Context) ([]controlplane.EndpointSpec, error)
	CreateEndpoint(ctx context.Context, ep controlplane.EndpointSpec) (controlplane.EndpointSpec, error)
	DeleteEndpoints(ctx context.Context, names ...string) error

	ListGroups(ctx context.Context) ([]controlplane.EndpointSpec, error)
	CreateGroup(ctx context.Context, g controlplane.EndpointSpec) (controlplane.EndpointSpec, error)
	UpdateGroup(ctx context.Context, g controlplane.EndpointSpec) (controlplane.EndpointSpec, error)
	DeleteGroups(ctx context.Context, names ...string) error
}

var errNotVisible = errors.New("not visible yet")

// RandomSuffix returns six lowercase hex characters.
func RandomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}

// EndpointName derives a fresh endpoint name for ip.
func EndpointName(ip string) string { return EndpointPrefix + ip + RandomSuffix() }

// CredentialName is deterministic so that repeated runs update the same
// credential.
func CredentialName(ip string) string { return CredentialPrefix + ip }

// GroupName derives a fresh endpoint group name.
func GroupName() string { return GroupPrefix + RandomSuffix() }

// Provisioner registers machines. Endpoint names are derived once per
// machine and reused for the provisioner's lifetime.
type Provisioner struct {
	api      API
	attempts uint
	sleep    time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	names map[string]string
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithExistenceChecks sets how often and how far apart existence checks are
// retried.
func WithExistenceChecks(attempts uint, sleep time.Duration) Option {
	return func(p *Provisioner) {
		p.attempts = attempts
		p.sleep = sleep
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provisioner) { p.metrics = m }
}

// NewProvisioner builds a provisioner.
func NewProvisioner(api API, opts ...Option) *Provisioner {
	p := &Provisioner{
		api:      api,
		attempts: DefaultCheckAttempts,
		sleep:    DefaultCheckSleep,
		logger:   zap.NewNop(),
		names:    map[string]string{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provisioner) nameFor(m types.Machine) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := m.Addr()
	if name, ok := p.names[key]; ok {
		return name
	}
	name := EndpointName(m.IP)
	p.names[key] = name
	return name
}

// Spec builds the endpoint and test-connection payload.
func Spec(ep types.Endpoint) controlplane.EndpointSpec {
	return controlplane.EndpointSpec{
		Name:            ep.Name,
		EndPointType:    controlplane.EndpointTypeMachine,
		CredentialsName: ep.CredentialName,
		RemoteMachineConnectionProperties: &controlplane.ConnectionProperties{
			Host:    ep.IP,
			OSType:  controlplane.OSTypeLinux,
			SSHPort: ep.SSHPort,
			Timeout: connectionTimeoutMillis,
		},
	}
}

// Setup makes sure the machine's credential and endpoint exist and that the
// control plane can reach it. It is safe to call repeatedly.
func (p *Provisioner) Setup(ctx context.Context, m types.Machine) (types.Endpoint, error) {
	m = m.WithDefaults()
	if err := m.Validate(); err != nil {
		return types.Endpoint{}, err
	}
	ep := types.Endpoint{
		Name:           p.nameFor(m),
		CredentialName: CredentialName(m.IP),
		IP:             m.IP,
		SSHPort:        m.SSHPort,
	}
	log := p.logger.With(zap.String("endpoint", ep.Name), zap.String("host", m.IP))

	if err := p.ensureCredential(ctx, m, ep.CredentialName, log); err != nil {
		p.metrics.Provisioned(metrics.ResultFailed)
		return types.Endpoint{}, fmt.Errorf("provisioning %s: %w", m.IP, err)
	}

	spec := Spec(ep)
	log.Debug("testing endpoint connection")
	if err := p.api.TestEndpoint(ctx, spec); err != nil {
		p.metrics.Provisioned(metrics.ResultFailed)
		return types.Endpoint{}, fmt.Errorf("provisioning %s: test connection: %w", m.IP, err)
	}

	created, err := p.ensureEndpoint(ctx, spec, log)
	if err != nil {
		p.metrics.Provisioned(metrics.ResultFailed)
		return types.Endpoint{}, fmt.Errorf("provisioning %s: %w", m.IP, err)
	}
	result := metrics.ResultUpdated
	if created {
		result = metrics.ResultCreated
	}
	p.metrics.Provisioned(result)
	log.Info("endpoint ready", zap.String("credential", ep.CredentialName), zap.String("result", result))
	return ep, nil
}

func (p *Provisioner) ensureCredential(ctx context.Context, m types.Machine, name string, log *zap.Logger) error {
	exists, err := p.credentialExists(ctx, name)
	if err != nil {
		return err
	}

	if exists {
		log.Debug("credential exists, updating it", zap.String("credential", name))
		_, err = p.api.UpdateCredential(ctx, name, m.Username, m.Password)
	} else {
		log.Debug("creating credential", zap.String("credential", name))
		_, err = p.api.CreateCredential(ctx, name, m.Username, m.Password)
	}
	if err != nil {
		return fmt.Errorf("writing credential %s: %w", name, err)
	}

	// the credential list lags behind writes
	err = p.check(ctx, "await credential "+name, func(ctx context.Context) error {
		ok, err := p.listHas(ctx, "credentials", p.credentialNames, name)
		if err != nil {
			return err
		}
		if !ok {
			return errNotVisible
		}
		return nil
	})
	if err != nil {
		return &types.TransientError{Op: "await credential " + name, Err: err}
	}
	return nil
}

func (p *Provisioner) ensureEndpoint(ctx context.Context, spec controlplane.EndpointSpec, log *zap.Logger) (bool, error) {
	exists, err := p.endpointExists(ctx, spec.Name)
	if err != nil {
		return false, err
	}
	if exists {
		log.Debug("endpoint already exists, skipping")
		return false, nil
	}
	if _, err := p.api.CreateEndpoint(ctx, spec); err != nil {
		return false, fmt.Errorf("creating endpoint %s: %w", spec.Name, err)
	}
	return true, nil
}

func (p *Provisioner) credentialNames(ctx context.Context) ([]string, error) {
	creds, err := p.api.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(creds))
	for i, c := range creds {
		out[i] = c.Name
	}
	return out, nil
}

func (p *Provisioner) endpointNames(ctx context.Context) ([]string, error) {
	eps, err := p.api.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(eps))
	for i, e := range eps {
		out[i] = e.Name
	}
	return out, nil
}

func (p *Provisioner) groupNames(ctx context.Context) ([]string, error) {
	groups, err := p.api.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.Name
	}
	return out, nil
}

// listHas reports whether name is in the listing. Entries without a name
// make the listing malformed.
func (p *Provisioner) listHas(ctx context.Context, kind string, list func(context.Context) ([]string, error), name string) (bool, error) {
	names, err := list(ctx)
	if err != nil {
		return false, err
	}
	found := false
	for _, n := range names {
		if n == "" {
			return false, fmt.Errorf("%w: %s entry without a name", controlplane.ErrMalformed, kind)
		}
		if n == name {
			found = true
		}
	}
	return found, nil
}

// check retries fn on transient and malformed responses.
func (p *Provisioner) check(ctx context.Context, op string, fn retry.Func) error {
	return retry.Do(ctx, retry.Attempts(p.attempts), p.sleep, fn,
		retry.WithLogger(p.logger),
		retry.WithName(op),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errNotVisible) ||
				errors.Is(err, controlplane.ErrMalformed) ||
				controlplane.Retryable(err)
		}))
}

func (p *Provisioner) exists(ctx context.Context, kind string, list func(context.Context) ([]string, error), name string) (bool, error) {
	var found bool
	err := p.check(ctx, "list "+kind, func(ctx context.Context) error {
		ok, err := p.listHas(ctx, kind, list, name)
		found = ok
		return err
	})
	if err != nil {
		return false, &types.TransientError{Op: "list " + kind, Err: err}
	}
	return found, nil
}

func (p *Provisioner) credentialExists(ctx context.Context, name string) (bool, error) {
	return p.exists(ctx, "credentials", p.credentialNames, name)
}

func (p *Provisioner) endpointExists(ctx context.Context, name string) (bool, error) {
	return p.exists(ctx, "endpoints", p.endpointNames, name)
}

func (p *Provisioner) groupExists(ctx context.Context, name string) (bool, error) {
	return p.exists(ctx, "endpoint groups", p.groupNames, name)
}

// awaitGone retries until name no longer shows up in the listing.
func (p *Provisioner) awaitGone(ctx context.Context, kind string, list func(context.Context) ([]string, error), name string) error {
	err := p.check(ctx, "await deletion of "+name, func(ctx context.Context) error {
		ok, err := p.listHas(ctx, kind, list, name)
		if err != nil {
			return err
		}
		if ok {
			return errNotVisible
		}
		return nil
	})
	if err != nil {
		return &types.TransientError{Op: "await deletion of " + name, Err: err}
	}
	return nil
}

// DeleteEndpoint removes an endpoint and waits until it is gone. The
// injection flow never calls it.
func (p *Provisioner) DeleteEndpoint(ctx context.Context, name string) error {
	if err := p.api.DeleteEndpoints(ctx, name); err != nil {
		return fmt.Errorf("deleting endpoint %s: %w", name, err)
	}
	if err := p.awaitGone(ctx, "endpoints", p.endpointNames, name); err != nil {
		return err
	}
	p.logger.Info("endpoint deleted", zap.String("endpoint", name))
	return nil
}

// DeleteCredential removes a credential and waits until it is gone.
func (p *Provisioner) DeleteCredential(ctx context.Context, name string) error {
	if err := p.api.DeleteCredentials(ctx, name); err != nil {
		return fmt.Errorf("deleting credential %s: %w", name, err)
	}
	if err := p.awaitGone(ctx, "credentials", p.credentialNames, name); err != nil {
		return err
	}
	p.logger.Info("credential deleted", zap.String("credential", name))
	return nil
}
