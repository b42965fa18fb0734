// Package config loads the YAML file that drives a faultops run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/events"
	"github.com/eniac111/faultops/internal/logging"
	"github.com/eniac111/faultops/internal/retry"
	"github.com/eniac111/faultops/internal/store"
	"github.com/eniac111/faultops/internal/task"
	"github.com/eniac111/faultops/internal/types"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPollInterval  = 10 * time.Second
	DefaultPollTimeout   = 120 * time.Second
	DefaultRetryAttempts = 5
	DefaultRetrySleep    = 10 * time.Second

	OnFailureFail  = "fail"
	OnFailureStall = "stall"
)

// Config is the whole file.
type Config struct {
	ControlPlane controlplane.Config `yaml:"control_plane"`
	Machines     []types.Machine     `yaml:"machines" validate:"dive"`
	Fault        types.FaultRequest  `yaml:"fault"`
	Group        Group               `yaml:"group"`
	Polling      Polling             `yaml:"polling"`
	// ProcessTable adds symbolic JVM process names on top of the built-in
	// table.
	ProcessTable map[string]string `yaml:"process_table" validate:"dive,keys,required,endkeys,required"`
	Store        store.Config      `yaml:"store"`
	Events       events.Config     `yaml:"events"`
	Log          logging.Config    `yaml:"log"`
}

// Group controls endpoint grouping for multi-machine infra faults.
type Group struct {
	Name  string `yaml:"name" validate:"required_if=Reuse true"`
	Reuse bool   `yaml:"reuse"`
}

// Polling controls task waits and existence checks.
type Polling struct {
	Interval      time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	RetryAttempts uint          `yaml:"retry_attempts"`
	RetrySleep    time.Duration `yaml:"retry_sleep" validate:"gte=0"`
	OnFailure     string        `yaml:"on_failure" validate:"omitempty,oneof=fail stall"`
	// TeardownTimeout bounds the wait for remediation. Zero waits forever.
	TeardownTimeout time.Duration `yaml:"teardown_timeout" validate:"gte=0"`
}

// PollBound is the bound for injection waits.
func (p Polling) PollBound() retry.Bound { return retry.Within(p.Timeout) }

// TeardownBound is the bound for remediation waits.
func (p Polling) TeardownBound() retry.Bound {
	if p.TeardownTimeout == 0 {
		return retry.Forever()
	}
	return retry.Within(p.TeardownTimeout)
}

// FailureMode maps on_failure to the resolver's mode.
func (p Polling) FailureMode() task.OnFailure {
	if p.OnFailure == OnFailureStall {
		return task.Stall
	}
	return task.FailFast
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ControlPlane.Scheme == "" {
		c.ControlPlane.Scheme = controlplane.DefaultScheme
	}
	for i, m := range c.Machines {
		if m.Name == "" {
			m.Name = m.IP
		}
		c.Machines[i] = m.WithDefaults()
	}
	if c.Fault.Category != "" {
		if cat, err := types.ParseCategory(string(c.Fault.Category)); err == nil {
			c.Fault.Category = cat
		}
	}
	if c.Polling.Interval == 0 {
		c.Polling.Interval = DefaultPollInterval
	}
	if c.Polling.Timeout == 0 {
		c.Polling.Timeout = DefaultPollTimeout
	}
	if c.Polling.RetryAttempts == 0 {
		c.Polling.RetryAttempts = DefaultRetryAttempts
	}
	if c.Polling.RetrySleep == 0 {
		c.Polling.RetrySleep = DefaultRetrySleep
	}
	if c.Polling.OnFailure == "" {
		c.Polling.OnFailure = OnFailureFail
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = events.DefaultSubjectPrefix
	}
}

// Validate checks struct tags and reports the first failure as a
// *types.ValidationError naming the YAML path.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		reason := fmt.Sprintf("failed %q check", fe.Tag())
		if fe.Param() != "" {
			reason = fmt.Sprintf("failed %q check (%s)", fe.Tag(), fe.Param())
		}
		return &types.ValidationError{Field: field, Reason: reason}
	}
	return &types.ValidationError{Field: "config", Reason: err.Error()}
}

// RequireMachines checks that the file lists at least one machine.
func (c *Config) RequireMachines() error {
	if len(c.Machines) == 0 {
		return &types.ValidationError{Field: "machines", Reason: "at least one machine is required"}
	}
	return nil
}
