package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultUsername is used when a machine descriptor leaves the user empty.
	DefaultUsername = "root"
	// DefaultSSHPort is used when a machine descriptor leaves the port unset.
	DefaultSSHPort = 22
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Category is the fault area a request targets.
type Category string

const (
	CategoryInfra Category = "INFRA"
	CategoryApp   Category = "APP"
)

// ParseCategory accepts INFRA or APP in any case.
func ParseCategory(s string) (Category, error) {
	switch Category(strings.ToUpper(strings.TrimSpace(s))) {
	case CategoryInfra:
		return CategoryInfra, nil
	case CategoryApp:
		return CategoryApp, nil
	}
	return "", &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown fault category %q", s)}
}

// SuccessStatus is the task status at which a fault of this category counts
// as successfully applied. Infrastructure faults stay INJECTED while active,
// application faults report COMPLETED once the agent has attached.
func (c Category) SuccessStatus() Status {
	if c == CategoryApp {
		return StatusCompleted
	}
	return StatusInjected
}

// Status is a control-plane task status.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusInjected   Status = "INJECTED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// NormalizeStatus maps "not started", "NOT STARTED" and "NOT_STARTED" to the
// same value.
func NormalizeStatus(s string) Status {
	return Status(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), " ", "_"))
}

// StatusSet is a small set of statuses used by polls.
type StatusSet []Status

// Contains reports whether s is in the set.
func (ss StatusSet) Contains(s Status) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (ss StatusSet) String() string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Machine identifies one remote target host.
type Machine struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	IP       string `json:"ip" yaml:"ip" validate:"required,ip|hostname_rfc1123"`
	Username string `json:"username" yaml:"username" validate:"required"`
	Password string `json:"-" yaml:"password" validate:"required"`
	SSHPort  int    `json:"ssh_port" yaml:"ssh_port,omitempty" validate:"min=1,max=65535"`
}

// NewMachine builds a descriptor with defaults resolved and validates it.
func NewMachine(name, ip, username, password string, sshPort int) (Machine, error) {
	m := Machine{Name: name, IP: ip, Username: username, Password: password, SSHPort: sshPort}.WithDefaults()
	if err := m.Validate(); err != nil {
		return Machine{}, err
	}
	return m, nil
}

// WithDefaults fills the username and ssh port when they are unset.
func (m Machine) WithDefaults() Machine {
	if m.Username == "" {
		m.Username = DefaultUsername
	}
	if m.SSHPort == 0 {
		m.SSHPort = DefaultSSHPort
	}
	return m
}

// Validate checks the descriptor fields.
func (m Machine) Validate() error {
	if err := validate.Struct(m); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{
				Field:  "machine." + strings.ToLower(fe.Field()),
				Reason: fmt.Sprintf("failed %q check for machine %q", fe.Tag(), m.Name),
			}
		}
		return &ValidationError{Field: "machine", Reason: err.Error()}
	}
	return nil
}

// Addr returns the host:port used for SSH.
func (m Machine) Addr() string {
	return net.JoinHostPort(m.IP, strconv.Itoa(m.SSHPort))
}

// Endpoint is the control plane's registration of one machine.
type Endpoint struct {
	Name           string `json:"name"`
	CredentialName string `json:"credentialsName"`
	IP             string `json:"ip"`
	SSHPort        int    `json:"sshPort"`
}

// EndpointGroup aggregates endpoints under one name for group faults.
type EndpointGroup struct {
	Name    string   `json:"name"`
	Members []string `json:"endpointNames"`
}

// FaultRequest describes one fault injection.
type FaultRequest struct {
	Category Category               `json:"category" yaml:"category"`
	Subtype  string                 `json:"subtype" yaml:"subtype"`
	Params   map[string]interface{} `json:"params" yaml:"params"`
}

// FaultTask is the control plane's view of one task.
type FaultTask struct {
	ID          string   `json:"id"`
	Status      Status   `json:"status"`
	Category    Category `json:"category"`
	Description string   `json:"description,omitempty"`
	TaskType    string   `json:"taskType,omitempty"`
	ChildIDs    []string `json:"childTaskIds,omitempty"`
}
