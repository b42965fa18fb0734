package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/eniac111/faultops/internal/types"
)

const (
	EndpointTypeMachine = "MACHINE"
	EndpointTypeGroup   = "ENDPOINT_GROUP"
	OSTypeLinux         = "LINUX"
)

// ConnectionProperties describes how the control plane reaches a machine.
type ConnectionProperties struct {
	Host    string `json:"host"`
	OSType  string `json:"osType"`
	SSHPort int    `json:"sshPort"`
	Timeout int    `json:"timeout"`
}

// EndpointSpec is both the machine endpoint and the endpoint group payload.
type EndpointSpec struct {
	Name                              string                `json:"name"`
	EndPointType                      string                `json:"endPointType"`
	CredentialsName                   string                `json:"credentialsName,omitempty"`
	RemoteMachineConnectionProperties *ConnectionProperties `json:"remoteMachineConnectionProperties,omitempty"`
	EndpointGroupType                 string                `json:"endpointGroupType,omitempty"`
	EndpointNames                     []string              `json:"endpointNames,omitempty"`
}

// Credential is a stored remote-machine credential. The password is never
// returned by the control plane.
type Credential struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
}

// TaskInfo carries the task's current state.
type TaskInfo struct {
	TaskStatus string `json:"taskStatus"`
}

// Trigger is one execution of a task. Group faults list their per-member
// tasks here.
type Trigger struct {
	TaskStatus   string   `json:"taskStatus,omitempty"`
	ChildTaskIDs []string `json:"childTaskIDs,omitempty"`
}

// Task is the control plane's task document, as returned by the fault and
// task endpoints.
type Task struct {
	ID              string    `json:"id"`
	TaskName        string    `json:"taskName,omitempty"`
	TaskType        string    `json:"taskType,omitempty"`
	TaskDescription string    `json:"taskDescription,omitempty"`
	Initialized     bool      `json:"initialized"`
	MangleTaskInfo  TaskInfo  `json:"mangleTaskInfo"`
	Triggers        []Trigger `json:"triggers,omitempty"`
}

// Status returns the normalized task status.
func (t Task) Status() types.Status {
	return types.NormalizeStatus(t.MangleTaskInfo.TaskStatus)
}

// ChildIDs returns the child task ids from the first trigger.
func (t Task) ChildIDs() []string {
	if len(t.Triggers) == 0 {
		return nil
	}
	return t.Triggers[0].ChildTaskIDs
}

type page[T any] struct {
	Content *[]T `json:"content"`
}

func (c *Client) list(ctx context.Context, prefix, path string, out interface{}) error {
	return c.send(ctx, http.MethodGet, prefix, path, nil, nil, out)
}

func contentOf[T any](p page[T], path string) ([]T, error) {
	if p.Content == nil {
		return nil, fmt.Errorf("%w: GET %s: missing content", ErrMalformed, path)
	}
	return *p.Content, nil
}

// ListEndpoints returns every registered endpoint.
func (c *Client) ListEndpoints(ctx context.Context) ([]EndpointSpec, error) {
	var p page[EndpointSpec]
	if err := c.list(ctx, c.cfg.Prefix, "/endpoints", &p); err != nil {
		return nil, err
	}
	return contentOf(p, "/endpoints")
}

// CreateEndpoint registers a machine endpoint.
func (c *Client) CreateEndpoint(ctx context.Context, ep EndpointSpec) (EndpointSpec, error) {
	var out EndpointSpec
	err := c.send(ctx, http.MethodPost, c.cfg.Prefix, "/endpoints", nil, ep, &out)
	return out, err
}

// UpdateEndpoint replaces an existing endpoint.
func (c *Client) UpdateEndpoint(ctx context.Context, ep EndpointSpec) (EndpointSpec, error) {
	var out EndpointSpec
	err := c.send(ctx, http.MethodPut, c.cfg.Prefix, "/endpoints", nil, ep, &out)
	return out, err
}

// DeleteEndpoints removes endpoints or endpoint groups by name.
func (c *Client) DeleteEndpoints(ctx context.Context, endpointNames ...string) error {
	q := url.Values{"endpointNames": {strings.Join(endpointNames, ",")}}
	return c.send(ctx, http.MethodDelete, c.cfg.Prefix, "/endpoints", q, nil, nil)
}

// TestEndpoint asks the control plane to connect to the endpoint using its
// current credential.
func (c *Client) TestEndpoint(ctx context.Context, ep EndpointSpec) error {
	return c.send(ctx, http.MethodPost, c.cfg.Prefix, "/endpoints/testEndpoint", nil, ep, nil)
}

// ListCredentials returns every stored credential.
func (c *Client) ListCredentials(ctx context.Context) ([]Credential, error) {
	var p page[Credential]
	if err := c.list(ctx, c.cfg.Prefix, "/endpoints/credentials", &p); err != nil {
		return nil, err
	}
	return contentOf(p, "/endpoints/credentials")
}

func credentialQuery(name, username, password string) url.Values {
	return url.Values{"name": {name}, "username": {username}, "password": {password}}
}

// CreateCredential stores a remote-machine credential.
func (c *Client) CreateCredential(ctx context.Context, name, username, password string) (Credential, error) {
	var out Credential
	err := c.send(ctx, http.MethodPost, c.cfg.Prefix, "/endpoints/credentials/remotemachine",
		credentialQuery(name, username, password), nil, &out)
	return out, err
}

// UpdateCredential overwrites a stored remote-machine credential.
func (c *Client) UpdateCredential(ctx context.Context, name, username, password string) (Credential, error) {
	var out Credential
	err := c.send(ctx, http.MethodPut, c.cfg.Prefix, "/endpoints/credentials/remotemachine",
		credentialQuery(name, username, password), nil, &out)
	return out, err
}

// DeleteCredentials removes credentials by name.
func (c *Client) DeleteCredentials(ctx context.Context, credentialNames ...string) error {
	q := url.Values{"credentialNames": {strings.Join(credentialNames, ",")}}
	return c.send(ctx, http.MethodDelete, c.cfg.Prefix, "/endpoints/credentials", q, nil, nil)
}

// ListGroups returns every endpoint group.
func (c *Client) ListGroups(ctx context.Context) ([]EndpointSpec, error) {
	var p page[EndpointSpec]
	path := "/endpoints/type/" + EndpointTypeGroup
	if err := c.list(ctx, c.cfg.Prefix, path, &p); err != nil {
		return nil, err
	}
	return contentOf(p, path)
}

// CreateGroup creates an endpoint group.
func (c *Client) CreateGroup(ctx context.Context, g EndpointSpec) (EndpointSpec, error) {
	var out EndpointSpec
	err := c.send(ctx, http.MethodPost, c.cfg.GroupPrefix, "/endpoints", nil, g, &out)
	return out, err
}

// UpdateGroup replaces an endpoint group's membership.
func (c *Client) UpdateGroup(ctx context.Context, g EndpointSpec) (EndpointSpec, error) {
	var out EndpointSpec
	err := c.send(ctx, http.MethodPut, c.cfg.GroupPrefix, "/endpoints", nil, g, &out)
	return out, err
}

// DeleteGroups removes endpoint groups by name.
func (c *Client) DeleteGroups(ctx context.Context, groupNames ...string) error {
	return c.DeleteEndpoints(ctx, groupNames...)
}

// InjectFault posts a fault payload to /faults/<path>.
func (c *Client) InjectFault(ctx context.Context, path string, payload interface{}) (Task, error) {
	var out Task
	err := c.send(ctx, http.MethodPost, c.cfg.Prefix, "/faults/"+strings.TrimPrefix(path, "/"), nil, payload, &out)
	return out, err
}

// RemediateFault asks the control plane to undo the fault behind taskID.
func (c *Client) RemediateFault(ctx context.Context, taskID string) (Task, error) {
	var out Task
	err := c.send(ctx, http.MethodDelete, c.cfg.Prefix, "/faults/"+url.PathEscape(taskID), nil, nil, &out)
	return out, err
}

// RerunFault re-executes the fault behind taskID.
func (c *Client) RerunFault(ctx context.Context, taskID string) (Task, error) {
	var out Task
	err := c.send(ctx, http.MethodPost, c.cfg.Prefix, "/faults/"+url.PathEscape(taskID), nil, nil, &out)
	return out, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var out Task
	if err := c.send(ctx, http.MethodGet, c.cfg.Prefix, "/tasks/"+url.PathEscape(taskID), nil, nil, &out); err != nil {
		return Task{}, err
	}
	if out.ID == "" {
		return Task{}, fmt.Errorf("%w: GET /tasks/%s: missing id", ErrMalformed, taskID)
	}
	return out, nil
}

// ListTasks returns every task. Both a bare array and a paged document are
// accepted.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var raw json.RawMessage
	if err := c.list(ctx, c.cfg.Prefix, "/tasks", &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var tasks []Task
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return nil, fmt.Errorf("%w: GET /tasks: %v", ErrMalformed, err)
		}
		return tasks, nil
	}
	var p page[Task]
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: GET /tasks: %v", ErrMalformed, err)
	}
	return contentOf(p, "/tasks")
}

// DeleteTasks removes task records by id.
func (c *Client) DeleteTasks(ctx context.Context, taskIDs ...string) error {
	q := url.Values{"tasksIds": {strings.Join(taskIDs, ",")}}
	return c.send(ctx, http.MethodDelete, c.cfg.Prefix, "/tasks", q, nil, nil)
}
