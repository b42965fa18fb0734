// Package cptest runs an in-memory control plane over httptest for tests.
package cptest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/types"
)

const (
	Username = "admin"
	Password = "admin-pass"

	v1 = controlplane.DefaultPrefix
	v2 = controlplane.DefaultGroupPrefix
)

// Request is one call observed by the server.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

// Injection is one fault submission.
type Injection struct {
	Path    string
	TaskID  string
	Payload map[string]interface{}
}

type override struct {
	method string
	path   string
	status int
	body   string
	times  int
}

type taskState struct {
	task         controlplane.Task
	pending      int
	final        types.Status
	hideChildren int
}

// Server is a fake control plane. Tasks answer IN_PROGRESS for
// PendingPolls reads and then settle on the category's success status.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	endpoints   []controlplane.EndpointSpec
	credentials []controlplane.Credential
	groups      []controlplane.EndpointSpec
	tasks       map[string]*taskState
	requests    []Request
	injections  []Injection
	remediated  []string
	overrides   []*override
	seq         int
	order       []string

	pendingPolls   int
	finalStatus    types.Status
	hideChildren   int
	omitTaskID     bool
	notInitialized bool
}

// New starts a TLS server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{tasks: map[string]*taskState{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+v1+"/endpoints", s.listEndpoints)
	mux.HandleFunc("POST "+v1+"/endpoints", s.createEndpoint)
	mux.HandleFunc("PUT "+v1+"/endpoints", s.updateEndpoint)
	mux.HandleFunc("DELETE "+v1+"/endpoints", s.deleteEndpoints)
	mux.HandleFunc("POST "+v1+"/endpoints/testEndpoint", s.testEndpoint)
	mux.HandleFunc("GET "+v1+"/endpoints/credentials", s.listCredentials)
	mux.HandleFunc("DELETE "+v1+"/endpoints/credentials", s.deleteCredentials)
	mux.HandleFunc("POST "+v1+"/endpoints/credentials/remotemachine", s.createCredential)
	mux.HandleFunc("PUT "+v1+"/endpoints/credentials/remotemachine", s.updateCredential)
	mux.HandleFunc("GET "+v1+"/endpoints/type/ENDPOINT_GROUP", s.listGroups)
	mux.HandleFunc("POST "+v2+"/endpoints", s.createGroup)
	mux.HandleFunc("PUT "+v2+"/endpoints", s.updateGroup)
	mux.HandleFunc("POST "+v1+"/faults/{kind}", s.injectOrRerun)
	mux.HandleFunc("DELETE "+v1+"/faults/{id}", s.remediate)
	mux.HandleFunc("GET "+v1+"/tasks", s.listTasks)
	mux.HandleFunc("GET "+v1+"/tasks/{id}", s.getTask)
	mux.HandleFunc("DELETE "+v1+"/tasks", s.deleteTasks)

	s.Server = httptest.NewTLSServer(s.wrap(mux))
	t.Cleanup(s.Close)
	return s
}

// Config returns client settings pointing at the server.
func (s *Server) Config() controlplane.Config {
	u, _ := url.Parse(s.URL)
	return controlplane.Config{
		Address:    u.Host,
		Username:   Username,
		Password:   Password,
		Scheme:     "https",
		HTTPClient: s.Client(),
	}
}

// NewClient builds a client for the server.
func (s *Server) NewClient(t testing.TB) *controlplane.Client {
	t.Helper()
	c, err := controlplane.New(s.Config())
	if err != nil {
		t.Fatalf("controlplane.New: %v", err)
	}
	return c
}

func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: body})
		var hit *override
		for _, o := range s.overrides {
			if o.times > 0 && o.method == r.Method && (r.URL.Path == v1+o.path || r.URL.Path == v2+o.path) {
				o.times--
				hit = o
				break
			}
		}
		s.mu.Unlock()

		if user, pass, ok := r.BasicAuth(); !ok || user != Username || pass != Password {
			http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if hit != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(hit.status)
			io.WriteString(w, hit.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Override answers the next times requests for method and path (relative to
// the API prefix) with status and body instead of the normal handler.
func (s *Server) Override(method, path string, status int, body string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = append(s.overrides, &override{method: method, path: path, status: status, body: body, times: times})
}

// SetPendingPolls sets how many reads new tasks answer IN_PROGRESS.
func (s *Server) SetPendingPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPolls = n
}

// SetFinalStatus makes new tasks settle on status instead of the category
// success status.
func (s *Server) SetFinalStatus(status types.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalStatus = status
}

// HideChildren makes group parent tasks report no triggers for their first
// n reads.
func (s *Server) HideChildren(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hideChildren = n
}

// OmitTaskID makes fault submissions answer without a task id.
func (s *Server) OmitTaskID(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitTaskID = v
}

// RemediationNotInitialized makes remediation answers report
// initialized=false.
func (s *Server) RemediationNotInitialized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notInitialized = v
}

// AddTask seeds a task with a fixed status.
func (s *Server) AddTask(task controlplane.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = &taskState{task: task, final: task.Status()}
	s.order = append(s.order, task.ID)
}

// SetTaskStatus changes a task's status immediately.
func (s *Server) SetTaskStatus(id string, status types.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[id]; ok {
		st.pending = 0
		st.final = status
		st.task.MangleTaskInfo.TaskStatus = string(status)
	}
}

// Task returns the current task document.
func (s *Server) Task(id string) (controlplane.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		return controlplane.Task{}, false
	}
	return st.task, true
}

// Endpoints returns the registered machine endpoints.
func (s *Server) Endpoints() []controlplane.EndpointSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]controlplane.EndpointSpec{}, s.endpoints...)
}

// Credentials returns the stored credentials.
func (s *Server) Credentials() []controlplane.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]controlplane.Credential{}, s.credentials...)
}

// Groups returns the endpoint groups.
func (s *Server) Groups() []controlplane.EndpointSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]controlplane.EndpointSpec{}, s.groups...)
}

// Injections returns the fault submissions in order.
func (s *Server) Injections() []Injection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Injection(nil), s.injections...)
}

// Remediated returns the task ids remediation was requested for.
func (s *Server) Remediated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.remediated...)
}

// Requests returns every request seen.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests hit method and path (relative to the API
// prefix).
func (s *Server) Count(method, path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && (r.Path == v1+path || r.Path == v2+path) {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"message": fmt.Sprintf(format, args...)})
}

func (s *Server) listEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"content": s.Endpoints()})
}

func (s *Server) decodeEndpoint(w http.ResponseWriter, r *http.Request) (controlplane.EndpointSpec, bool) {
	var ep controlplane.EndpointSpec
	if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload: %v", err)
		return ep, false
	}
	if ep.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return ep, false
	}
	return ep, true
}

func (s *Server) createEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.decodeEndpoint(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.endpoints {
		if e.Name == ep.Name {
			writeError(w, http.StatusBadRequest, "endpoint %s already exists", ep.Name)
			return
		}
	}
	if !s.hasCredential(ep.CredentialsName) {
		writeError(w, http.StatusBadRequest, "credential %s not found", ep.CredentialsName)
		return
	}
	s.endpoints = append(s.endpoints, ep)
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) updateEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.decodeEndpoint(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.endpoints {
		if e.Name == ep.Name {
			s.endpoints[i] = ep
			writeJSON(w, http.StatusOK, ep)
			return
		}
	}
	writeError(w, http.StatusNotFound, "endpoint %s not found", ep.Name)
}

func removeNamed(list []controlplane.EndpointSpec, names map[string]bool) []controlplane.EndpointSpec {
	out := list[:0]
	for _, e := range list {
		if !names[e.Name] {
			out = append(out, e)
		}
	}
	return out
}

func splitNames(v string) map[string]bool {
	names := map[string]bool{}
	for _, n := range strings.Split(v, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names[n] = true
		}
	}
	return names
}

func (s *Server) deleteEndpoints(w http.ResponseWriter, r *http.Request) {
	names := splitNames(r.URL.Query().Get("endpointNames"))
	if len(names) == 0 {
		writeError(w, http.StatusBadRequest, "endpointNames is required")
		return
	}
	s.mu.Lock()
	s.endpoints = removeNamed(s.endpoints, names)
	s.groups = removeNamed(s.groups, names)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) testEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.decodeEndpoint(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCredential(ep.CredentialsName) {
		writeError(w, http.StatusBadRequest, "credential %s not found", ep.CredentialsName)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) hasCredential(name string) bool {
	for _, c := range s.credentials {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (s *Server) listCredentials(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"content": s.Credentials()})
}

func credentialFrom(w http.ResponseWriter, r *http.Request) (controlplane.Credential, bool) {
	q := r.URL.Query()
	if q.Get("name") == "" || q.Get("username") == "" || q.Get("password") == "" {
		writeError(w, http.StatusBadRequest, "name, username and password are required")
		return controlplane.Credential{}, false
	}
	return controlplane.Credential{ID: "cred-" + q.Get("name"), Name: q.Get("name"), Username: q.Get("username")}, true
}

func (s *Server) createCredential(w http.ResponseWriter, r *http.Request) {
	cred, ok := credentialFrom(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasCredential(cred.Name) {
		writeError(w, http.StatusBadRequest, "credential %s already exists", cred.Name)
		return
	}
	s.credentials = append(s.credentials, cred)
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) updateCredential(w http.ResponseWriter, r *http.Request) {
	cred, ok := credentialFrom(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.credentials {
		if c.Name == cred.Name {
			s.credentials[i] = cred
			writeJSON(w, http.StatusOK, cred)
			return
		}
	}
	writeError(w, http.StatusNotFound, "credential %s not found", cred.Name)
}

func (s *Server) deleteCredentials(w http.ResponseWriter, r *http.Request) {
	names := splitNames(r.URL.Query().Get("credentialNames"))
	s.mu.Lock()
	out := s.credentials[:0]
	for _, c := range s.credentials {
		if !names[c.Name] {
			out = append(out, c)
		}
	}
	s.credentials = out
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"content": s.Groups()})
}

func (s *Server) decodeGroup(w http.ResponseWriter, r *http.Request) (controlplane.EndpointSpec, bool) {
	g, ok := s.decodeEndpoint(w, r)
	if !ok {
		return g, false
	}
	if g.EndPointType != controlplane.EndpointTypeGroup {
		writeError(w, http.StatusBadRequest, "endPointType must be %s", controlplane.EndpointTypeGroup)
		return g, false
	}
	return g, true
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := s.decodeGroup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.groups {
		if e.Name == g.Name {
			writeError(w, http.StatusBadRequest, "endpoint group %s already exists", g.Name)
			return
		}
	}
	s.groups = append(s.groups, g)
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) updateGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := s.decodeGroup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.groups {
		if e.Name == g.Name {
			s.groups[i] = g
			writeJSON(w, http.StatusOK, g)
			return
		}
	}
	writeError(w, http.StatusNotFound, "endpoint group %s not found", g.Name)
}

// newTask must be called with s.mu held.
func (s *Server) newTask(kind, description string, category types.Category) *taskState {
	s.seq++
	final := s.finalStatus
	if final == "" {
		final = category.SuccessStatus()
	}
	st := &taskState{
		task: controlplane.Task{
			ID:              fmt.Sprintf("task-%03d", s.seq),
			TaskName:        kind,
			TaskType:        "INJECTION",
			TaskDescription: description,
			Initialized:     true,
			MangleTaskInfo:  controlplane.TaskInfo{TaskStatus: string(types.StatusInProgress)},
		},
		pending: s.pendingPolls,
		final:   final,
	}
	s.tasks[st.task.ID] = st
	s.order = append(s.order, st.task.ID)
	return st
}

func (s *Server) groupNamed(name string) (controlplane.EndpointSpec, bool) {
	for _, g := range s.groups {
		if g.Name == name {
			return g, true
		}
	}
	return controlplane.EndpointSpec{}, false
}

func (s *Server) injectOrRerun(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.tasks[kind]; ok {
		st.pending = s.pendingPolls
		st.task.MangleTaskInfo.TaskStatus = string(types.StatusInProgress)
		writeJSON(w, http.StatusOK, st.task)
		return
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload: %v", err)
		return
	}
	target, _ := payload["endpointName"].(string)
	if target == "" {
		writeError(w, http.StatusBadRequest, "endpointName is required")
		return
	}

	category := types.CategoryInfra
	description := fmt.Sprintf("Executing Fault: %s on endpoint: %s", kind, target)
	if jvm, ok := payload["jvmProperties"].(map[string]interface{}); ok {
		category = types.CategoryApp
		description += fmt.Sprintf(" with jvmprocess=%v", jvm["jvmprocess"])
	}

	if s.omitTaskID {
		s.injections = append(s.injections, Injection{Path: kind, Payload: payload})
		writeJSON(w, http.StatusOK, map[string]interface{}{"taskType": "INJECTION"})
		return
	}

	parent := s.newTask(kind, description, category)
	if g, ok := s.groupNamed(target); ok {
		var children []string
		for _, member := range g.EndpointNames {
			child := s.newTask(kind, fmt.Sprintf("Executing Fault: %s on endpoint: %s", kind, member), category)
			children = append(children, child.task.ID)
		}
		parent.task.Triggers = []controlplane.Trigger{{ChildTaskIDs: children}}
		parent.hideChildren = s.hideChildren
	}
	s.injections = append(s.injections, Injection{Path: kind, TaskID: parent.task.ID, Payload: payload})
	writeJSON(w, http.StatusOK, parent.task)
}

func (s *Server) remediate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		writeError(w, http.StatusNotFound, "task %s not found", id)
		return
	}
	s.remediated = append(s.remediated, id)
	if s.notInitialized {
		writeJSON(w, http.StatusOK, controlplane.Task{ID: id, TaskType: "REMEDIATION", Initialized: false})
		return
	}
	st.pending = s.pendingPolls
	st.final = types.StatusCompleted
	st.task.MangleTaskInfo.TaskStatus = string(types.StatusInProgress)
	writeJSON(w, http.StatusOK, controlplane.Task{ID: id, TaskType: "REMEDIATION", Initialized: true})
}

// read advances the task one poll. Must be called with s.mu held.
func (st *taskState) read() controlplane.Task {
	if st.pending > 0 {
		st.pending--
		st.task.MangleTaskInfo.TaskStatus = string(types.StatusInProgress)
	} else {
		st.task.MangleTaskInfo.TaskStatus = string(st.final)
	}
	out := st.task
	if st.hideChildren > 0 {
		st.hideChildren--
		out.Triggers = nil
	}
	return out
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		writeError(w, http.StatusNotFound, "task %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, st.read())
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]controlplane.Task, 0, len(s.tasks))
	for _, id := range s.order {
		if st, ok := s.tasks[id]; ok {
			out = append(out, st.task)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteTasks(w http.ResponseWriter, r *http.Request) {
	ids := splitNames(r.URL.Query().Get("tasksIds"))
	s.mu.Lock()
	for id := range ids {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}
