// Package sshtest provides an in-memory ssh.Dialer for tests.
package sshtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/eniac111/faultops/internal/ssh"
	"github.com/eniac111/faultops/internal/types"
)

// Call is one command observed by the fake.
type Call struct {
	Host    string
	Command string
	Async   bool
}

type rule struct {
	contains string
	result   ssh.Result
	err      error
}

// Dialer records every command and answers from scripted rules. Commands
// with no matching rule succeed with empty output.
type Dialer struct {
	mu       sync.Mutex
	rules    []rule
	dialErrs map[string]error
	dirErr   error
	calls    []Call
	dirs     []string
	dials    int
	open     int
}

// NewDialer returns an empty fake.
func NewDialer() *Dialer {
	return &Dialer{dialErrs: map[string]error{}}
}

// Respond answers commands containing substr with r. Rules are checked in
// the order they were added.
func (d *Dialer) Respond(substr string, r ssh.Result) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, rule{contains: substr, result: r})
	return d
}

// Fail makes commands containing substr return err.
func (d *Dialer) Fail(substr string, err error) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, rule{contains: substr, err: err})
	return d
}

// FailDial makes dialing host return err.
func (d *Dialer) FailDial(host string, err error) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrs[host] = err
	return d
}

// FailEnsureDir makes every EnsureDir call return err.
func (d *Dialer) FailEnsureDir(err error) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirErr = err
	return d
}

// Dial implements ssh.Dialer.
func (d *Dialer) Dial(_ context.Context, m types.Machine) (ssh.Shell, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.dialErrs[m.IP]; ok {
		return nil, err
	}
	d.dials++
	d.open++
	return &shell{d: d, host: m.IP}, nil
}

// Calls returns every command seen so far.
func (d *Dialer) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Commands returns the commands run against host, in order.
func (d *Dialer) Commands(host string) []string {
	var out []string
	for _, c := range d.Calls() {
		if c.Host == host {
			out = append(out, c.Command)
		}
	}
	return out
}

// Dirs returns the paths passed to EnsureDir.
func (d *Dialer) Dirs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dirs...)
}

// Dials is the number of successful Dial calls.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Open is the number of shells not yet closed.
func (d *Dialer) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Dialer) answer(host, cmd string, async bool) (ssh.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Host: host, Command: cmd, Async: async})
	for _, r := range d.rules {
		if strings.Contains(cmd, r.contains) {
			return r.result, r.err
		}
	}
	return ssh.Result{}, nil
}

type shell struct {
	d      *Dialer
	host   string
	closed bool
}

func (s *shell) Run(ctx context.Context, cmd string, _ time.Duration) (ssh.Result, error) {
	if s.closed {
		return ssh.Result{}, errors.New("sshtest: shell closed")
	}
	if err := ctx.Err(); err != nil {
		return ssh.Result{}, err
	}
	return s.d.answer(s.host, cmd, false)
}

func (s *shell) RunAsync(cmd string) error {
	if s.closed {
		return errors.New("sshtest: shell closed")
	}
	_, err := s.d.answer(s.host, cmd, true)
	return err
}

func (s *shell) EnsureDir(path string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.dirs = append(s.d.dirs, path)
	return s.d.dirErr
}

func (s *shell) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.d.mu.Lock()
	s.d.open--
	s.d.mu.Unlock()
	return nil
}
