package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/eniac111/faultops/internal/types"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// DefaultCommandTimeout bounds a remote command when the caller passes zero.
const DefaultCommandTimeout = 120 * time.Second

// abortGrace bounds how long an aborted command may take to release its
// output streams after the session is closed.
const abortGrace = 5 * time.Second

// Result is the outcome of one remote command. A non-zero ExitCode is not
// turned into an error; callers inspect it.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Shell runs commands on one remote host.
type Shell interface {
	Run(ctx context.Context, cmd string, timeout time.Duration) (Result, error)
	RunAsync(cmd string) error
	EnsureDir(path string) error
	Close() error
}

// Dialer opens a Shell against a machine.
type Dialer interface {
	Dial(ctx context.Context, m types.Machine) (Shell, error)
}

// SSHDialer opens real SSH connections with password auth, falling back to
// the local agent when SSH_AUTH_SOCK is set.
type SSHDialer struct {
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Dial implements Dialer.
func (d SSHDialer) Dial(ctx context.Context, m types.Machine) (Shell, error) {
	return Connect(ctx, m, d.ConnectTimeout, d.Logger)
}

// Client is a Shell backed by an SSH connection.
type Client struct {
	client *ssh.Client
	agent  net.Conn
	host   string
	logger *zap.Logger
}

// Connect opens an SSH connection using user/password auth.
func Connect(ctx context.Context, m types.Machine, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var authMethods []ssh.AuthMethod
	if m.Password != "" {
		authMethods = append(authMethods, ssh.Password(m.Password))
	}

	// Always try to use the SSH agent
	var agentConn net.Conn
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentConn = conn
			authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			logger.Debug("ssh agent unavailable", zap.Error(err))
		}
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication methods available for %s", m.IP)
	}
	closeAgent := func() {
		if agentConn != nil {
			agentConn.Close()
		}
	}

	config := &ssh.ClientConfig{
		User:            m.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // lab targets are re-imaged constantly
		Timeout:         timeout,
	}

	addr := m.Addr()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("failed to dial SSH %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		closeAgent()
		return nil, fmt.Errorf("failed to handshake SSH %s: %w", addr, err)
	}
	return &Client{client: ssh.NewClient(c, chans, reqs), agent: agentConn, host: m.IP, logger: logger}, nil
}

// Run executes a command on the remote host and waits for it.
func (c *Client) Run(ctx context.Context, cmd string, timeout time.Duration) (Result, error) {
	if cmd == "" {
		return Result{}, errors.New("must provide a command for ssh")
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, err
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	c.logger.Debug("executing command", zap.String("host", c.host), zap.String("cmd", cmd))

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		return c.abort(session, done, &outBuf, &errBuf),
			fmt.Errorf("command on %s timed out after %s", c.host, timeout)
	case <-ctx.Done():
		return c.abort(session, done, &outBuf, &errBuf), ctx.Err()
	}

	res := Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

// abort kills a running command and closes its session. The output buffers
// are only read once the session has stopped writing to them.
func (c *Client) abort(session *ssh.Session, done <-chan error, stdout, stderr *bytes.Buffer) Result {
	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()
	select {
	case <-done:
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}
	case <-time.After(abortGrace):
		c.logger.Warn("aborted command did not release its output", zap.String("host", c.host))
		return Result{ExitCode: -1}
	}
}

// RunAsync starts a command and does not wait for it.
func (c *Client) RunAsync(cmd string) error {
	if cmd == "" {
		return errors.New("must provide a command for ssh")
	}
	session, err := c.client.NewSession()
	if err != nil {
		return err
	}
	c.logger.Debug("starting background command", zap.String("host", c.host), zap.String("cmd", cmd))
	if err := session.Start(cmd); err != nil {
		session.Close()
		return err
	}
	go func() {
		_ = session.Wait()
		session.Close()
	}()
	return nil
}

// EnsureDir creates path and its parents over SFTP.
func (c *Client) EnsureDir(path string) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	return sftpClient.MkdirAll(path)
}

// Close closes the underlying connection and the agent socket, if any.
func (c *Client) Close() error {
	err := c.client.Close()
	if c.agent != nil {
		if aerr := c.agent.Close(); err == nil {
			err = aerr
		}
	}
	return err
}
