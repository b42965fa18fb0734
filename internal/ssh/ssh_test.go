package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eniac111/faultops/internal/types"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func startServer(t *testing.T) int {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)
			code := uint32(0)
			switch payload.Command {
			case "hang":
				continue
			case "stream":
				for {
					if _, err := io.WriteString(ch, "tick\n"); err != nil {
						return
					}
					time.Sleep(time.Millisecond)
				}
			case "fail":
				io.WriteString(ch.Stderr(), "boom\n")
				code = 3
			default:
				io.WriteString(ch, "ran: "+payload.Command+"\n")
			}
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
			return
		case "subsystem":
			req.Reply(true, nil)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = srv.Serve()
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func connect(t *testing.T, password string) (*Client, error) {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")
	return dial(t, password)
}

func dial(t *testing.T, password string) (*Client, error) {
	t.Helper()
	port := startServer(t)
	m := types.Machine{Name: "local", IP: "127.0.0.1", Username: "root", Password: password, SSHPort: port}
	return Connect(context.Background(), m, 5*time.Second, nil)
}

// fakeAgent listens on a unix socket and reports each accepted connection
// once its client side hangs up.
func fakeAgent(t *testing.T) (string, <-chan struct{}) {
	t.Helper()
	dir, err := os.MkdirTemp("", "agent")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "agent.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	hungUp := make(chan struct{}, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
				hungUp <- struct{}{}
			}()
		}
	}()
	return sock, hungUp
}

func TestRunCapturesOutput(t *testing.T) {
	c, err := connect(t, "secret")
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Run(context.Background(), "date", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "ran: date", strings.TrimSpace(res.Stdout))
}

func TestRunReportsExitCode(t *testing.T) {
	c, err := connect(t, "secret")
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Run(context.Background(), "fail", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom", strings.TrimSpace(res.Stderr))
}

func TestRunTimeout(t *testing.T) {
	c, err := connect(t, "secret")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Run(context.Background(), "hang", 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunTimeoutWhileStreaming(t *testing.T) {
	c, err := connect(t, "secret")
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Run(context.Background(), "stream", 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Stdout, "tick")

	// the connection survives the aborted session
	res, err = c.Run(context.Background(), "date", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ran: date", strings.TrimSpace(res.Stdout))
}

func TestRunCancelWhileStreaming(t *testing.T) {
	c, err := connect(t, "secret")
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := c.Run(ctx, "stream", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	c, err := connect(t, "secret")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Run(context.Background(), "", time.Second)
	assert.Error(t, err)
	assert.Error(t, c.RunAsync(""))
}

func TestRunAsync(t *testing.T) {
	c, err := connect(t, "secret")
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.RunAsync("date"))
}

func TestEnsureDir(t *testing.T) {
	c, err := connect(t, "secret")
	require.NoError(t, err)
	defer c.Close()

	dir := filepath.Join(t.TempDir(), "inject", "home")
	require.NoError(t, c.EnsureDir(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// existing directories are fine
	assert.NoError(t, c.EnsureDir(dir))
}

func TestCloseReleasesAgentSocket(t *testing.T) {
	sock, hungUp := fakeAgent(t)
	t.Setenv("SSH_AUTH_SOCK", sock)

	c, err := dial(t, "secret")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case <-hungUp:
	case <-time.After(5 * time.Second):
		t.Fatal("agent connection left open after Close")
	}
}

func TestDialFailureReleasesAgentSocket(t *testing.T) {
	sock, hungUp := fakeAgent(t)
	t.Setenv("SSH_AUTH_SOCK", sock)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	m := types.Machine{IP: "127.0.0.1", Username: "root", Password: "secret", SSHPort: port}
	_, err = Connect(context.Background(), m, time.Second, nil)
	require.Error(t, err)

	select {
	case <-hungUp:
	case <-time.After(5 * time.Second):
		t.Fatal("agent connection left open after a failed dial")
	}
}

func TestConnectWrongPassword(t *testing.T) {
	_, err := connect(t, "wrong")
	assert.Error(t, err)
}

func TestConnectNoAuth(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, err := Connect(context.Background(), types.Machine{IP: "127.0.0.1", Username: "root", SSHPort: 22}, time.Second, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no authentication methods")
}
