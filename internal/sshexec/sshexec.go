// Package sshexec provides the SSH execution primitive used to run
// build commands on remote agents: connect to host:port with password
// or key auth, execute a command with combined output streaming, and
// recover the remote exit code.
package sshexec

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultConnectTimeout bounds connection attempts independently of
// any build timeout.
const DefaultConnectTimeout = 10 * time.Second

// Credential is either a password or a path to a private key file.
type Credential struct {
	Password string
	KeyPath  string
}

// Target identifies a remote host to execute on.
type Target struct {
	Host       string
	Port       int
	User       string
	Credential Credential
}

// Addr returns the host:port dial address.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", port))
}

func (t Target) authMethods() ([]ssh.AuthMethod, error) {
	if t.Credential.KeyPath != "" {
		key, err := os.ReadFile(t.Credential.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key %s: %w", t.Credential.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", t.Credential.KeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if t.Credential.Password != "" {
		return []ssh.AuthMethod{ssh.Password(t.Credential.Password)}, nil
	}
	return nil, fmt.Errorf("either password or SSH key must be provided")
}

// Client is an open SSH connection to an agent host.
type Client struct {
	conn *ssh.Client
}

// Dial opens an SSH connection to the target. The connect timeout is
// fixed and short; it is independent of any build execution timeout.
func Dial(ctx context.Context, target Target, connectTimeout time.Duration) (*Client, error) {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	auth, err := target.authMethods()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User: target.User,
		Auth: auth,
		// Agents are provisioned hosts inside the lab network; host
		// keys are not tracked.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target.Addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, target.Addr(), config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", target.Addr(), err)
	}

	return &Client{conn: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Start executes a command on the remote host and returns a session
// streaming its combined stdout/stderr.
func (c *Client) Start(command string) (*Session, error) {
	sess, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}

	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	if err := sess.Start(command); err != nil {
		sess.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start remote command: %w", err)
	}

	s := &Session{
		sess: sess,
		out:  pr,
		done: make(chan struct{}),
	}

	go func() {
		err := sess.Wait()
		s.exitCode, s.waitErr = exitStatus(err)
		pw.Close()
		close(s.done)
	}()

	return s, nil
}

// RunCombined executes a command and collects its combined output,
// bounded by the context. Used for connectivity tests and resource
// sampling, where streaming is not needed.
func (c *Client) RunCombined(ctx context.Context, command string) (string, int, error) {
	s, err := c.Start(command)
	if err != nil {
		return "", -1, err
	}

	var sb strings.Builder
	readDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(&sb, s.Output())
		readDone <- err
	}()

	select {
	case <-ctx.Done():
		s.Terminate()
		<-readDone
		return sb.String(), -1, ctx.Err()
	case <-readDone:
	}

	code, err := s.Wait(ctx)
	return sb.String(), code, err
}

// Session is one executing remote command.
type Session struct {
	sess     *ssh.Session
	out      *io.PipeReader
	done     chan struct{}
	exitCode int
	waitErr  error
}

// Output returns the combined stdout/stderr stream. It is closed when
// the remote command finishes.
func (s *Session) Output() io.Reader {
	return s.out
}

// Wait blocks until the remote command finishes and returns its exit
// code, or until the context is cancelled.
func (s *Session) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.exitCode, s.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Terminate kills the remote process and tears the session down. Safe
// to call after normal completion.
func (s *Session) Terminate() error {
	// Best effort: some servers ignore the signal request, so close
	// the session too, which drops the channel.
	s.sess.Signal(ssh.SIGKILL)
	return s.sess.Close()
}

// exitStatus maps an ssh wait error to an exit code.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus(), nil
	}
	if _, ok := err.(*ssh.ExitMissingError); ok {
		// Remote side closed without reporting a status, typically
		// after a kill signal.
		return -1, nil
	}
	return -1, err
}
