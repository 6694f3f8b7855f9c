package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// ErrCommandTimeout is returned by Run when the command outlived its
// timeout. The command keeps running on the remote host.
var ErrCommandTimeout = errors.New("ssh: command timed out")

// CommandError is a remote command that exited non-zero.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command failed with exit code %d: %s", e.ExitCode, e.Cmd)
	if e.Stderr != "" {
		msg += fmt.Sprintf("\nstderr: %s", strings.TrimSpace(e.Stderr))
	}
	return msg
}

// Client holds the parameters of an SSH connection.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Conn is an established SSH connection with an SFTP session on top.
type Conn struct {
	ssh  *xssh.Client
	sftp *sftp.Client
}

// Connect dials the host, retrying with linear backoff.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= max(0, c.Retries); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		cli, err := dial(ctx, c.Addr, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		sf, err := sftp.NewClient(cli)
		if err != nil {
			cli.Close()
			lastErr = fmt.Errorf("sftp client: %w", err)
			continue
		}
		return &Conn{ssh: cli, sftp: sf}, nil
	}
	return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, lastErr)
}

func dial(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return xssh.NewClient(c, chans, reqs), nil
}

func (c *Conn) Close() error {
	c.sftp.Close()
	return c.ssh.Close()
}

// Run executes command and waits up to timeout for it to finish. A zero
// timeout waits until ctx is done.
func (c *Conn) Run(ctx context.Context, command string, timeout time.Duration) (stdout, stderr string, err error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("new session: %w", err)
	}
	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	if err := session.Start(command); err != nil {
		session.Close()
		return "", "", fmt.Errorf("start command: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
		session.Close()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case err = <-done:
	case <-expired:
		return "", "", ErrCommandTimeout
	case <-ctx.Done():
		return "", "", ctx.Err()
	}

	stdout, stderr = outBuf.String(), errBuf.String()
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return stdout, stderr, &CommandError{Cmd: command, ExitCode: exitErr.ExitStatus(), Stdout: stdout, Stderr: stderr}
	}
	if err != nil {
		return stdout, stderr, fmt.Errorf("run command: %w", err)
	}
	return stdout, stderr, nil
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}
