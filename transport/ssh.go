package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultBridgeCommand relays stdin/stdout to a serial device on the remote
// host. {port} and {baud} are substituted before the command is run.
const DefaultBridgeCommand = "stty -F {port} {baud} raw -echo && socat - {port},raw,echo=0"

// SSHConfig describes how to reach a Newton on a remote host's serial line.
type SSHConfig struct {
	// Host is hostname:port of the SSH server
	Host string
	User string
	Auth []ssh.AuthMethod

	// HostKeyCallback verifies the server. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback

	// Port is the port identifier on the remote host, e.g. /dev/ttyUSB0
	Port string
	Baud int

	// BridgeCommand is run on the remote host; empty means
	// DefaultBridgeCommand.
	BridgeCommand string

	Timeout time.Duration
}

// BridgeCommandLine returns the remote command with port and baud filled in.
func (c SSHConfig) BridgeCommandLine() string {
	cmd := c.BridgeCommand
	if cmd == "" {
		cmd = DefaultBridgeCommand
	}
	return strings.NewReplacer(
		"{port}", c.Port,
		"{baud}", fmt.Sprint(c.Baud),
	).Replace(cmd)
}

// SSHStream is a duplex stream backed by a bridge command running in an
// SSH session: writes go to its stdin, reads come from its stdout.
type SSHStream struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  *lockedBuffer
	done    chan error
}

// lockedBuffer collects the bridge command's stderr
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// DialSSH connects to the SSH server, starts the bridge command and
// returns the resulting stream.
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSHStream, error) {
	hostKey := cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	client, err := ssh.Dial("tcp", cfg.Host, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            cfg.Auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", cfg.Host, err)
	}

	s, err := newSSHStream(client)
	if err != nil {
		client.Close()
		return nil, err
	}

	if err := s.session.Start(cfg.BridgeCommandLine()); err != nil {
		s.Close()
		return nil, fmt.Errorf("start bridge command: %w", err)
	}
	go func() {
		s.done <- s.session.Wait()
	}()
	return s, nil
}

func newSSHStream(client *ssh.Client) (*SSHStream, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		stdin.Close()
		session.Close()
		return nil, err
	}

	s := &SSHStream{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  &lockedBuffer{},
		done:    make(chan error, 1),
	}
	session.Stderr = s.stderr
	return s, nil
}

func (s *SSHStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *SSHStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Stderr returns what the bridge command has written to stderr so far.
func (s *SSHStream) Stderr() string {
	return s.stderr.String()
}

// Wait blocks until the bridge command exits.
func (s *SSHStream) Wait(ctx context.Context) error {
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the session and the connection.
func (s *SSHStream) Close() error {
	var errs []error
	if s.stdin != nil {
		if err := s.stdin.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	if s.session != nil {
		if err := s.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
