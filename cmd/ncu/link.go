package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/drunlade/go-ncu/internal/config"
	"github.com/drunlade/go-ncu/internal/logging"
	"github.com/drunlade/go-ncu/transport"
)

// openLink returns the duplex stream the Newton's serial line is reached
// through.
func openLink(ctx context.Context, cfg config.Config) (io.ReadWriteCloser, error) {
	switch cfg.Link.Kind {
	case config.LinkTCP:
		status("Connecting to %s...\n", cfg.Link.Address)
		return transport.DialTCP(ctx, cfg.Link.Address)

	case config.LinkStdio:
		return stdio{}, nil

	default:
		sc := cfg.SSH()
		pass, err := sshPassword()
		if err != nil {
			return nil, err
		}
		sc.Auth = []ssh.AuthMethod{ssh.Password(pass)}
		if sc.HostKeyCallback, err = hostKeyCallback(); err != nil {
			return nil, err
		}

		status("Connecting to %s...\n", sc.Host)
		s, err := transport.DialSSH(ctx, sc)
		if err != nil {
			return nil, err
		}
		logging.New("ncu").Debug().Str("bridge", sc.BridgeCommandLine()).Msg("bridge started")
		return s, nil
	}
}

// sshPassword takes the password from the flag, the environment or, on a
// terminal, a prompt.
func sshPassword() (string, error) {
	if *password != "" {
		return *password, nil
	}
	if pass := os.Getenv("NCU_SSH_PASSWORD"); pass != "" {
		return pass, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("-password or NCU_SSH_PASSWORD is required when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "SSH password: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(string(pass), "\r\n"), nil
}

// hostKeyCallback verifies against ~/.ssh/known_hosts when it exists.
func hostKeyCallback() (ssh.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil
	}
	path := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(path); err != nil {
		logging.New("ncu").Warn().Msg("no known_hosts file, host key not verified")
		return nil, nil
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	return cb, nil
}

// wrapWire adds wire tracing when -wire is set.
func wrapWire(rw io.ReadWriteCloser) io.ReadWriter {
	if !*wire {
		return rw
	}
	return transport.Trace(rw, logging.New("wire"), "line")
}

// stdio is the link when ncu runs as a filter on the serial line.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return nil }
