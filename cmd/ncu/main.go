package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/drunlade/go-ncu/dock"
	"github.com/drunlade/go-ncu/internal/config"
	"github.com/drunlade/go-ncu/internal/logging"
	"github.com/drunlade/go-ncu/mnp"
)

var (
	configPath = flag.String("config", "", "TOML configuration file")
	linkKind   = flag.String("link", "", "link kind: ssh, tcp or stdio")
	host       = flag.String("host", "", "SSH host owning the serial line (hostname[:port])")
	user       = flag.String("user", "", "SSH username")
	password   = flag.String("password", "", "SSH password (or NCU_SSH_PASSWORD, or prompt)")
	port       = flag.String("port", "", "serial port identifier on the SSH host")
	baud       = flag.Int("baud", 0, "serial line speed")
	address    = flag.String("address", "", "host:port of a TCP serial line")
	stimeout   = flag.Uint("timeout", 0, "ask the Newton to wait this many seconds between commands")
	stores     = flag.Bool("stores", false, "list the Newton's stores")
	soups      = flag.Bool("soups", false, "list the soups on the default store")
	logLevel   = flag.String("log", "", "log level (trace, debug, info, warn, error)")
	wire       = flag.Bool("wire", false, "log raw link traffic at trace level")
	verbose    = flag.Bool("v", false, "verbose mode")
	quiet      = flag.Bool("q", false, "quiet mode")
	help       = flag.Bool("h", false, "show help")
	version    = flag.Bool("version", false, "show version")
)

const versionString = "ncu version 0.1.0"

// listOut receives listings; stdout carries the link in stdio mode.
var listOut io.Writer = os.Stdout

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}
	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(2)
	}

	logging.ConfigureRuntime()
	level := cfg.Log.Level
	if *logLevel != "" {
		level = *logLevel
	} else if *wire {
		level = "trace"
	}
	if !logging.SetLevel(level) {
		fmt.Fprintf(os.Stderr, "%s: unknown log level %q\n", os.Args[0], level)
		os.Exit(2)
	}

	packages := flag.Args()
	for _, p := range packages {
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			fmt.Fprintf(os.Stderr, "%s: not a package file: %s\n", os.Args[0], p)
			os.Exit(2)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx, cfg, packages); err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies the flags that
// were set explicitly.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "link":
			cfg.Link.Kind = *linkKind
		case "host":
			cfg.Link.SSHHost = *host
		case "user":
			cfg.Link.SSHUser = *user
		case "port":
			cfg.Link.Port = *port
		case "baud":
			cfg.Link.Baud = *baud
		case "address":
			cfg.Link.Address = *address
			if *linkKind == "" {
				cfg.Link.Kind = config.LinkTCP
			}
		}
	})
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config, packages []string) error {
	log := logging.New("ncu")
	if cfg.Link.Kind == config.LinkStdio {
		listOut = os.Stderr
	}

	stream, err := openLink(ctx, cfg)
	if err != nil {
		return err
	}
	defer stream.Close()

	pipe := mnp.NewPipe(wrapWire(stream), mnp.WithConfig(cfg.MNP()), mnp.WithLogger(logging.New("mnp")))
	defer pipe.Close()

	status("Waiting for the Newton to connect...\n")
	if err := pipe.Listen(ctx); err != nil {
		return fmt.Errorf("link: %w", err)
	}

	progress := newProgressPrinter(os.Stderr, *verbose, *quiet)
	session := dock.NewSession(pipe,
		dock.WithConfig(cfg.Dock()),
		dock.WithLogger(logging.New("dock")),
		dock.WithCallbacks(&dock.Callbacks{
			OnCommandSending: progress.sending,
			OnCommandSent:    progress.sent,
			OnError: func(err error) {
				log.Warn().Err(err).Msg("dock")
			},
			OnStateChange: func(from, to dock.State) {
				log.Debug().Stringer("from", from).Stringer("to", to).Msg("session")
			},
		}),
	)
	if err := session.Start(ctx); err != nil {
		return err
	}
	if err := session.Handshake(ctx); err != nil {
		return fmt.Errorf("dock: %w", err)
	}
	if n := session.Newton(); n != nil {
		status("Docked with %s's Newton\n", n.Owner)
	}

	if err := operate(ctx, session, packages); err != nil {
		session.Disconnect(context.Background())
		return err
	}
	return session.Disconnect(ctx)
}

func operate(ctx context.Context, session *dock.Session, packages []string) error {
	if *stimeout > 0 {
		if err := session.SetTimeout(ctx, uint32(*stimeout)); err != nil {
			return fmt.Errorf("set timeout: %w", err)
		}
	}

	for _, p := range packages {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		status("Installing %s (%d bytes)\n", filepath.Base(p), len(data))
		if err := session.LoadPackage(ctx, data); err != nil {
			return fmt.Errorf("install %s: %w", filepath.Base(p), err)
		}
	}

	if *stores || *soups {
		list, err := session.StoreNames(ctx)
		if err != nil {
			return fmt.Errorf("stores: %w", err)
		}
		if *stores {
			for _, s := range list {
				fmt.Fprintf(listOut, "%-20s %-10s %10d/%-10d%s\n", s.Name, s.Kind, s.UsedSize, s.TotalSize, storeFlags(s))
			}
		}
		if *soups {
			for _, s := range list {
				if !s.DefaultStore {
					continue
				}
				if err := session.SetCurrentStore(ctx, s); err != nil {
					return fmt.Errorf("select store %s: %w", s.Name, err)
				}
				names, _, err := session.SoupNames(ctx)
				if err != nil {
					return fmt.Errorf("soups: %w", err)
				}
				for _, n := range names {
					fmt.Fprintln(listOut, n)
				}
			}
		}
	}
	return nil
}

func storeFlags(s dock.Store) string {
	var out string
	if s.DefaultStore {
		out += " default"
	}
	if s.ReadOnly {
		out += " read-only"
	}
	return out
}

func status(format string, args ...any) {
	if !*quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - dock with a Newton and install packages

Usage: %s [options] [package...]

Options:
  -config path     TOML configuration file
  -link kind       ssh, tcp or stdio (default ssh)
  -host host       SSH host owning the serial line
  -user name       SSH username
  -password pass   SSH password (or NCU_SSH_PASSWORD, or prompt)
  -port id         serial port on the SSH host (default /dev/ttyUSB0)
  -baud n          serial line speed (default 38400)
  -address addr    host:port of a TCP serial line
  -timeout n       session timeout to set on the Newton, in seconds
  -stores          list stores
  -soups           list soups on the default store
  -log level       log level
  -wire            log raw link traffic
  -v               verbose mode
  -q               quiet mode
  -h               show this help message
  -version         show version

Examples:
  %s -host pi.local -user pi app.pkg      # Install a package over an SSH bridge
  %s -address localhost:3679 -stores      # List stores on an emulator

`, versionString, os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
