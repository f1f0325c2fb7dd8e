package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/drunlade/go-ncu/dock"
	"github.com/drunlade/go-ncu/internal/logging"
	"github.com/drunlade/go-ncu/internal/newtsim"
	"github.com/drunlade/go-ncu/transport"
)

var (
	listen     = flag.String("listen", "localhost:3679", "address to accept desktop connections on")
	owner      = flag.String("owner", "Newton", "owner name the Newton reports")
	soups      = flag.String("soups", "Names,Notes,Calendar", "comma-separated soup names")
	cancelPkgs = flag.Bool("cancel-packages", false, "cancel every package install")
	logLevel   = flag.String("log", "info", "log level")
	wire       = flag.Bool("wire", false, "log raw link traffic at trace level")
	help       = flag.Bool("h", false, "show help")
)

func main() {
	flag.Parse()
	if *help {
		flag.Usage()
		os.Exit(0)
	}

	logging.ConfigureRuntime()
	if !logging.SetLevel(*logLevel) {
		fmt.Fprintf(os.Stderr, "%s: unknown log level %q\n", os.Args[0], *logLevel)
		os.Exit(2)
	}
	log := logging.New("newtsim")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Info().Str("address", ln.Addr().String()).Msg("waiting for desktops")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("accept")
			continue
		}
		go serve(ctx, conn)
	}
}

func serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := logging.New("newtsim")
	log.Info().Str("peer", conn.RemoteAddr().String()).Msg("desktop connected")

	names := strings.Split(*soups, ",")
	sigs := make([]int32, len(names))
	for i := range sigs {
		sigs[i] = int32(i + 1)
	}
	opts := []newtsim.Option{
		newtsim.WithOwner(*owner),
		newtsim.WithSoups(names, sigs),
		newtsim.WithLogger(logging.New("sim")),
	}
	if *cancelPkgs {
		opts = append(opts, newtsim.WithCancelPackages())
	}
	newton := newtsim.New(opts...)

	var rw io.ReadWriter = conn
	if *wire {
		rw = transport.Trace(conn, logging.New("wire"), conn.RemoteAddr().String())
	}
	err := newton.Run(ctx, rw)
	if err != nil {
		log.Warn().Err(err).Msg("session ended")
	}
	for _, p := range newton.Packages() {
		log.Info().Int("bytes", len(p)).Msg("package received")
	}
	log.Info().Stringer("last", lastCommand(newton.Received())).Msg("desktop gone")
}

func lastCommand(names []dock.Name) dock.Name {
	if len(names) == 0 {
		return dock.Name{}
	}
	return names[len(names)-1]
}
