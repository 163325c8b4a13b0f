package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/quartzlab/recvring/internal/auth"
	"github.com/quartzlab/recvring/internal/bench"
	"github.com/quartzlab/recvring/internal/recvbuf"
	"github.com/quartzlab/recvring/internal/transport"
	"github.com/quartzlab/recvring/internal/version"
)

// globalFlags holds double-dash flags parsed from os.Args before dispatch.
// rest contains the remaining arguments with global flags stripped.
type globalFlags struct {
	version bool
	profile bool
	rest    []string
}

// parseGlobalFlags extracts double-dash flags from os.Args and returns
// the parsed values plus remaining args.
func parseGlobalFlags() globalFlags {
	var g globalFlags
	for i := 1; i < len(os.Args); i++ {
		arg := os.Args[i]
		switch arg {
		case "--version":
			g.version = true
		case "--profile":
			g.profile = true
		default:
			g.rest = append(g.rest, arg)
		}
	}
	return g
}

func main() {
	gf := parseGlobalFlags()

	if gf.version || (len(gf.rest) > 0 && gf.rest[0] == "version") {
		fmt.Printf("recvring %s (%s)\n", version.VERSION, version.Commit)
		os.Exit(0)
	}

	if len(gf.rest) == 0 {
		usage()
		os.Exit(1)
	}

	switch gf.rest[0] {
	case "bench":
		runBench(gf.rest[1:])
	case "serve":
		runServe(gf.rest[1:], gf.profile)
	case "send":
		runSend(gf.rest[1:], gf.profile)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", gf.rest[0])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: recvring bench [--modes] [--gnuplot <file>] [--label <name>] [--config <file>] [iterations]")
	fmt.Fprintln(os.Stderr, "       recvring serve [-p <port>] [-m single|circular|multiple] [-o <file>]")
	fmt.Fprintln(os.Stderr, "       recvring send -p <port> -k <passkey-hex> [--ooo] [--rate <bytes/s>] [-i <file>] [host]")
	fmt.Fprintln(os.Stderr, "       recvring version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  --version   print version and exit")
	fmt.Fprintln(os.Stderr, "  --profile   emit transfer stats to stderr")
}

func runBench(args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	gnuplot := fs.String("gnuplot", "", "append gnuplot data to this file")
	label := fs.String("label", "", "label for this run")
	configPath := fs.String("config", "", "YAML benchmark config file")
	modes := fs.Bool("modes", false, "compare single vs circular modes (write/read/drain + resize)")
	fs.Parse(args)

	cfg := bench.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = bench.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bench: %v\n", err)
			os.Exit(1)
		}
	}
	if *gnuplot != "" {
		cfg.Gnuplot = *gnuplot
	}
	if *label != "" {
		cfg.Label = *label
	}
	if fs.NArg() > 0 {
		if v, err := strconv.Atoi(fs.Arg(0)); err == nil && v > 0 {
			cfg.Iterations = v
		}
	}

	run := bench.Run
	if *modes {
		run = bench.RunModes
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		os.Exit(1)
	}
}

func parseMode(s string) (recvbuf.Mode, error) {
	switch strings.ToLower(s) {
	case "single":
		return recvbuf.ModeSingle, nil
	case "circular":
		return recvbuf.ModeCircular, nil
	case "multiple":
		return recvbuf.ModeMultiple, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

func runServe(args []string, profile bool) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("p", 0, "UDP port to listen on (0 = random)")
	modeName := fs.String("m", "circular", "read mode: single, circular or multiple")
	window := fs.Uint("w", transport.DefaultWindow, "flow-control window in bytes (power of two)")
	outPath := fs.String("o", "", "write the received stream to this file (default stdout)")
	fs.Parse(args)

	mode, err := parseMode(*modeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}

	passkey, err := auth.GeneratePasskey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: generate passkey: %v\n", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	r := transport.NewReceiver(transport.ReceiverConfig{
		Port:    *port,
		Passkey: passkey,
		Mode:    mode,
		Window:  uint32(*window),
		Output:  out,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Print connection details once the listener is ready.
	go func() {
		<-r.Ready
		fmt.Fprintf(os.Stderr, "listening on UDP port %d\n", r.Port())
		fmt.Fprintf(os.Stderr, "passkey: %s\n", auth.FormatPasskey(passkey))
	}()

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
	if profile {
		fmt.Fprintf(os.Stderr, "receiver stats: %s\n", r.Stats())
	}
}

func runSend(args []string, profile bool) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	port := fs.Int("p", 0, "port to connect to (required)")
	passkeyHex := fs.String("k", "", "hex-encoded passkey (required)")
	inPath := fs.String("i", "", "stream this file (default stdin)")
	chunk := fs.Int("chunk", transport.DefaultChunkSize, "bytes per datagram frame")
	ooo := fs.Bool("ooo", false, "shuffle frames to exercise reassembly")
	rateBps := fs.Int64("rate", 0, "pace the send in bytes/second (0 = unlimited)")
	fs.Parse(args)

	if *port == 0 {
		fmt.Fprintln(os.Stderr, "error: -p <port> is required")
		fs.Usage()
		os.Exit(1)
	}
	passkey, err := auth.ParsePasskey(*passkeyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	host := "127.0.0.1"
	if fs.NArg() > 0 {
		host = fs.Arg(0)
	}

	var in io.Reader = os.Stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	s := transport.NewSender(transport.SenderConfig{
		Host:            host,
		Port:            *port,
		Passkey:         passkey,
		ChunkSize:       *chunk,
		Shuffle:         *ooo,
		RateBytesPerSec: *rateBps,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx, in); err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}
	if profile {
		fmt.Fprintf(os.Stderr, "sender stats: %s\n", s.Stats())
	}
}
