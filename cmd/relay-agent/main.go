// ABOUTME: Reference relay agent: dials a relay-gateway, registers, and answers requests.
// ABOUTME: Usage: relay-agent --gateway ws://localhost:8080 --identity A1 [--forward-url http://127.0.0.1:9000]

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/2389/relay-gateway/internal/agentclient"
)

// Version is set by goreleaser at build time.
var version = "dev"

type options struct {
	gateway        string
	identity       string
	capabilities   []string
	forwardURL     string
	forwardTimeout time.Duration
	handlerTimeout time.Duration
	minBackoff     time.Duration
	maxBackoff     time.Duration
	once           bool
	logLevel       string
	logFormat      string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	flagSet := pflag.NewFlagSet("relay-agent", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.gateway, "gateway", "g", envOr("RELAY_GATEWAY", "ws://localhost:8080/agent"),
		"gateway URL: ws://, wss:// or grpc://host:port")
	flagSet.StringVarP(&opts.identity, "identity", "i", os.Getenv("RELAY_IDENTITY"),
		"identity to register under (default: hostname)")
	flagSet.StringSliceVar(&opts.capabilities, "capability", nil,
		"advertised capability; repeat or comma-separate")
	flagSet.StringVar(&opts.forwardURL, "forward-url", "",
		"POST each request's params to <url>/<action> instead of echoing")
	flagSet.DurationVar(&opts.forwardTimeout, "forward-timeout", 10*time.Second, "timeout for forwarded HTTP calls")
	flagSet.DurationVar(&opts.handlerTimeout, "handler-timeout", agentclient.DefaultHandlerTimeout, "maximum time to answer one request")
	flagSet.DurationVar(&opts.minBackoff, "min-backoff", agentclient.DefaultMinBackoff, "first reconnect delay")
	flagSet.DurationVar(&opts.maxBackoff, "max-backoff", agentclient.DefaultMaxBackoff, "maximum reconnect delay")
	flagSet.BoolVar(&opts.once, "once", false, "exit when the first connection ends instead of reconnecting")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "relay-agent connects out to a relay-gateway and answers the requests it relays.\n\n")
		fmt.Fprintf(stderr, "Usage: relay-agent [flags]\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		fmt.Fprintf(stderr, "relay-agent %s\n", version)
		return nil, pflag.ErrHelp
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if strings.TrimSpace(opts.identity) == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("--identity is required: %w", err)
		}
		opts.identity = host
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	logger := newLogger(opts.logLevel, opts.logFormat, stderr)

	var handler agentclient.Handler = agentclient.Echo()
	mode := "echo"
	if opts.forwardURL != "" {
		forwarder, err := agentclient.NewHTTPForwarder(opts.forwardURL, opts.forwardTimeout)
		if err != nil {
			return err
		}
		handler = forwarder
		mode = "forward " + opts.forwardURL
	}

	host, _ := os.Hostname()
	client, err := agentclient.New(agentclient.Config{
		GatewayURL:     opts.gateway,
		Identity:       opts.identity,
		Version:        version,
		Capabilities:   opts.capabilities,
		Extra:          map[string]any{"hostname": host, "mode": mode},
		Handler:        handler,
		MinBackoff:     opts.minBackoff,
		MaxBackoff:     opts.maxBackoff,
		HandlerTimeout: opts.handlerTimeout,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("starting relay-agent",
		"gateway", opts.gateway,
		"identity", opts.identity,
		"mode", mode,
	)

	if opts.once {
		return client.RunOnce(ctx)
	}
	return client.Run(ctx)
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
