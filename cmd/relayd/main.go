// Package main runs the peercall signaling relay.
//
// The relay keeps call documents, candidate lists, per-user mailboxes and
// presence in memory and serves them to clients over a websocket at /ws.
// Read-only views are available at /healthz, /presence/{userID} and
// /sessions/{callID}.
//
// Usage:
//
//	relayd -addr :8080 -log-level debug
//
// Settings may also come from the environment or a .env file in the
// working directory; flags take precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/relay"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	addr           string
	logLevel       string
	logJSON        bool
	readLimit      int64
	sendBuffer     int
	pongWait       time.Duration
	allowedOrigins string
	help           bool
}

// envOr returns the environment value for key, or def when unset.
func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// parseCLIFlags parses args into a configuration. RELAYD_ADDR,
// RELAYD_LOG_LEVEL and RELAYD_ALLOWED_ORIGINS supply defaults that flags
// override.
func parseCLIFlags(args []string, output io.Writer) (*CLIConfig, error) {
	config := &CLIConfig{}
	defaults := relay.NewOptions()

	fs := flag.NewFlagSet("relayd", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&config.addr, "addr", envOr("RELAYD_ADDR", ":8080"), "Listen address")
	fs.StringVar(&config.logLevel, "log-level", envOr("RELAYD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	fs.BoolVar(&config.logJSON, "log-json", false, "Emit logs as JSON")
	fs.Int64Var(&config.readLimit, "read-limit", defaults.ReadLimit, "Maximum frame size in bytes")
	fs.IntVar(&config.sendBuffer, "send-buffer", defaults.SendBuffer, "Per-client outbound queue length")
	fs.DurationVar(&config.pongWait, "pong-wait", defaults.PongWait, "Drop clients silent for this long")
	fs.StringVar(&config.allowedOrigins, "allowed-origins", envOr("RELAYD_ALLOWED_ORIGINS", ""), "Comma-separated browser origins allowed on /ws (default: any)")
	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.addr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", config.logLevel)
	}
	if config.readLimit <= 0 {
		return fmt.Errorf("read limit must be positive")
	}
	if config.sendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive")
	}
	if config.pongWait <= time.Second {
		return fmt.Errorf("pong wait must be longer than one second")
	}
	return nil
}

// relayOptions converts the CLI configuration to relay options.
func relayOptions(config *CLIConfig) *relay.Options {
	opts := relay.NewOptions()
	opts.ReadLimit = config.readLimit
	opts.SendBuffer = config.sendBuffer
	opts.PongWait = config.pongWait
	opts.PingInterval = config.pongWait * 9 / 10
	for _, origin := range strings.Split(config.allowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			opts.AllowedOrigins = append(opts.AllowedOrigins, origin)
		}
	}
	return opts
}

func configureLogging(level string, asJSON bool) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logrus.SetLevel(lvl)
	}
	if asJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "peercall signaling relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintf(w, "  %s [options]\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s -addr :8080\n", os.Args[0])
	fmt.Fprintf(w, "  %s -addr 127.0.0.1:9000 -log-level debug -log-json\n", os.Args[0])
}

func run(ctx context.Context, config *CLIConfig) error {
	srv, err := relay.NewServer(nil, relayOptions(config))
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}
	defer srv.Store().Close()

	err = srv.ListenAndServe(ctx, config.addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	config, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}
	if config.help {
		printUsage(os.Stdout)
		os.Exit(0)
	}
	if err := validateCLIConfig(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}
	configureLogging(config.logLevel, config.logJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"addr":     config.addr,
			"error":    err.Error(),
		}).Error("Relay stopped")
		os.Exit(1)
	}
}
