// Package main is a terminal client for peercall.
//
// It connects to a relay, then starts, joins or rings a call using real
// WebRTC transport. Lines typed on stdin are sent as chat; /mute, /video,
// /hangup and /quit control the call.
//
// Usage:
//
//	peercall -relay ws://localhost:8080/ws -user alice -mode start
//	peercall -relay ws://localhost:8080/ws -user bob -mode join -call happy-river-sings
//	peercall -relay ws://localhost:8080/ws -user alice -mode ring -peer bob
//	peercall -relay ws://localhost:8080/ws -user carol -mode presence -peer bob
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/call"
	"github.com/opd-ai/peercall/callid"
	"github.com/opd-ai/peercall/e2ee"
	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/media/capture"
	"github.com/opd-ai/peercall/relay"
	"github.com/opd-ai/peercall/signaling"
	"github.com/opd-ai/peercall/stats"
	"github.com/opd-ai/peercall/transport"
)

// Modes select what the client does once connected.
const (
	modeStart    = "start"
	modeJoin     = "join"
	modeRing     = "ring"
	modeListen   = "listen"
	modePresence = "presence"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	relayURL   string
	userID     string
	mode       string
	callID     string
	peerID     string
	alias      string
	e2ee       bool
	suite      string
	resolution string
	audio      bool
	video      bool
	capture    bool
	stun       string
	logLevel   string
	logJSON    bool
}

// parseCLIFlags parses args into a configuration.
func parseCLIFlags(args []string, output io.Writer) (*CLIConfig, error) {
	config := &CLIConfig{}

	fs := flag.NewFlagSet("peercall", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&config.relayURL, "relay", "ws://localhost:8080/ws", "Relay websocket URL")
	fs.StringVar(&config.userID, "user", "", "Your user ID")
	fs.StringVar(&config.mode, "mode", modeListen, "One of start, join, ring, listen, presence")
	fs.StringVar(&config.callID, "call", "", "Call ID for start or join")
	fs.StringVar(&config.peerID, "peer", "", "User to ring or look up")
	fs.StringVar(&config.alias, "alias", "", "Name shown to the callee when ringing")

	fs.BoolVar(&config.e2ee, "e2ee", false, "Encrypt media end to end on calls you start")
	fs.StringVar(&config.suite, "suite", e2ee.SuiteAESGCM.String(), "Frame cipher suite")

	fs.StringVar(&config.resolution, "resolution", media.Resolution720p.Name, "Video resolution (1080p, 720p, 480p)")
	fs.BoolVar(&config.audio, "audio", true, "Send audio")
	fs.BoolVar(&config.video, "video", true, "Send video")
	fs.BoolVar(&config.capture, "capture", false, "Use real capture devices instead of synthetic media")
	fs.StringVar(&config.stun, "stun", "", "Comma-separated STUN/TURN URLs (default: public STUN)")

	fs.StringVar(&config.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	fs.BoolVar(&config.logJSON, "log-json", false, "Emit logs as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.relayURL == "" {
		return fmt.Errorf("relay URL cannot be empty")
	}
	if config.userID == "" {
		return fmt.Errorf("user ID is required")
	}
	switch config.mode {
	case modeStart, modeListen:
	case modeJoin:
		if config.callID == "" {
			return fmt.Errorf("join requires -call")
		}
	case modeRing, modePresence:
		if config.peerID == "" {
			return fmt.Errorf("%s requires -peer", config.mode)
		}
		if config.peerID == config.userID && config.mode == modeRing {
			return fmt.Errorf("cannot ring yourself")
		}
	default:
		return fmt.Errorf("unknown mode %q", config.mode)
	}
	if config.callID != "" {
		if err := callid.Validate(config.callID); err != nil {
			return err
		}
	}
	if _, err := e2ee.ParseSuite(config.suite); err != nil {
		return err
	}
	if _, err := media.ParseResolution(config.resolution); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", config.logLevel)
	}
	return nil
}

// callOptions converts the CLI configuration to controller options.
// validateCLIConfig must have accepted config.
func callOptions(config *CLIConfig) *call.Options {
	opts := call.NewOptions()
	opts.SelfID = config.userID
	opts.EnableE2EE = config.e2ee
	opts.Suite, _ = e2ee.ParseSuite(config.suite)

	res, _ := media.ParseResolution(config.resolution)
	opts.Constraints = media.Constraints{Audio: config.audio, Video: config.video, Resolution: res}

	if config.stun != "" {
		var urls []string
		for _, u := range strings.Split(config.stun, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		opts.ICEServers = []transport.ICEServer{{URLs: urls}}
	}
	return opts
}

func configureLogging(level string, asJSON bool) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logrus.SetLevel(lvl)
	}
	if asJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

func mediaSource(config *CLIConfig) media.Source {
	if config.capture {
		return capture.NewSource()
	}
	return media.SyntheticSource{}
}

// command applies one line of user input to the controller. It reports
// false when the user asked to quit.
func command(ctrl *call.Controller, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	var err error
	switch line {
	case "":
		return true
	case "/quit":
		return false
	case "/hangup":
		err = ctrl.HangUp()
	case "/reset":
		ctrl.Reset()
	case "/mute":
		var muted bool
		if muted, err = ctrl.ToggleMute(); err == nil {
			fmt.Fprintf(out, "muted: %t\n", muted)
		}
	case "/video":
		var off bool
		if off, err = ctrl.ToggleVideo(); err == nil {
			fmt.Fprintf(out, "video off: %t\n", off)
		}
	case "/accept":
		err = ctrl.Accept()
	case "/decline":
		err = ctrl.Decline()
	default:
		err = ctrl.SendChat(line)
	}
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return true
}

func formatStats(cs stats.CallStats, q stats.QualityLevel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "quality %s", q)
	if cs.HasRoundTripTime {
		fmt.Fprintf(&b, " rtt %s", cs.RoundTripTime.Round(time.Millisecond))
	}
	if cs.HasJitter {
		fmt.Fprintf(&b, " jitter %s", cs.Jitter.Round(time.Millisecond))
	}
	if cs.HasBitrate {
		fmt.Fprintf(&b, " up %.0fkbps down %.0fkbps", cs.UploadKbps, cs.DownloadKbps)
	}
	fmt.Fprintf(&b, " lost %d", cs.PacketsLost)
	return b.String()
}

func showPresence(ctx context.Context, ch signaling.Channel, peerID string, out io.Writer) error {
	p, err := ch.ReadPresence(ctx, peerID)
	if err != nil {
		return err
	}
	if p == nil {
		fmt.Fprintf(out, "%s: unknown\n", peerID)
		return nil
	}
	status := "offline"
	if p.IsOnline {
		status = "online"
	}
	fmt.Fprintf(out, "%s: %s since %s\n", peerID, status, time.UnixMilli(p.LastChanged).Format(time.RFC3339))
	return nil
}

func run(ctx context.Context, config *CLIConfig, in io.Reader, out io.Writer) error {
	client, err := relay.Dial(ctx, config.relayURL, config.userID, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	if config.mode == modePresence {
		return showPresence(ctx, client, config.peerID, out)
	}

	factory, err := transport.NewPionFactory(nil)
	if err != nil {
		return err
	}
	ctrl, err := call.New(client, factory, mediaSource(config), callOptions(config))
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctrl.OnStateChange(func(s call.State, message string) {
		if message != "" {
			fmt.Fprintf(out, "[%s] %s\n", s, message)
			return
		}
		fmt.Fprintf(out, "[%s]\n", s)
	})
	ctrl.OnChat(func(text string) { fmt.Fprintf(out, "peer: %s\n", text) })
	ctrl.OnStats(func(cs stats.CallStats, q stats.QualityLevel) { fmt.Fprintln(out, formatStats(cs, q)) })
	ctrl.OnIncomingCall(func(n signaling.Notification) {
		who := n.From
		if n.CallerAlias != "" {
			who = n.CallerAlias
		}
		fmt.Fprintf(out, "incoming call from %s (%s): /accept or /decline\n", who, n.CallID)
	})
	ctrl.OnCallEnded(func(rec call.CallRecord) {
		fmt.Fprintf(out, "call %s with %s lasted %s\n", rec.CallID, rec.PeerID, rec.Duration.Round(time.Second))
	})

	if err := ctrl.Start(); err != nil {
		return err
	}
	if err := ctrl.EnterLobby(); err != nil {
		return err
	}

	switch config.mode {
	case modeStart:
		var id string
		if config.callID != "" {
			id = config.callID
			err = ctrl.Join(id)
		} else {
			id, err = ctrl.StartCall()
		}
		if err == nil {
			fmt.Fprintf(out, "call ID: %s\n", id)
		}
	case modeJoin:
		err = ctrl.Join(config.callID)
	case modeRing:
		var id string
		if id, err = ctrl.RingPeer(config.peerID, config.alias); err == nil {
			fmt.Fprintf(out, "ringing %s on %s\n", config.peerID, id)
		}
	}
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || !command(ctrl, line, out) {
				if ctrl.State().Active() {
					_ = ctrl.HangUp()
				}
				return nil
			}
		}
	}
}

func main() {
	config, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}
	if err := validateCLIConfig(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -h for usage information.\n")
		os.Exit(1)
	}
	configureLogging(config.logLevel, config.logJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
