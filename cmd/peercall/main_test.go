package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercall/call"
	"github.com/opd-ai/peercall/e2ee"
	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/relay"
	"github.com/opd-ai/peercall/signaling"
	"github.com/opd-ai/peercall/stats"
	"github.com/opd-ai/peercall/transport/transporttest"
)

func TestValidateCLIConfig(t *testing.T) {
	valid := func() *CLIConfig {
		config, err := parseCLIFlags([]string{"-user", "alice"}, &bytes.Buffer{})
		require.NoError(t, err)
		return config
	}

	tests := []struct {
		name        string
		mutate      func(*CLIConfig)
		errContains string
	}{
		{"listen", func(*CLIConfig) {}, ""},
		{"start", func(c *CLIConfig) { c.mode = modeStart }, ""},
		{"start with id", func(c *CLIConfig) { c.mode = modeStart; c.callID = "happy-river-sings" }, ""},
		{"join", func(c *CLIConfig) { c.mode = modeJoin; c.callID = "happy-river-sings" }, ""},
		{"ring", func(c *CLIConfig) { c.mode = modeRing; c.peerID = "bob" }, ""},
		{"no user", func(c *CLIConfig) { c.userID = "" }, "user ID"},
		{"no relay", func(c *CLIConfig) { c.relayURL = "" }, "relay URL"},
		{"join without call", func(c *CLIConfig) { c.mode = modeJoin }, "requires -call"},
		{"ring without peer", func(c *CLIConfig) { c.mode = modeRing }, "requires -peer"},
		{"ring yourself", func(c *CLIConfig) { c.mode = modeRing; c.peerID = "alice" }, "yourself"},
		{"unknown mode", func(c *CLIConfig) { c.mode = "dance" }, "unknown mode"},
		{"bad call id", func(c *CLIConfig) { c.mode = modeJoin; c.callID = "Not An ID" }, "call"},
		{"bad suite", func(c *CLIConfig) { c.suite = "rot13" }, "rot13"},
		{"bad resolution", func(c *CLIConfig) { c.resolution = "4k" }, "4k"},
		{"bad log level", func(c *CLIConfig) { c.logLevel = "loud" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(config)
			err := validateCLIConfig(config)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestCallOptions(t *testing.T) {
	config, err := parseCLIFlags([]string{
		"-user", "alice",
		"-e2ee",
		"-suite", "chachapoly",
		"-resolution", "480p",
		"-video=false",
		"-stun", "stun:a.example:3478, stun:b.example:3478",
	}, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, validateCLIConfig(config))

	opts := callOptions(config)
	assert.Equal(t, "alice", opts.SelfID)
	assert.True(t, opts.EnableE2EE)
	assert.Equal(t, e2ee.SuiteChaChaPoly, opts.Suite)
	assert.Equal(t, media.Resolution480p, opts.Constraints.Resolution)
	assert.True(t, opts.Constraints.Audio)
	assert.False(t, opts.Constraints.Video)
	require.Len(t, opts.ICEServers, 1)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, opts.ICEServers[0].URLs)
}

func TestFormatStats(t *testing.T) {
	line := formatStats(stats.CallStats{
		RoundTripTime:    42 * time.Millisecond,
		HasRoundTripTime: true,
		UploadKbps:       120,
		DownloadKbps:     80,
		HasBitrate:       true,
		PacketsLost:      3,
	}, stats.QualityGood)

	assert.Equal(t, "quality Good rtt 42ms up 120kbps down 80kbps lost 3", line)
}

func TestCommand(t *testing.T) {
	opts := call.NewOptions()
	opts.SelfID = "alice"
	opts.ICEServers = nil
	ctrl, err := call.New(signaling.NewMemoryRelay(), transporttest.NewFactory(), media.SyntheticSource{}, opts)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	defer ctrl.Close()

	var out bytes.Buffer
	assert.True(t, command(ctrl, "   ", &out))
	assert.Empty(t, out.String())

	assert.True(t, command(ctrl, "/mute", &out))
	assert.Contains(t, out.String(), "error:")

	assert.True(t, command(ctrl, "hello", &out))
	assert.False(t, command(ctrl, "/quit", &out))
}

func TestRunPresence(t *testing.T) {
	srv, err := relay.NewServer(nil, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	srv.Store().SetPresence("bob", true)

	config, err := parseCLIFlags([]string{
		"-relay", "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		"-user", "carol",
		"-mode", modePresence,
		"-peer", "bob",
	}, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, validateCLIConfig(config))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), config, strings.NewReader(""), &out))
	assert.Contains(t, out.String(), "bob: online since")

	config.peerID = "dave"
	out.Reset()
	require.NoError(t, run(context.Background(), config, strings.NewReader(""), &out))
	assert.Equal(t, "dave: unknown\n", out.String())
}
