package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercall/signaling"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testOffer(gen uint64) *signaling.SessionDescription {
	return &signaling.SessionDescription{SDP: "v=0 offer", Type: signaling.TypeOffer, Generation: gen}
}

func testAnswer(gen uint64) *signaling.SessionDescription {
	return &signaling.SessionDescription{SDP: "v=0 answer", Type: signaling.TypeAnswer, Generation: gen}
}

func testOptions() *Options {
	opts := NewOptions()
	opts.RequestTimeout = time.Second
	opts.ReconnectDelay = 10 * time.Millisecond
	return opts
}

// startServer runs a relay server on an httptest listener and returns it
// with its websocket URL.
func startServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	srv, err := NewServer(nil, testOptions())
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		srv.Store().Close()
	})
	return srv, ts, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

// TestServerHTTPRoutes tests the read-only HTTP endpoints.
func TestServerHTTPRoutes(t *testing.T) {
	srv, ts, _ := startServer(t)

	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Connections)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/sessions/quiet-lake-hums", nil))
	require.NoError(t, srv.Store().CreateSession("quiet-lake-hums", &signaling.Document{Offer: testOffer(1), CallerID: "alice"}))
	var doc signaling.Document
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/sessions/quiet-lake-hums", &doc))
	assert.Equal(t, "alice", doc.CallerID)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/presence/alice", nil))
	srv.Store().SetPresence("alice", true)
	var p signaling.Presence
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/presence/alice", &p))
	assert.True(t, p.IsOnline)
}

// TestServerRejectsBadFrames tests that malformed requests get an error
// reply carrying their id.
func TestServerRejectsBadFrames(t *testing.T) {
	_, _, url := startServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	send := func(raw string) *Frame {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(raw)))
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		f, err := ParseFrame(data)
		require.NoError(t, err)
		return f
	}

	f := send(`{"op":"read","id":7}`)
	assert.Equal(t, EventReply, f.Event)
	assert.Equal(t, uint64(7), f.ID)
	assert.Equal(t, CodeBadRequest, f.Code)

	f = send(`{"event":"reply","id":8}`)
	assert.Equal(t, uint64(8), f.ID)
	assert.Equal(t, CodeBadRequest, f.Code)

	f = send(`{"op":"update","id":9,"key":"missing","data":{"declined":true}}`)
	assert.Equal(t, CodeNotFound, f.Code)

	f = send(`{"op":"create","id":10,"key":"c","data":{"answer":{"sdp":"x","type":"answer","generation":1}}}`)
	assert.Equal(t, CodeInvalid, f.Code)
}

// TestServerPresenceFollowsConnections tests that a user is online while
// any of their connections is open.
func TestServerPresenceFollowsConnections(t *testing.T) {
	srv, _, url := startServer(t)
	ctx := context.Background()

	first, err := Dial(ctx, url, "alice", testOptions())
	require.NoError(t, err)
	second, err := Dial(ctx, url, "alice", testOptions())
	require.NoError(t, err)

	online := func() bool {
		p, err := srv.Store().ReadPresence(ctx, "alice")
		return err == nil && p != nil && p.IsOnline
	}
	require.Eventually(t, online, waitFor, tick)
	assert.Equal(t, 2, srv.Connections())

	first.Close()
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, waitFor, tick)
	assert.True(t, online())

	second.Close()
	require.Eventually(t, func() bool { return !online() }, waitFor, tick)
	assert.Equal(t, 0, srv.Connections())
}

// TestServerCloseRefusesClients tests shutdown.
func TestServerCloseRefusesClients(t *testing.T) {
	srv, _, url := startServer(t)

	c, err := Dial(context.Background(), url, "alice", testOptions())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, srv.Close())
	assert.Eventually(t, func() bool { return srv.Connections() == 0 }, waitFor, tick)

	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
}

// TestNewServerValidatesOptions tests option validation.
func TestNewServerValidatesOptions(t *testing.T) {
	opts := NewOptions()
	opts.PingInterval = opts.PongWait
	_, err := NewServer(nil, opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

// TestServerCORS tests that browsers on any origin can read the HTTP views
// when no origin list is configured.
func TestServerCORS(t *testing.T) {
	_, ts, _ := startServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
