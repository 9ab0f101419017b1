package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercall/call"
	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/signaling"
	"github.com/opd-ai/peercall/transport/transporttest"
)

type recorder struct {
	mu    sync.Mutex
	docs  []*signaling.Document
	cands []signaling.Candidate
	mail  []*signaling.Notification
}

func (r *recorder) doc(doc *signaling.Document, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
}

func (r *recorder) cand(c signaling.Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cands = append(r.cands, c)
}

func (r *recorder) notification(n *signaling.Notification, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mail = append(r.mail, n)
}

func (r *recorder) lastDoc() (*signaling.Document, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.docs) == 0 {
		return nil, 0
	}
	return r.docs[len(r.docs)-1], len(r.docs)
}

func (r *recorder) candidates() []signaling.Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signaling.Candidate(nil), r.cands...)
}

func (r *recorder) lastMail() (*signaling.Notification, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.mail) == 0 {
		return nil, 0
	}
	return r.mail[len(r.mail)-1], len(r.mail)
}

func dial(t *testing.T, url, userID string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, userID, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// TestClientSessionLifecycle tests document operations through the relay.
func TestClientSessionLifecycle(t *testing.T) {
	_, _, url := startServer(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")
	ctx := context.Background()

	rec := &recorder{}
	sub := bob.Subscribe("calm-bird-flies", rec.doc)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		doc, n := rec.lastDoc()
		return n == 1 && doc == nil
	}, waitFor, tick)

	require.NoError(t, alice.CreateSession("calm-bird-flies", &signaling.Document{Offer: testOffer(1), CallerID: "alice"}))
	require.Eventually(t, func() bool {
		doc, _ := rec.lastDoc()
		return doc != nil && doc.CallerID == "alice"
	}, waitFor, tick)

	joiner := "bob"
	require.NoError(t, bob.UpdateSession("calm-bird-flies", signaling.Patch{Answer: testAnswer(1), JoinerID: &joiner}))
	require.Eventually(t, func() bool {
		doc, _ := rec.lastDoc()
		return doc != nil && doc.Answer != nil && doc.JoinerID == "bob"
	}, waitFor, tick)

	doc, err := alice.ReadSessionOnce(ctx, "calm-bird-flies")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, uint64(1), doc.Answer.Generation)

	require.NoError(t, alice.DeleteSession("calm-bird-flies"))
	require.Eventually(t, func() bool {
		doc, n := rec.lastDoc()
		return n >= 4 && doc == nil
	}, waitFor, tick)

	doc, err = alice.ReadSessionOnce(ctx, "calm-bird-flies")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

// TestClientErrorsKeepTheirSentinels tests error mapping on replies.
func TestClientErrorsKeepTheirSentinels(t *testing.T) {
	_, _, url := startServer(t)
	alice := dial(t, url, "alice")

	err := alice.UpdateSession("nobody-home-here", signaling.Patch{Offer: testOffer(1)})
	assert.ErrorIs(t, err, signaling.ErrSessionNotFound)

	require.NoError(t, alice.CreateSession("gone-cold-now", &signaling.Document{Offer: testOffer(1)}))
	declined := true
	require.NoError(t, alice.UpdateSession("gone-cold-now", signaling.Patch{Declined: &declined}))
	err = alice.UpdateSession("gone-cold-now", signaling.Patch{Answer: testAnswer(1)})
	assert.ErrorIs(t, err, signaling.ErrDeclined)

	err = alice.CreateSession("bad-doc-here", &signaling.Document{Answer: testAnswer(1)})
	assert.ErrorIs(t, err, signaling.ErrInvalidDocument)

	err = alice.Notify("bob", signaling.Notification{From: "alice"})
	assert.ErrorIs(t, err, signaling.ErrInvalidDocument)

	alice.Close()
	assert.ErrorIs(t, alice.DeleteSession("gone-cold-now"), signaling.ErrClosed)
	assert.Equal(t, ClientClosed, alice.State())
}

// TestClientCandidates tests that each candidate is delivered once, in
// order, to the matching list only.
func TestClientCandidates(t *testing.T) {
	_, _, url := startServer(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	require.NoError(t, alice.CreateSession("soft-rain-falls", &signaling.Document{Offer: testOffer(1)}))
	require.NoError(t, alice.AppendCandidate("soft-rain-falls", signaling.OfferCandidates, signaling.Candidate{Candidate: "c1"}))

	rec := &recorder{}
	sub := bob.SubscribeCandidates("soft-rain-falls", signaling.OfferCandidates, rec.cand)
	defer sub.Unsubscribe()

	require.NoError(t, alice.AppendCandidate("soft-rain-falls", signaling.OfferCandidates, signaling.Candidate{Candidate: "c2"}))
	require.NoError(t, bob.AppendCandidate("soft-rain-falls", signaling.AnswerCandidates, signaling.Candidate{Candidate: "a1"}))

	require.Eventually(t, func() bool { return len(rec.candidates()) == 2 }, waitFor, tick)
	got := rec.candidates()
	assert.Equal(t, "c1", got[0].Candidate)
	assert.Equal(t, "c2", got[1].Candidate)

	err := alice.AppendCandidate("no-such-call", signaling.OfferCandidates, signaling.Candidate{Candidate: "c3"})
	assert.ErrorIs(t, err, signaling.ErrSessionNotFound)
}

// TestClientMailboxAndPresence tests ringing primitives.
func TestClientMailboxAndPresence(t *testing.T) {
	_, _, url := startServer(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")
	ctx := context.Background()

	rec := &recorder{}
	sub := bob.WatchMailbox("bob", rec.notification)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool { _, n := rec.lastMail(); return n == 1 }, waitFor, tick)

	require.NoError(t, alice.Notify("bob", signaling.Notification{From: "alice", CallID: "warm-sun-rises", CallerAlias: "Alice"}))
	require.Eventually(t, func() bool {
		n, _ := rec.lastMail()
		return n != nil && n.CallID == "warm-sun-rises" && n.CallerAlias == "Alice"
	}, waitFor, tick)

	require.NoError(t, alice.Withdraw("bob", "some-other-call"))
	require.NoError(t, alice.Withdraw("bob", "warm-sun-rises"))
	require.Eventually(t, func() bool {
		n, count := rec.lastMail()
		return n == nil && count == 3
	}, waitFor, tick)

	p, err := alice.ReadPresence(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.IsOnline)

	p, err = alice.ReadPresence(ctx, "carol")
	require.NoError(t, err)
	assert.Nil(t, p)
}

// TestClientUnsubscribeStopsDelivery tests that no handler runs after
// Unsubscribe returns.
func TestClientUnsubscribeStopsDelivery(t *testing.T) {
	srv, _, url := startServer(t)
	bob := dial(t, url, "bob")

	rec := &recorder{}
	sub := bob.Subscribe("short-lived-call", rec.doc)
	require.Eventually(t, func() bool { _, n := rec.lastDoc(); return n == 1 }, waitFor, tick)
	sub.Unsubscribe()

	require.NoError(t, srv.Store().CreateSession("short-lived-call", &signaling.Document{Offer: testOffer(1)}))
	require.NoError(t, srv.Store().DeleteSession("short-lived-call"))

	_, err := bob.ReadSessionOnce(context.Background(), "short-lived-call")
	require.NoError(t, err)
	assert.Never(t, func() bool { _, n := rec.lastDoc(); return n != 1 }, 100*time.Millisecond, tick)
}

// TestClientResubscribesAfterReconnect tests that subscriptions survive a
// dropped connection.
func TestClientResubscribesAfterReconnect(t *testing.T) {
	srv, _, url := startServer(t)
	bob := dial(t, url, "bob")

	rec := &recorder{}
	sub := bob.Subscribe("sturdy-oak-grows", rec.doc)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool { _, n := rec.lastDoc(); return n == 1 }, waitFor, tick)

	srv.mu.Lock()
	conns := make([]*serverConn, 0, len(srv.conns))
	for _, c := range srv.conns {
		conns = append(conns, c)
	}
	srv.mu.Unlock()
	for _, c := range conns {
		c.close()
	}

	require.Eventually(t, func() bool { return bob.State() == ClientConnected && srv.Connections() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		if srv.Store().CreateSession("sturdy-oak-grows", &signaling.Document{Offer: testOffer(1), CallerID: "alice"}) != nil {
			return false
		}
		doc, _ := rec.lastDoc()
		return doc != nil && doc.CallerID == "alice"
	}, waitFor, 50*tick)
}

// TestDialRejectsEmptyUser tests argument validation.
func TestDialRejectsEmptyUser(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", "", nil)
	assert.ErrorIs(t, err, signaling.ErrInvalidID)
}

// TestControllersOverRelay tests a full start/join call between two
// controllers that only share a websocket relay.
func TestControllersOverRelay(t *testing.T) {
	srv, _, url := startServer(t)

	newController := func(userID string) (*call.Controller, *transporttest.Factory) {
		opts := call.NewOptions()
		opts.SelfID = userID
		opts.ICEServers = nil
		factory := transporttest.NewFactory()
		ctrl, err := call.New(dial(t, url, userID), factory, media.SyntheticSource{}, opts)
		require.NoError(t, err)
		require.NoError(t, ctrl.Start())
		t.Cleanup(func() { ctrl.Close() })
		return ctrl, factory
	}

	alice, aliceConns := newController("alice")
	bob, bobConns := newController("bob")

	require.NoError(t, alice.EnterLobby())
	id, err := alice.StartCall()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return alice.State() == call.StateWaitingForAnswer }, waitFor, tick)
	require.Eventually(t, func() bool {
		doc, err := srv.Store().ReadSessionOnce(context.Background(), id)
		return err == nil && doc != nil
	}, waitFor, tick)

	require.NoError(t, bob.EnterLobby())
	require.NoError(t, bob.Join(id))
	require.Eventually(t, func() bool { return alice.State() == call.StateConnected }, waitFor, tick)
	require.Eventually(t, func() bool { return bob.State() == call.StateConnected }, waitFor, tick)

	require.Eventually(t, func() bool {
		return len(aliceConns.Last().AddedCandidates()) > 0 && len(bobConns.Last().AddedCandidates()) > 0
	}, waitFor, tick)

	require.NoError(t, alice.HangUp())
	require.Eventually(t, func() bool { return bob.State() == call.StateEnded }, waitFor, tick)
}

// silentRelay accepts a connection, answers hello and ignores every later
// request.
func silentRelay(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := ParseFrame(data)
			if err != nil || f.Op != OpHello {
				continue
			}
			reply, _ := json.Marshal(&Frame{Event: EventReply, ID: f.ID})
			if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// TestClientSubscribeDoesNotWaitForReply tests that subscribing returns
// without an acknowledgement while writes report the missing reply.
func TestClientSubscribeDoesNotWaitForReply(t *testing.T) {
	c := dial(t, silentRelay(t), "alice")
	var rec recorder

	start := time.Now()
	sub := c.Subscribe("quiet-lake-hums", rec.doc)
	c.WatchMailbox("alice", rec.notification).Unsubscribe()
	sub.Unsubscribe()
	assert.Less(t, time.Since(start), testOptions().RequestTimeout/2)

	err := c.UpdateSession("quiet-lake-hums", signaling.Patch{Answer: testAnswer(1)})
	assert.ErrorIs(t, err, ErrRequestTimeout)
}
