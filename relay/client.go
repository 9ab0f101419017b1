package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/internal/serial"
	"github.com/opd-ai/peercall/signaling"
)

// ClientState represents the connection state of a Client.
type ClientState uint8

const (
	// ClientDisconnected means the connection dropped and a reconnect is
	// pending.
	ClientDisconnected ClientState = iota
	// ClientConnecting means a dial is in progress.
	ClientConnecting
	// ClientConnected means requests can be sent.
	ClientConnected
	// ClientFailed means every reconnect attempt failed.
	ClientFailed
	// ClientClosed means Close was called.
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientFailed:
		return "failed"
	case ClientClosed:
		return "closed"
	default:
		return fmt.Sprintf("ClientState(%d)", uint8(s))
	}
}

type clientSub struct {
	op   string
	key  string
	list signaling.CandidateList
	doc  signaling.DocumentHandler
	cand signaling.CandidateHandler
	mail signaling.MailboxHandler
}

func (s *clientSub) frame(name string) *Frame {
	return &Frame{Op: s.op, Sub: name, Key: s.key, List: s.list}
}

// Client is a signaling.Channel backed by a relay server. Subscriptions
// survive reconnects: after the connection is re-established every live
// subscription is sent again and the server replays current state.
type Client struct {
	opts   *Options
	url    string
	userID string
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu      sync.Mutex
	ws      *websocket.Conn
	state   ClientState
	nextID  uint64
	nextSub uint64
	pending map[uint64]chan *Frame
	subs    map[string]*clientSub

	// events delivers handler calls in arrival order, off the read loop.
	events    *serial.Queue
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay websocket at url and identifies as userID.
// The server marks userID online for as long as the connection lasts.
func Dial(ctx context.Context, url, userID string, opts *Options) (*Client, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", signaling.ErrInvalidID)
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:   opts,
		url:    url,
		userID: userID,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.RequestTimeout,
		},
		pending: make(map[uint64]chan *Frame),
		subs:    make(map[string]*clientSub),
		events:  serial.NewQueue(),
		done:    make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		c.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"url":      url,
		"user_id":  userID,
	}).Info("Connected to relay")
	return c, nil
}

// UserID returns the identity announced to the server.
func (c *Client) UserID() string { return c.userID }

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close closes the connection. Pending requests fail with
// signaling.ErrClosed and no handler is called afterwards.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.state = ClientClosed
		c.subs = make(map[string]*clientSub)
		c.mu.Unlock()

		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteWait))
			ws.Close()
		}
		c.events.Close()
	})
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(ClientConnecting)

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setState(ClientDisconnected)
		return fmt.Errorf("dial relay: %w", err)
	}
	ws.SetReadLimit(c.opts.ReadLimit)

	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		ws.Close()
		return signaling.ErrClosed
	}
	c.ws = ws
	c.state = ClientConnected
	subs := make(map[string]*clientSub, len(c.subs))
	for name, sub := range c.subs {
		subs[name] = sub
	}
	c.mu.Unlock()

	go c.readLoop(ws)

	if _, err := c.request(ctx, &Frame{Op: OpHello, Key: c.userID}); err != nil {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
			c.state = ClientDisconnected
		}
		c.mu.Unlock()
		ws.Close()
		return fmt.Errorf("relay hello: %w", err)
	}

	for name, sub := range subs {
		if err := c.send(sub.frame(name)); err != nil {
			return fmt.Errorf("resubscribe %s: %w", name, err)
		}
	}
	return nil
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientClosed {
		c.state = s
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.connectionLost(ws, err)
			return
		}

		f, err := ParseFrame(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.readLoop",
				"error":    err.Error(),
			}).Warn("Malformed frame from relay ignored")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f *Frame) {
	switch f.Event {
	case EventReply:
		c.mu.Lock()
		ch := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}

	case EventDocument:
		sub := c.lookup(f.Sub)
		if sub == nil || sub.doc == nil {
			return
		}
		doc, err := signaling.ParseDocument(f.Data)
		c.deliver(f.Sub, sub, func() { sub.doc(doc, err) })

	case EventCandidate:
		sub := c.lookup(f.Sub)
		if sub == nil || sub.cand == nil {
			return
		}
		var cand signaling.Candidate
		err := json.Unmarshal(f.Data, &cand)
		if err == nil {
			err = cand.Validate()
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.dispatch",
				"sub":      f.Sub,
				"error":    err.Error(),
			}).Warn("Malformed candidate ignored")
			return
		}
		c.deliver(f.Sub, sub, func() { sub.cand(cand) })

	case EventMailbox:
		sub := c.lookup(f.Sub)
		if sub == nil || sub.mail == nil {
			return
		}
		n, err := signaling.ParseNotification(f.Data)
		c.deliver(f.Sub, sub, func() { sub.mail(n, err) })

	default:
		logrus.WithFields(logrus.Fields{
			"function": "Client.dispatch",
			"op":       f.Op,
		}).Debug("Unexpected frame from relay ignored")
	}
}

func (c *Client) lookup(name string) *clientSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[name]
}

// deliver queues fn unless the subscription is gone by the time it runs.
func (c *Client) deliver(name string, sub *clientSub, fn func()) {
	c.events.Post(func() {
		if c.lookup(name) != sub {
			return
		}
		fn()
	})
}

func (c *Client) connectionLost(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws || c.state == ClientClosed {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = ClientDisconnected
	pending := c.pending
	c.pending = make(map[uint64]chan *Frame)
	c.mu.Unlock()

	ws.Close()
	for _, ch := range pending {
		ch <- nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.connectionLost",
		"user_id":  c.userID,
		"error":    err.Error(),
	}).Warn("Relay connection lost")

	go c.reconnect()
}

func (c *Client) reconnect() {
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.opts.ReconnectDelay * time.Duration(attempt)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.reconnect",
				"attempt":  attempt,
			}).Info("Reconnected to relay")
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "Client.reconnect",
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Relay reconnect failed")
	}

	c.setState(ClientFailed)
	logrus.WithFields(logrus.Fields{
		"function": "Client.reconnect",
		"attempts": c.opts.MaxReconnectAttempts,
	}).Error("Giving up on relay connection")
}

func (c *Client) write(ws *websocket.Conn, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ClientClosed {
		return nil, signaling.ErrClosed
	}
	if c.ws == nil {
		return nil, ErrNotConnected
	}
	return c.ws, nil
}

// send writes a frame that expects no reply.
func (c *Client) send(f *Frame) error {
	ws, err := c.current()
	if err != nil {
		return err
	}
	return c.write(ws, f)
}

// request sends f and waits for the matching reply.
func (c *Client) request(ctx context.Context, f *Frame) (*Frame, error) {
	ch, err := c.start(f)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, f, ch)
}

// start writes f with a fresh request id and returns the channel its
// reply arrives on.
func (c *Client) start(f *Frame) (chan *Frame, error) {
	c.mu.Lock()
	switch {
	case c.state == ClientClosed:
		c.mu.Unlock()
		return nil, signaling.ErrClosed
	case c.ws == nil:
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ws := c.ws
	c.nextID++
	id := c.nextID
	ch := make(chan *Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	f.ID = id
	if err := c.write(ws, f); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return ch, nil
}

func (c *Client) await(ctx context.Context, f *Frame, ch chan *Frame) (*Frame, error) {
	id := f.ID
	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply == nil {
			return nil, ErrNotConnected
		}
		if err := codeError(reply.Code, reply.Error); err != nil {
			return nil, err
		}
		return reply, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, f.Op)
	case <-c.done:
		return nil, signaling.ErrClosed
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) subscribe(sub *clientSub) signaling.Subscription {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return signaling.SubscriptionFunc(func() {})
	}
	c.nextSub++
	name := "s" + strconv.FormatUint(c.nextSub, 10)
	c.subs[name] = sub
	c.mu.Unlock()

	// The subscription stays registered and is replayed on reconnect, so
	// a failed request is only logged. The reply is awaited off the
	// caller's goroutine.
	logFailure := func(err error) {
		logrus.WithFields(logrus.Fields{
			"function": "Client.subscribe",
			"op":       sub.op,
			"key":      sub.key,
			"error":    err.Error(),
		}).Warn("Subscription request failed")
	}
	f := sub.frame(name)
	ch, err := c.start(f)
	if err != nil {
		logFailure(err)
	} else {
		go func() {
			if _, err := c.await(context.Background(), f, ch); err != nil {
				logFailure(err)
			}
		}()
	}

	return signaling.SubscriptionFunc(func() {
		c.mu.Lock()
		_, ok := c.subs[name]
		delete(c.subs, name)
		c.mu.Unlock()
		if ok {
			_ = c.send(&Frame{Op: OpUnsubscribe, Sub: name})
		}
	})
}

// CreateSession implements signaling.Channel.
func (c *Client) CreateSession(id string, doc *signaling.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", signaling.ErrInvalidDocument)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = c.request(context.Background(), &Frame{Op: OpCreate, Key: id, Data: data})
	return err
}

// Subscribe implements signaling.Channel.
func (c *Client) Subscribe(id string, fn signaling.DocumentHandler) signaling.Subscription {
	return c.subscribe(&clientSub{op: OpSubscribe, key: id, doc: fn})
}

// AppendCandidate implements signaling.Channel.
func (c *Client) AppendCandidate(id string, list signaling.CandidateList, cand signaling.Candidate) error {
	data, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	_, err = c.request(context.Background(), &Frame{Op: OpAppend, Key: id, List: list, Data: data})
	return err
}

// SubscribeCandidates implements signaling.Channel.
func (c *Client) SubscribeCandidates(id string, list signaling.CandidateList, fn signaling.CandidateHandler) signaling.Subscription {
	return c.subscribe(&clientSub{op: OpSubscribeCandidates, key: id, list: list, cand: fn})
}

// UpdateSession implements signaling.Channel.
func (c *Client) UpdateSession(id string, patch signaling.Patch) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	_, err = c.request(context.Background(), &Frame{Op: OpUpdate, Key: id, Data: data})
	return err
}

// DeleteSession implements signaling.Channel.
func (c *Client) DeleteSession(id string) error {
	_, err := c.request(context.Background(), &Frame{Op: OpDelete, Key: id})
	return err
}

// ReadSessionOnce implements signaling.Channel. The document is validated
// before it is returned.
func (c *Client) ReadSessionOnce(ctx context.Context, id string) (*signaling.Document, error) {
	reply, err := c.request(ctx, &Frame{Op: OpRead, Key: id})
	if err != nil {
		return nil, err
	}
	return signaling.ParseDocument(reply.Data)
}

// Notify implements signaling.Channel.
func (c *Client) Notify(recipient string, n signaling.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	_, err = c.request(context.Background(), &Frame{Op: OpNotify, Key: recipient, Data: data})
	return err
}

// Withdraw implements signaling.Channel.
func (c *Client) Withdraw(recipient, callID string) error {
	_, err := c.request(context.Background(), &Frame{Op: OpWithdraw, Key: recipient, CallID: callID})
	return err
}

// WatchMailbox implements signaling.Channel.
func (c *Client) WatchMailbox(recipient string, fn signaling.MailboxHandler) signaling.Subscription {
	return c.subscribe(&clientSub{op: OpWatchMailbox, key: recipient, mail: fn})
}

// ReadPresence implements signaling.Channel.
func (c *Client) ReadPresence(ctx context.Context, userID string) (*signaling.Presence, error) {
	reply, err := c.request(ctx, &Frame{Op: OpPresence, Key: userID})
	if err != nil {
		return nil, err
	}
	if len(reply.Data) == 0 || string(reply.Data) == "null" {
		return nil, nil
	}
	var p signaling.Presence
	if err := json.Unmarshal(reply.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: presence: %v", signaling.ErrInvalidDocument, err)
	}
	return &p, nil
}

var _ signaling.Channel = (*Client)(nil)
