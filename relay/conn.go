package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/signaling"
)

// serverConn is one client websocket on the server. readPump handles
// requests in order; writePump is the only writer.
type serverConn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	userID string
	subs   map[string]signaling.Subscription
}

func newServerConn(id string, s *Server, ws *websocket.Conn) *serverConn {
	return &serverConn{
		id:     id,
		server: s,
		ws:     ws,
		send:   make(chan []byte, s.opts.SendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]signaling.Subscription),
	}
}

func (c *serverConn) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// close stops both pumps and releases every subscription. It is safe to
// call from any goroutine, any number of times.
func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]signaling.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}

		c.ws.Close()
		c.server.unregister(c)
	})
}

func (c *serverConn) readPump() {
	defer c.close()

	opts := c.server.opts
	c.ws.SetReadLimit(opts.ReadLimit)
	if err := c.ws.SetReadDeadline(time.Now().Add(opts.PongWait)); err != nil {
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "serverConn.readPump",
					"conn_id":  c.id,
					"error":    err.Error(),
				}).Warn("Unexpected websocket close")
			}
			return
		}

		f, err := ParseFrame(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serverConn.readPump",
				"conn_id":  c.id,
				"error":    err.Error(),
			}).Warn("Malformed frame rejected")
			c.replyError(requestID(data), err)
			continue
		}
		if f.Event != "" {
			c.replyError(f.ID, fmt.Errorf("%w: clients cannot send events", ErrMalformedFrame))
			continue
		}

		payload, err := c.handle(f)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serverConn.handle",
				"conn_id":  c.id,
				"op":       f.Op,
				"key":      f.Key,
				"error":    err.Error(),
			}).Debug("Request failed")
			c.replyError(f.ID, err)
			continue
		}
		c.reply(f.ID, payload)
	}
}

func (c *serverConn) writePump() {
	ticker := time.NewTicker(c.server.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	wait := c.server.opts.WriteWait
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wait))
			return
		case msg := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(wait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				return
			}
		}
	}
}

// enqueue queues f for writePump. A client whose queue is full is
// disconnected rather than allowed to stall the relay.
func (c *serverConn) enqueue(f *Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serverConn.enqueue",
			"conn_id":  c.id,
			"error":    err.Error(),
		}).Error("Failed to encode frame")
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "serverConn.enqueue",
			"conn_id":  c.id,
			"user_id":  c.user(),
		}).Warn("Send queue full, dropping slow client")
		go c.close()
	}
}

func (c *serverConn) reply(id uint64, data json.RawMessage) {
	if id == 0 {
		return
	}
	c.enqueue(&Frame{Event: EventReply, ID: id, Data: data})
}

func (c *serverConn) replyError(id uint64, err error) {
	if id == 0 {
		return
	}
	c.enqueue(&Frame{Event: EventReply, ID: id, Code: errorCode(err), Error: err.Error()})
}

// handle runs one request against the store and returns the reply payload.
func (c *serverConn) handle(f *Frame) (json.RawMessage, error) {
	store := c.server.store

	switch f.Op {
	case OpHello:
		return nil, c.hello(f.Key)

	case OpCreate:
		doc, err := signaling.ParseDocument(f.Data)
		if err != nil {
			return nil, err
		}
		return nil, store.CreateSession(f.Key, doc)

	case OpUpdate:
		var patch signaling.Patch
		if err := json.Unmarshal(f.Data, &patch); err != nil {
			return nil, fmt.Errorf("%w: patch: %v", signaling.ErrInvalidDocument, err)
		}
		return nil, store.UpdateSession(f.Key, patch)

	case OpDelete:
		return nil, store.DeleteSession(f.Key)

	case OpAppend:
		var cand signaling.Candidate
		if err := json.Unmarshal(f.Data, &cand); err != nil {
			return nil, fmt.Errorf("%w: candidate: %v", signaling.ErrInvalidDocument, err)
		}
		return nil, store.AppendCandidate(f.Key, f.List, cand)

	case OpRead:
		ctx, cancel := context.WithTimeout(context.Background(), c.server.opts.RequestTimeout)
		defer cancel()
		doc, err := store.ReadSessionOnce(ctx, f.Key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)

	case OpSubscribe:
		sub, key := f.Sub, f.Key
		c.addSub(sub, store.Subscribe(key, func(doc *signaling.Document, _ error) {
			c.push(EventDocument, sub, doc)
		}))
		return nil, nil

	case OpSubscribeCandidates:
		sub := f.Sub
		c.addSub(sub, store.SubscribeCandidates(f.Key, f.List, func(cand signaling.Candidate) {
			c.push(EventCandidate, sub, cand)
		}))
		return nil, nil

	case OpWatchMailbox:
		sub := f.Sub
		c.addSub(sub, store.WatchMailbox(f.Key, func(n *signaling.Notification, _ error) {
			c.push(EventMailbox, sub, n)
		}))
		return nil, nil

	case OpUnsubscribe:
		c.removeSub(f.Sub)
		return nil, nil

	case OpNotify:
		n, err := signaling.ParseNotification(f.Data)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nil, fmt.Errorf("%w: empty notification", signaling.ErrInvalidDocument)
		}
		return nil, store.Notify(f.Key, *n)

	case OpWithdraw:
		return nil, store.Withdraw(f.Key, f.CallID)

	case OpPresence:
		ctx, cancel := context.WithTimeout(context.Background(), c.server.opts.RequestTimeout)
		defer cancel()
		p, err := store.ReadPresence(ctx, f.Key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(p)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOp, f.Op)
}

func (c *serverConn) hello(userID string) error {
	c.mu.Lock()
	switch c.userID {
	case userID:
		c.mu.Unlock()
		return nil
	case "":
		c.userID = userID
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: connection already identified", ErrMalformedFrame)
	}
	c.mu.Unlock()

	c.server.register(c, userID)

	logrus.WithFields(logrus.Fields{
		"function": "serverConn.hello",
		"conn_id":  c.id,
		"user_id":  userID,
	}).Info("Relay client identified")
	return nil
}

func (c *serverConn) addSub(name string, sub signaling.Subscription) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	default:
	}
	old := c.subs[name]
	c.subs[name] = sub
	c.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
}

func (c *serverConn) removeSub(name string) {
	c.mu.Lock()
	sub := c.subs[name]
	delete(c.subs, name)
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (c *serverConn) push(event, sub string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serverConn.push",
			"conn_id":  c.id,
			"event":    event,
			"error":    err.Error(),
		}).Error("Failed to encode event")
		return
	}
	c.enqueue(&Frame{Event: event, Sub: sub, Data: data})
}

// requestID recovers the id of a frame that failed validation so the
// client still gets a reply.
func requestID(data []byte) uint64 {
	var probe struct {
		ID uint64 `json:"id"`
	}
	if json.Unmarshal(data, &probe) != nil {
		return 0
	}
	return probe.ID
}
