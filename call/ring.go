package call

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/clock"
	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/signaling"
)

// ring starts an offer flow towards peerID and arms the ring timeout.
func (c *Controller) ring(id, peerID, alias string) {
	s := c.session
	s.callID = id
	s.role = RoleInitiator
	s.peerID = peerID
	s.alias = alias
	c.transition(StateRinging, "")

	s.ringTimer = c.tp.AfterFunc(c.opts.RingTimeout, func() {
		c.postFor(s, func() { c.onRingTimeout(s) })
	})
	c.withMedia(s, func(*media.Stream) { c.createOffer(s) })
}

// notifyPeer places the ring notification once the document exists, so a
// quick answer never finds the call ID empty.
func (c *Controller) notifyPeer(s *Session) {
	peerID := s.peerID
	n := signaling.Notification{
		From:        c.selfID,
		CallID:      s.callID,
		CallerAlias: s.alias,
	}
	c.write(s, func() error { return c.channel.Notify(peerID, n) }, func(err error) {
		c.fail(s, "Could not ring peer", err)
	})
	s.notified = true

	logrus.WithFields(logrus.Fields{
		"function": "Controller.notifyPeer",
		"call_id":  s.callID,
		"peer_id":  s.peerID,
	}).Info("Peer notification sent")
}

func (c *Controller) onRingTimeout(s *Session) {
	s.ringTimer = nil
	if c.state != StateRinging {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Controller.onRingTimeout",
		"call_id":  s.callID,
		"peer_id":  s.peerID,
		"timeout":  c.opts.RingTimeout,
	}).Info("Ring timed out")

	c.finish(StateDeclined, "No answer")
	c.withdraw(s.peerID, s.callID)
	s.notified = false
	c.withdraw(c.selfID, s.callID)
	if s.published {
		c.markDeclined(s.callID)
	}
}

// decline refuses the pending incoming call or abandons the current
// unanswered call.
func (c *Controller) decline(message string) {
	if s := c.session; s != nil && c.state != StateLobby {
		c.finish(StateDeclined, message)
		if id := s.callID; id != "" {
			if s.notified {
				c.withdraw(s.peerID, id)
				s.notified = false
			}
			c.withdraw(c.selfID, id)
			if s.published || s.role == RoleJoiner {
				c.markDeclined(id)
			}
		}
		return
	}

	n := c.incoming
	c.setIncoming(nil)
	c.dropSession()
	c.transition(StateDeclined, message)
	if n != nil {
		c.withdraw(c.selfID, n.CallID)
		c.markDeclined(n.CallID)
	}
}

// markDeclined writes the terminal declined flag and schedules removal of
// the document once the peer has had time to observe it.
func (c *Controller) markDeclined(id string) {
	declined := true
	c.writes.Post(func() {
		if err := c.channel.UpdateSession(id, signaling.Patch{Declined: &declined}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.markDeclined",
				"call_id":  id,
				"error":    err.Error(),
			}).Warn("Failed to mark session declined")
		}
	})
	c.scheduleCleanup(id)
}

func (c *Controller) scheduleCleanup(id string) {
	if t, ok := c.cleanup[id]; ok {
		t.Stop()
	}

	var t clock.Timer
	t = c.tp.AfterFunc(c.opts.DeclineCleanupDelay, func() {
		c.post(func() {
			if c.cleanup[id] != t {
				return
			}
			delete(c.cleanup, id)
			if c.session != nil && c.session.callID == id {
				return
			}
			c.deleteDocument(id)

			logrus.WithFields(logrus.Fields{
				"function": "Controller.scheduleCleanup",
				"call_id":  id,
			}).Debug("Declined session document removed")
		})
	})
	c.cleanup[id] = t
}

// onMailbox handles the local user's incoming-call mailbox.
func (c *Controller) onMailbox(n *signaling.Notification, err error) {
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.onMailbox",
			"error":    err.Error(),
		}).Warn("Malformed incoming-call notification ignored")
		return
	}

	if n == nil {
		if c.incoming == nil {
			return
		}
		c.setIncoming(nil)
		if c.state == StateIncomingCall {
			c.transition(StateIdle, "Missed call")
		}
		return
	}
	if n.From == c.selfID {
		return
	}

	switch c.state {
	case StateIdle, StateEnded, StateDeclined, StateIncomingCall, StateLobby:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Controller.onMailbox",
			"from":     n.From,
			"call_id":  n.CallID,
			"state":    c.state.String(),
		}).Info("Incoming call while busy, ignored")
		return
	}
	if c.incoming != nil && *c.incoming == *n {
		return
	}

	c.setIncoming(n)
	if c.state != StateLobby {
		c.transition(StateIncomingCall, "")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Controller.onMailbox",
		"from":     n.From,
		"call_id":  n.CallID,
	}).Info("Incoming call")
	c.emitIncoming(*n)
}
