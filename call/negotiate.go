package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/e2ee"
	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/signaling"
	"github.com/opd-ai/peercall/stats"
	"github.com/opd-ai/peercall/transport"
)

// acquireMedia starts local media acquisition for s in the background.
func (c *Controller) acquireMedia(s *Session) {
	constraints := c.opts.Constraints
	go func() {
		stream, err := c.source.Acquire(s.ctx, constraints)
		if err == nil && stream == nil {
			stream = media.NewStream()
		}
		if err == nil && s.ctx.Err() != nil {
			stream.Stop()
			return
		}
		posted := c.loop.Post(func() {
			if c.session != s {
				if stream != nil {
					stream.Stop()
				}
				return
			}
			c.onMedia(s, stream, err)
		})
		if !posted && stream != nil {
			stream.Stop()
		}
	}()
}

func (c *Controller) onMedia(s *Session, stream *media.Stream, err error) {
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.onMedia",
			"state":    c.state.String(),
			"error":    err.Error(),
		}).Error("Failed to acquire local media")
		c.finish(StateMediaError, media.Describe(err))
		return
	}

	s.stream = stream
	c.refresh()

	logrus.WithFields(logrus.Fields{
		"function": "Controller.onMedia",
		"tracks":   len(stream.Tracks()),
	}).Debug("Local media acquired")

	waiters := s.mediaWaiters
	s.mediaWaiters = nil
	for _, w := range waiters {
		if c.session != s {
			return
		}
		w(stream)
	}
}

// withMedia runs fn once s has local media.
func (c *Controller) withMedia(s *Session, fn func(*media.Stream)) {
	if s.stream != nil {
		fn(s.stream)
		return
	}
	s.mediaWaiters = append(s.mediaWaiters, fn)
}

// newConnection creates the session's transport connection and the
// collaborators that depend on it.
func (c *Controller) newConnection(s *Session, offerer bool) error {
	conn, err := c.factory.NewPeerConnection(transport.Config{
		ICEServers: c.opts.ICEServers,
		Offerer:    offerer,
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	conn.OnICECandidate(func(tc transport.Candidate) {
		c.postFor(s, func() { c.onLocalCandidate(s, tc) })
	})
	conn.OnConnectionStateChange(func(st transport.ConnectionState) {
		c.postFor(s, func() { c.onConnectionState(s, st) })
	})
	conn.OnTrack(func(rt transport.RemoteTrack) {
		c.postFor(s, func() { c.handleRemoteTrack(s, rt) })
	})
	conn.OnText(func(text string) {
		c.postFor(s, func() { c.emitChat(text) })
	})

	if err := conn.AddLocalMedia(s.stream); err != nil {
		conn.Close()
		return fmt.Errorf("attach local media: %w", err)
	}

	s.conn = conn
	s.supervisor = NewSupervisor(
		c.tp,
		c.opts.ReconnectBaseDelay,
		c.opts.MaxReconnectAttempts,
		func(fn func()) { c.postFor(s, fn) },
		func(attempt int) { c.restartICE(s, attempt) },
		func() { c.end(s, "Connection lost", true) },
	)
	s.sampler = stats.NewSampler(conn, c.opts.StatsInterval, c.tp, func(cs stats.CallStats) {
		c.postFor(s, func() { c.onSample(s, cs) })
	})
	return nil
}

// createOffer builds the first offer of s and publishes the document.
func (c *Controller) createOffer(s *Session) {
	if err := c.newConnection(s, true); err != nil {
		c.fail(s, "Could not start call", err)
		return
	}

	var rawKey []byte
	if c.opts.EnableE2EE {
		key, raw, err := e2ee.GenerateKey(c.opts.Suite)
		if err != nil {
			c.fail(s, "Could not create encryption key", err)
			return
		}
		s.key = key
		rawKey = raw
		c.armEncryption(s)
	}

	s.offerGen = 1
	offer, err := c.localOffer(s, false)
	if err != nil {
		c.fail(s, "Could not start call", err)
		return
	}

	doc := &signaling.Document{
		Offer:         offer,
		CallerID:      c.selfID,
		EncryptionKey: rawKey,
	}
	id := s.callID
	c.write(s, func() error { return c.channel.CreateSession(id, doc) }, func(err error) {
		c.fail(s, "Could not publish call", err)
	})
	s.published = true
	c.flushLocalCandidates(s)

	s.subscribe(c.channel.Subscribe(s.callID, func(doc *signaling.Document, err error) {
		c.postFor(s, func() { c.onDocument(s, doc, err) })
	}))
	s.subscribe(c.channel.SubscribeCandidates(s.callID, signaling.AnswerCandidates, func(cand signaling.Candidate) {
		c.postFor(s, func() { c.onRemoteCandidate(s, cand) })
	}))

	logrus.WithFields(logrus.Fields{
		"function": "Controller.createOffer",
		"call_id":  s.callID,
		"e2ee":     s.key != nil,
	}).Info("Call published")

	switch c.state {
	case StateCreatingOffer:
		c.transition(StateWaitingForAnswer, "")
	case StateRinging:
		c.notifyPeer(s)
	}
}

func (c *Controller) localOffer(s *Session, iceRestart bool) (*signaling.SessionDescription, error) {
	offer, err := s.conn.CreateOffer(iceRestart)
	if err != nil {
		return nil, err
	}
	if err := s.conn.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return &signaling.SessionDescription{
		SDP:        offer.SDP,
		Type:       signaling.TypeOffer,
		Generation: s.offerGen,
	}, nil
}

// join enters StateJoining for id and reads its document once media is
// available.
func (c *Controller) join(id string) {
	s := c.session
	if s == nil || c.state == StateIncomingCall {
		s = c.newSession()
	}
	s.callID = id
	s.role = RoleJoiner
	if c.incoming != nil && c.incoming.CallID == id {
		s.peerID = c.incoming.From
	}
	c.setIncoming(nil)
	c.transition(StateJoining, "")

	timeout := c.opts.ReadTimeout
	c.withMedia(s, func(*media.Stream) {
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, timeout)
			defer cancel()
			doc, err := c.channel.ReadSessionOnce(ctx, id)
			c.postFor(s, func() { c.onOfferRead(s, doc, err) })
		}()
	})
}

func (c *Controller) onOfferRead(s *Session, doc *signaling.Document, err error) {
	if c.state != StateJoining {
		return
	}
	if err != nil {
		if errors.Is(err, signaling.ErrInvalidDocument) {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.onOfferRead",
				"call_id":  s.callID,
				"error":    err.Error(),
			}).Error("Malformed session document")
			c.end(s, "Received malformed signaling data", false)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "Controller.onOfferRead",
			"call_id":  s.callID,
			"error":    err.Error(),
		}).Error("Failed to read session document")
		c.end(s, "Could not reach the signaling relay", false)
		return
	}

	switch {
	case doc != nil && doc.Declined:
		c.finish(StateDeclined, "Call declined")
	case doc == nil || doc.Offer == nil:
		logrus.WithFields(logrus.Fields{
			"function": "Controller.onOfferRead",
			"call_id":  s.callID,
		}).Info("No offer for call ID, starting the call instead")
		s.role = RoleInitiator
		c.transition(StateCreatingOffer, "")
		c.createOffer(s)
	case doc.Answer != nil:
		c.end(s, "Call already in progress", false)
	default:
		c.answerOffer(s, doc)
	}
}

func (c *Controller) answerOffer(s *Session, doc *signaling.Document) {
	c.transition(StateCreatingAnswer, "")
	s.docSeen = true
	if s.peerID == "" {
		s.peerID = doc.CallerID
	}

	if err := c.newConnection(s, false); err != nil {
		c.fail(s, "Could not join call", err)
		return
	}
	if len(doc.EncryptionKey) > 0 {
		key, err := e2ee.ImportKey(doc.EncryptionKey, c.opts.Suite)
		if err != nil {
			c.fail(s, "Received an invalid encryption key", err)
			return
		}
		s.key = key
		c.armEncryption(s)
	}

	s.subscribe(c.channel.SubscribeCandidates(s.callID, signaling.OfferCandidates, func(cand signaling.Candidate) {
		c.postFor(s, func() { c.onRemoteCandidate(s, cand) })
	}))

	if err := c.answer(s, doc.Offer, "Could not join call"); err != nil {
		c.fail(s, "Could not join call", err)
		return
	}

	s.subscribe(c.channel.Subscribe(s.callID, func(doc *signaling.Document, err error) {
		c.postFor(s, func() { c.onDocument(s, doc, err) })
	}))
	c.withdraw(c.selfID, s.callID)

	logrus.WithFields(logrus.Fields{
		"function": "Controller.answerOffer",
		"call_id":  s.callID,
		"e2ee":     s.key != nil,
	}).Info("Call answered")
}

// answer applies an offer and publishes the matching answer. A failure to
// publish ends the call with failure as its message.
func (c *Controller) answer(s *Session, offer *signaling.SessionDescription, failure string) error {
	if err := s.conn.SetRemoteDescription(transport.SessionDescription{
		Type: transport.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	s.remoteGen = offer.Generation
	s.offerGen = offer.Generation

	ans, err := s.conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.conn.SetLocalDescription(ans); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}

	patch := signaling.Patch{Answer: &signaling.SessionDescription{
		SDP:        ans.SDP,
		Type:       signaling.TypeAnswer,
		Generation: offer.Generation,
	}}
	if !s.published {
		joiner := c.selfID
		patch.JoinerID = &joiner
	}
	id := s.callID
	c.write(s, func() error { return c.channel.UpdateSession(id, patch) }, func(err error) {
		c.fail(s, failure, fmt.Errorf("publish answer: %w", err))
	})

	s.published = true
	c.flushLocalCandidates(s)
	c.flushRemoteCandidates(s)
	return nil
}

// onDocument handles a validated document change for s.
func (c *Controller) onDocument(s *Session, doc *signaling.Document, err error) {
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.onDocument",
			"call_id":  s.callID,
			"error":    err.Error(),
		}).Error("Malformed session document")
		c.end(s, "Received malformed signaling data", false)
		return
	}

	if doc == nil {
		if !s.docSeen {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "Controller.onDocument",
			"call_id":  s.callID,
		}).Info("Session document removed by peer")
		c.end(s, "The other party ended the call", false)
		return
	}
	s.docSeen = true

	if doc.Declined {
		if c.state == StateConnected || c.state == StateReconnecting {
			c.end(s, "The other party ended the call", false)
			return
		}
		if s.notified {
			c.withdraw(s.peerID, s.callID)
		}
		c.finish(StateDeclined, "Call declined")
		return
	}

	if s.role == RoleInitiator {
		c.applyAnswer(s, doc)
	} else {
		c.applyOffer(s, doc)
	}
}

// applyAnswer applies the joiner's answer to the current offer generation.
func (c *Controller) applyAnswer(s *Session, doc *signaling.Document) {
	if s.peerID == "" && doc.JoinerID != "" {
		s.peerID = doc.JoinerID
		c.refresh()
	}

	ans := doc.Answer
	if ans == nil || ans.Generation != s.offerGen || s.remoteGen == s.offerGen {
		return
	}
	if err := s.conn.SetRemoteDescription(transport.SessionDescription{
		Type: transport.SDPTypeAnswer,
		SDP:  ans.SDP,
	}); err != nil {
		c.fail(s, "Could not apply answer", err)
		return
	}
	s.remoteGen = ans.Generation

	logrus.WithFields(logrus.Fields{
		"function":   "Controller.applyAnswer",
		"call_id":    s.callID,
		"generation": ans.Generation,
	}).Info("Answer applied")

	c.flushRemoteCandidates(s)
}

// applyOffer answers an offer newer than the one last applied.
func (c *Controller) applyOffer(s *Session, doc *signaling.Document) {
	offer := doc.Offer
	if offer == nil || offer.Generation <= s.remoteGen {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Controller.applyOffer",
		"call_id":    s.callID,
		"generation": offer.Generation,
	}).Info("Renewed offer received, answering")

	if err := c.answer(s, offer, "Could not renegotiate"); err != nil {
		c.fail(s, "Could not renegotiate", err)
	}
}

func (c *Controller) onLocalCandidate(s *Session, tc transport.Candidate) {
	cand := signaling.Candidate{
		Candidate:        tc.Candidate,
		SDPMid:           tc.SDPMid,
		SDPMLineIndex:    tc.SDPMLineIndex,
		UsernameFragment: tc.UsernameFragment,
		Generation:       s.offerGen,
	}
	if !s.published {
		s.pendingLocal = append(s.pendingLocal, cand)
		return
	}
	c.appendCandidate(s, cand)
}

func (c *Controller) flushLocalCandidates(s *Session) {
	pending := s.pendingLocal
	s.pendingLocal = nil
	for _, cand := range pending {
		c.appendCandidate(s, cand)
	}
}

func (c *Controller) appendCandidate(s *Session, cand signaling.Candidate) {
	id, list := s.callID, s.localList()
	c.writes.Post(func() {
		if err := c.channel.AppendCandidate(id, list, cand); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.appendCandidate",
				"call_id":  id,
				"error":    err.Error(),
			}).Warn("Failed to publish candidate")
		}
	})
}

// onRemoteCandidate applies a candidate once the remote description of its
// generation is in place. Candidates from older generations are dropped.
func (c *Controller) onRemoteCandidate(s *Session, cand signaling.Candidate) {
	switch {
	case s.conn == nil || s.remoteGen == 0 || cand.Generation > s.remoteGen:
		s.pendingRemote = append(s.pendingRemote, cand)
	case cand.Generation != 0 && cand.Generation < s.remoteGen:
		logrus.WithFields(logrus.Fields{
			"function":   "Controller.onRemoteCandidate",
			"call_id":    s.callID,
			"generation": cand.Generation,
		}).Debug("Stale candidate dropped")
	default:
		if err := s.conn.AddICECandidate(transport.Candidate{
			Candidate:        cand.Candidate,
			SDPMid:           cand.SDPMid,
			SDPMLineIndex:    cand.SDPMLineIndex,
			UsernameFragment: cand.UsernameFragment,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.onRemoteCandidate",
				"call_id":  s.callID,
				"error":    err.Error(),
			}).Debug("Failed to add remote candidate")
		}
	}
}

func (c *Controller) flushRemoteCandidates(s *Session) {
	pending := s.pendingRemote
	s.pendingRemote = nil
	for _, cand := range pending {
		c.onRemoteCandidate(s, cand)
	}
}

// onConnectionState routes transport state changes through the
// supervisor's policy.
func (c *Controller) onConnectionState(s *Session, st transport.ConnectionState) {
	logrus.WithFields(logrus.Fields{
		"function":  "Controller.onConnectionState",
		"call_id":   s.callID,
		"transport": st.String(),
		"state":     c.state.String(),
	}).Debug("Transport state changed")

	switch st {
	case transport.StateConnected:
		c.onConnected(s)
	case transport.StateDisconnected:
		if c.state == StateConnected {
			c.transition(StateReconnecting, "Connection lost, reconnecting")
		}
		if c.state == StateReconnecting {
			s.supervisor.Disconnected(s.role)
		}
	case transport.StateFailed:
		c.end(s, "Connection failed", true)
	}
}

func (c *Controller) onConnected(s *Session) {
	s.supervisor.Connected()

	switch c.state {
	case StateWaitingForAnswer, StateRinging, StateCreatingAnswer, StateReconnecting:
	default:
		return
	}

	if !s.everConnected() {
		s.connectedAt = c.tp.Now()
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.notified {
		c.withdraw(s.peerID, s.callID)
		s.notified = false
	}

	c.transition(StateConnected, "")
	s.sampler.Start()
	c.armEncryption(s)
}

// armEncryption installs frame transforms on every endpoint of s not yet
// armed. Senders are armed as soon as the key is known, before any media
// is negotiated.
func (c *Controller) armEncryption(s *Session) {
	if s.key == nil || s.conn == nil {
		return
	}
	ok := s.keys.Arm(s.conn, s.key, s.party())
	if ok != s.encrypted {
		s.encrypted = ok
		c.refresh()
	}
}

// handleRemoteTrack arms the new receiver before the track is handed to
// listeners, so they never read a frame that skipped decryption.
func (c *Controller) handleRemoteTrack(s *Session, rt transport.RemoteTrack) {
	s.remote = append(s.remote, rt)
	c.armEncryption(s)
	c.emitRemoteTrack(rt)
}

func (c *Controller) onSample(s *Session, cs stats.CallStats) {
	if c.state != StateConnected {
		return
	}
	s.lastStats = &cs
	c.refresh()
	c.emitStats(cs, c.opts.Quality.Assess(cs))
}

// restartICE publishes an ICE-restart offer with the next generation.
func (c *Controller) restartICE(s *Session, attempt int) {
	if c.state != StateReconnecting {
		return
	}

	s.offerGen++
	offer, err := c.localOffer(s, true)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.restartICE",
			"call_id":  s.callID,
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Failed to create restart offer")
		return
	}
	id, gen := s.callID, s.offerGen
	c.writes.Post(func() {
		if err := c.channel.UpdateSession(id, signaling.Patch{Offer: offer}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.restartICE",
				"call_id":  id,
				"attempt":  attempt,
				"error":    err.Error(),
			}).Warn("Failed to publish restart offer")
			return
		}

		logrus.WithFields(logrus.Fields{
			"function":   "Controller.restartICE",
			"call_id":    id,
			"attempt":    attempt,
			"generation": gen,
		}).Info("Restart offer published")
	})
}
