package e2ee

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/transport"
)

// Manager arms the media endpoints of one session. It remembers which
// endpoints it has armed, so arming again after new tracks appear only
// touches the new endpoints.
type Manager struct {
	mu         sync.Mutex
	armed      map[string]struct{}
	decryptors []*FrameDecryptor
}

// NewManager creates a manager with an empty armed set.
func NewManager() *Manager {
	return &Manager{armed: make(map[string]struct{})}
}

// Arm installs encrypting transforms on every not-yet-armed sender and
// decrypting transforms on every not-yet-armed receiver of conn. Senders
// encrypt as local; receivers decrypt frames from local's peer. It returns
// false when the connection does not support per-frame transforms, in
// which case media flows unencrypted.
func (m *Manager) Arm(conn transport.FrameTransformer, key *Key, local Party) bool {
	if !conn.SupportsFrameTransforms() {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Arm",
		}).Warn("Per-frame transforms unsupported, media is not end-to-end encrypted")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	armedNow := 0
	for _, sender := range conn.Senders() {
		id := "send:" + sender.ID()
		if _, ok := m.armed[id]; ok {
			continue
		}
		enc, err := key.Encryptor(local, sender.Kind())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Manager.Arm",
				"sender_id": sender.ID(),
				"error":     err.Error(),
			}).Error("Failed to create frame encryptor")
			continue
		}
		sender.SetFrameTransform(enc.Transform)
		m.armed[id] = struct{}{}
		armedNow++
	}

	for _, receiver := range conn.Receivers() {
		id := "recv:" + receiver.ID()
		if _, ok := m.armed[id]; ok {
			continue
		}
		dec, err := key.Decryptor(local.Peer(), receiver.Kind())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "Manager.Arm",
				"receiver_id": receiver.ID(),
				"error":       err.Error(),
			}).Error("Failed to create frame decryptor")
			continue
		}
		receiver.SetFrameTransform(dec.Transform)
		m.decryptors = append(m.decryptors, dec)
		m.armed[id] = struct{}{}
		armedNow++
	}

	if armedNow > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Arm",
			"armed":    armedNow,
			"total":    len(m.armed),
			"suite":    key.Suite().String(),
		}).Info("Frame encryption armed")
	}
	return true
}

// Armed reports how many endpoints have been armed.
func (m *Manager) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.armed)
}

// Dropped returns the number of incoming frames dropped for failing
// authentication.
func (m *Manager) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total uint64
	for _, d := range m.decryptors {
		total += d.Dropped()
	}
	return total
}
