// Package e2ee implements end-to-end encryption of encoded media frames.
//
// The call initiator generates a random 32-byte session key and publishes
// it in the call document; the joiner imports it. Each direction and media
// kind gets its own subkey derived with HKDF-SHA256, so the two peers and
// their audio and video senders never share a (key, nonce) pair.
//
// A protected frame is an 8-byte big-endian counter followed by the AEAD
// ciphertext of the original frame under that counter as nonce. Frames
// that fail authentication are dropped.
package e2ee

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/peercall/media"
)

// KeySize is the length of a session key in bytes.
const KeySize = 32

// Suite selects the AEAD used for frame protection.
type Suite int

const (
	// SuiteAESGCM uses AES-256-GCM.
	SuiteAESGCM Suite = iota
	// SuiteChaChaPoly uses ChaCha20-Poly1305.
	SuiteChaChaPoly
)

// String returns the suite name.
func (s Suite) String() string {
	return s.cipherFunc().CipherName()
}

func (s Suite) cipherFunc() noise.CipherFunc {
	if s == SuiteChaChaPoly {
		return noise.CipherChaChaPoly
	}
	return noise.CipherAESGCM
}

// ParseSuite maps a cipher name to a Suite.
func ParseSuite(name string) (Suite, error) {
	switch name {
	case "", "aesgcm", "AESGCM":
		return SuiteAESGCM, nil
	case "chachapoly", "ChaChaPoly":
		return SuiteChaChaPoly, nil
	default:
		return SuiteAESGCM, fmt.Errorf("%w: %q", ErrUnknownSuite, name)
	}
}

// Party identifies which side of the call produced a frame.
type Party string

const (
	// PartyInitiator is the side that wrote the offer.
	PartyInitiator Party = "initiator"
	// PartyJoiner is the side that wrote the answer.
	PartyJoiner Party = "joiner"
)

// Peer returns the other party.
func (p Party) Peer() Party {
	if p == PartyInitiator {
		return PartyJoiner
	}
	return PartyInitiator
}

// Key is a shared session key.
type Key struct {
	raw   [KeySize]byte
	suite Suite
}

// GenerateKey creates a random session key and returns it together with
// its exportable raw bytes.
func GenerateKey(suite Suite) (*Key, []byte, error) {
	var raw [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return nil, nil, fmt.Errorf("generate session key: %w", err)
	}
	k := &Key{raw: raw, suite: suite}
	return k, k.Export(), nil
}

// ImportKey reconstructs a session key from raw bytes.
func ImportKey(raw []byte, suite Suite) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	k := &Key{suite: suite}
	copy(k.raw[:], raw)
	return k, nil
}

// Export returns a copy of the raw key bytes.
func (k *Key) Export() []byte {
	out := make([]byte, KeySize)
	copy(out, k.raw[:])
	return out
}

// Suite returns the key's AEAD suite.
func (k *Key) Suite() Suite {
	return k.suite
}

// Encryptor returns a frame encryptor for media of the given kind sent by
// party.
func (k *Key) Encryptor(party Party, kind media.Kind) (*FrameEncryptor, error) {
	sub, err := k.derive(party, kind)
	if err != nil {
		return nil, err
	}
	return newFrameEncryptor(k.suite.cipherFunc().Cipher(sub))
}

// Decryptor returns a frame decryptor for media of the given kind sent by
// party.
func (k *Key) Decryptor(party Party, kind media.Kind) (*FrameDecryptor, error) {
	sub, err := k.derive(party, kind)
	if err != nil {
		return nil, err
	}
	return &FrameDecryptor{cipher: k.suite.cipherFunc().Cipher(sub)}, nil
}

func (k *Key) derive(party Party, kind media.Kind) ([KeySize]byte, error) {
	var sub [KeySize]byte
	info := []byte("peercall frame key|" + string(party) + "|" + string(kind))
	r := hkdf.New(sha256.New, k.raw[:], nil, info)
	if _, err := io.ReadFull(r, sub[:]); err != nil {
		return sub, fmt.Errorf("derive frame key: %w", err)
	}
	return sub, nil
}
