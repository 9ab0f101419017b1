package e2ee

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/flynn/noise"
)

const (
	nonceSize = 8
	tagSize   = 16

	// counterMask keeps counters well below the nonce value reserved by
	// the noise cipher functions.
	counterMask = 1<<62 - 1
)

// FrameEncryptor protects outgoing frames. Each encryptor starts its
// counter at a random offset so that encryptors sharing a subkey do not
// collide.
type FrameEncryptor struct {
	cipher  noise.Cipher
	counter atomic.Uint64
}

func newFrameEncryptor(c noise.Cipher) (*FrameEncryptor, error) {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed frame counter: %w", err)
	}
	e := &FrameEncryptor{cipher: c}
	e.counter.Store(binary.BigEndian.Uint64(seed[:]) & counterMask)
	return e, nil
}

// Encrypt returns counter || ciphertext for frame.
func (e *FrameEncryptor) Encrypt(frame []byte) []byte {
	n := e.counter.Add(1)
	out := make([]byte, nonceSize, nonceSize+len(frame)+tagSize)
	binary.BigEndian.PutUint64(out, n)
	return e.cipher.Encrypt(out, n, nil, frame)
}

// Transform adapts Encrypt to a frame transform that never drops.
func (e *FrameEncryptor) Transform(frame []byte) ([]byte, bool) {
	return e.Encrypt(frame), true
}

// FrameDecryptor opens incoming frames.
type FrameDecryptor struct {
	cipher  noise.Cipher
	dropped atomic.Uint64
}

// Decrypt opens a protected frame.
func (d *FrameDecryptor) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}
	n := binary.BigEndian.Uint64(frame[:nonceSize])
	plain, err := d.cipher.Decrypt(nil, n, nil, frame[nonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plain, nil
}

// Transform adapts Decrypt to a frame transform. Frames that fail to
// decrypt are dropped and counted.
func (d *FrameDecryptor) Transform(frame []byte) ([]byte, bool) {
	plain, err := d.Decrypt(frame)
	if err != nil {
		d.dropped.Add(1)
		return nil, false
	}
	return plain, true
}

// Dropped returns the number of frames dropped by Transform.
func (d *FrameDecryptor) Dropped() uint64 {
	return d.dropped.Load()
}
