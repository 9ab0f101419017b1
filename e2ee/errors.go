package e2ee

import "errors"

// Sentinel errors for frame encryption.
var (
	// ErrInvalidKey indicates key material of the wrong length.
	ErrInvalidKey = errors.New("invalid session key")

	// ErrUnknownSuite indicates an unsupported cipher name.
	ErrUnknownSuite = errors.New("unknown cipher suite")

	// ErrFrameTooShort indicates a frame too small to hold nonce and tag.
	ErrFrameTooShort = errors.New("encrypted frame too short")

	// ErrAuthentication indicates a frame that failed AEAD authentication.
	ErrAuthentication = errors.New("frame authentication failed")
)
