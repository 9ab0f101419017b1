// Package callid generates and validates the human-shareable call
// identifiers used as relay document keys.
//
// A call ID is three lowercase words joined by hyphens, in the order
// adjective, noun, verb (for example "happy-river-sings"). IDs are meant to
// be read aloud and typed, so the alphabet is deliberately limited to
// lowercase ASCII letters.
package callid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrInvalidCallID indicates a string that is not a well-formed call ID.
var ErrInvalidCallID = errors.New("invalid call id")

// pattern is the canonical call ID shape.
var pattern = regexp.MustCompile(`^[a-z]+-[a-z]+-[a-z]+$`)

var adjectives = []string{
	"quick", "happy", "bright", "calm", "brave", "eager", "fancy", "giant",
	"jolly", "kind", "lively", "magic", "noble", "proud", "silly", "sunny",
	"tiny", "wise", "zesty", "vivid", "gentle", "swift", "golden", "quiet",
	"rapid", "clever", "bold", "merry", "lucky", "witty", "mellow", "cosmic",
}

var nouns = []string{
	"river", "ocean", "cloud", "forest", "meadow", "comet", "star", "dream",
	"wave", "glade", "haven", "light", "peak", "spirit", "storm", "stream",
	"world", "vista", "zephyr", "echo", "canyon", "harbor", "island", "lantern",
	"maple", "orbit", "prairie", "reef", "summit", "tundra", "valley", "willow",
}

var verbs = []string{
	"sings", "dances", "jumps", "flies", "runs", "glows", "shines", "soars",
	"glides", "floats", "beams", "drifts", "wanders", "rises", "falls", "spins",
	"weaves", "blooms", "thrives", "starts", "hums", "sparks", "whirls", "roams",
	"sails", "climbs", "dreams", "gleams", "laughs", "ripples", "swirls", "waves",
}

// Space returns the number of distinct IDs Generate can produce.
func Space() int {
	return len(adjectives) * len(nouns) * len(verbs)
}

// Generate returns a fresh random call ID drawn from a cryptographic
// source.
func Generate() (string, error) {
	adjective, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := pick(nouns)
	if err != nil {
		return "", err
	}
	verb, err := pick(verbs)
	if err != nil {
		return "", err
	}

	id := adjective + "-" + noun + "-" + verb

	logrus.WithFields(logrus.Fields{
		"function": "Generate",
		"call_id":  id,
	}).Debug("Generated call ID")

	return id, nil
}

// Validate reports whether id is a well-formed call ID. It returns an
// error wrapping ErrInvalidCallID when it is not.
func Validate(id string) error {
	if !pattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidCallID, id)
	}
	return nil
}

// NewUserID returns a new anonymous user identifier for mailbox and
// presence addressing.
func NewUserID() string {
	return uuid.NewString()
}

func pick(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", fmt.Errorf("read random index: %w", err)
	}
	return words[n.Int64()], nil
}
