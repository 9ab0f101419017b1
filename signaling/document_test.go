package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOffer(gen uint64) *SessionDescription {
	return &SessionDescription{SDP: "v=0 offer", Type: TypeOffer, Generation: gen}
}

func testAnswer(gen uint64) *SessionDescription {
	return &SessionDescription{SDP: "v=0 answer", Type: TypeAnswer, Generation: gen}
}

// TestDocumentValidate tests the schema invariants.
func TestDocumentValidate(t *testing.T) {
	tests := []struct {
		name  string
		doc   Document
		valid bool
	}{
		{"empty", Document{}, true},
		{"offer only", Document{Offer: testOffer(1), CallerID: "a"}, true},
		{"offer and answer", Document{Offer: testOffer(2), Answer: testAnswer(1)}, true},
		{"answer without offer", Document{Answer: testAnswer(1)}, false},
		{"answer ahead of offer", Document{Offer: testOffer(1), Answer: testAnswer(2)}, false},
		{"offer with answer type", Document{Offer: &SessionDescription{SDP: "x", Type: TypeAnswer, Generation: 1}}, false},
		{"empty sdp", Document{Offer: &SessionDescription{Type: TypeOffer, Generation: 1}}, false},
		{"missing generation", Document{Offer: &SessionDescription{SDP: "x", Type: TypeOffer}}, false},
		{"short key", Document{EncryptionKey: make(KeyBytes, 16)}, false},
		{"full key", Document{EncryptionKey: make(KeyBytes, KeySize)}, true},
		{"empty candidate", Document{OfferCandidates: []Candidate{{}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.doc.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidDocument), "got %v", err)
		})
	}
}

// TestParseDocumentWireFormat tests decoding the relay JSON shape.
func TestParseDocumentWireFormat(t *testing.T) {
	raw := `{
		"offer": {"sdp": "v=0", "type": "offer", "generation": 1},
		"offerCandidates": [{"candidate": "candidate:1 1 udp 1 1.2.3.4 5 typ host", "sdpMid": "0", "sdpMLineIndex": 0}],
		"callerId": "alice",
		"encryptionKey": [1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20,21,22,23,24,25,26,27,28,29,30,31,32]
	}`

	doc, err := ParseDocument([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "alice", doc.CallerID)
	assert.Equal(t, uint64(1), doc.Offer.Generation)
	require.Len(t, doc.OfferCandidates, 1)
	require.NotNil(t, doc.OfferCandidates[0].SDPMid)
	assert.Equal(t, "0", *doc.OfferCandidates[0].SDPMid)
	assert.Equal(t, byte(32), doc.EncryptionKey[31])

	out, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"encryptionKey":[1,2,3`)
}

// TestParseDocumentRejectsMalformed tests the parse boundary.
func TestParseDocumentRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`{"offer": "not an object"}`,
		`{"offer": {"sdp": "v=0", "type": "pranswer", "generation": 1}}`,
		`{"encryptionKey": [1, 2, 300]}`,
		`{"answer": {"sdp": "v=0", "type": "answer", "generation": 1}}`,
	} {
		_, err := ParseDocument([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidDocument, raw)
	}

	doc, err := ParseDocument([]byte("null"))
	assert.NoError(t, err)
	assert.Nil(t, doc)
}

// TestPatchApply tests merging and the terminal declined flag.
func TestPatchApply(t *testing.T) {
	base := &Document{Offer: testOffer(1), CallerID: "alice"}
	joiner := "bob"

	doc, err := (&Patch{Answer: testAnswer(1), JoinerID: &joiner}).Apply(base)
	require.NoError(t, err)
	assert.Equal(t, "bob", doc.JoinerID)
	assert.Nil(t, base.Answer, "apply must not mutate its input")

	declined := true
	doc, err = (&Patch{Declined: &declined}).Apply(doc)
	require.NoError(t, err)
	assert.True(t, doc.Declined)

	undecline := false
	doc, err = (&Patch{Declined: &undecline}).Apply(doc)
	require.NoError(t, err)
	assert.True(t, doc.Declined, "declined is terminal")

	_, err = (&Patch{Offer: testOffer(2)}).Apply(doc)
	assert.ErrorIs(t, err, ErrDeclined)
}

// TestParseNotification tests mailbox entry decoding.
func TestParseNotification(t *testing.T) {
	n, err := ParseNotification([]byte(`{"from":"alice","callId":"happy-river-sings","callerAlias":"Alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "Alice", n.CallerAlias)

	_, err = ParseNotification([]byte(`{"from":"alice"}`))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	n, err = ParseNotification(nil)
	assert.NoError(t, err)
	assert.Nil(t, n)
}
