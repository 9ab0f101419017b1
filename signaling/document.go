package signaling

import (
	"encoding/json"
	"fmt"
)

// Description types carried in a Document.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
)

// KeySize is the length in bytes of a shared media encryption key.
const KeySize = 32

// SessionDescription is an SDP blob tagged with the offer generation it
// belongs to. Generation starts at 1 and is bumped by the initiator for
// every renewed offer (ICE restart). An answer carries the generation of
// the offer it answers.
type SessionDescription struct {
	SDP        string `json:"sdp"`
	Type       string `json:"type"`
	Generation uint64 `json:"generation"`
}

// Candidate is one trickled ICE candidate. Generation ties the candidate to
// the offer generation during which it was gathered.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
	Generation       uint64  `json:"generation,omitempty"`
}

// KeyBytes is raw key material encoded in JSON as an array of numbers.
type KeyBytes []byte

// MarshalJSON encodes the key as a JSON array of byte values.
func (k KeyBytes) MarshalJSON() ([]byte, error) {
	if k == nil {
		return []byte("null"), nil
	}
	values := make([]int, len(k))
	for i, b := range k {
		values[i] = int(b)
	}
	return json.Marshal(values)
}

// UnmarshalJSON decodes a JSON array of byte values.
func (k *KeyBytes) UnmarshalJSON(data []byte) error {
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("%w: encryptionKey: %v", ErrInvalidDocument, err)
	}
	if values == nil {
		*k = nil
		return nil
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: encryptionKey[%d] out of range", ErrInvalidDocument, i)
		}
		out[i] = byte(v)
	}
	*k = out
	return nil
}

// Document is the relay record for one call. The initiator writes Offer,
// OfferCandidates, CallerID and EncryptionKey; the joiner writes Answer,
// AnswerCandidates and JoinerID. Declined is terminal.
type Document struct {
	Offer            *SessionDescription `json:"offer,omitempty"`
	Answer           *SessionDescription `json:"answer,omitempty"`
	OfferCandidates  []Candidate         `json:"offerCandidates,omitempty"`
	AnswerCandidates []Candidate         `json:"answerCandidates,omitempty"`
	CallerID         string              `json:"callerId,omitempty"`
	JoinerID         string              `json:"joinerId,omitempty"`
	EncryptionKey    KeyBytes            `json:"encryptionKey,omitempty"`
	Declined         bool                `json:"declined,omitempty"`
}

// Validate checks the structural invariants of a document.
func (d *Document) Validate() error {
	if d.Offer != nil {
		if err := d.Offer.validate(TypeOffer); err != nil {
			return err
		}
	}
	if d.Answer != nil {
		if d.Offer == nil {
			return fmt.Errorf("%w: answer without offer", ErrInvalidDocument)
		}
		if err := d.Answer.validate(TypeAnswer); err != nil {
			return err
		}
		if d.Answer.Generation > d.Offer.Generation {
			return fmt.Errorf("%w: answer generation %d ahead of offer %d",
				ErrInvalidDocument, d.Answer.Generation, d.Offer.Generation)
		}
	}
	for i := range d.OfferCandidates {
		if err := d.OfferCandidates[i].Validate(); err != nil {
			return fmt.Errorf("offerCandidates[%d]: %w", i, err)
		}
	}
	for i := range d.AnswerCandidates {
		if err := d.AnswerCandidates[i].Validate(); err != nil {
			return fmt.Errorf("answerCandidates[%d]: %w", i, err)
		}
	}
	if d.EncryptionKey != nil && len(d.EncryptionKey) != KeySize {
		return fmt.Errorf("%w: encryptionKey has %d bytes, want %d",
			ErrInvalidDocument, len(d.EncryptionKey), KeySize)
	}
	return nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Offer != nil {
		o := *d.Offer
		out.Offer = &o
	}
	if d.Answer != nil {
		a := *d.Answer
		out.Answer = &a
	}
	out.OfferCandidates = append([]Candidate(nil), d.OfferCandidates...)
	out.AnswerCandidates = append([]Candidate(nil), d.AnswerCandidates...)
	if d.EncryptionKey != nil {
		out.EncryptionKey = append(KeyBytes(nil), d.EncryptionKey...)
	}
	return &out
}

// Candidates returns the named candidate list.
func (d *Document) Candidates(list CandidateList) []Candidate {
	if list == AnswerCandidates {
		return d.AnswerCandidates
	}
	return d.OfferCandidates
}

func (d *Document) appendCandidate(list CandidateList, c Candidate) {
	if list == AnswerCandidates {
		d.AnswerCandidates = append(d.AnswerCandidates, c)
		return
	}
	d.OfferCandidates = append(d.OfferCandidates, c)
}

// ParseDocument decodes and validates a document. A JSON null decodes to a
// nil document, meaning the record does not exist.
func ParseDocument(data []byte) (*Document, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *SessionDescription) validate(want string) error {
	if s.Type != want {
		return fmt.Errorf("%w: %s has type %q", ErrInvalidDocument, want, s.Type)
	}
	if s.SDP == "" {
		return fmt.Errorf("%w: %s has empty sdp", ErrInvalidDocument, want)
	}
	if s.Generation == 0 {
		return fmt.Errorf("%w: %s has no generation", ErrInvalidDocument, want)
	}
	return nil
}

// Validate checks that the candidate carries a candidate line.
func (c *Candidate) Validate() error {
	if c.Candidate == "" {
		return fmt.Errorf("%w: empty candidate", ErrInvalidDocument)
	}
	return nil
}

// Patch is a partial update to a document. Nil fields are left unchanged.
type Patch struct {
	Offer    *SessionDescription `json:"offer,omitempty"`
	Answer   *SessionDescription `json:"answer,omitempty"`
	JoinerID *string             `json:"joinerId,omitempty"`
	Declined *bool               `json:"declined,omitempty"`
}

// Validate checks the descriptions carried by the patch.
func (p *Patch) Validate() error {
	if p.Offer != nil {
		if err := p.Offer.validate(TypeOffer); err != nil {
			return err
		}
	}
	if p.Answer != nil {
		if err := p.Answer.validate(TypeAnswer); err != nil {
			return err
		}
	}
	return nil
}

// Apply merges the patch into a copy of doc and validates the result.
// Once a document is declined it cannot be un-declined and no further
// descriptions may be written to it.
func (p *Patch) Apply(doc *Document) (*Document, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := doc.Clone()
	if out.Declined && (p.Offer != nil || p.Answer != nil) {
		return nil, ErrDeclined
	}
	if p.Offer != nil {
		o := *p.Offer
		out.Offer = &o
	}
	if p.Answer != nil {
		a := *p.Answer
		out.Answer = &a
	}
	if p.JoinerID != nil {
		out.JoinerID = *p.JoinerID
	}
	if p.Declined != nil && *p.Declined {
		out.Declined = true
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Notification is an incoming-call entry in a recipient's mailbox.
type Notification struct {
	From        string `json:"from"`
	CallID      string `json:"callId"`
	CallerAlias string `json:"callerAlias,omitempty"`
}

// Validate checks the required notification fields.
func (n *Notification) Validate() error {
	if n.From == "" || n.CallID == "" {
		return fmt.Errorf("%w: notification requires from and callId", ErrInvalidDocument)
	}
	return nil
}

// ParseNotification decodes and validates a mailbox entry. A JSON null
// means the mailbox is empty.
func ParseNotification(data []byte) (*Notification, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Presence is a user's liveness record. LastChanged is in milliseconds
// since the Unix epoch.
type Presence struct {
	IsOnline    bool  `json:"isOnline"`
	LastChanged int64 `json:"lastChanged"`
}
