// Package signaling defines the relay contract used to exchange connection
// setup metadata between two peers, the validated document schema that
// travels over it, and an in-process relay implementation.
//
// The relay never carries media. A call is one Document keyed by its call
// ID; each peer trickles ICE candidates into its own list; callers reach a
// specific user through that user's single-slot mailbox; and a presence
// record reports whether a user is connected to the relay.
//
// Every payload handed to a subscriber has passed Validate. Write
// operations are fire-and-forget: they report immediate failures only and
// never retry. ReadSessionOnce is the one blocking call.
package signaling

import "context"

// CandidateList names one of a document's two candidate lists.
type CandidateList string

const (
	// OfferCandidates holds the initiator's candidates.
	OfferCandidates CandidateList = "offerCandidates"
	// AnswerCandidates holds the joiner's candidates.
	AnswerCandidates CandidateList = "answerCandidates"
)

// Valid reports whether l names a known list.
func (l CandidateList) Valid() bool {
	return l == OfferCandidates || l == AnswerCandidates
}

// DocumentHandler receives document snapshots. A nil doc with a nil error
// means the document does not exist (or was deleted). A non-nil error means
// the relay delivered a payload that failed validation.
type DocumentHandler func(doc *Document, err error)

// CandidateHandler receives each candidate appended to a list, in order,
// starting with the candidates already present.
type CandidateHandler func(c Candidate)

// MailboxHandler receives the mailbox contents whenever they change. A nil
// notification means the mailbox is empty.
type MailboxHandler func(n *Notification, err error)

// Subscription is a live relay subscription.
type Subscription interface {
	// Unsubscribe detaches the handler. No callbacks run after it returns
	// except one that was already executing.
	Unsubscribe()
}

// SubscriptionFunc adapts a function to the Subscription interface.
type SubscriptionFunc func()

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() { f() }

// Channel is the signaling relay contract.
type Channel interface {
	// CreateSession writes doc as the full document for id, replacing any
	// previous one.
	CreateSession(id string, doc *Document) error

	// Subscribe delivers the current document and every later change.
	Subscribe(id string, fn DocumentHandler) Subscription

	// AppendCandidate appends c to the named list of document id.
	AppendCandidate(id string, list CandidateList, c Candidate) error

	// SubscribeCandidates delivers each candidate of the named list once.
	SubscribeCandidates(id string, list CandidateList, fn CandidateHandler) Subscription

	// UpdateSession merges patch into document id.
	UpdateSession(id string, patch Patch) error

	// DeleteSession removes document id. Deleting a missing document is
	// not an error.
	DeleteSession(id string) error

	// ReadSessionOnce fetches document id. It returns nil, nil when the
	// document does not exist.
	ReadSessionOnce(ctx context.Context, id string) (*Document, error)

	// Notify places n in recipient's mailbox, replacing any entry.
	Notify(recipient string, n Notification) error

	// Withdraw empties recipient's mailbox. When callID is non-empty the
	// mailbox is only emptied if it holds that call.
	Withdraw(recipient, callID string) error

	// WatchMailbox delivers the current mailbox contents and every change.
	WatchMailbox(recipient string, fn MailboxHandler) Subscription

	// ReadPresence fetches a user's presence record. It returns nil, nil
	// for users the relay has never seen.
	ReadPresence(ctx context.Context, userID string) (*Presence, error)
}
