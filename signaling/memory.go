package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/clock"
	"github.com/opd-ai/peercall/internal/serial"
)

// MemoryRelay is an in-process relay. It implements Channel directly, so
// several controllers in one process can share it, and it is the backing
// store of the websocket relay server.
//
// Each subscription delivers on its own serial queue, preserving per-key
// ordering without letting a slow subscriber hold the relay lock.
type MemoryRelay struct {
	mu        sync.Mutex
	docs      map[string]*Document
	mailboxes map[string]*Notification
	presence  map[string]Presence
	docSubs   map[string]map[uint64]*docSubscriber
	candSubs  map[string]map[uint64]*candidateSubscriber
	mailSubs  map[string]map[uint64]*mailSubscriber
	nextSubID uint64
	closed    bool

	timeProvider clock.TimeProvider
}

type docSubscriber struct {
	queue *serial.Queue
	fn    DocumentHandler
}

type candidateSubscriber struct {
	list      CandidateList
	queue     *serial.Queue
	fn        CandidateHandler
	delivered int
}

type mailSubscriber struct {
	queue *serial.Queue
	fn    MailboxHandler
}

// NewMemoryRelay creates an empty relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		docs:         make(map[string]*Document),
		mailboxes:    make(map[string]*Notification),
		presence:     make(map[string]Presence),
		docSubs:      make(map[string]map[uint64]*docSubscriber),
		candSubs:     make(map[string]map[uint64]*candidateSubscriber),
		mailSubs:     make(map[string]map[uint64]*mailSubscriber),
		timeProvider: clock.NewDefaultTimeProvider(),
	}
}

// SetTimeProvider sets the clock used for presence timestamps.
func (r *MemoryRelay) SetTimeProvider(tp clock.TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeProvider = clock.OrDefault(tp)
}

// CreateSession replaces document id with doc.
func (r *MemoryRelay) CreateSession(id string, doc *Document) error {
	if id == "" {
		return ErrInvalidID
	}
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	stored := doc.Clone()
	r.docs[id] = stored
	for _, sub := range r.candSubs[id] {
		sub.delivered = 0
	}
	r.publishDocLocked(id, stored)
	r.publishCandidatesLocked(id, stored)

	logrus.WithFields(logrus.Fields{
		"function": "MemoryRelay.CreateSession",
		"call_id":  id,
	}).Debug("Session document created")
	return nil
}

// Subscribe delivers the current document for id and every later change.
func (r *MemoryRelay) Subscribe(id string, fn DocumentHandler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &docSubscriber{queue: serial.NewQueue(), fn: fn}
	if r.closed {
		sub.queue.Close()
		return SubscriptionFunc(func() {})
	}
	subID := r.addSubID()
	if r.docSubs[id] == nil {
		r.docSubs[id] = make(map[uint64]*docSubscriber)
	}
	r.docSubs[id][subID] = sub

	current := r.docs[id].Clone()
	sub.queue.Post(func() { fn(current, nil) })

	return SubscriptionFunc(func() {
		r.mu.Lock()
		delete(r.docSubs[id], subID)
		if len(r.docSubs[id]) == 0 {
			delete(r.docSubs, id)
		}
		r.mu.Unlock()
		sub.queue.Close()
	})
}

// AppendCandidate appends c to the named list of document id.
func (r *MemoryRelay) AppendCandidate(id string, list CandidateList, c Candidate) error {
	if !list.Valid() {
		return fmt.Errorf("%w: unknown candidate list %q", ErrInvalidDocument, list)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	doc, ok := r.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	updated := doc.Clone()
	updated.appendCandidate(list, c)
	r.docs[id] = updated

	r.publishCandidatesLocked(id, updated)
	r.publishDocLocked(id, updated)
	return nil
}

// SubscribeCandidates delivers each candidate of the named list once, in
// append order.
func (r *MemoryRelay) SubscribeCandidates(id string, list CandidateList, fn CandidateHandler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &candidateSubscriber{list: list, queue: serial.NewQueue(), fn: fn}
	if r.closed {
		sub.queue.Close()
		return SubscriptionFunc(func() {})
	}
	subID := r.addSubID()
	if r.candSubs[id] == nil {
		r.candSubs[id] = make(map[uint64]*candidateSubscriber)
	}
	r.candSubs[id][subID] = sub

	if doc, ok := r.docs[id]; ok {
		r.deliverCandidatesLocked(sub, doc)
	}

	return SubscriptionFunc(func() {
		r.mu.Lock()
		delete(r.candSubs[id], subID)
		if len(r.candSubs[id]) == 0 {
			delete(r.candSubs, id)
		}
		r.mu.Unlock()
		sub.queue.Close()
	})
}

// UpdateSession merges patch into document id.
func (r *MemoryRelay) UpdateSession(id string, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	doc, ok := r.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	updated, err := patch.Apply(doc)
	if err != nil {
		return err
	}
	r.docs[id] = updated
	r.publishDocLocked(id, updated)
	return nil
}

// DeleteSession removes document id.
func (r *MemoryRelay) DeleteSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	if _, ok := r.docs[id]; !ok {
		return nil
	}
	delete(r.docs, id)
	for _, sub := range r.candSubs[id] {
		sub.delivered = 0
	}
	r.publishDocLocked(id, nil)

	logrus.WithFields(logrus.Fields{
		"function": "MemoryRelay.DeleteSession",
		"call_id":  id,
	}).Debug("Session document deleted")
	return nil
}

// ReadSessionOnce returns a copy of document id, or nil when absent.
func (r *MemoryRelay) ReadSessionOnce(ctx context.Context, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.docs[id].Clone(), nil
}

// Notify places n in recipient's mailbox.
func (r *MemoryRelay) Notify(recipient string, n Notification) error {
	if recipient == "" {
		return ErrInvalidID
	}
	if err := n.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	entry := n
	r.mailboxes[recipient] = &entry
	r.publishMailLocked(recipient, &entry)
	return nil
}

// Withdraw empties recipient's mailbox, optionally only for callID.
func (r *MemoryRelay) Withdraw(recipient, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	current, ok := r.mailboxes[recipient]
	if !ok {
		return nil
	}
	if callID != "" && current.CallID != callID {
		return nil
	}
	delete(r.mailboxes, recipient)
	r.publishMailLocked(recipient, nil)
	return nil
}

// Mailbox returns a copy of recipient's pending notification, or nil.
func (r *MemoryRelay) Mailbox(recipient string) *Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyNotification(r.mailboxes[recipient])
}

// WatchMailbox delivers recipient's mailbox contents and every change.
func (r *MemoryRelay) WatchMailbox(recipient string, fn MailboxHandler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &mailSubscriber{queue: serial.NewQueue(), fn: fn}
	if r.closed {
		sub.queue.Close()
		return SubscriptionFunc(func() {})
	}
	subID := r.addSubID()
	if r.mailSubs[recipient] == nil {
		r.mailSubs[recipient] = make(map[uint64]*mailSubscriber)
	}
	r.mailSubs[recipient][subID] = sub

	current := copyNotification(r.mailboxes[recipient])
	sub.queue.Post(func() { fn(current, nil) })

	return SubscriptionFunc(func() {
		r.mu.Lock()
		delete(r.mailSubs[recipient], subID)
		if len(r.mailSubs[recipient]) == 0 {
			delete(r.mailSubs, recipient)
		}
		r.mu.Unlock()
		sub.queue.Close()
	})
}

// ReadPresence returns userID's presence record, or nil if unknown.
func (r *MemoryRelay) ReadPresence(ctx context.Context, userID string) (*Presence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.presence[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// SetPresence records userID as online or offline. The relay server calls
// this when a client connects or disconnects.
func (r *MemoryRelay) SetPresence(userID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.presence[userID] = Presence{
		IsOnline:    online,
		LastChanged: r.timeProvider.Now().UnixMilli(),
	}
}

// Close stops every subscription. Later writes fail with ErrClosed.
func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	for _, subs := range r.docSubs {
		for _, s := range subs {
			s.queue.Close()
		}
	}
	for _, subs := range r.candSubs {
		for _, s := range subs {
			s.queue.Close()
		}
	}
	for _, subs := range r.mailSubs {
		for _, s := range subs {
			s.queue.Close()
		}
	}
	r.docSubs = nil
	r.candSubs = nil
	r.mailSubs = nil
	return nil
}

func (r *MemoryRelay) addSubID() uint64 {
	r.nextSubID++
	return r.nextSubID
}

func (r *MemoryRelay) publishDocLocked(id string, doc *Document) {
	for _, sub := range r.docSubs[id] {
		snapshot := doc.Clone()
		fn := sub.fn
		sub.queue.Post(func() { fn(snapshot, nil) })
	}
}

func (r *MemoryRelay) publishCandidatesLocked(id string, doc *Document) {
	for _, sub := range r.candSubs[id] {
		r.deliverCandidatesLocked(sub, doc)
	}
}

func (r *MemoryRelay) deliverCandidatesLocked(sub *candidateSubscriber, doc *Document) {
	list := doc.Candidates(sub.list)
	for sub.delivered < len(list) {
		c := list[sub.delivered]
		sub.delivered++
		fn := sub.fn
		sub.queue.Post(func() { fn(c) })
	}
}

func (r *MemoryRelay) publishMailLocked(recipient string, n *Notification) {
	for _, sub := range r.mailSubs[recipient] {
		snapshot := copyNotification(n)
		fn := sub.fn
		sub.queue.Post(func() { fn(snapshot, nil) })
	}
}

func copyNotification(n *Notification) *Notification {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

var _ Channel = (*MemoryRelay)(nil)
