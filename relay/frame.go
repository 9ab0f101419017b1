package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/peercall/signaling"
)

// Operations sent by clients.
const (
	OpHello               = "hello"
	OpCreate              = "create"
	OpUpdate              = "update"
	OpDelete              = "delete"
	OpAppend              = "append"
	OpRead                = "read"
	OpSubscribe           = "subscribe"
	OpSubscribeCandidates = "subscribe_candidates"
	OpWatchMailbox        = "watch_mailbox"
	OpUnsubscribe         = "unsubscribe"
	OpNotify              = "notify"
	OpWithdraw            = "withdraw"
	OpPresence            = "presence"
)

// Events sent by the server.
const (
	EventDocument  = "document"
	EventCandidate = "candidate"
	EventMailbox   = "mailbox"
	EventReply     = "reply"
)

// Error codes carried by replies.
const (
	CodeInvalid    = "invalid"
	CodeNotFound   = "not_found"
	CodeDeclined   = "declined"
	CodeClosed     = "closed"
	CodeInvalidID  = "invalid_id"
	CodeBadRequest = "bad_request"
	CodeInternal   = "internal"
)

// Frame is one JSON message on the relay websocket. Client frames carry Op,
// server frames carry Event. A request with a non-zero ID is answered by a
// reply with the same ID; Sub names the subscription an event belongs to.
type Frame struct {
	Op     string                  `json:"op,omitempty"`
	Event  string                  `json:"event,omitempty"`
	ID     uint64                  `json:"id,omitempty"`
	Sub    string                  `json:"sub,omitempty"`
	Key    string                  `json:"key,omitempty"`
	List   signaling.CandidateList `json:"list,omitempty"`
	CallID string                  `json:"callId,omitempty"`
	Data   json.RawMessage         `json:"data,omitempty"`
	Code   string                  `json:"code,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

var keyedOps = map[string]bool{
	OpHello:               true,
	OpCreate:              true,
	OpUpdate:              true,
	OpDelete:              true,
	OpAppend:              true,
	OpRead:                true,
	OpSubscribe:           true,
	OpSubscribeCandidates: true,
	OpWatchMailbox:        true,
	OpNotify:              true,
	OpWithdraw:            true,
	OpPresence:            true,
}

var subscribingOps = map[string]bool{
	OpSubscribe:           true,
	OpSubscribeCandidates: true,
	OpWatchMailbox:        true,
	OpUnsubscribe:         true,
}

// ParseFrame decodes and validates a frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that the frame is a well-formed request or event.
func (f *Frame) Validate() error {
	switch {
	case f.Op != "" && f.Event != "":
		return fmt.Errorf("%w: frame carries both op and event", ErrMalformedFrame)
	case f.Op == "" && f.Event == "":
		return fmt.Errorf("%w: frame carries neither op nor event", ErrMalformedFrame)
	case f.Event != "":
		return f.validateEvent()
	}

	if !keyedOps[f.Op] && f.Op != OpUnsubscribe {
		return fmt.Errorf("%w: %q", ErrUnknownOp, f.Op)
	}
	if keyedOps[f.Op] && f.Key == "" {
		return fmt.Errorf("%w: %s requires key", ErrMalformedFrame, f.Op)
	}
	if subscribingOps[f.Op] && f.Sub == "" {
		return fmt.Errorf("%w: %s requires sub", ErrMalformedFrame, f.Op)
	}
	if (f.Op == OpAppend || f.Op == OpSubscribeCandidates) && !f.List.Valid() {
		return fmt.Errorf("%w: unknown candidate list %q", ErrMalformedFrame, f.List)
	}
	switch f.Op {
	case OpCreate, OpUpdate, OpAppend, OpNotify:
		if len(f.Data) == 0 {
			return fmt.Errorf("%w: %s requires data", ErrMalformedFrame, f.Op)
		}
	}
	return nil
}

func (f *Frame) validateEvent() error {
	switch f.Event {
	case EventReply:
		if f.ID == 0 {
			return fmt.Errorf("%w: reply without id", ErrMalformedFrame)
		}
	case EventDocument, EventCandidate, EventMailbox:
		if f.Sub == "" {
			return fmt.Errorf("%w: %s event without sub", ErrMalformedFrame, f.Event)
		}
	default:
		return fmt.Errorf("%w: event %q", ErrUnknownOp, f.Event)
	}
	return nil
}

// errorCode classifies err for the wire.
func errorCode(err error) string {
	switch {
	case errors.Is(err, signaling.ErrSessionNotFound):
		return CodeNotFound
	case errors.Is(err, signaling.ErrDeclined):
		return CodeDeclined
	case errors.Is(err, signaling.ErrInvalidDocument):
		return CodeInvalid
	case errors.Is(err, signaling.ErrClosed):
		return CodeClosed
	case errors.Is(err, signaling.ErrInvalidID):
		return CodeInvalidID
	case errors.Is(err, ErrMalformedFrame), errors.Is(err, ErrUnknownOp):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// codeError turns a reply's code back into an error wrapping the matching
// sentinel.
func codeError(code, message string) error {
	var sentinel error
	switch code {
	case "":
		return nil
	case CodeNotFound:
		sentinel = signaling.ErrSessionNotFound
	case CodeDeclined:
		sentinel = signaling.ErrDeclined
	case CodeInvalid:
		sentinel = signaling.ErrInvalidDocument
	case CodeClosed:
		sentinel = signaling.ErrClosed
	case CodeInvalidID:
		sentinel = signaling.ErrInvalidID
	case CodeBadRequest:
		sentinel = ErrMalformedFrame
	default:
		sentinel = ErrServer
	}
	if message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
