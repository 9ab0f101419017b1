package call

import "fmt"

// State is the call controller's session state.
type State int

const (
	// StateIdle is the initial state: no session, no local media.
	StateIdle State = iota
	// StateLobby holds a local media preview before a call starts.
	StateLobby
	// StateCreatingOffer is building and publishing the initiator's offer.
	StateCreatingOffer
	// StateWaitingForAnswer has a published offer and waits for the joiner.
	StateWaitingForAnswer
	// StateRinging is an offer flow towards a known peer whose mailbox was
	// notified.
	StateRinging
	// StateJoining reads the session document for a call ID.
	StateJoining
	// StateCreatingAnswer is building and publishing the joiner's answer.
	StateCreatingAnswer
	// StateIncomingCall has a pending mailbox notification.
	StateIncomingCall
	// StateConnected has live media.
	StateConnected
	// StateReconnecting lost connectivity and is trying to recover.
	StateReconnecting
	// StateEnded is terminal: the call finished or failed.
	StateEnded
	// StateDeclined is terminal: the call was declined or went unanswered.
	StateDeclined
	// StateMediaError is terminal: local media could not be acquired.
	StateMediaError
)

var stateNames = map[State]string{
	StateIdle:             "Idle",
	StateLobby:            "Lobby",
	StateCreatingOffer:    "CreatingOffer",
	StateWaitingForAnswer: "WaitingForAnswer",
	StateRinging:          "Ringing",
	StateJoining:          "Joining",
	StateCreatingAnswer:   "CreatingAnswer",
	StateIncomingCall:     "IncomingCall",
	StateConnected:        "Connected",
	StateReconnecting:     "Reconnecting",
	StateEnded:            "Ended",
	StateDeclined:         "Declined",
	StateMediaError:       "MediaError",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s can only be left by an explicit intent.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateDeclined || s == StateMediaError
}

// Active reports whether s has a call attempt in progress.
func (s State) Active() bool {
	switch s {
	case StateCreatingOffer, StateWaitingForAnswer, StateRinging, StateJoining,
		StateCreatingAnswer, StateConnected, StateReconnecting:
		return true
	default:
		return false
	}
}

// transitions lists the allowed targets of every state. StateIdle is
// reachable from anywhere through Reset and is not listed.
var transitions = map[State][]State{
	StateIdle:             {StateLobby, StateIncomingCall, StateMediaError},
	StateLobby:            {StateCreatingOffer, StateJoining, StateRinging, StateDeclined, StateMediaError},
	StateIncomingCall:     {StateLobby, StateJoining, StateDeclined, StateMediaError},
	StateCreatingOffer:    {StateWaitingForAnswer, StateEnded, StateDeclined, StateMediaError},
	StateWaitingForAnswer: {StateConnected, StateEnded, StateDeclined},
	StateRinging:          {StateConnected, StateEnded, StateDeclined, StateMediaError},
	StateJoining:          {StateCreatingAnswer, StateCreatingOffer, StateEnded, StateDeclined, StateMediaError},
	StateCreatingAnswer:   {StateConnected, StateEnded, StateDeclined},
	StateConnected:        {StateReconnecting, StateEnded},
	StateReconnecting:     {StateConnected, StateEnded},
	StateEnded:            {StateLobby, StateIncomingCall},
	StateDeclined:         {StateLobby, StateIncomingCall},
	StateMediaError:       {},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	if to == StateIdle {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role is the local party's role in a session.
type Role int

const (
	// RoleNone means no session role has been decided yet.
	RoleNone Role = iota
	// RoleInitiator wrote the offer and owns reconnection.
	RoleInitiator
	// RoleJoiner wrote the answer and follows the initiator's offers.
	RoleJoiner
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleInitiator:
		return "initiator"
	case RoleJoiner:
		return "joiner"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}
