package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestStateString tests state and role names.
func TestStateString(t *testing.T) {
	assert.Equal(t, "WaitingForAnswer", StateWaitingForAnswer.String())
	assert.Equal(t, "MediaError", StateMediaError.String())
	assert.Equal(t, "State(99)", State(99).String())
	assert.Equal(t, "initiator", RoleInitiator.String())
	assert.Equal(t, "joiner", RoleJoiner.String())
}

// TestTerminalStates tests the terminal and active classifications.
func TestTerminalStates(t *testing.T) {
	for s := range stateNames {
		switch s {
		case StateEnded, StateDeclined, StateMediaError:
			assert.True(t, s.Terminal(), s.String())
			assert.False(t, s.Active(), s.String())
		default:
			assert.False(t, s.Terminal(), s.String())
		}
	}
	assert.True(t, StateReconnecting.Active())
	assert.False(t, StateLobby.Active())
	assert.False(t, StateIncomingCall.Active())
}

// TestCanTransition tests selected allowed and rejected transitions.
func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateLobby, true},
		{StateLobby, StateCreatingOffer, true},
		{StateCreatingOffer, StateWaitingForAnswer, true},
		{StateWaitingForAnswer, StateConnected, true},
		{StateJoining, StateCreatingOffer, true},
		{StateJoining, StateCreatingAnswer, true},
		{StateCreatingAnswer, StateConnected, true},
		{StateRinging, StateConnected, true},
		{StateConnected, StateReconnecting, true},
		{StateReconnecting, StateConnected, true},
		{StateIncomingCall, StateLobby, true},
		{StateMediaError, StateIdle, true},
		{StateConnected, StateIdle, true},

		{StateIdle, StateConnected, false},
		{StateLobby, StateConnected, false},
		{StateJoining, StateConnected, false},
		{StateCreatingOffer, StateConnected, false},
		{StateConnected, StateDeclined, false},
		{StateMediaError, StateLobby, false},
		{StateEnded, StateConnected, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

// TestConnectedOnlyThroughNegotiation tests that with the three
// negotiation entries into Connected removed, Connected is unreachable
// from Idle. Every path to Connected therefore passes through one of
// WaitingForAnswer, CreatingAnswer or Ringing.
func TestConnectedOnlyThroughNegotiation(t *testing.T) {
	entries := map[State]bool{
		StateWaitingForAnswer: true,
		StateCreatingAnswer:   true,
		StateRinging:          true,
	}

	seen := map[State]bool{StateIdle: true}
	queue := []State{StateIdle}
	for len(queue) > 0 {
		from := queue[0]
		queue = queue[1:]
		for _, to := range transitions[from] {
			if to == StateConnected && entries[from] {
				continue
			}
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}

	assert.False(t, seen[StateConnected])
	assert.False(t, seen[StateReconnecting])

	// WaitingForAnswer is only entered from CreatingOffer and
	// CreatingAnswer only from Joining.
	for from, targets := range transitions {
		for _, to := range targets {
			if to == StateWaitingForAnswer {
				assert.Equal(t, StateCreatingOffer, from)
			}
			if to == StateCreatingAnswer {
				assert.Equal(t, StateJoining, from)
			}
		}
	}
}
