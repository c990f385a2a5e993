package core

// This file implements the connection state machine (spec §4.2) as a pure
// function over a transition table, the same shape as a BFD-style FSM:
// no side effects, no dependency on the connection table. The caller
// executes the returned Actions and decides what Changed means for
// logging/metrics/notification.
//
// State diagram (spec §4.2):
//
//	DOWN --send HELLO+SETKEY+PING(1)--> KEY_SENT
//	DOWN --recv HELLO+SETKEY+PING(1), send HELLO+SETKEY+PONG(1)+PING(2)--> KEY_RECEIVED
//	KEY_SENT --recv SETKEY+PONG(1)+PING(2), send PONG(2)--> UP
//	KEY_RECEIVED --recv PONG(2) or first encrypted message--> UP
//	any --recv/send HANGUP--> DOWN
//	UP --inactivity timeout--> DOWN
//	non-UP --handshake timeout--> DOWN

// State is one of the four connection states from spec §4.2.
type State uint8

const (
	StateDown State = iota
	StateKeySent
	StateKeyReceived
	StateUp
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateKeySent:
		return "KEY_SENT"
	case StateKeyReceived:
		return "KEY_RECEIVED"
	case StateUp:
		return "UP"
	default:
		return "UNKNOWN"
	}
}

// Event drives a state transition.
type Event uint8

const (
	// EventSendSetkey is the local decision to initiate a handshake:
	// send HELLO+SETKEY+PING(1).
	EventSendSetkey Event = iota
	// EventRecvSetkeyPing1 is receipt of a peer's HELLO+SETKEY+PING(1).
	EventRecvSetkeyPing1
	// EventRecvPong1Ping2 is receipt of SETKEY+PONG(1)+PING(2), confirming
	// the peer accepted our key.
	EventRecvPong1Ping2
	// EventRecvPong2 is receipt of PONG(2), confirming our PONG(1) was seen.
	EventRecvPong2
	// EventRecvEncrypted is receipt of the first successfully-decrypted
	// application message, an alternate path to UP from KEY_RECEIVED.
	EventRecvEncrypted
	// EventHangup is sending or receiving a HANGUP part.
	EventHangup
	// EventInactivityTimeout fires when UP sees no encrypted traffic for
	// the inactivity timeout.
	EventInactivityTimeout
	// EventHandshakeTimeout fires when a non-UP state makes no progress
	// for the handshake timeout.
	EventHandshakeTimeout
)

func (e Event) String() string {
	switch e {
	case EventSendSetkey:
		return "SendSetkey"
	case EventRecvSetkeyPing1:
		return "RecvSetkeyPing1"
	case EventRecvPong1Ping2:
		return "RecvPong1Ping2"
	case EventRecvPong2:
		return "RecvPong2"
	case EventRecvEncrypted:
		return "RecvEncrypted"
	case EventHangup:
		return "Hangup"
	case EventInactivityTimeout:
		return "InactivityTimeout"
	case EventHandshakeTimeout:
		return "HandshakeTimeout"
	default:
		return "Unknown"
	}
}

// Action is a side effect the caller must execute after a transition.
type Action uint8

const (
	// ActionSendHelloSetkeyPing1 sends HELLO+SETKEY+PING(1).
	ActionSendHelloSetkeyPing1 Action = iota + 1
	// ActionSendHelloSetkeyPong1Ping2 sends HELLO+SETKEY+PONG(1)+PING(2).
	ActionSendHelloSetkeyPong1Ping2
	// ActionSendPong2 sends PONG(2) confirming the handshake.
	ActionSendPong2
	// ActionNotifyUp signals consumers the connection reached UP.
	ActionNotifyUp
	// ActionNotifyDown signals consumers the connection fell to DOWN.
	ActionNotifyDown
	// ActionClearKeys zeroes session keys (spec §5: "Session keys are
	// zeroed on DOWN transitions").
	ActionClearKeys
	// ActionResetViolations clears the violation counter on a fresh DOWN
	// transition (see DESIGN.md Open Question (b)).
	ActionResetViolations
)

func (a Action) String() string {
	switch a {
	case ActionSendHelloSetkeyPing1:
		return "SendHelloSetkeyPing1"
	case ActionSendHelloSetkeyPong1Ping2:
		return "SendHelloSetkeyPong1Ping2"
	case ActionSendPong2:
		return "SendPong2"
	case ActionNotifyUp:
		return "NotifyUp"
	case ActionNotifyDown:
		return "NotifyDown"
	case ActionClearKeys:
		return "ClearKeys"
	case ActionResetViolations:
		return "ResetViolations"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// FSMResult is the outcome of applying an Event to a State.
type FSMResult struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

//nolint:gochecknoglobals // transition table is intentionally package-level, mirroring the teacher's fsm.go
var fsmTable = map[stateEvent]transition{
	// DOWN: initiate handshake, or respond to a peer's handshake attempt.
	{StateDown, EventSendSetkey}: {
		newState: StateKeySent,
		actions:  []Action{ActionSendHelloSetkeyPing1},
	},
	{StateDown, EventRecvSetkeyPing1}: {
		newState: StateKeyReceived,
		actions:  []Action{ActionSendHelloSetkeyPong1Ping2},
	},

	// KEY_SENT: our handshake is outstanding; the peer's PONG(1)+PING(2)
	// confirms it accepted our key.
	{StateKeySent, EventRecvPong1Ping2}: {
		newState: StateUp,
		actions:  []Action{ActionSendPong2, ActionNotifyUp},
	},

	// KEY_RECEIVED: we've sent our key and a counter-challenge; either a
	// PONG(2) or the first successfully-decrypted message confirms it.
	{StateKeyReceived, EventRecvPong2}: {
		newState: StateUp,
		actions:  []Action{ActionNotifyUp},
	},
	{StateKeyReceived, EventRecvEncrypted}: {
		newState: StateUp,
		actions:  []Action{ActionNotifyUp},
	},

	// UP: inactivity timeout drops the connection.
	{StateUp, EventInactivityTimeout}: {
		newState: StateDown,
		actions:  []Action{ActionClearKeys, ActionResetViolations, ActionNotifyDown},
	},

	// Non-UP states: handshake timeout drops back to DOWN.
	{StateKeySent, EventHandshakeTimeout}: {
		newState: StateDown,
		actions:  []Action{ActionClearKeys, ActionNotifyDown},
	},
	{StateKeyReceived, EventHandshakeTimeout}: {
		newState: StateDown,
		actions:  []Action{ActionClearKeys, ActionNotifyDown},
	},
}

// ApplyEvent applies event to currentState and returns the transition
// result, including a HANGUP rule that applies uniformly to every
// state ("any state -- receive/send HANGUP --> DOWN", spec §4.2) and is
// therefore handled outside the table rather than duplicated per row.
func ApplyEvent(currentState State, event Event) FSMResult {
	if event == EventHangup {
		if currentState == StateDown {
			return FSMResult{OldState: currentState, NewState: currentState, Changed: false}
		}
		return FSMResult{
			OldState: currentState,
			NewState: StateDown,
			Actions:  []Action{ActionClearKeys, ActionResetViolations, ActionNotifyDown},
			Changed:  true,
		}
	}

	key := stateEvent{state: currentState, event: event}
	tr, ok := fsmTable[key]
	if !ok {
		return FSMResult{OldState: currentState, NewState: currentState, Changed: false}
	}
	return FSMResult{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}
