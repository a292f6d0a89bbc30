package session

import "fmt"

type Phase uint8

const (
	PhaseOpeningIdentity Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpeningIdentity:
		return "openingIdentity"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type ConnectingState uint8

const (
	WaitingForIncoming ConnectingState = iota
	InitiatingOutgoing
)

func (c ConnectingState) String() string {
	if c == InitiatingOutgoing {
		return "initiatingOutgoing"
	}
	return "waitingForIncoming"
}

// ReceiveState tracks what the remote peer is doing.
type ReceiveState uint8

const (
	Untouched ReceiveState = iota
	Touched
)

func (r ReceiveState) String() string {
	if r == Touched {
		return "touched"
	}
	return "untouched"
}

// SendState tracks what the local user is doing.
type SendState uint8

const (
	NotTouching SendState = iota
	Touching
)

func (s SendState) String() string {
	if s == Touching {
		return "touching"
	}
	return "notTouching"
}

// State is the active configuration of the machine. Connecting is only
// meaningful in PhaseConnecting, Receive and Send only in PhaseConnected.
type State struct {
	Phase      Phase
	Connecting ConnectingState
	Receive    ReceiveState
	Send       SendState
}

func (s State) String() string {
	switch s.Phase {
	case PhaseConnecting:
		return "connecting." + s.Connecting.String()
	case PhaseConnected:
		return fmt.Sprintf("connected{receive:%s send:%s}", s.Receive, s.Send)
	default:
		return s.Phase.String()
	}
}

func (s State) IsWaiting() bool {
	return s.Phase == PhaseConnecting && s.Connecting == WaitingForIncoming
}

func (s State) IsInitiating() bool {
	return s.Phase == PhaseConnecting && s.Connecting == InitiatingOutgoing
}

// Snapshot is the machine state plus its context.
type Snapshot struct {
	State    State
	Identity string
	// PeerID is the remote identity being dialled or connected to.
	PeerID string
	// Conn is non-nil exactly while State.Phase is PhaseConnected.
	Conn Conn
	// Err is the terminal error in PhaseFailed, or the last initiate
	// failure while waiting for a connection.
	Err error
}

// node is a single state in the hierarchy. Active nodes are diffed on every
// transition to derive exit and entry effects.
type node uint8

const (
	nodeOpeningIdentity node = iota
	nodeConnecting
	nodeWaitingForIncoming
	nodeInitiatingOutgoing
	nodeConnected
	nodeReceive
	nodeUntouched
	nodeTouched
	nodeSend
	nodeNotTouching
	nodeTouching
	nodeFailed
)

// nodes lists the active nodes in document order, parents before children.
func (s State) nodes() []node {
	switch s.Phase {
	case PhaseOpeningIdentity:
		return []node{nodeOpeningIdentity}
	case PhaseConnecting:
		if s.Connecting == InitiatingOutgoing {
			return []node{nodeConnecting, nodeInitiatingOutgoing}
		}
		return []node{nodeConnecting, nodeWaitingForIncoming}
	case PhaseConnected:
		recv := nodeUntouched
		if s.Receive == Touched {
			recv = nodeTouched
		}
		send := nodeNotTouching
		if s.Send == Touching {
			send = nodeTouching
		}
		return []node{nodeConnected, nodeReceive, recv, nodeSend, send}
	default:
		return []node{nodeFailed}
	}
}
