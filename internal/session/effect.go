package session

import "github.com/rudransh-shrivastava/peer-touch/internal/touch"

// Op identifies a long-lived operation owned by a state. At most one
// operation of each kind is pending at any time.
type Op uint8

const (
	OpOpenIdentity Op = iota
	OpListenIncoming
	OpInitiateOutgoing
	OpReceiveSignals
	OpWatchClose
)

func (o Op) String() string {
	switch o {
	case OpOpenIdentity:
		return "openIdentity"
	case OpListenIncoming:
		return "listenIncoming"
	case OpInitiateOutgoing:
		return "initiateOutgoing"
	case OpReceiveSignals:
		return "receiveSignals"
	case OpWatchClose:
		return "watchClose"
	default:
		return "unknown"
	}
}

// Effect is a side effect requested by a transition. The runtime executes
// effects in order.
type Effect interface {
	isEffect()
}

// Invoke starts an operation. Only the fields relevant to Op are set.
type Invoke struct {
	Op        Op
	Preferred string
	PeerID    string
	Conn      Conn
}

type Cancel struct {
	Op Op
}

type SaveIdentity struct {
	Identity string
}

type SendSignal struct {
	Signal touch.Signal
	Conn   Conn
}

type CloseConnection struct {
	Conn Conn
}

type ReportViolation struct {
	Err error
}

func (Invoke) isEffect()          {}
func (Cancel) isEffect()          {}
func (SaveIdentity) isEffect()    {}
func (SendSignal) isEffect()      {}
func (CloseConnection) isEffect() {}
func (ReportViolation) isEffect() {}
