package session

import (
	"slices"

	"github.com/rudransh-shrivastava/peer-touch/internal/touch"
)

// Initial returns the starting snapshot and the effects of entering it.
func Initial(preferred string) (Snapshot, []Effect) {
	snap := Snapshot{State: State{Phase: PhaseOpeningIdentity}}
	return snap, []Effect{Invoke{Op: OpOpenIdentity, Preferred: preferred}}
}

// Transition computes the next snapshot for ev and the effects to run, in
// order: exit effects of left states (deepest first), transition actions,
// then entry effects of entered states (outermost first). An event with no
// target in the current state returns snap unchanged and no effects.
func Transition(snap Snapshot, ev Event) (Snapshot, []Effect) {
	next, actions, ok := step(snap, ev)
	if !ok {
		return snap, nil
	}

	before := snap.State.nodes()
	after := next.State.nodes()

	var effects []Effect
	for i := len(before) - 1; i >= 0; i-- {
		if !slices.Contains(after, before[i]) {
			effects = append(effects, exitEffects(before[i], snap)...)
		}
	}
	effects = append(effects, actions...)
	for _, n := range after {
		if !slices.Contains(before, n) {
			effects = append(effects, entryEffects(n, next)...)
		}
	}
	return next, effects
}

// Accepts reports whether ev has a target in the current state.
func Accepts(snap Snapshot, ev Event) bool {
	_, _, ok := step(snap, ev)
	return ok
}

func step(snap Snapshot, ev Event) (Snapshot, []Effect, bool) {
	next := snap

	switch snap.State.Phase {
	case PhaseOpeningIdentity:
		switch e := ev.(type) {
		case IdentityOpened:
			if e.Identity == "" {
				return snap, nil, false
			}
			next.Identity = e.Identity
			next.State = State{Phase: PhaseConnecting, Connecting: WaitingForIncoming}
			return next, []Effect{SaveIdentity{Identity: e.Identity}}, true
		case IdentityOpenFailed:
			next.State = State{Phase: PhaseFailed}
			next.Err = e.Err
			return next, nil, true
		}

	case PhaseConnecting:
		switch e := ev.(type) {
		case ConnectByIDRequested:
			if snap.State.Connecting != WaitingForIncoming || e.PeerID == "" || e.PeerID == snap.Identity {
				return snap, nil, false
			}
			next.State.Connecting = InitiatingOutgoing
			next.PeerID = e.PeerID
			next.Err = nil
			return next, nil, true
		case InboundConnectionEstablished:
			return connect(next, e.Conn)
		case OutboundConnectionEstablished:
			if snap.State.Connecting != InitiatingOutgoing {
				return snap, nil, false
			}
			return connect(next, e.Conn)
		case OutboundConnectionFailed:
			if snap.State.Connecting != InitiatingOutgoing {
				return snap, nil, false
			}
			next.State.Connecting = WaitingForIncoming
			next.PeerID = ""
			next.Err = e.Err
			return next, nil, true
		}

	case PhaseConnected:
		switch e := ev.(type) {
		case IncomingTouchStart:
			next.State.Receive = Touched
			return next, nil, true
		case IncomingTouchEnd:
			next.State.Receive = Untouched
			return next, nil, true
		case ProtocolViolation:
			return next, []Effect{ReportViolation{Err: e.Err}}, true
		case OutgoingTouchStart:
			next.State.Send = Touching
			return next, nil, true
		case OutgoingTouchEnd:
			next.State.Send = NotTouching
			return next, nil, true
		case ConnectionClosed:
			next.State = State{Phase: PhaseConnecting, Connecting: WaitingForIncoming}
			next.Conn = nil
			next.PeerID = ""
			return next, nil, true
		}
	}

	return snap, nil, false
}

func connect(next Snapshot, conn Conn) (Snapshot, []Effect, bool) {
	if conn == nil {
		return next, nil, false
	}
	next.State = State{Phase: PhaseConnected, Receive: Untouched, Send: NotTouching}
	next.Conn = conn
	next.PeerID = conn.RemoteID()
	next.Err = nil
	return next, nil, true
}

func entryEffects(n node, snap Snapshot) []Effect {
	switch n {
	case nodeConnecting:
		return []Effect{Invoke{Op: OpListenIncoming}}
	case nodeInitiatingOutgoing:
		return []Effect{Invoke{Op: OpInitiateOutgoing, PeerID: snap.PeerID}}
	case nodeConnected:
		return []Effect{Invoke{Op: OpWatchClose, Conn: snap.Conn}}
	case nodeReceive:
		return []Effect{Invoke{Op: OpReceiveSignals, Conn: snap.Conn}}
	case nodeNotTouching:
		return []Effect{SendSignal{Signal: touch.TouchEnd, Conn: snap.Conn}}
	case nodeTouching:
		return []Effect{SendSignal{Signal: touch.TouchStart, Conn: snap.Conn}}
	}
	return nil
}

func exitEffects(n node, snap Snapshot) []Effect {
	switch n {
	case nodeOpeningIdentity:
		return []Effect{Cancel{Op: OpOpenIdentity}}
	case nodeConnecting:
		return []Effect{Cancel{Op: OpListenIncoming}}
	case nodeInitiatingOutgoing:
		return []Effect{Cancel{Op: OpInitiateOutgoing}}
	case nodeReceive:
		return []Effect{Cancel{Op: OpReceiveSignals}}
	case nodeConnected:
		return []Effect{Cancel{Op: OpWatchClose}, CloseConnection{Conn: snap.Conn}}
	}
	return nil
}
