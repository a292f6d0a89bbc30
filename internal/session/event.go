package session

// Event is anything delivered to the session mailbox.
type Event interface {
	Name() string
}

type IdentityOpened struct {
	Identity string
}

type IdentityOpenFailed struct {
	Err error
}

type ConnectByIDRequested struct {
	PeerID string
}

type InboundConnectionEstablished struct {
	Conn Conn
}

type OutboundConnectionEstablished struct {
	Conn Conn
}

type OutboundConnectionFailed struct {
	Err error
}

type IncomingTouchStart struct{}

type IncomingTouchEnd struct{}

// ProtocolViolation reports a received payload that is not a touch token.
type ProtocolViolation struct {
	Err error
}

type OutgoingTouchStart struct{}

type OutgoingTouchEnd struct{}

type ConnectionClosed struct{}

func (IdentityOpened) Name() string                { return "IDENTITY_OPENED" }
func (IdentityOpenFailed) Name() string            { return "IDENTITY_OPEN_FAILED" }
func (ConnectByIDRequested) Name() string          { return "CONNECT_BY_ID_REQUESTED" }
func (InboundConnectionEstablished) Name() string  { return "INBOUND_CONNECTION_ESTABLISHED" }
func (OutboundConnectionEstablished) Name() string { return "OUTBOUND_CONNECTION_ESTABLISHED" }
func (OutboundConnectionFailed) Name() string      { return "OUTBOUND_CONNECTION_FAILED" }
func (IncomingTouchStart) Name() string            { return "INCOMING_TOUCH_START" }
func (IncomingTouchEnd) Name() string              { return "INCOMING_TOUCH_END" }
func (ProtocolViolation) Name() string             { return "PROTOCOL_VIOLATION" }
func (OutgoingTouchStart) Name() string            { return "OUTGOING_TOUCH_START" }
func (OutgoingTouchEnd) Name() string              { return "OUTGOING_TOUCH_END" }
func (ConnectionClosed) Name() string              { return "CONNECTION_CLOSED" }
