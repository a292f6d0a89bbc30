package session

import "context"

// Transport is the capability the session needs from the network substrate.
// Blocking calls must return promptly once ctx is cancelled.
type Transport interface {
	OpenIdentity(ctx context.Context, preferred string) (string, error)
	ListenForIncoming(ctx context.Context) (Conn, error)
	InitiateConnection(ctx context.Context, remoteID string) (Conn, error)
}

// Conn is an open data channel to a single remote peer.
type Conn interface {
	RemoteID() string
	Send(payload []byte) error
	// OnData registers handler for every received payload, in arrival order.
	OnData(handler func(payload []byte)) (detach func())
	// OnClose registers handler, invoked once when the channel closes.
	OnClose(handler func()) (detach func())
	Close() error
}

type IdentityStore interface {
	Load(ctx context.Context) (string, bool, error)
	Save(ctx context.Context, identity string) error
}
