// Package transport defines the signaling contract peer connections are
// negotiated over.
package transport

import (
	"context"
	"errors"
	"io"
)

var (
	ErrPeerUnavailable = errors.New("peer unavailable")
	ErrRejected        = errors.New("connection rejected by peer")
	ErrClosed          = errors.New("transport closed")
)

type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
	SignalReject SignalKind = "reject"
	// SignalError is produced locally when the rendezvous cannot reach PeerID.
	SignalError SignalKind = "error"
)

// Signal is negotiation data exchanged with a remote peer. PeerID is the
// destination when sending and the source when receiving.
type Signal struct {
	PeerID  string
	Kind    SignalKind
	Payload []byte
}

type Signaler interface {
	// Register claims preferred as the local identity, or any free identity
	// if preferred is empty or taken, and returns the identity granted.
	Register(ctx context.Context, preferred string) (string, error)
	SendSignal(ctx context.Context, signal Signal) error
	RecvSignal() <-chan Signal
	io.Closer
}
