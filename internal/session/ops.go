package session

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rudransh-shrivastava/peer-touch/internal/touch"
)

// emitFunc delivers an operation result to the mailbox. It returns false if
// the operation was cancelled before the result could be queued.
type emitFunc func(Event) bool

func (s *Session) openIdentity(ctx context.Context, preferred string, emit emitFunc) {
	identity, err := s.transport.OpenIdentity(ctx, preferred)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		emit(IdentityOpenFailed{Err: fmt.Errorf("%w: %w", ErrIdentityOpen, err)})
		return
	}
	if identity == "" {
		emit(IdentityOpenFailed{Err: fmt.Errorf("%w: transport returned an empty identity", ErrIdentityOpen)})
		return
	}
	emit(IdentityOpened{Identity: identity})
}

// listenIncoming waits for the first inbound connection, retrying with
// backoff if the transport reports an error.
func (s *Session) listenIncoming(ctx context.Context, emit emitFunc) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		conn, err := s.transport.ListenForIncoming(ctx)
		if err == nil {
			if !emit(InboundConnectionEstablished{Conn: conn}) {
				closeStale(conn)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		delay := nextBackoffDelay(s.listenBackoff, attempt, rng)
		s.logger.WithError(err).WithField("retry_in", delay).Warn("Listening for inbound connections failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Session) initiateOutgoing(ctx context.Context, peerID string, emit emitFunc) {
	dialCtx := ctx
	if s.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}

	conn, err := s.transport.InitiateConnection(dialCtx, peerID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		emit(OutboundConnectionFailed{Err: fmt.Errorf("connecting to %s: %w", peerID, err)})
		return
	}
	if !emit(OutboundConnectionEstablished{Conn: conn}) {
		closeStale(conn)
	}
}

// receiveSignals decodes every payload at the boundary so the machine only
// sees typed events.
func (s *Session) receiveSignals(ctx context.Context, conn Conn, emit emitFunc) {
	detach := conn.OnData(func(payload []byte) {
		sig, err := touch.Decode(payload)
		if err != nil {
			emit(ProtocolViolation{Err: err})
			return
		}
		switch sig {
		case touch.TouchStart:
			emit(IncomingTouchStart{})
		case touch.TouchEnd:
			emit(IncomingTouchEnd{})
		}
	})
	<-ctx.Done()
	detach()
}

func (s *Session) watchClose(ctx context.Context, conn Conn, emit emitFunc) {
	detach := conn.OnClose(func() {
		emit(ConnectionClosed{})
	})
	<-ctx.Done()
	detach()
}
