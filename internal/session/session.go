// Package session drives a single peer-to-peer touch session: identity
// acquisition, connection negotiation, touch signalling and recovery after
// disconnects.
//
// All state lives on one goroutine (Run). Transport operations run on their
// own goroutines and report back through the mailbox; results from an
// operation whose owning state was already left are discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-touch/internal/touch"
	"github.com/sirupsen/logrus"
)

const defaultMailboxSize = 64

var (
	ErrIdentityOpen  = errors.New("opening identity failed")
	ErrInvalidPeerID = errors.New("invalid peer id")
	ErrStopped       = errors.New("session stopped")
)

type Options struct {
	Transport Transport
	Store     IdentityStore
	Logger    logrus.FieldLogger

	// ConnectTimeout bounds a single outbound initiate. Zero means no bound.
	ConnectTimeout time.Duration
	// ListenBackoff paces retries when listening for inbound connections fails.
	ListenBackoff BackoffConfig
	MailboxSize   int

	// OnChange is called from the session goroutine after every transition
	// that changed the snapshot. It must not block.
	OnChange func(Snapshot)
	// OnViolation is called from the session goroutine for every payload
	// that is not a touch token.
	OnViolation func(error)
}

type message struct {
	ev     Event
	fromOp bool
	op     Op
	opID   uint64
}

type operation struct {
	id     uint64
	cancel context.CancelFunc
}

type Session struct {
	transport      Transport
	store          IdentityStore
	logger         logrus.FieldLogger
	connectTimeout time.Duration
	listenBackoff  BackoffConfig
	onChange       func(Snapshot)
	onViolation    func(error)

	mailbox chan message
	done    chan struct{}
	once    sync.Once

	// owned by the Run goroutine
	snap     Snapshot
	ops      map[Op]*operation
	nextOpID uint64

	mu        sync.RWMutex
	published Snapshot
}

func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session: identity store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	size := opts.MailboxSize
	if size <= 0 {
		size = defaultMailboxSize
	}

	backoff := opts.ListenBackoff
	if backoff == (BackoffConfig{}) {
		backoff = DefaultBackoff()
	}

	return &Session{
		transport:      opts.Transport,
		store:          opts.Store,
		logger:         logger,
		connectTimeout: opts.ConnectTimeout,
		listenBackoff:  backoff,
		onChange:       opts.OnChange,
		onViolation:    opts.OnViolation,
		mailbox:        make(chan message, size),
		done:           make(chan struct{}),
		ops:            make(map[Op]*operation),
	}, nil
}

// Run processes events until ctx is cancelled or the session reaches the
// failed state. It may be called once.
func (s *Session) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })

	preferred, ok, err := s.store.Load(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load stored identity, requesting a fresh one")
		preferred = ""
	} else if ok {
		s.logger.WithField("identity", preferred).Debug("Reusing stored identity")
	}

	snap, effects := Initial(preferred)
	s.snap = snap
	s.apply(ctx, effects)
	s.publish()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case msg := <-s.mailbox:
			if msg.fromOp && !s.deliverable(msg) {
				s.discard(msg)
				continue
			}
			s.handle(ctx, msg.ev)

			if s.snap.State.Phase == PhaseFailed {
				s.shutdown()
				return fmt.Errorf("session failed: %w", s.snap.Err)
			}
		}
	}
}

// ConnectTo asks the session to dial peerID. It is ignored unless the
// session is waiting for a connection.
func (s *Session) ConnectTo(peerID string) error {
	if peerID == "" {
		return ErrInvalidPeerID
	}
	return s.enqueue(ConnectByIDRequested{PeerID: peerID})
}

func (s *Session) TouchStart() error {
	return s.enqueue(OutgoingTouchStart{})
}

func (s *Session) TouchEnd() error {
	return s.enqueue(OutgoingTouchEnd{})
}

// Snapshot returns the state as of the last processed event.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.published
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) enqueue(ev Event) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	select {
	case s.mailbox <- message{ev: ev}:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

func (s *Session) handle(ctx context.Context, ev Event) {
	prev := s.snap
	if !Accepts(prev, ev) {
		s.logger.WithFields(logrus.Fields{
			"event": ev.Name(),
			"state": prev.State.String(),
		}).Debug("Ignoring event with no target in current state")
		return
	}

	next, effects := Transition(prev, ev)
	s.snap = next
	s.apply(ctx, effects)

	if changed(prev, next) {
		s.logger.WithFields(logrus.Fields{
			"event": ev.Name(),
			"from":  prev.State.String(),
			"to":    next.State.String(),
		}).Info("Session state changed")
		s.publish()
	}
}

func (s *Session) apply(ctx context.Context, effects []Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case Invoke:
			s.invoke(ctx, e)
		case Cancel:
			s.cancel(e.Op)
		case SaveIdentity:
			if err := s.store.Save(ctx, e.Identity); err != nil {
				s.logger.WithError(err).Warn("Failed to persist identity")
			}
		case SendSignal:
			s.sendSignal(e)
		case CloseConnection:
			if e.Conn != nil {
				if err := e.Conn.Close(); err != nil {
					s.logger.WithError(err).Debug("Closing connection")
				}
			}
		case ReportViolation:
			s.logger.WithError(e.Err).Warn("Protocol violation from peer")
			if s.onViolation != nil {
				s.onViolation(e.Err)
			}
		}
	}
}

func (s *Session) sendSignal(e SendSignal) {
	if e.Conn == nil {
		return
	}
	payload, err := touch.Encode(e.Signal)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode signal")
		return
	}
	if err := e.Conn.Send(payload); err != nil {
		s.logger.WithError(err).WithField("signal", e.Signal.String()).Warn("Failed to send signal")
	}
}

func (s *Session) invoke(ctx context.Context, inv Invoke) {
	s.cancel(inv.Op)

	s.nextOpID++
	id := s.nextOpID
	opCtx, cancel := context.WithCancel(ctx)
	s.ops[inv.Op] = &operation{id: id, cancel: cancel}

	emit := func(ev Event) bool {
		select {
		case s.mailbox <- message{ev: ev, fromOp: true, op: inv.Op, opID: id}:
			return true
		case <-opCtx.Done():
			return false
		}
	}

	s.logger.WithField("op", inv.Op.String()).Debug("Starting operation")

	switch inv.Op {
	case OpOpenIdentity:
		go s.openIdentity(opCtx, inv.Preferred, emit)
	case OpListenIncoming:
		go s.listenIncoming(opCtx, emit)
	case OpInitiateOutgoing:
		go s.initiateOutgoing(opCtx, inv.PeerID, emit)
	case OpReceiveSignals:
		go s.receiveSignals(opCtx, inv.Conn, emit)
	case OpWatchClose:
		go s.watchClose(opCtx, inv.Conn, emit)
	}
}

func (s *Session) cancel(op Op) {
	pending, ok := s.ops[op]
	if !ok {
		return
	}
	delete(s.ops, op)
	pending.cancel()
	s.logger.WithField("op", op.String()).Debug("Cancelled operation")
}

// deliverable reports whether msg comes from the current instance of its
// operation. One-shot operations are retired once their result arrives.
func (s *Session) deliverable(msg message) bool {
	pending, ok := s.ops[msg.op]
	if !ok || pending.id != msg.opID {
		return false
	}
	switch msg.op {
	case OpOpenIdentity, OpListenIncoming, OpInitiateOutgoing:
		delete(s.ops, msg.op)
		pending.cancel()
	}
	return true
}

func (s *Session) discard(msg message) {
	s.logger.WithFields(logrus.Fields{
		"op":    msg.op.String(),
		"event": msg.ev.Name(),
	}).Debug("Discarding result of stale operation")

	switch e := msg.ev.(type) {
	case InboundConnectionEstablished:
		closeStale(e.Conn)
	case OutboundConnectionEstablished:
		closeStale(e.Conn)
	}
}

func (s *Session) shutdown() {
	for op := range s.ops {
		s.cancel(op)
	}
	if s.snap.Conn != nil {
		_ = s.snap.Conn.Close()
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	s.published = s.snap
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(s.snap)
	}
}

func changed(prev, next Snapshot) bool {
	return prev.State != next.State ||
		prev.Identity != next.Identity ||
		prev.PeerID != next.PeerID ||
		prev.Conn != next.Conn ||
		prev.Err != next.Err
}

func closeStale(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
