// Package webrtc implements the session transport over WebRTC data channels,
// negotiated through a transport.Signaler.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-touch/internal/session"
	"github.com/rudransh-shrivastava/peer-touch/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	gatherTimeout = 10 * time.Second
	answerTimeout = 30 * time.Second
	handOffPoll   = 50 * time.Millisecond
)

var (
	ErrClosedBeforeOpen = errors.New("connection closed before data channel opened")
	ErrNegotiating      = errors.New("negotiation with peer already in progress")
	ErrSignalingLost    = fmt.Errorf("%w: lost connection to signaling server", transport.ErrClosed)
)

type Transport struct {
	config   webrtc.Configuration
	signaler transport.Signaler
	logger   logrus.FieldLogger

	mu        sync.Mutex
	pending   map[string]chan transport.Signal
	conns     map[*Conn]struct{}
	listeners int
	incoming  chan *Conn

	// lost is closed once the signaler stops delivering signals.
	lost      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ session.Transport = (*Transport)(nil)

// New starts routing signals from signaler. The transport owns signaler and
// closes it on Close.
func New(signaler transport.Signaler, config webrtc.Configuration, logger logrus.FieldLogger) *Transport {
	t := &Transport{
		config:   config,
		signaler: signaler,
		logger:   logger,
		pending:  make(map[string]chan transport.Signal),
		conns:    make(map[*Conn]struct{}),
		incoming: make(chan *Conn),
		lost:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.route()
	return t
}

func (t *Transport) OpenIdentity(ctx context.Context, preferred string) (string, error) {
	id, err := t.signaler.Register(ctx, preferred)
	if err != nil {
		return "", fmt.Errorf("failed to register with tracker: %w", err)
	}
	return id, nil
}

func (t *Transport) ListenForIncoming(ctx context.Context) (session.Conn, error) {
	select {
	case <-t.done:
		return nil, transport.ErrClosed
	case <-t.lost:
		return nil, ErrSignalingLost
	default:
	}

	t.mu.Lock()
	t.listeners++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.listeners--
		t.mu.Unlock()
	}()

	select {
	case conn := <-t.incoming:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, transport.ErrClosed
	case <-t.lost:
		return nil, ErrSignalingLost
	}
}

func (t *Transport) InitiateConnection(ctx context.Context, remoteID string) (session.Conn, error) {
	answers := make(chan transport.Signal, 1)

	t.mu.Lock()
	if _, busy := t.pending[remoteID]; busy {
		t.mu.Unlock()
		return nil, ErrNegotiating
	}
	t.pending[remoteID] = answers
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, remoteID)
		t.mu.Unlock()
	}()

	conn, err := t.dial(ctx, remoteID, answers)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *Transport) dial(ctx context.Context, remoteID string, answers <-chan transport.Signal) (*Conn, error) {
	select {
	case <-t.lost:
		return nil, ErrSignalingLost
	default:
	}

	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	conn := t.track(newConn(remoteID, pc, t.logger))

	fail := func(err error) (*Conn, error) {
		_ = conn.Close()
		return nil, err
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, DefaultDataChannelConfig())
	if err != nil {
		return fail(fmt.Errorf("failed to create data channel: %w", err))
	}
	conn.attach(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create offer: %w", err))
	}

	sdp, err := t.describe(ctx, pc, offer)
	if err != nil {
		return fail(err)
	}

	if err := t.signaler.SendSignal(ctx, transport.Signal{PeerID: remoteID, Kind: transport.SignalOffer, Payload: []byte(sdp)}); err != nil {
		return fail(fmt.Errorf("failed to send offer: %w", err))
	}

	select {
	case sig := <-answers:
		switch sig.Kind {
		case transport.SignalAnswer:
			desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(sig.Payload)}
			if err := pc.SetRemoteDescription(desc); err != nil {
				return fail(fmt.Errorf("failed to set remote description: %w", err))
			}
		case transport.SignalReject:
			return fail(transport.ErrRejected)
		default:
			return fail(fmt.Errorf("%w: %s", transport.ErrPeerUnavailable, sig.Payload))
		}
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-t.done:
		return fail(transport.ErrClosed)
	case <-t.lost:
		return fail(ErrSignalingLost)
	}

	select {
	case <-conn.opened:
		t.logger.WithField("peer", remoteID).Info("Outbound connection established")
		return conn, nil
	case <-conn.closed:
		return fail(ErrClosedBeforeOpen)
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-t.done:
		return fail(transport.ErrClosed)
	}
}

// describe applies desc locally and returns the SDP once ICE gathering has
// finished, so no trickle candidates need to be exchanged.
func (t *Transport) describe(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		return "", errors.New("timed out gathering ICE candidates")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", errors.New("local description unavailable")
	}
	return local.SDP, nil
}

func (t *Transport) route() {
	defer func() {
		select {
		case <-t.done:
		default:
			t.logger.Warn("Signaling link lost, no further connections can be negotiated")
		}
		close(t.lost)
	}()

	for sig := range t.signaler.RecvSignal() {
		switch sig.Kind {
		case transport.SignalOffer:
			go t.handleOffer(sig)
		case transport.SignalAnswer, transport.SignalReject, transport.SignalError:
			t.mu.Lock()
			answers, ok := t.pending[sig.PeerID]
			t.mu.Unlock()
			if !ok {
				t.logger.WithField("peer", sig.PeerID).Debugf("Dropping unsolicited %s signal", sig.Kind)
				continue
			}
			select {
			case answers <- sig:
			default:
			}
		default:
			t.logger.WithField("peer", sig.PeerID).Warnf("Unknown signal kind %q", sig.Kind)
		}
	}
}

func (t *Transport) listening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners > 0
}

func (t *Transport) handleOffer(sig transport.Signal) {
	log := t.logger.WithField("peer", sig.PeerID)
	ctx, cancel := context.WithTimeout(context.Background(), answerTimeout)
	defer cancel()

	reply := func(kind transport.SignalKind, payload string) {
		if err := t.signaler.SendSignal(ctx, transport.Signal{PeerID: sig.PeerID, Kind: kind, Payload: []byte(payload)}); err != nil {
			log.Warnf("Failed to send %s: %v", kind, err)
		}
	}

	if !t.listening() {
		log.Info("Rejecting offer, not accepting connections")
		reply(transport.SignalReject, "busy")
		return
	}

	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		log.Errorf("Failed to create peer connection: %v", err)
		reply(transport.SignalReject, "internal error")
		return
	}
	conn := t.track(newConn(sig.PeerID, pc, t.logger))
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn.attach(dc)
	})

	fail := func(format string, args ...any) {
		log.Warnf(format, args...)
		_ = conn.Close()
		reply(transport.SignalReject, "negotiation failed")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(sig.Payload)}); err != nil {
		fail("Failed to set remote description: %v", err)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		fail("Failed to create answer: %v", err)
		return
	}

	sdp, err := t.describe(ctx, pc, answer)
	if err != nil {
		fail("Failed to prepare answer: %v", err)
		return
	}
	reply(transport.SignalAnswer, sdp)

	select {
	case <-conn.opened:
	case <-conn.closed:
		return
	case <-ctx.Done():
		log.Warn("Inbound data channel never opened")
		_ = conn.Close()
		return
	case <-t.done:
		return
	}

	if !t.handOff(ctx, conn) {
		log.Info("No listener for inbound connection, closing it")
		_ = conn.Close()
		return
	}
	log.Info("Inbound connection established")
}

// handOff passes conn to a listener. It waits while a listener is registered
// but has not reached its receive yet, and gives up once none is left.
func (t *Transport) handOff(ctx context.Context, conn *Conn) bool {
	ticker := time.NewTicker(handOffPoll)
	defer ticker.Stop()

	for t.listening() {
		select {
		case t.incoming <- conn:
			return true
		case <-ticker.C:
		case <-conn.closed:
			return false
		case <-ctx.Done():
			return false
		case <-t.done:
			return false
		}
	}
	return false
}

func (t *Transport) track(conn *Conn) *Conn {
	t.mu.Lock()
	t.conns[conn] = struct{}{}
	t.mu.Unlock()

	conn.OnClose(func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
	})
	return conn
}

// Close closes the signaler and every connection the transport created.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.signaler.Close()

		t.mu.Lock()
		conns := make([]*Conn, 0, len(t.conns))
		for c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
	})
	return err
}
