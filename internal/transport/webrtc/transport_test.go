package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-touch/internal/logger"
	"github.com/rudransh-shrivastava/peer-touch/internal/session"
	"github.com/rudransh-shrivastava/peer-touch/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hub relays signals between in-process signalers the way the tracker does.
type hub struct {
	mu    sync.Mutex
	peers map[string]*memSignaler
	next  int
}

func newHub() *hub {
	return &hub{peers: make(map[string]*memSignaler)}
}

type memSignaler struct {
	hub  *hub
	id   string
	recv chan transport.Signal
	once sync.Once
}

func (h *hub) signaler() *memSignaler {
	return &memSignaler{hub: h, recv: make(chan transport.Signal, 16)}
}

func (s *memSignaler) Register(_ context.Context, preferred string) (string, error) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	id := preferred
	if _, taken := s.hub.peers[id]; id == "" || taken {
		s.hub.next++
		id = fmt.Sprintf("peer-%d", s.hub.next)
	}
	s.id = id
	s.hub.peers[id] = s
	return id, nil
}

func (s *memSignaler) SendSignal(_ context.Context, sig transport.Signal) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if s.hub.peers[s.id] != s {
		return transport.ErrClosed
	}
	target, ok := s.hub.peers[sig.PeerID]
	if !ok {
		s.recv <- transport.Signal{PeerID: sig.PeerID, Kind: transport.SignalError, Payload: []byte("unknown peer")}
		return nil
	}
	target.recv <- transport.Signal{PeerID: s.id, Kind: sig.Kind, Payload: sig.Payload}
	return nil
}

func (s *memSignaler) RecvSignal() <-chan transport.Signal {
	return s.recv
}

func (s *memSignaler) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if s.hub.peers[s.id] == s {
			delete(s.hub.peers, s.id)
		}
		close(s.recv)
	})
	return nil
}

func newTestTransport(t *testing.T, h *hub, preferred string) (*Transport, *memSignaler, string) {
	t.Helper()
	sig := h.signaler()
	tr := New(sig, Configuration(nil), logger.NewNop())
	t.Cleanup(func() { _ = tr.Close() })

	id, err := tr.OpenIdentity(context.Background(), preferred)
	require.NoError(t, err)
	return tr, sig, id
}

func TestOpenIdentityUsesSignaler(t *testing.T) {
	h := newHub()
	_, _, first := newTestTransport(t, h, "alice")
	_, _, second := newTestTransport(t, h, "alice")

	assert.Equal(t, "alice", first)
	assert.NotEqual(t, "alice", second)
}

func TestOfferRejectedWhenNotListening(t *testing.T) {
	h := newHub()
	_, _, id := newTestTransport(t, h, "alice")

	remote := h.signaler()
	_, err := remote.Register(context.Background(), "bob")
	require.NoError(t, err)

	require.NoError(t, remote.SendSignal(context.Background(), transport.Signal{PeerID: id, Kind: transport.SignalOffer, Payload: []byte("v=0")}))

	select {
	case sig := <-remote.RecvSignal():
		assert.Equal(t, transport.SignalReject, sig.Kind)
		assert.Equal(t, id, sig.PeerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply to offer")
	}
}

func TestInitiateUnknownPeerFails(t *testing.T) {
	h := newHub()
	tr, _, _ := newTestTransport(t, h, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := tr.InitiateConnection(ctx, "nobody")
	require.ErrorIs(t, err, transport.ErrPeerUnavailable)
	assert.Nil(t, conn)
}

func TestInitiateRejectedByIdlePeer(t *testing.T) {
	h := newHub()
	tr, _, _ := newTestTransport(t, h, "alice")
	newTestTransport(t, h, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := tr.InitiateConnection(ctx, "bob")
	require.ErrorIs(t, err, transport.ErrRejected)
}

func TestListenDetachesOnCancel(t *testing.T) {
	h := newHub()
	tr, _, _ := newTestTransport(t, h, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := tr.ListenForIncoming(ctx)
		errc <- err
	}()

	require.Eventually(t, tr.listening, time.Second, 5*time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errc, context.Canceled)
	assert.False(t, tr.listening())
}

func TestListenFailsAfterClose(t *testing.T) {
	h := newHub()
	tr, _, _ := newTestTransport(t, h, "alice")
	require.NoError(t, tr.Close())

	_, err := tr.ListenForIncoming(context.Background())
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestListenFailsWhenSignalingLost(t *testing.T) {
	h := newHub()
	tr, sig, _ := newTestTransport(t, h, "alice")

	errc := make(chan error, 1)
	go func() {
		_, err := tr.ListenForIncoming(context.Background())
		errc <- err
	}()
	require.Eventually(t, tr.listening, time.Second, 5*time.Millisecond)

	require.NoError(t, sig.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrSignalingLost)
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("listener kept waiting after the signaling link dropped")
	}

	_, err := tr.ListenForIncoming(context.Background())
	require.ErrorIs(t, err, ErrSignalingLost)

	_, err = tr.InitiateConnection(context.Background(), "bob")
	require.ErrorIs(t, err, ErrSignalingLost)
}

func TestHandOffWaitsForRegisteredListener(t *testing.T) {
	h := newHub()
	tr, _, _ := newTestTransport(t, h, "alice")
	conn := newTestConn()

	// A listener that has registered but not yet reached its receive.
	tr.mu.Lock()
	tr.listeners++
	tr.mu.Unlock()

	handed := make(chan bool, 1)
	go func() { handed <- tr.handOff(context.Background(), conn) }()

	time.Sleep(3 * handOffPoll)

	select {
	case got := <-tr.incoming:
		assert.Same(t, conn, got)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never handed off")
	}
	assert.True(t, <-handed)

	tr.mu.Lock()
	tr.listeners--
	tr.mu.Unlock()
}

func TestHandOffWithoutListenerGivesUp(t *testing.T) {
	h := newHub()
	tr, _, _ := newTestTransport(t, h, "alice")

	assert.False(t, tr.handOff(context.Background(), newTestConn()))
}

func TestLoopbackTouchExchange(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback in short mode")
	}

	h := newHub()
	alice, _, _ := newTestTransport(t, h, "alice")
	bob, _, _ := newTestTransport(t, h, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	accepted := make(chan session.Conn, 1)
	go func() {
		conn, err := bob.ListenForIncoming(ctx)
		if err == nil {
			accepted <- conn
		}
	}()
	require.Eventually(t, bob.listening, time.Second, 5*time.Millisecond)

	out, err := alice.InitiateConnection(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", out.RemoteID())

	var in session.Conn
	select {
	case in = <-accepted:
	case <-ctx.Done():
		t.Fatal("bob never accepted the connection")
	}
	assert.Equal(t, "alice", in.RemoteID())

	received := make(chan string, 4)
	detach := in.OnData(func(b []byte) { received <- string(b) })
	defer detach()

	closed := make(chan struct{})
	in.OnClose(func() { close(closed) })

	require.NoError(t, out.Send([]byte("touchstart")))
	require.NoError(t, out.Send([]byte("touchend")))

	for _, want := range []string{"touchstart", "touchend"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-ctx.Done():
			t.Fatalf("never received %s", want)
		}
	}

	require.NoError(t, out.Close())
	require.NoError(t, out.Close())

	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("remote close never observed")
	}
}

func newTestConn() *Conn {
	return &Conn{
		logger:        logger.NewNop(),
		dataHandlers:  make(map[uint64]func([]byte)),
		closeHandlers: make(map[uint64]func()),
		closed:        make(chan struct{}),
	}
}

func TestConnDetachStopsDelivery(t *testing.T) {
	c := newTestConn()

	var got []string
	detach := c.OnData(func(b []byte) { got = append(got, string(b)) })
	c.dispatch([]byte("touchstart"))
	detach()
	detach()
	c.dispatch([]byte("touchend"))

	assert.Equal(t, []string{"touchstart"}, got)
}

func TestConnReplaysMessagesReceivedBeforeSubscribe(t *testing.T) {
	c := newTestConn()

	c.dispatch([]byte("touchend"))
	c.dispatch([]byte("touchstart"))

	var got []string
	detach := c.OnData(func(b []byte) { got = append(got, string(b)) })
	defer detach()
	c.dispatch([]byte("touchend"))

	assert.Equal(t, []string{"touchend", "touchstart", "touchend"}, got)
}

func TestConnBacklogIsBounded(t *testing.T) {
	c := newTestConn()
	for i := 0; i < maxBacklog+10; i++ {
		c.dispatch([]byte("touchstart"))
	}

	count := 0
	detach := c.OnData(func([]byte) { count++ })
	defer detach()

	assert.Equal(t, maxBacklog, count)
}

func TestConnCloseHandlersFireOnce(t *testing.T) {
	c := newTestConn()

	calls := 0
	c.OnClose(func() { calls++ })
	c.markClosed()
	c.markClosed()
	assert.Equal(t, 1, calls)

	late := 0
	c.OnClose(func() { late++ })
	assert.Equal(t, 1, late)
}

func TestSendBeforeChannelFails(t *testing.T) {
	c := &Conn{}
	err := c.Send([]byte("touchstart"))
	assert.True(t, errors.Is(err, ErrChannelNotReady))
}
