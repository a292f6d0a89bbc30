package cli

import (
	"context"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-touch/internal/identity"
	"github.com/rudransh-shrivastava/peer-touch/internal/logger"
	"github.com/rudransh-shrivastava/peer-touch/internal/session"
	"github.com/rudransh-shrivastava/peer-touch/internal/tracker"
	"github.com/rudransh-shrivastava/peer-touch/internal/transport/webrtc"
	"github.com/stretchr/testify/require"
)

// network is a tracker plus any number of running peer sessions.
type network struct {
	t       *testing.T
	tracker *tracker.Server
	ctx     context.Context
	cancel  context.CancelFunc
}

func newNetwork(t *testing.T) *network {
	t.Helper()

	srv, err := tracker.NewServer(tracker.Config{
		Addr:   "127.0.0.1:0",
		Logger: logger.NewNop(),
	})
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	done := make(chan struct{})
	go func() {
		_ = srv.Start(ctx)
		close(done)
	}()

	n := &network{t: t, tracker: srv, ctx: ctx, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func (n *network) newPeer(preferred string) *session.Session {
	n.t.Helper()

	log := logger.NewNop()
	signaler := tracker.NewClient("ws://"+n.tracker.Addr()+"/ws", log)
	tr := webrtc.New(signaler, webrtc.Configuration(nil), log)

	sess, err := session.New(session.Options{
		Transport:      tr,
		Store:          identity.NewMemoryStore(preferred),
		Logger:         log,
		ConnectTimeout: 15 * time.Second,
	})
	if err != nil {
		n.t.Fatalf("Failed to create session: %v", err)
	}

	ctx, cancel := context.WithCancel(n.ctx)
	go func() { _ = sess.Run(ctx) }()
	n.t.Cleanup(func() {
		cancel()
		<-sess.Done()
		_ = tr.Close()
	})
	return sess
}

func eventually(t *testing.T, sess *session.Session, cond func(session.Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(sess.Snapshot()) }, 20*time.Second, 20*time.Millisecond)
}

func TestPeersTouchThroughTracker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC network test in short mode")
	}

	n := newNetwork(t)
	alice := n.newPeer("alice")
	bob := n.newPeer("bob")

	waiting := func(s session.Snapshot) bool { return s.State.IsWaiting() }
	eventually(t, alice, waiting)
	eventually(t, bob, waiting)
	require.Equal(t, "alice", alice.Snapshot().Identity)

	require.NoError(t, alice.ConnectTo("bob"))

	connected := func(s session.Snapshot) bool { return s.State.Phase == session.PhaseConnected }
	eventually(t, alice, connected)
	eventually(t, bob, connected)
	require.Equal(t, "alice", bob.Snapshot().PeerID)

	require.NoError(t, alice.TouchStart())
	eventually(t, bob, func(s session.Snapshot) bool { return s.State.Receive == session.Touched })

	require.NoError(t, alice.TouchEnd())
	eventually(t, bob, func(s session.Snapshot) bool { return s.State.Receive == session.Untouched })
}
