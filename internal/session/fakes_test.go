package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type openResult struct {
	id  string
	err error
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeTransport hands results to the session through unbuffered channels so
// a test blocks until the session is actually waiting on the operation.
type fakeTransport struct {
	opened   chan openResult
	incoming chan *fakeConn
	outgoing chan dialResult

	// ignoreCancel makes InitiateConnection resolve even after cancellation.
	ignoreCancel bool

	mu               sync.Mutex
	preferred        []string
	initiated        []string
	listenCalls      int
	listenDetached   int
	initiateDetached int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		opened:   make(chan openResult),
		incoming: make(chan *fakeConn),
		outgoing: make(chan dialResult),
	}
}

func (f *fakeTransport) OpenIdentity(ctx context.Context, preferred string) (string, error) {
	f.mu.Lock()
	f.preferred = append(f.preferred, preferred)
	f.mu.Unlock()

	select {
	case r := <-f.opened:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeTransport) ListenForIncoming(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	f.listenCalls++
	f.mu.Unlock()

	select {
	case c := <-f.incoming:
		return c, nil
	case <-ctx.Done():
		f.mu.Lock()
		f.listenDetached++
		f.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) InitiateConnection(ctx context.Context, remoteID string) (Conn, error) {
	f.mu.Lock()
	f.initiated = append(f.initiated, remoteID)
	f.mu.Unlock()

	if f.ignoreCancel {
		r := <-f.outgoing
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	}

	select {
	case r := <-f.outgoing:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		f.mu.Lock()
		f.initiateDetached++
		f.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) counts() (listenCalls, listenDetached, initiateDetached int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listenCalls, f.listenDetached, f.initiateDetached
}

func (f *fakeTransport) preferredCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.preferred...)
}

func (f *fakeTransport) initiatedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.initiated...)
}

func (f *fakeTransport) open(t *testing.T, r openResult) {
	t.Helper()
	select {
	case f.opened <- r:
	case <-time.After(waitTimeout):
		t.Fatal("session never asked to open an identity")
	}
}

func (f *fakeTransport) accept(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case f.incoming <- c:
	case <-time.After(waitTimeout):
		t.Fatal("session never listened for inbound connections")
	}
}

func (f *fakeTransport) dial(t *testing.T, r dialResult) {
	t.Helper()
	select {
	case f.outgoing <- r:
	case <-time.After(waitTimeout):
		t.Fatal("session never initiated an outbound connection")
	}
}

type fakeConn struct {
	remote string

	mu            sync.Mutex
	sent          []string
	dataHandlers  map[int]func([]byte)
	closeHandlers map[int]func()
	nextID        int
	dataDetached  int
	closeDetached int
	closed        int
}

func newFakeConn(remote string) *fakeConn {
	return &fakeConn{
		remote:        remote,
		dataHandlers:  make(map[int]func([]byte)),
		closeHandlers: make(map[int]func()),
	}
}

func (c *fakeConn) RemoteID() string { return c.remote }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(payload))
	return nil
}

func (c *fakeConn) OnData(handler func([]byte)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.dataHandlers[id] = handler
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.dataHandlers, id)
			c.dataDetached++
			c.mu.Unlock()
		})
	}
}

func (c *fakeConn) OnClose(handler func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.closeHandlers[id] = handler
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.closeHandlers, id)
			c.closeDetached++
			c.mu.Unlock()
		})
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) deliver(payload string) {
	c.mu.Lock()
	handlers := make([]func([]byte), 0, len(c.dataHandlers))
	for _, h := range c.dataHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h([]byte(payload))
	}
}

func (c *fakeConn) closeRemote() {
	c.mu.Lock()
	handlers := make([]func(), 0, len(c.closeHandlers))
	for _, h := range c.closeHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (c *fakeConn) sentTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) subscribers() (data, closing int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dataHandlers), len(c.closeHandlers)
}

func (c *fakeConn) detached() (data, closing int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataDetached, c.closeDetached
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitSubscribed blocks until the session listens for data and close.
func (c *fakeConn) waitSubscribed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		data, closing := c.subscribers()
		return data == 1 && closing == 1
	}, waitTimeout, 5*time.Millisecond)
}
