package webrtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// maxBacklog bounds the messages held for a data handler that has not
// subscribed yet.
const maxBacklog = 64

var ErrChannelNotReady = errors.New("data channel not ready")

// Conn is an established peer link backed by a single data channel.
type Conn struct {
	peerID string
	pc     *webrtc.PeerConnection
	logger logrus.FieldLogger

	// dispatchMu orders backlog replay ahead of newer messages.
	dispatchMu    sync.Mutex
	mu            sync.Mutex
	dc            *webrtc.DataChannel
	nextID        uint64
	dataHandlers  map[uint64]func([]byte)
	closeHandlers map[uint64]func()
	subscribed    bool
	backlog       [][]byte

	opened    chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	pcOnce    sync.Once
	pcErr     error
}

func newConn(peerID string, pc *webrtc.PeerConnection, logger logrus.FieldLogger) *Conn {
	c := &Conn{
		peerID:        peerID,
		pc:            pc,
		logger:        logger.WithField("peer", peerID),
		dataHandlers:  make(map[uint64]func([]byte)),
		closeHandlers: make(map[uint64]func()),
		opened:        make(chan struct{}),
		closed:        make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debugf("Peer connection state has changed: %s", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			c.markClosed()
		}
	})

	return c
}

func (c *Conn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.logger.Debugf("Data channel '%s' open", dc.Label())
		c.openOnce.Do(func() { close(c.opened) })
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.dispatch(msg.Data)
	})

	dc.OnError(func(err error) {
		c.logger.Warnf("Data channel error: %v", err)
	})

	dc.OnClose(func() {
		c.logger.Debugf("Data channel '%s' closed", dc.Label())
		c.markClosed()
	})
}

func (c *Conn) RemoteID() string {
	return c.peerID
}

// Send writes payload as a text message, the framing browser peers expect.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return ErrChannelNotReady
	}
	return dc.SendText(string(payload))
}

// OnData registers handler for received messages. Messages that arrived
// before the first handler was registered are replayed to it in order.
func (c *Conn) OnData(handler func([]byte)) func() {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.dataHandlers[id] = handler
	backlog := c.backlog
	c.backlog = nil
	c.subscribed = true
	c.mu.Unlock()

	for _, payload := range backlog {
		handler(payload)
	}

	return c.detacher(func() { delete(c.dataHandlers, id) })
}

// OnClose runs handler once when the link goes down. A handler registered
// after the link closed runs immediately.
func (c *Conn) OnClose(handler func()) func() {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		handler()
		return func() {}
	default:
	}
	id := c.nextID
	c.nextID++
	c.closeHandlers[id] = handler
	c.mu.Unlock()

	return c.detacher(func() { delete(c.closeHandlers, id) })
}

func (c *Conn) detacher(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			remove()
			c.mu.Unlock()
		})
	}
}

func (c *Conn) dispatch(payload []byte) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if !c.subscribed {
		if len(c.backlog) < maxBacklog {
			c.backlog = append(c.backlog, append([]byte(nil), payload...))
		} else {
			c.logger.Warn("Dropping message, backlog full")
		}
		c.mu.Unlock()
		return
	}
	handlers := make([]func([]byte), 0, len(c.dataHandlers))
	for _, h := range c.dataHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		handlers := make([]func(), 0, len(c.closeHandlers))
		for id, h := range c.closeHandlers {
			handlers = append(handlers, h)
			delete(c.closeHandlers, id)
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h()
		}
	})
}

// Close tears down the data channel and peer connection. Repeated calls
// return the first result.
func (c *Conn) Close() error {
	c.pcOnce.Do(func() {
		c.mu.Lock()
		dc := c.dc
		c.mu.Unlock()

		if dc != nil {
			_ = dc.Close()
		}
		c.pcErr = c.pc.Close()
	})
	c.markClosed()
	return c.pcErr
}
