package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-touch/internal/transport"
	"github.com/sirupsen/logrus"
)

const registerTimeout = 10 * time.Second

var (
	ErrNotRegistered     = errors.New("not registered with tracker")
	ErrAlreadyRegistered = errors.New("already registered with tracker")
)

// Client is a transport.Signaler backed by a tracker websocket.
type Client struct {
	url    string
	dialer *websocket.Dialer
	logger logrus.FieldLogger

	mu      sync.Mutex
	writeMu sync.Mutex
	ws      *websocket.Conn
	id      string
	reading bool
	closed  bool

	signals chan transport.Signal
	done    chan struct{}
}

var _ transport.Signaler = (*Client)(nil)

func NewClient(url string, logger logrus.FieldLogger) *Client {
	return &Client{
		url:     url,
		dialer:  websocket.DefaultDialer,
		logger:  logger,
		signals: make(chan transport.Signal, 16),
		done:    make(chan struct{}),
	}
}

// Register dials the tracker and claims preferred. It may be called once.
func (c *Client) Register(ctx context.Context, preferred string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", transport.ErrClosed
	}
	if c.ws != nil {
		c.mu.Unlock()
		return "", ErrAlreadyRegistered
	}
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to dial tracker %s: %w", c.url, err)
	}
	ws.SetReadLimit(maxFrameSize)
	p := &peer{ws: ws}

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	deadline := time.Now().Add(registerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)

	if err := p.write(envelope{Type: frameRegister, ID: preferred}); err != nil {
		_ = ws.Close()
		return "", c.registerErr(ctx, err)
	}

	reply, err := p.read()
	if err != nil {
		_ = ws.Close()
		return "", c.registerErr(ctx, err)
	}
	if reply.Type != frameRegistered || reply.ID == "" {
		_ = ws.Close()
		return "", fmt.Errorf("tracker refused registration: %s", reply.Message)
	}
	_ = ws.SetReadDeadline(time.Time{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return "", transport.ErrClosed
	}
	c.ws = ws
	c.id = reply.ID
	c.reading = true
	c.mu.Unlock()

	go c.readLoop(p)

	c.logger.WithField("peer", reply.ID).Info("Registered with tracker")
	return reply.ID, nil
}

func (c *Client) registerErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("failed to register with tracker: %w", err)
}

func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) SendSignal(ctx context.Context, sig transport.Signal) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return ErrNotRegistered
	}

	data, err := envelope{
		Type:    frameSignal,
		To:      sig.PeerID,
		Kind:    string(sig.Kind),
		Payload: string(sig.Payload),
	}.marshal()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", sig.Kind, sig.PeerID, err)
	}
	return nil
}

func (c *Client) RecvSignal() <-chan transport.Signal {
	return c.signals
}

func (c *Client) readLoop(p *peer) {
	defer close(c.signals)

	for {
		env, err := p.read()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				c.logger.Warnf("Dropping frame from tracker: %v", err)
				continue
			}
			select {
			case <-c.done:
			default:
				c.logger.Warnf("Lost connection to tracker: %v", err)
			}
			return
		}

		var sig transport.Signal
		switch env.Type {
		case frameSignal:
			sig = transport.Signal{PeerID: env.From, Kind: transport.SignalKind(env.Kind), Payload: []byte(env.Payload)}
		case frameError:
			sig = transport.Signal{PeerID: env.To, Kind: transport.SignalError, Payload: []byte(env.Message)}
		default:
			c.logger.Warnf("Unhandled frame type %q from tracker", env.Type)
			continue
		}

		select {
		case c.signals <- sig:
		case <-c.done:
			return
		}
	}
}

// Close disconnects from the tracker. RecvSignal's channel is closed once
// pending signals are abandoned.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	reading := c.reading
	c.mu.Unlock()

	close(c.done)
	if !reading {
		close(c.signals)
		return nil
	}

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return ws.Close()
}
