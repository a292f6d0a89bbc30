// Package tracker implements the rendezvous server peers register with and
// relay connection offers through, plus the matching websocket client.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	maxFrameSize = 64 * 1024
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Config struct {
	Addr   string
	Logger logrus.FieldLogger
}

type Server struct {
	config   Config
	logger   logrus.FieldLogger
	store    *Store
	metrics  *metrics
	registry *prometheus.Registry
	listener net.Listener
	http     *http.Server
}

func NewServer(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		config:   cfg,
		logger:   logger,
		store:    NewStore(),
		metrics:  newMetrics(registry),
		registry: registry,
		listener: ln,
	}
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWebsocket)

	return r
}

// Start serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("Tracker server started")

	errc := make(chan error, 1)
	go func() {
		errc <- s.http.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		if err := s.Shutdown(); err != nil {
			s.logger.Warnf("Shutdown failed: %v", err)
		}
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down tracker server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.http.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	_ = s.listener.Close()
	// Hijacked websocket connections outlive http.Server.Shutdown.
	for _, p := range s.store.all() {
		_ = p.close()
	}
	return err
}

// peer is one websocket connection. Writes are serialised; reads happen on
// the handler goroutine only.
type peer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peer) write(env envelope) error {
	data, err := env.marshal()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (p *peer) read() (envelope, error) {
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		return envelope{}, err
	}
	return unmarshalEnvelope(data)
}

func (p *peer) close() error {
	return p.ws.Close()
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithField("remote", r.RemoteAddr).Warnf("Websocket upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	p := &peer{ws: ws}
	defer func() { _ = p.close() }()

	first, err := p.read()
	if err != nil {
		s.logger.WithField("remote", r.RemoteAddr).Debugf("Failed to read register frame: %v", err)
		return
	}
	if first.Type != frameRegister {
		_ = p.write(envelope{Type: frameError, Message: "first frame must be register"})
		return
	}

	id := s.store.Register(first.ID, p)
	s.metrics.peers.Set(float64(s.store.Len()))
	log := s.logger.WithField("peer", id)
	log.Info("Peer registered")

	defer func() {
		if s.store.Unregister(id, p) {
			s.metrics.peers.Set(float64(s.store.Len()))
		}
		log.Info("Peer disconnected")
	}()

	if err := p.write(envelope{Type: frameRegistered, ID: id}); err != nil {
		log.Warnf("Failed to acknowledge registration: %v", err)
		return
	}

	for {
		env, err := p.read()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				log.Warnf("Dropping frame: %v", err)
				continue
			}
			log.Debugf("Failed to receive frame: %v", err)
			return
		}

		switch env.Type {
		case frameSignal:
			s.relay(log, id, p, env)
		default:
			log.Warnf("Unhandled frame type %q", env.Type)
		}
	}
}

func (s *Server) relay(log logrus.FieldLogger, from string, sender *peer, env envelope) {
	fail := func(reason string) {
		s.metrics.failed.Inc()
		if err := sender.write(envelope{Type: frameError, To: env.To, Message: reason}); err != nil {
			log.Warnf("Failed to report relay failure: %v", err)
		}
	}

	target, ok := s.store.Lookup(env.To)
	if !ok {
		log.WithField("to", env.To).Debug("Signal for unknown peer")
		fail("peer unavailable")
		return
	}

	if err := target.write(envelope{Type: frameSignal, From: from, Kind: env.Kind, Payload: env.Payload}); err != nil {
		log.WithField("to", env.To).Warnf("Failed to relay signal: %v", err)
		fail("delivery failed")
		return
	}
	s.metrics.relayed.Inc()
}
