// Package server accepts client connections over WebSocket, TCP raw
// socket and Unix domain sockets, runs the session handshake and pumps
// established sessions into the router.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wampgate/wampgate/internal/router"
	"github.com/wampgate/wampgate/pkg/auth"
	"github.com/wampgate/wampgate/pkg/handshake"
	"github.com/wampgate/wampgate/pkg/transport"
	"github.com/wampgate/wampgate/pkg/wamp"
)

// Server owns the listeners feeding one router.
type Server struct {
	logger        *slog.Logger
	router        *router.Router
	authenticator auth.ServerAuthenticator

	mu          sync.Mutex
	listeners   []net.Listener
	httpServers []*http.Server
	closed      atomic.Bool
	wg          sync.WaitGroup
}

// New creates a server for the given router. A nil authenticator admits
// everyone anonymously.
func New(r *router.Router, authenticator auth.ServerAuthenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:        logger,
		router:        r,
		authenticator: authenticator,
	}
}

// ListenWebSocket serves WAMP-over-WebSocket on addr under the /ws path.
// It returns once the listener is bound; serving continues in the
// background until Close.
func (s *Server) ListenWebSocket(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen %s: %w", addr, err)
	}
	return l.Addr(), s.serveHTTP(l)
}

// ListenWebSocketUnix serves WAMP-over-WebSocket on a Unix domain socket.
func (s *Server) ListenWebSocketUnix(path string) (net.Addr, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("websocket unix listen %s: %w", path, err)
	}
	return l.Addr(), s.serveHTTP(l)
}

func (s *Server) serveHTTP(l net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.httpServers = append(s.httpServers, srv)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped", "error", err)
		}
	}()
	s.logger.Info("websocket listener started", "addr", l.Addr().String())
	return nil
}

// ListenRawSocket serves the raw-socket transport on a TCP address.
func (s *Server) ListenRawSocket(addr string) (net.Addr, error) {
	return s.listenRawSocket("tcp", addr)
}

// ListenRawSocketUnix serves the raw-socket transport on a Unix domain
// socket.
func (s *Server) ListenRawSocketUnix(path string) (net.Addr, error) {
	return s.listenRawSocket("unix", path)
}

func (s *Server) listenRawSocket(network, addr string) (net.Addr, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("raw socket listen %s %s: %w", network, addr, err)
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				if !s.closed.Load() {
					s.logger.Error("raw socket accept failed", "error", err)
				}
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleRawSocket(conn)
			}()
		}
	}()
	s.logger.Info("raw socket listener started", "addr", l.Addr().String())
	return l.Addr(), nil
}

// ListenMetrics serves the prometheus scrape endpoint on addr under
// /metrics.
func (s *Server) ListenMetrics(addr string, gatherer prometheus.Gatherer) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.httpServers = append(s.httpServers, srv)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()
	s.logger.Info("metrics listener started", "addr", l.Addr().String())
	return l.Addr(), nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	t, serializer, err := transport.UpgradeWebSocket(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.serveConn(t, serializer)
}

func (s *Server) handleRawSocket(conn net.Conn) {
	t, serializer, err := transport.AcceptRawSocket(conn)
	if err != nil {
		s.logger.Warn("raw socket handshake failed", "error", err,
			"remote", conn.RemoteAddr().String())
		conn.Close()
		return
	}
	s.serveConn(t, serializer)
}

// serveConn runs the session handshake and then pumps messages into the
// router until the connection dies.
func (s *Server) serveConn(t transport.Transport, serializer wamp.Serializer) {
	acceptor := handshake.NewAcceptor(serializer, s.authenticator, s.router.HasRealm)

	for {
		data, err := t.Read()
		if err != nil {
			t.Close()
			return
		}
		payload, done, err := acceptor.Receive(data)
		if len(payload) > 0 {
			if werr := t.Write(payload); werr != nil {
				t.Close()
				return
			}
		}
		if err != nil {
			s.logger.Debug("handshake rejected", "error", err)
			t.Close()
			return
		}
		if done {
			break
		}
	}

	details, err := acceptor.SessionDetails()
	if err != nil {
		t.Close()
		return
	}
	base := transport.NewBaseSession(t, serializer, details)
	if err := s.router.AttachClient(base); err != nil {
		s.logger.Warn("attach failed", "error", err)
		t.Close()
		return
	}
	s.logger.Info("session established",
		"session_id", details.SessionID, "realm", details.Realm,
		"authid", details.AuthID, "serializer", serializer.Subprotocol())

	s.pump(base)
}

func (s *Server) pump(base *transport.BaseSession) {
	for {
		msg, err := base.Receive()
		if err != nil {
			s.router.DetachClient(base)
			return
		}
		if err := s.router.ReceiveMessage(base, msg); err != nil {
			s.logger.Warn("protocol violation, aborting session",
				"session_id", base.ID(), "error", err)
			base.Send(&wamp.Abort{Details: map[string]any{"message": err.Error()},
				Reason: wamp.ErrProtocolViolationURI})
			s.router.DetachClient(base)
			return
		}
	}
}

// Close stops all listeners and detaches every session by closing the
// router.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	listeners := s.listeners
	httpServers := s.httpServers
	s.mu.Unlock()

	for _, srv := range httpServers {
		srv.Close()
	}
	for _, l := range listeners {
		l.Close()
	}
	s.router.Close()
	s.wg.Wait()
	return nil
}
