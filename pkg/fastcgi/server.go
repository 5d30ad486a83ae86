package fastcgi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Server accepts FastCGI connections and drives each one with Bind. It is
// the listener-management layer; the per-connection protocol work lives in
// Bind, Conn, and the rest of this package.
type Server struct {
	Handler      Handler
	MaxConns     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *log.Logger
	Capabilities Capabilities
	Metrics      *Metrics

	listener net.Listener

	mu             sync.Mutex
	activeConns    map[net.Conn]struct{}
	defaultHeaders map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a Server with defaults that fit a single-process
// responder: 60s read/write timeouts and a soft connection cap.
func NewServer(handler Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Handler:      handler,
		MaxConns:     1024,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		Logger:       log.Default(),
		Capabilities: Capabilities{MaxConns: 1024, MaxReqs: 1024, MpxsConns: true},
		activeConns:  make(map[net.Conn]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ListenAndServe listens on a TCP address and serves FastCGI connections
// until the server is shut down.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("fastcgi: listen: %w", err)
	}
	s.Logger.Printf("fastcgi: listening on %s", addr)
	return s.Serve(listener)
}

// ListenAndServeUnix listens on a Unix domain socket and serves FastCGI
// connections until the server is shut down.
func (s *Server) ListenAndServeUnix(socketPath string) error {
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("fastcgi: listen on unix socket: %w", err)
	}
	s.Logger.Printf("fastcgi: listening on unix:%s", socketPath)
	return s.Serve(listener)
}

// Serve accepts connections from listener, applying the configured
// MaxConns cap, and drives each accepted connection with Bind in its own
// goroutine. It blocks until the listener is closed or Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	defer listener.Close()

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		netConn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				s.Logger.Printf("fastcgi: accept error: %v", err)
				continue
			}
		}

		s.mu.Lock()
		if len(s.activeConns) >= s.MaxConns {
			s.mu.Unlock()
			netConn.Close()
			s.Logger.Printf("fastcgi: max connections reached, rejecting connection from %s", netConn.RemoteAddr())
			continue
		}
		s.activeConns[netConn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(netConn)
	}
}

func (s *Server) serveConn(netConn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.activeConns, netConn)
		s.mu.Unlock()
		netConn.Close()
	}()

	if tc, ok := netConn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}

	conn := NewConn(netConn)
	conn.SetTimeouts(s.ReadTimeout, s.WriteTimeout)
	err := Bind(s.ctx, conn, s.Handler,
		WithLogger(s.Logger),
		WithCapabilities(s.Capabilities),
		WithMetrics(s.Metrics),
		WithDefaultHeaders(s.DefaultHeaders()),
	)
	if err != nil && err != ErrConnClosed {
		s.Logger.Printf("fastcgi: connection from %s: %v", netConn.RemoteAddr(), err)
	}
}

// SetDefaultHeaders replaces the response headers every new request on this
// server starts with (on top of the built-in X-Powered-By). Safe to call
// while the server is running; connections accepted afterwards pick up the
// new set.
func (s *Server) SetDefaultHeaders(headers map[string]string) {
	copied := make(map[string]string, len(headers))
	for name, value := range headers {
		copied[name] = value
	}
	s.mu.Lock()
	s.defaultHeaders = copied
	s.mu.Unlock()
}

// DefaultHeaders returns the current default response header set.
func (s *Server) DefaultHeaders() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultHeaders
}

// Shutdown stops accepting new connections and waits for in-flight
// connections to finish, or for ctx to be done, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.activeConns {
			conn.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}
