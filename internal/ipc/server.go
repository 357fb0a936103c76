package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"argosd/internal/logging"
)

// Handler processes decoded control frames.
type Handler interface {
	// Handle processes a request and returns the response frame.
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// ServerConfig configures the control socket.
type ServerConfig struct {
	// SocketPath is the unix socket the daemon listens on.
	SocketPath string

	// ReadTimeout is the idle time before a keepalive ping is sent.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// MaxConnections caps concurrent clients.
	MaxConnections int
}

// DefaultServerConfig returns server defaults under runtimeDir.
func DefaultServerConfig(runtimeDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(runtimeDir, "argosd.sock"),
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 16,
	}
}

// Server accepts control connections and dispatches frames to a Handler.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextID atomic.Uint32
}

// NewServer creates a control server. The handler receives every frame
// the server does not answer itself (ping/pong are handled in place).
func NewServer(cfg ServerConfig, handler Handler, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default().Component("ipc")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     log,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	dir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := cleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.log.Info("control socket listening", "path", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and all client connections.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for control connections to drain")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket the server listens on.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if err := verifyPeer(conn); err != nil {
			s.log.Warn("rejecting control connection", "error", err)
			conn.Close()
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("control connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Idle client: probe it instead of hanging up.
				if err := s.send(conn, NewMessage(MsgPing, s.nextID.Add(1), nil)); err != nil {
					return
				}
				continue
			}
			s.log.Debug("control read failed", "error", err)
			return
		}

		resp := s.dispatch(msg)
		if resp == nil {
			continue
		}
		if err := s.send(conn, resp); err != nil {
			return
		}
	}
}

// dispatch answers protocol-level frames itself and forwards the rest
// to the handler. A nil return means no response is due.
func (s *Server) dispatch(msg *Message) *Message {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil)
	case MsgPong:
		// Reply to our keepalive probe.
		return nil
	default:
		if s.handler == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrCodeUnavailable, "no handler registered")
		}
		resp, err := s.handler.Handle(s.ctx, msg)
		if err != nil {
			s.log.Error("control request failed", "type", fmt.Sprintf("%#x", uint16(msg.Header.Type)), "error", err)
			return NewErrorMessage(msg.Header.RequestID, ErrCodeInternal, err.Error())
		}
		return resp
	}
}

func (s *Server) send(conn net.Conn, msg *Message) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(conn)
}

// cleanupSocket removes a leftover socket file. Anything else at the
// path is an error rather than something to silently delete.
func cleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("path exists but is not a socket: %s", path)
	}
	return os.Remove(path)
}
