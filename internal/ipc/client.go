package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Client-side errors.
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// ClientConfig configures a control client.
type ClientConfig struct {
	// SocketPath is the daemon's unix control socket.
	SocketPath string

	// ConnectTimeout bounds the dial.
	ConnectTimeout time.Duration

	// RequestTimeout bounds a single request/response round trip.
	RequestTimeout time.Duration
}

// DefaultClientConfig returns client defaults under runtimeDir.
func DefaultClientConfig(runtimeDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(runtimeDir, "argosd.sock"),
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Client is a control connection to a running daemon.
type Client struct {
	cfg ClientConfig

	mu        sync.RWMutex
	conn      net.Conn
	connected atomic.Bool

	// writeMu serializes frame writes: responses to server keepalive
	// pings come from the read loop while requests come from callers.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message
	nextID    atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client. Connect must be called before use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		pending: make(map[uint32]chan *Message),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the daemon's control socket.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.cfg.SocketPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) close() {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	// Fail any in-flight requests.
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer c.close()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg *Message) {
	if msg.Header.Type == MsgPing {
		// Server keepalive probe.
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[msg.Header.RequestID]
	c.pendingMu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (c *Client) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

func (c *Client) request(msgType MessageType, payload any) (*Message, error) {
	return c.requestWithTimeout(msgType, payload, c.cfg.RequestTimeout)
}

func (c *Client) requestWithTimeout(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextID.Add(1)
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(NewMessage(msgType, reqID, data)); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// responseError maps an error frame to a Go error, nil otherwise.
func responseError(resp *Message) error {
	if resp.Header.Type != MsgError {
		return nil
	}
	var er ErrorResponse
	if err := Decode(resp.Payload, &er); err != nil {
		return errors.New("daemon returned an undecodable error")
	}
	return fmt.Errorf("daemon error: %s", er.Message)
}

// Ping checks that the daemon is responsive.
func (c *Client) Ping() error {
	resp, err := c.requestWithTimeout(MsgPing, nil, 5*time.Second)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response type: %#x", uint16(resp.Header.Type))
	}
	return nil
}

// Status fetches the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.request(MsgStatus, nil)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}

	var status StatusResponse
	if err := Decode(resp.Payload, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Recent fetches the newest journal entries.
func (c *Client) Recent(limit int, alertsOnly bool) (*RecentResponse, error) {
	req := &RecentRequest{Limit: limit, AlertsOnly: alertsOnly}
	resp, err := c.request(MsgRecent, req)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}

	var recent RecentResponse
	if err := Decode(resp.Payload, &recent); err != nil {
		return nil, err
	}
	return &recent, nil
}

// GetThreshold fetches the active alert threshold.
func (c *Client) GetThreshold() (float64, error) {
	resp, err := c.request(MsgThresholdGet, nil)
	if err != nil {
		return 0, err
	}
	if err := responseError(resp); err != nil {
		return 0, err
	}

	var result ThresholdGetResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return 0, err
	}
	return result.Threshold, nil
}

// SetThreshold changes the alert threshold on the running daemon.
func (c *Client) SetThreshold(threshold float64) (*ThresholdSetResponse, error) {
	req := &ThresholdSetRequest{Threshold: threshold}
	resp, err := c.request(MsgThresholdSet, req)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}

	var result ThresholdSetResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pause suspends window evaluation on the daemon.
func (c *Client) Pause() (*PauseResponse, error) {
	resp, err := c.request(MsgPause, nil)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}

	var result PauseResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Resume restarts window evaluation on the daemon.
func (c *Client) Resume() (*ResumeResponse, error) {
	resp, err := c.request(MsgResume, nil)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}

	var result ResumeResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
