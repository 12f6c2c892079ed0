// Package daemon runs next to the private target: it holds the outbound
// tunnel connection and replays inbound requests against the target.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/matst80/wsrelay/internal/auth"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
)

// State is the tunnel client's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var ErrClosed = errors.New("tunnel client closed")

const writeWait = 10 * time.Second

// Config describes one tunnel client.
type Config struct {
	ListenerURL string
	Secret      string

	// Reconnect re-dials with exponential backoff after the connection drops.
	// Authentication failures are never retried.
	Reconnect        bool
	MaxRetryInterval time.Duration
	MaxRetries       int // 0 = unlimited

	Dialer *websocket.Dialer
	Now    func() time.Time
}

// Client owns the outbound connection and dispatches inbound requests to an Egress.
type Client struct {
	cfg    Config
	egress *Egress
	log    *obs.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func New(cfg Config, egress *Egress) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			HandshakeTimeout: 45 * time.Second,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	return &Client{
		cfg:    cfg,
		egress: egress,
		log:    obs.Named("tunnel"),
		closed: make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.log.Debug("tunnel.state", obs.Fields{"from": c.state.String(), "to": s.String()})
	c.state = s
}

// Connect signs the listener URL for the current time and opens the connection.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.setState(StateConnecting)
	signed, err := auth.SignURL(c.cfg.ListenerURL, c.cfg.Secret, c.cfg.Now())
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.log.Info("tunnel.connecting", obs.Fields{"url": c.cfg.ListenerURL})
	conn, _, err := c.cfg.Dialer.DialContext(ctx, signed, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial listener: %w", err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()
	c.log.Info("tunnel.open", nil)
	return nil
}

// Serve dispatches frames from the open connection until it fails or the
// client is closed. Each request is handled concurrently.
func (c *Client) Serve(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		select {
		case <-c.closed:
			return ErrClosed
		default:
		}
		return errors.New("tunnel not connected")
	}

	ctx, cancel := context.WithCancel(ctx)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn)
			select {
			case <-c.closed:
				return ErrClosed
			default:
			}
			c.log.Warn("tunnel.closed", obs.Fields{"err": err.Error()})
			return err
		}
		if mt != websocket.TextMessage {
			continue
		}
		env, err := proto.Decode(data)
		if err != nil {
			c.log.Error("tunnel.frame.decode", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("frame_decode").Inc()
			continue
		}
		switch env.Type {
		case proto.TypeConnected:
			c.log.Info("tunnel.established", nil)
		case proto.TypeHTTPRequest:
			req, err := env.Request()
			if err != nil {
				c.log.Error("tunnel.request.decode", obs.Fields{"err": err.Error(), "id": env.ID})
				obs.ErrorsTotal.WithLabelValues("request_decode").Inc()
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				resp := c.egress.Handle(ctx, req)
				if err := c.send(conn, resp); err != nil {
					c.log.Error("tunnel.response.send", obs.Fields{"err": err.Error(), "id": req.ID})
				}
			}()
		default:
			c.log.Warn("tunnel.frame.unknown", obs.Fields{"type": string(env.Type)})
		}
	}
}

func (c *Client) send(conn *websocket.Conn, v any) error {
	b, err := proto.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

// Run connects and serves until ctx is done or Close is called. Without
// Reconnect it makes exactly one attempt.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: c.cfg.MaxRetryInterval, Factor: 2, Jitter: true}
	for {
		err := c.Connect(ctx)
		if err == nil {
			b.Reset()
			err = c.Serve(ctx)
		}
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if !c.cfg.Reconnect || isAuthRejection(err) {
			c.Close()
			return err
		}
		attempt := int(b.Attempt())
		if c.cfg.MaxRetries > 0 && attempt >= c.cfg.MaxRetries {
			c.Close()
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		d := b.Duration()
		c.log.Info("tunnel.retry", obs.Fields{"err": err.Error(), "attempt": attempt + 1, "wait": d.String()})
		select {
		case <-c.closed:
			return nil
		case <-time.After(d):
		}
	}
}

func isAuthRejection(err error) bool {
	return websocket.IsCloseError(err, websocket.ClosePolicyViolation)
}

// Close terminates the connection. It is idempotent and safe to call from a
// signal handler while Run is active.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		close(c.closed)
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		c.log.Info("tunnel.shutdown", nil)
	})
	return nil
}
