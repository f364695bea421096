// Package extbus is a websocket client for the external message bus. Frames are
// JSON objects {"subject": ..., "data": ...}; the server may send frames back,
// which are drained to keep the connection state current.
package extbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-fleet/internal/shared"
)

// ErrNotConnected is returned by Publish while no connection is established.
var ErrNotConnected = errors.New("extbus: not connected")

// Frame is the wire envelope for one published message.
type Frame struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type Options struct {
	// Token, when set, is sent as a bearer Authorization header.
	Token string
	// ReconnectMin and ReconnectMax bound the redial backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Client keeps one websocket connection open and redials when it drops.
type Client struct {
	url    string
	opts   Options
	logger *slog.Logger

	connected atomic.Bool

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func New(url string, opts Options) *Client {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{url: url, opts: opts, logger: logger.With("component", "extbus")}
}

// Dial connects once and starts the read and redial loop. It fails if the first
// connection attempt fails.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	c := New(url, opts)
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.start(conn)
	return c, nil
}

// Start connects in the background; the client reports disconnected until the
// first dial succeeds.
func (c *Client) Start() {
	c.start(nil)
}

func (c *Client) start(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		if conn != nil {
			_ = conn.CloseNow()
		}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, conn)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if c.opts.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.opts.Token}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("extbus dial %s: %w", shared.RedactURL(c.url), err)
	}
	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	backoff := c.opts.ReconnectMin
	for {
		if conn == nil {
			var err error
			conn, err = c.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("extbus dial failed", "error", err, "retry_in", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, c.opts.ReconnectMax)
				continue
			}
		}
		backoff = c.opts.ReconnectMin
		c.setConn(conn)
		c.logger.Info("extbus connected", "url", shared.RedactURL(c.url))

		err := c.drain(ctx, conn)
		c.setConn(nil)
		_ = conn.CloseNow()
		conn = nil
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("extbus connection lost", "error", err)
	}
}

// drain reads until the connection fails. Incoming frames are logged at debug.
func (c *Client) drain(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		c.logger.Debug("extbus frame received", "subject", f.Subject)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(conn != nil)
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Publish writes one frame. data must be valid JSON.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if !json.Valid(data) {
		return fmt.Errorf("extbus publish %s: payload is not valid JSON", subject)
	}
	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, Frame{Subject: subject, Data: data}); err != nil {
		return fmt.Errorf("extbus publish %s: %w", subject, err)
	}
	return nil
}

// Close stops redialing and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	cancel()
	<-done
	c.connected.Store(false)
	return err
}
