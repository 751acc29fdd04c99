// Package liveclient is a Go client for the live channel. It authenticates
// on connect, answers heartbeats and reconnects with exponential backoff
// when the socket drops or goes quiet.
package liveclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"copytrade-core/pkg/logger"
)

var ErrNotConnected = errors.New("liveclient: not connected")

// Auth identifies the account to bind the connection to.
type Auth struct {
	AccountID  string `json:"accountId,omitempty"`
	ClientCode string `json:"clientCode,omitempty"`
}

// Message is one server message. Data is left raw for the caller.
type Message struct {
	Type      string          `json:"type"`
	Status    string          `json:"status,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Config struct {
	URL    string
	Header http.Header
	Auth   Auth

	// Every WatchdogInterval the client checks whether anything arrived in
	// the last QuietWindow. MaxMisses consecutive quiet checks force a
	// reconnect.
	WatchdogInterval time.Duration
	QuietWindow      time.Duration
	MaxMisses        int

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Buffer       int
}

type Client struct {
	cfg      Config
	log      *logrus.Entry
	dialer   *websocket.Dialer
	messages chan Message

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn

	lastMessage atomic.Int64
	reconnects  atomic.Int64
}

func New(cfg Config, log *logger.Logger) *Client {
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 10 * time.Second
	}
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = 30 * time.Second
	}
	if cfg.MaxMisses <= 0 {
		cfg.MaxMisses = 3
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	return &Client{
		cfg:      cfg,
		log:      log.WithComponent("liveclient").WithField("url", cfg.URL),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		messages: make(chan Message, cfg.Buffer),
	}
}

// Messages delivers every non-ping server message. It is never closed.
func (c *Client) Messages() <-chan Message { return c.messages }

// Reconnects counts sessions started after the first one.
func (c *Client) Reconnects() int { return int(c.reconnects.Load()) }

// Run keeps a session open until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.reconnects.Add(1)
		}
		authed, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if authed {
			backoff = c.cfg.ReconnectMin
		}
		c.log.WithError(err).WithField("backoff", backoff).Warn("live session ended, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = c.nextBackoff(backoff)
	}
}

// Send writes v as one JSON message on the current connection.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, v)
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

func (c *Client) session(ctx context.Context) (authed bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(2 << 20)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.lastMessage.Store(time.Now().UnixNano())
	auth := c.cfg.Auth
	if err := c.write(conn, struct {
		Type   string `json:"type"`
		Tokens *Auth  `json:"tokens"`
	}{"auth", &auth}); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		// Unblocks ReadMessage.
		_ = conn.SetReadDeadline(time.Now())
	}()
	go c.watchdog(sessCtx, cancel)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if sessCtx.Err() != nil && ctx.Err() == nil {
				return authed, errors.New("connection quiet too long")
			}
			return authed, fmt.Errorf("read: %w", err)
		}
		c.lastMessage.Store(time.Now().UnixNano())

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("malformed live message")
			continue
		}
		switch msg.Type {
		case "ping":
			if err := c.write(conn, map[string]any{"type": "pong", "timestamp": msg.Timestamp}); err != nil {
				return authed, fmt.Errorf("send pong: %w", err)
			}
			continue
		case "auth":
			if msg.Status == "success" {
				authed = true
				c.log.Info("live session authenticated")
			}
		}
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return authed, ctx.Err()
		}
	}
}

// watchdog cancels the session after MaxMisses consecutive quiet checks.
func (c *Client) watchdog(ctx context.Context, kill context.CancelFunc) {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			quiet := time.Since(time.Unix(0, c.lastMessage.Load()))
			if quiet < c.cfg.QuietWindow {
				misses = 0
				continue
			}
			misses++
			if misses >= c.cfg.MaxMisses {
				c.log.WithField("quiet", quiet).Warn("no live traffic, dropping connection")
				kill()
				return
			}
		}
	}
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > c.cfg.ReconnectMax {
		return c.cfg.ReconnectMax
	}
	return next
}
