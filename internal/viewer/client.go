package viewer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
)

const (
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
	defaultReadTimeout = 90 * time.Second
	controlWriteWait   = 5 * time.Second
)

// ClientOptions tunes a Client. Zero values pick defaults.
type ClientOptions struct {
	Dialer      *websocket.Dialer
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

// Client keeps one websocket connection to the relay open and feeds every
// frame into a Session. It reconnects with exponential backoff.
type Client struct {
	url     string
	session *Session
	dialer  *websocket.Dialer
	logger  *zap.Logger

	minBackoff  time.Duration
	maxBackoff  time.Duration
	readTimeout time.Duration
}

func NewClient(url string, session *Session, opts ClientOptions) *Client {
	c := &Client{
		url:         url,
		session:     session,
		dialer:      opts.Dialer,
		logger:      opts.Logger,
		minBackoff:  opts.MinBackoff,
		maxBackoff:  opts.MaxBackoff,
		readTimeout: opts.ReadTimeout,
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.minBackoff <= 0 {
		c.minBackoff = defaultMinBackoff
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = defaultMaxBackoff
		if c.maxBackoff < c.minBackoff {
			c.maxBackoff = c.minBackoff
		}
	}
	if c.readTimeout <= 0 {
		c.readTimeout = defaultReadTimeout
	}
	return c
}

// Run connects and consumes events until ctx is cancelled, which is the only
// way it returns.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.minBackoff
		}

		c.logger.Warn("relay connection lost, reconnecting",
			zap.String("url", c.url),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// runOnce serves a single connection. connected reports whether the dial
// succeeded.
func (c *Client) runOnce(ctx context.Context) (connected bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	c.session.Connect()
	defer c.session.Disconnect()
	c.logger.Info("connected to relay", zap.String("url", c.url))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlWriteWait))
		_ = conn.Close()
	})
	defer stop()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read frame: %w", err)
		}

		ev, err := relay.Decode(frame)
		if err != nil {
			c.logger.Warn("skipping undecodable frame", zap.Error(err))
			continue
		}
		if err := c.session.Apply(ev); err != nil {
			c.logger.Warn("skipping event", zap.String("kind", string(ev.Kind())), zap.Error(err))
		}
	}
}
