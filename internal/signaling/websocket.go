package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/callerr"
)

// WSConfig configures the websocket channel.
type WSConfig struct {
	URL          string
	Header       http.Header
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// WSChannel is a signaling channel over one websocket connection. It may
// carry messages for several calls at once.
type WSChannel struct {
	conn   *websocket.Conn
	config WSConfig
	logger *zap.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the signaling relay.
func Dial(ctx context.Context, cfg WSConfig, logger *zap.Logger) (*WSChannel, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.DialTimeout

	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, callerr.New(callerr.Signaling, "dial", fmt.Errorf("websocket dial %s failed: %w", cfg.URL, err))
	}
	return NewWSChannel(conn, cfg, logger), nil
}

// NewWSChannel wraps an established connection.
func NewWSChannel(conn *websocket.Conn, cfg WSConfig, logger *zap.Logger) *WSChannel {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &WSChannel{
		conn:   conn,
		config: cfg,
		logger: logger.Named("signaling"),
		done:   make(chan struct{}),
	}
}

// Send encodes and writes one message. Writes are serialized.
func (c *WSChannel) Send(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return callerr.New(callerr.Signaling, "send", errors.New("channel closed"))
	default:
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return callerr.New(callerr.Signaling, "send", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return callerr.New(callerr.Signaling, "send", fmt.Errorf("failed to write websocket message: %w", err))
	}

	c.logger.Debug("Sent signaling message",
		zap.String("type", string(msg.Type)),
		zap.String("callId", msg.CallID))
	return nil
}

// Run reads frames until the connection closes or ctx is cancelled. Frames
// that fail to decode are logged and dropped; the read loop keeps going.
func (c *WSChannel) Run(ctx context.Context, h Handler) error {
	if c.config.PingInterval > 0 {
		go c.pingLoop(ctx)
	}

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket read failed", zap.Error(err))
				return callerr.New(callerr.Signaling, "read", err)
			}
			return nil
		}

		msg, err := Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed signaling frame", zap.Error(err))
			continue
		}
		h.HandleMessage(ctx, msg)
	}
}

func (c *WSChannel) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("WebSocket ping failed", zap.Error(err))
			}
		}
	}
}

// Close sends a close frame and closes the connection.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
