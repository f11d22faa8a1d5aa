package bybit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSClient handles the public WebSocket connection to Bybit and message routing.
type WSClient struct {
	url     string
	topics  []string
	timeout time.Duration
	handler func([]byte)
	logger  *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSClient creates a new WebSocket client for the given topics.
func NewWSClient(url string, topics []string, timeout time.Duration, logger *zap.Logger) *WSClient {
	return &WSClient{
		url:     url,
		topics:  topics,
		timeout: timeout,
		logger:  logger,
	}
}

// SetMessageHandler sets the function to handle incoming messages.
func (c *WSClient) SetMessageHandler(h func([]byte)) {
	c.handler = h
}

// Connect dials the server and subscribes to the configured topics.
// It does not start the listener.
func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.logger.Error("Failed to connect to WebSocket", zap.String("url", c.url), zap.Error(err))
		return err
	}

	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": c.topics,
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		_ = conn.Close()
		return fmt.Errorf("websocket subscribe failed: %w", err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.logger.Info("WebSocket connected", zap.String("url", c.url), zap.Int("topics", len(c.topics)))
	return nil
}

// Listen reads messages until ctx is cancelled, reconnecting on read errors.
func (c *WSClient) Listen(ctx context.Context) {
	// unblock ReadMessage when the engine shuts down
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("WebSocket read error", zap.Error(err))
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// reconnect retries until it succeeds or ctx ends.
func (c *WSClient) reconnect(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(3 * time.Second):
		}
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("Retrying reconnect...", zap.Error(err))
			continue
		}
		c.logger.Info("Reconnected successfully")
		return true
	}
}

// Close closes the current connection, if any.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
