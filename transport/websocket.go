// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YZ-social/Yz.social/core"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebSocket dials a relay over WebSocket.
type WebSocket struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket returns a transport dialing url.
func NewWebSocket(url string, dialTimeout time.Duration, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &WebSocket{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
		logger: logger,
	}
}

// Open dials the relay and starts reading.
func (t *WebSocket) Open(ctx context.Context, h Handlers) (Conn, error) {
	ws, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	c := &wsConn{ws: ws, handlers: h, logger: t.logger}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	handlers Handlers
	logger   *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			local := c.closed.Swap(true)
			c.ws.Close()
			if c.handlers.OnClose == nil {
				return
			}
			if local {
				c.handlers.OnClose(nil)
			} else {
				c.handlers.OnClose(closedError(err))
			}
			return
		}

		msg, err := core.Decode(data)
		if err != nil {
			c.logger.Warn("transport_message_dropped", slog.String("error", err.Error()))
			continue
		}
		if msg.IsHeartbeat() || c.handlers.OnMessage == nil {
			continue
		}
		c.handlers.OnMessage(msg)
	}
}

func (c *wsConn) Send(msg *core.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	frame, err := core.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return closedError(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return closedError(err)
	}
	return nil
}

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
