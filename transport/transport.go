// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport connects the client library to a relay. A Transport opens
// a persistent bidirectional channel of wire messages; reconnection is left
// to the caller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/YZ-social/Yz.social/config"
	"github.com/YZ-social/Yz.social/core"
)

// Transport kinds accepted by New.
const (
	KindWebSocket = "websocket"
	KindLoopback  = "loopback"
)

var (
	// ErrClosed is returned by Send on a closed connection and wrapped in the
	// error passed to OnClose when the remote side went away.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownKind is returned by New for an unsupported transport kind.
	ErrUnknownKind = errors.New("unknown transport kind")
)

// Handlers receive the events of one connection. OnMessage is called from a
// single goroutine in arrival order. OnClose is called exactly once: with a
// nil error after a local Close, otherwise with an error wrapping ErrClosed.
type Handlers struct {
	OnMessage func(*core.Message)
	OnClose   func(error)
}

// Conn is an open connection.
type Conn interface {
	// Send writes msg. It is safe for concurrent use.
	Send(msg *core.Message) error
	Close() error
}

// Transport opens connections.
type Transport interface {
	Open(ctx context.Context, h Handlers) (Conn, error)
}

// ConnectionHandler serves broker side connections; *broker.Broker
// implements it.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn core.Connection) error
}

// New returns the transport selected by cfg. The loopback kind requires a
// non-nil handler.
func New(cfg config.ClientConfig, handler ConnectionHandler, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case "", KindWebSocket:
		return NewWebSocket(cfg.URL, cfg.DialTimeout, logger), nil
	case KindLoopback:
		if handler == nil {
			return nil, fmt.Errorf("%w: loopback needs a broker", ErrUnknownKind)
		}
		return NewLoopback(handler, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Transport)
	}
}

func closedError(err error) error {
	if err == nil || errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

const defaultDialTimeout = 10 * time.Second
