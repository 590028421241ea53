// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/YZ-social/Yz.social/core"
	"github.com/google/uuid"
)

const loopbackBuffer = 256

// Loopback connects to an in-process broker without a network.
type Loopback struct {
	handler ConnectionHandler
	logger  *slog.Logger
}

var _ Transport = (*Loopback)(nil)

// NewLoopback returns a transport whose connections are served by handler.
func NewLoopback(handler ConnectionHandler, logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{handler: handler, logger: logger}
}

// Open attaches a new connection to the broker.
func (l *Loopback) Open(ctx context.Context, h Handlers) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &pipe{
		id:       uuid.NewString(),
		handlers: h,
		inbox:    make(chan struct{}, 1),
		toClient: make(chan []byte, loopbackBuffer),
		done:     make(chan struct{}),
		logger:   l.logger,
	}
	go p.deliver()
	go func() {
		if err := l.handler.HandleConnection(context.Background(), (*pipeEnd)(p)); err != nil {
			l.logger.Debug("loopback_connection_ended",
				slog.String("connection_id", p.id),
				slog.String("error", err.Error()))
		}
	}()
	return p, nil
}

// pipe is the client end of a loopback connection. Frames towards the broker
// are queued without bound so that Send never waits on the broker, which may
// itself be waiting for the client to consume its writes.
type pipe struct {
	id       string
	handlers Handlers
	inbox    chan struct{}
	toClient chan []byte
	logger   *slog.Logger

	mu       sync.Mutex
	toBroker [][]byte
	closed   bool
	local    bool
	done     chan struct{}
}

func (p *pipe) Send(msg *core.Message) error {
	frame, err := core.Encode(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.toBroker = append(p.toBroker, frame)
	p.mu.Unlock()

	select {
	case p.inbox <- struct{}{}:
	default:
	}
	return nil
}

// next pops the oldest frame queued for the broker.
func (p *pipe) next() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.toBroker) == 0 {
		return nil, false
	}
	frame := p.toBroker[0]
	p.toBroker[0] = nil
	p.toBroker = p.toBroker[1:]
	return frame, true
}

func (p *pipe) Close() error {
	p.shutdown(true)
	return nil
}

func (p *pipe) shutdown(local bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.local = local
	p.toBroker = nil
	close(p.done)
}

func (p *pipe) closedLocally() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// deliver hands frames written by the broker to OnMessage, then reports the
// close.
func (p *pipe) deliver() {
	for {
		select {
		case frame := <-p.toClient:
			p.dispatch(frame)
		case <-p.done:
			local := p.closedLocally()
			if !local {
				p.drain()
			}
			if p.handlers.OnClose != nil {
				if local {
					p.handlers.OnClose(nil)
				} else {
					p.handlers.OnClose(ErrClosed)
				}
			}
			return
		}
	}
}

func (p *pipe) drain() {
	for {
		select {
		case frame := <-p.toClient:
			p.dispatch(frame)
		default:
			return
		}
	}
}

func (p *pipe) dispatch(frame []byte) {
	msg, err := core.Decode(frame)
	if err != nil {
		p.logger.Warn("transport_message_dropped", slog.String("error", err.Error()))
		return
	}
	if msg.IsHeartbeat() || p.handlers.OnMessage == nil {
		return
	}
	p.handlers.OnMessage(msg)
}

// pipeEnd is the broker end of a loopback connection.
type pipeEnd pipe

var _ core.Connection = (*pipeEnd)(nil)

func (e *pipeEnd) ID() string         { return e.id }
func (e *pipeEnd) RemoteAddr() string { return "loopback" }

func (e *pipeEnd) ReadMessage() ([]byte, error) {
	for {
		if frame, ok := (*pipe)(e).next(); ok {
			return frame, nil
		}
		select {
		case <-e.inbox:
		case <-e.done:
			return nil, core.ErrConnectionClosed
		}
	}
}

// WriteMessage waits until the client has room for the frame.
func (e *pipeEnd) WriteMessage(frame []byte) error {
	select {
	case <-e.done:
		return core.ErrConnectionClosed
	default:
	}
	select {
	case e.toClient <- append([]byte(nil), frame...):
		return nil
	case <-e.done:
		return core.ErrConnectionClosed
	}
}

func (e *pipeEnd) Ping() error {
	select {
	case <-e.done:
		return core.ErrConnectionClosed
	default:
		return nil
	}
}

func (e *pipeEnd) Close() error {
	(*pipe)(e).shutdown(false)
	return nil
}
