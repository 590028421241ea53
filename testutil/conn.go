// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YZ-social/Yz.social/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// WaitTimeout bounds every Eventually in broker and client tests.
const WaitTimeout = 2 * time.Second

// Conn is an in-memory core.Connection. Frames pushed with Send are read by
// the broker; frames the broker writes are recorded.
type Conn struct {
	id     string
	remote string
	in     chan []byte

	mu       sync.Mutex
	out      [][]byte
	pings    int
	pingErr  error
	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn returns an open connection with a random ID.
func NewConn() *Conn {
	return &Conn{
		id:     uuid.NewString(),
		remote: "127.0.0.1:50000",
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remote }

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, core.ErrConnectionClosed
	default:
	}
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, core.ErrConnectionClosed
	}
}

func (c *Conn) WriteMessage(frame []byte) error {
	if c.IsClosed() {
		return core.ErrConnectionClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.out = append(c.out, append([]byte(nil), frame...))
	return nil
}

func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingErr != nil {
		return c.pingErr
	}
	c.pings++
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// FailPings makes every following Ping fail.
func (c *Conn) FailPings() {
	c.mu.Lock()
	c.pingErr = errors.New("ping failed")
	c.mu.Unlock()
}

// FailWrites makes every following WriteMessage fail.
func (c *Conn) FailWrites() {
	c.mu.Lock()
	c.writeErr = errors.New("write failed")
	c.mu.Unlock()
}

// Pings returns the number of successful pings.
func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Send encodes msg and queues it for the reader.
func (c *Conn) Send(t *testing.T, msg *core.Message) {
	t.Helper()
	frame, err := core.Encode(msg)
	require.NoError(t, err)
	c.SendRaw(t, frame)
}

// SendRaw queues a raw frame for the reader.
func (c *Conn) SendRaw(t *testing.T, frame []byte) {
	t.Helper()
	select {
	case c.in <- frame:
	case <-c.closed:
		t.Fatalf("send on closed connection %s", c.id)
	case <-time.After(WaitTimeout):
		t.Fatalf("send to %s timed out", c.id)
	}
}

// Messages decodes every frame written so far.
func (c *Conn) Messages() []*core.Message {
	c.mu.Lock()
	frames := append([][]byte(nil), c.out...)
	c.mu.Unlock()

	msgs := make([]*core.Message, 0, len(frames))
	for _, f := range frames {
		if m, err := core.Decode(f); err == nil {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// Publications returns the written publications, heartbeats excluded.
func (c *Conn) Publications() []*core.Message {
	var pubs []*core.Message
	for _, m := range c.Messages() {
		if m.Type == core.TypePublish {
			pubs = append(pubs, m)
		}
	}
	return pubs
}

// WaitPublications waits until n publications were written and returns
// them. It fails if more arrived.
func (c *Conn) WaitPublications(t *testing.T, n int) []*core.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.Publications()) >= n
	}, WaitTimeout, 5*time.Millisecond)
	pubs := c.Publications()
	require.Len(t, pubs, n)
	return pubs
}

// Pongs returns the number of pong replies written.
func (c *Conn) Pongs() int {
	n := 0
	for _, m := range c.Messages() {
		if m.Method == core.MethodPong {
			n++
		}
	}
	return n
}

// Flush sends a ping and waits for its pong, so every frame sent before it
// has been handled.
func (c *Conn) Flush(t *testing.T) {
	t.Helper()
	want := c.Pongs() + 1
	c.Send(t, core.Ping())
	require.Eventually(t, func() bool {
		return c.Pongs() >= want
	}, WaitTimeout, 5*time.Millisecond)
}
