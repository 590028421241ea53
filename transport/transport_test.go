// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/YZ-social/Yz.social/broker"
	"github.com/YZ-social/Yz.social/config"
	"github.com/YZ-social/Yz.social/core"
	wsserver "github.com/YZ-social/Yz.social/server/websocket"
	"github.com/YZ-social/Yz.social/storage"
	"github.com/YZ-social/Yz.social/storage/memory"
	"github.com/YZ-social/Yz.social/testutil"
	"github.com/YZ-social/Yz.social/transport"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 5 * time.Millisecond

type recorder struct {
	mu     sync.Mutex
	msgs   []*core.Message
	closes []error
}

func (r *recorder) handlers() transport.Handlers {
	return transport.Handlers{
		OnMessage: func(m *core.Message) {
			r.mu.Lock()
			r.msgs = append(r.msgs, m)
			r.mu.Unlock()
		},
		OnClose: func(err error) {
			r.mu.Lock()
			r.closes = append(r.closes, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) messages() []*core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*core.Message(nil), r.msgs...)
}

func (r *recorder) closeErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.closes...)
}

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewRetainedStore(storage.RetainedOptions{})
	b := broker.NewBroker(store, broker.Options{}, logger, nil, nil, nil, nil)
	t.Cleanup(func() {
		b.Close()
		store.Close()
	})
	return b
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exercise subscribes over sub, publishes over pub and checks delivery.
func exercise(t *testing.T, b *broker.Broker, tr transport.Transport) {
	t.Helper()
	ctx := context.Background()

	var subRec, pubRec recorder
	sub, err := tr.Open(ctx, subRec.handlers())
	require.NoError(t, err)
	defer sub.Close()
	pub, err := tr.Open(ctx, pubRec.handlers())
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, sub.Send(core.NewSubscribe("s2:7", "me")))
	require.Eventually(t, func() bool { return b.SubscriberCount("s2:7") == 1 }, testutil.WaitTimeout, tick)

	payload := json.RawMessage(`{"msg":"help"}`)
	require.NoError(t, pub.Send(core.NewPublish("s2:7", "alert-1", payload, time.Now())))

	require.Eventually(t, func() bool { return len(subRec.messages()) == 1 }, testutil.WaitTimeout, tick)
	got := subRec.messages()[0]
	assert.Equal(t, "s2:7", got.Topic)
	assert.Equal(t, "alert-1", got.Subject)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.Empty(t, pubRec.messages())
}

func TestLoopbackDelivers(t *testing.T) {
	b := newBroker(t)
	exercise(t, b, transport.NewLoopback(b, discard()))
}

func TestLoopbackLocalClose(t *testing.T) {
	b := newBroker(t)
	tr := transport.NewLoopback(b, discard())

	var rec recorder
	conn, err := tr.Open(context.Background(), rec.handlers())
	require.NoError(t, err)
	require.NoError(t, conn.Send(core.NewSubscribe("s2:1", "me")))
	require.Eventually(t, func() bool { return b.TopicCount() == 1 }, testutil.WaitTimeout, tick)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(rec.closeErrors()) == 1 }, testutil.WaitTimeout, tick)
	assert.NoError(t, rec.closeErrors()[0])
	assert.ErrorIs(t, conn.Send(core.Ping()), transport.ErrClosed)

	require.Eventually(t, func() bool { return b.TopicCount() == 0 }, testutil.WaitTimeout, tick)
}

func TestLoopbackRemoteClose(t *testing.T) {
	b := newBroker(t)
	tr := transport.NewLoopback(b, discard())

	var rec recorder
	_, err := tr.Open(context.Background(), rec.handlers())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.ConnectionCount() == 1 }, testutil.WaitTimeout, tick)

	b.Close()
	require.Eventually(t, func() bool { return len(rec.closeErrors()) == 1 }, testutil.WaitTimeout, tick)
	assert.ErrorIs(t, rec.closeErrors()[0], transport.ErrClosed)
}

func TestLoopbackBackpressure(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	const backlog = 600
	for i := range backlog {
		msg := core.NewPublish("s2:9", fmt.Sprintf("alert-%d", i), json.RawMessage(`1`), time.Now())
		require.NoError(t, b.Publish(ctx, msg))
	}

	// The first delivery holds the reader until the broker has filled the
	// client buffer and is waiting to write more.
	release := make(chan struct{})
	var once sync.Once
	var rec recorder
	h := rec.handlers()
	onMessage := h.OnMessage
	h.OnMessage = func(m *core.Message) {
		once.Do(func() { <-release })
		onMessage(m)
	}

	conn, err := transport.NewLoopback(b, discard()).Open(ctx, h)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Send(core.NewSubscribe("s2:9", "me")))

	require.Eventually(t, func() bool {
		return b.Stats().GetMessagesSent() > 256
	}, testutil.WaitTimeout, tick)
	close(release)

	require.Eventually(t, func() bool { return len(rec.messages()) == backlog }, testutil.WaitTimeout, tick)
	assert.Empty(t, rec.closeErrors())
	assert.Equal(t, 1, b.ConnectionCount())
	assert.Equal(t, uint64(0), b.Stats().GetDeliveryErrors())
}

func TestLoopbackOpenCancelled(t *testing.T) {
	b := newBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := transport.NewLoopback(b, discard()).Open(ctx, transport.Handlers{})
	assert.ErrorIs(t, err, context.Canceled)
}

func newWebSocketRelay(t *testing.T) (*broker.Broker, string) {
	t.Helper()
	b := newBroker(t)
	srv := httptest.NewServer(wsserver.New(wsserver.Config{}, b, nil, discard()))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func TestWebSocketDelivers(t *testing.T) {
	b, url := newWebSocketRelay(t)
	exercise(t, b, transport.NewWebSocket(url, time.Second, discard()))
}

func TestWebSocketRemoteClose(t *testing.T) {
	b, url := newWebSocketRelay(t)
	tr := transport.NewWebSocket(url, time.Second, discard())

	var rec recorder
	conn, err := tr.Open(context.Background(), rec.handlers())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return b.ConnectionCount() == 1 }, testutil.WaitTimeout, tick)

	b.Close()
	require.Eventually(t, func() bool { return len(rec.closeErrors()) == 1 }, testutil.WaitTimeout, tick)
	assert.ErrorIs(t, rec.closeErrors()[0], transport.ErrClosed)
}

func TestWebSocketLocalClose(t *testing.T) {
	_, url := newWebSocketRelay(t)
	tr := transport.NewWebSocket(url, time.Second, discard())

	var rec recorder
	conn, err := tr.Open(context.Background(), rec.handlers())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return len(rec.closeErrors()) == 1 }, testutil.WaitTimeout, tick)
	assert.NoError(t, rec.closeErrors()[0])
	assert.ErrorIs(t, conn.Send(core.Ping()), transport.ErrClosed)
}

func TestWebSocketDialFailure(t *testing.T) {
	tr := transport.NewWebSocket("ws://127.0.0.1:1/", 200*time.Millisecond, discard())
	_, err := tr.Open(context.Background(), transport.Handlers{})
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	b := newBroker(t)

	tr, err := transport.New(config.ClientConfig{Transport: transport.KindLoopback}, b, nil)
	require.NoError(t, err)
	assert.IsType(t, &transport.Loopback{}, tr)

	tr, err = transport.New(config.ClientConfig{URL: "ws://localhost:8080/"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &transport.WebSocket{}, tr)

	_, err = transport.New(config.ClientConfig{Transport: transport.KindLoopback}, nil, nil)
	assert.ErrorIs(t, err, transport.ErrUnknownKind)

	_, err = transport.New(config.ClientConfig{Transport: "carrier-pigeon"}, nil, nil)
	assert.ErrorIs(t, err, transport.ErrUnknownKind)
}
