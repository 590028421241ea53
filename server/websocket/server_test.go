// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"github.com/goccy/go-json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/YZ-social/Yz.social/broker"
	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/storage"
	"github.com/YZ-social/Yz.social/storage/memory"
	"github.com/YZ-social/Yz.social/testutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyAll struct{}

func (denyAll) AllowConnection(string) bool { return false }

func newTestServer(t *testing.T, cfg Config, limiter ConnectionLimiter) (*httptest.Server, *broker.Broker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewRetainedStore(storage.RetainedOptions{})
	b := broker.NewBroker(store, broker.Options{}, logger, nil, nil, nil, nil)

	srv := httptest.NewServer(New(cfg, b, limiter, logger))
	t.Cleanup(func() {
		b.Close()
		srv.Close()
		store.Close()
	})
	return srv, b
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg *core.Message) {
	t.Helper()
	frame, err := core.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func receive(t *testing.T, ws *websocket.Conn) *core.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(testutil.WaitTimeout)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := core.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestPublishSubscribeOverWebSocket(t *testing.T) {
	srv, b := newTestServer(t, Config{}, nil)

	sub := dial(t, srv)
	send(t, sub, core.NewSubscribe("s2:42", "sub-1"))
	send(t, sub, core.Ping())
	assert.Equal(t, core.MethodPong, receive(t, sub).Method)
	require.Equal(t, 1, b.SubscriberCount("s2:42"))

	pub := dial(t, srv)
	send(t, pub, core.NewPublish("s2:42", "alert", json.RawMessage(`{"msg":"help"}`), time.Now()))

	got := receive(t, sub)
	assert.Equal(t, core.TypePublish, got.Type)
	assert.Equal(t, "alert", got.Subject)
	assert.JSONEq(t, `{"msg":"help"}`, string(got.Payload))

	// A later subscriber gets the retained publication.
	late := dial(t, srv)
	send(t, late, core.NewSubscribe("s2:42", "late"))
	assert.Equal(t, "alert", receive(t, late).Subject)
}

func TestCloseCleansUpRegistrations(t *testing.T) {
	srv, b := newTestServer(t, Config{}, nil)

	ws := dial(t, srv)
	send(t, ws, core.NewSubscribe("s2:1", "a"))
	send(t, ws, core.NewSubscribe("s2:2", "a"))
	send(t, ws, core.Ping())
	receive(t, ws)
	require.Equal(t, 2, b.TopicCount())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		return b.ConnectionCount() == 0 && b.TopicCount() == 0
	}, testutil.WaitTimeout, 5*time.Millisecond)
	assert.Equal(t, uint64(1), b.Stats().GetDisconnections())
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	srv, b := newTestServer(t, Config{}, nil)

	ws := dial(t, srv)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, ws, core.Ping())
	assert.Equal(t, core.MethodPong, receive(t, ws).Method)
	assert.Equal(t, uint64(1), b.Stats().GetProtocolErrors())
}

func TestAllowedOrigins(t *testing.T) {
	srv, _ := newTestServer(t, Config{AllowedOrigins: []string{"https://yz.social"}}, nil)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://yz.social"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	ws.Close()
}

func TestConnectionRateLimited(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, denyAll{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
