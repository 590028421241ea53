// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"github.com/goccy/go-json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/YZ-social/Yz.social/broker"
	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/storage"
	"github.com/YZ-social/Yz.social/storage/memory"
	"github.com/YZ-social/Yz.social/testutil"
)

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	mock := testutil.NewMockClock()
	store := memory.NewRetainedStore(storage.RetainedOptions{Clock: mock})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.NewBroker(store, broker.Options{Clock: mock}, logger, nil, nil, nil, nil)
	t.Cleanup(func() {
		b.Close()
		store.Close()
	})
	return b
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, newBroker(t), slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, newBroker(t), slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		expectedBody   HealthResponse
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "PUT request not allowed",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response.Status != tt.expectedBody.Status {
					t.Errorf("expected status %q, got %q", tt.expectedBody.Status, response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	closed := newBroker(t)
	closed.Close()

	tests := []struct {
		name           string
		broker         *broker.Broker
		method         string
		expectedStatus int
		expectedReady  bool
		expectedReason string
	}{
		{
			name:           "broker nil - not ready",
			broker:         nil,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "broker not initialized",
		},
		{
			name:           "broker running - ready",
			broker:         newBroker(t),
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "broker closed - not ready",
			broker:         closed,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "broker shutting down",
		},
		{
			name:           "POST request not allowed",
			broker:         newBroker(t),
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.broker, slog.Default())

			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK || tt.expectedStatus == http.StatusServiceUnavailable {
				var response ReadyResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if tt.expectedReady && response.Status != "ready" {
					t.Errorf("expected ready status, got %q", response.Status)
				}

				if !tt.expectedReady && response.Status != "not_ready" {
					t.Errorf("expected not_ready status, got %q", response.Status)
				}

				if tt.expectedReason != "" && response.Details != tt.expectedReason {
					t.Errorf("expected details %q, got %q", tt.expectedReason, response.Details)
				}
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	b := newBroker(t)
	conn := testutil.NewConn()
	go b.HandleConnection(context.Background(), conn)

	deadline := time.Now().Add(testutil.WaitTimeout)
	for b.ConnectionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := b.Subscribe(context.Background(), conn.ID(), "s2:1", "id"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	msg := core.NewPublish("s2:1", "a", json.RawMessage(`{"msg":"help"}`), testutil.Epoch)
	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	server := New(Config{NodeID: "relay-1"}, b, slog.Default())
	req := httptest.NewRequest(http.MethodGet, "http://test/stats", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var response StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.NodeID != "relay-1" {
		t.Errorf("expected node ID relay-1, got %q", response.NodeID)
	}
	if response.Connections != 1 {
		t.Errorf("expected 1 connection, got %d", response.Connections)
	}
	if response.Topics != 1 {
		t.Errorf("expected 1 topic, got %d", response.Topics)
	}
	if response.Stats.RetainedMessages != 1 {
		t.Errorf("expected 1 retained message, got %d", response.Stats.RetainedMessages)
	}
	if response.Stats.PublishReceived != 1 {
		t.Errorf("expected 1 publication, got %d", response.Stats.PublishReceived)
	}
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, newBroker(t), slog.Default())

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "/health", handler: server.handleHealth},
		{name: "/ready", handler: server.handleReady},
		{name: "/stats", handler: server.handleStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+tt.name, nil)
			rec := httptest.NewRecorder()

			tt.handler(rec, req)

			contentType := rec.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", contentType)
			}

			body, err := io.ReadAll(rec.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}

			var data map[string]interface{}
			if err := json.Unmarshal(body, &data); err != nil {
				t.Errorf("response is not valid JSON: %v", err)
			}
		})
	}
}

func TestListenShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, newBroker(t), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("server did not stop")
	}
}
