// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/mqttlab/supervisor"
)

type mockSource struct {
	running bool
	status  supervisor.Status
}

func (m *mockSource) Status() supervisor.Status { return m.status }
func (m *mockSource) BrokerRunning() bool       { return m.running }

func newTestServer(src Source) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, src, logger)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&mockSource{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", resp.Status)
	}
}

func TestHandleHealthMethodNotAllowed(t *testing.T) {
	s := newTestServer(&mockSource{})

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		source     Source
		wantCode   int
		wantStatus string
	}{
		{"broker running", &mockSource{running: true}, http.StatusOK, "ready"},
		{"broker stopped", &mockSource{running: false}, http.StatusServiceUnavailable, "not_ready"},
		{"no source", nil, http.StatusServiceUnavailable, "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.source)

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			var resp ReadyResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Expected status %q, got %q", tt.wantStatus, resp.Status)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	src := &mockSource{status: supervisor.Status{
		Broker:     "running",
		Publisher:  "stopped",
		Subscriber: "running",
		Port:       1883,
		Retained:   2,
	}}
	s := newTestServer(src)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp supervisor.Status
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp != src.status {
		t.Errorf("Expected %+v, got %+v", src.status, resp)
	}
}

func TestListenAndShutdown(t *testing.T) {
	s := newTestServer(&mockSource{running: true})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + s.Addr() + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Listen returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
