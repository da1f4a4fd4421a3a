// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mqttlab/config"
	"github.com/absmach/mqttlab/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu       sync.Mutex
	count    atomic.Int32
	fail     func(attempt int32) error
	payloads [][]byte
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte) error {
	n := m.count.Add(1)
	m.mu.Lock()
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()
	if m.fail != nil {
		return m.fail(n)
	}
	return nil
}

func (m *mockSender) last(t *testing.T) Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.payloads)
	var env Envelope
	require.NoError(t, json.Unmarshal(m.payloads[len(m.payloads)-1], &env))
	return env
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	cfg := config.Default().Webhook
	cfg.Enabled = true
	cfg.Defaults.Retry.InitialInterval = 10 * time.Millisecond
	cfg.Defaults.Retry.MaxInterval = 50 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.Endpoints = endpoints
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewNilSender(t *testing.T) {
	_, err := New(testConfig(), "test", nil, quietLogger())
	assert.ErrorIs(t, err, ErrNoSender)
}

func TestNotifyDelivers(t *testing.T) {
	sender := &mockSender{}
	n, err := New(testConfig(config.WebhookEndpoint{Name: "ops", URL: "http://example.invalid"}), "lab", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	ev := events.New(events.TypeComponentStarted, events.Broker)
	n.Notify(ev)

	assert.Eventually(t, func() bool { return sender.count.Load() == 1 }, time.Second, 10*time.Millisecond)
	env := sender.last(t)
	assert.Equal(t, "lab", env.Source)
	assert.Equal(t, ev.ID, env.Event.ID)
	assert.Equal(t, events.TypeComponentStarted, env.Event.Type)
}

func TestNotifyStripsPayload(t *testing.T) {
	sender := &mockSender{}
	n, err := New(testConfig(config.WebhookEndpoint{Name: "ops", URL: "http://example.invalid"}), "lab", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	ev := events.New(events.TypeMessageReceived, events.Subscriber)
	ev.Topic = "demo/x"
	ev.Payload = []byte("secret")
	n.Notify(ev)

	assert.Eventually(t, func() bool { return sender.count.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, sender.last(t).Event.Payload)
}

func TestNotifyEventTypeFilter(t *testing.T) {
	sender := &mockSender{}
	ep := config.WebhookEndpoint{
		Name:   "failures",
		URL:    "http://example.invalid",
		Events: []string{string(events.TypeStartFailed)},
	}
	n, err := New(testConfig(ep), "lab", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Notify(events.New(events.TypeComponentStarted, events.Broker))
	n.Notify(events.Failed(events.TypeStartFailed, events.Broker, errors.New("bind")))

	assert.Eventually(t, func() bool { return sender.count.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, sender.count.Load())
	assert.Equal(t, events.TypeStartFailed, sender.last(t).Event.Type)
}

func TestNotifyTopicFilter(t *testing.T) {
	sender := &mockSender{}
	ep := config.WebhookEndpoint{
		Name:         "demo",
		URL:          "http://example.invalid",
		TopicFilters: []string{"demo/#"},
	}
	n, err := New(testConfig(ep), "lab", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	other := events.New(events.TypeMessagePublished, events.Publisher)
	other.Topic = "other/x"
	n.Notify(other)

	match := events.New(events.TypeMessagePublished, events.Publisher)
	match.Topic = "demo/x"
	n.Notify(match)

	// Events without a topic pass topic filters.
	n.Notify(events.New(events.TypeComponentStopped, events.Publisher))

	assert.Eventually(t, func() bool { return sender.count.Load() == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, sender.count.Load())
}

func TestRetry(t *testing.T) {
	sender := &mockSender{fail: func(n int32) error {
		if n < 3 {
			return errors.New("unavailable")
		}
		return nil
	}}
	n, err := New(testConfig(config.WebhookEndpoint{Name: "ops", URL: "http://example.invalid"}), "lab", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Notify(events.New(events.TypeComponentStarted, events.Broker))

	assert.Eventually(t, func() bool { return sender.count.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 3, sender.count.Load(), "no attempts after success")
}

func TestRetryGivesUp(t *testing.T) {
	sender := &mockSender{fail: func(int32) error { return errors.New("down") }}
	n, err := New(testConfig(config.WebhookEndpoint{Name: "ops", URL: "http://example.invalid"}), "lab", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Notify(events.New(events.TypeComponentStarted, events.Broker))

	assert.Eventually(t, func() bool { return sender.count.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 3, sender.count.Load())
}

func TestNotifyAfterClose(t *testing.T) {
	sender := &mockSender{}
	n, err := New(testConfig(config.WebhookEndpoint{Name: "ops", URL: "http://example.invalid"}), "lab", sender, quietLogger())
	require.NoError(t, err)
	require.NoError(t, n.Close())

	n.Notify(events.New(events.TypeComponentStarted, events.Broker))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, sender.count.Load())
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, 2*time.Second, retryDelay(1, cfg))
	assert.Equal(t, 4*time.Second, retryDelay(2, cfg))
	assert.Equal(t, 5*time.Second, retryDelay(3, cfg))
}

func TestHTTPSender(t *testing.T) {
	var gotAgent, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewHTTPSender()
	err := s.Send(context.Background(), srv.URL+"/ok", map[string]string{"Authorization": "Bearer t"}, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, UserAgent, gotAgent)
	assert.Equal(t, "Bearer t", gotAuth)
	assert.Equal(t, `{"a":1}`, gotBody)

	err = s.Send(context.Background(), srv.URL+"/fail", nil, []byte(`{}`))
	assert.ErrorContains(t, err, "500")
}
