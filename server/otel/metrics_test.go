// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/mqttlab/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumFor(t *testing.T, data metricdata.Aggregation, kv ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)

	want := attribute.NewSet(kv...)
	var total int64
	for _, dp := range sum.DataPoints {
		if len(kv) == 0 || dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestMetricsLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.Notify(events.New(events.TypeComponentStarted, events.Broker))
	m.Notify(events.New(events.TypeComponentStopped, events.Broker))
	m.Notify(events.New(events.TypeStartFailed, events.Publisher))

	got := collect(t, reader)
	data := got["mqttlab.lifecycle.transitions.total"]
	require.NotNil(t, data)
	assert.Equal(t, int64(1), sumFor(t, data,
		attribute.String("component", events.Broker), attribute.String("outcome", "started")))
	assert.Equal(t, int64(1), sumFor(t, data,
		attribute.String("component", events.Publisher), attribute.String("outcome", "start_failed")))

	assert.Equal(t, int64(1), sumFor(t, got["mqttlab.errors.total"]))
}

func TestMetricsAdmission(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.Notify(events.New(events.TypeClientAccepted, events.Broker))
	rejected := events.New(events.TypeClientRejected, events.Broker)
	rejected.Reason = "bad_credentials"
	m.Notify(rejected)
	m.Notify(rejected)

	data := collect(t, reader)["mqttlab.admissions.total"]
	assert.Equal(t, int64(1), sumFor(t, data, attribute.String("decision", "accepted")))
	assert.Equal(t, int64(2), sumFor(t, data, attribute.String("decision", "bad_credentials")))
}

func TestMetricsMessages(t *testing.T) {
	m, reader := newTestMetrics(t)

	ev := events.New(events.TypeMessageReceived, events.Subscriber)
	ev.Payload = []byte("hello")
	ev.QoS = 1
	m.Notify(ev)

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, got["mqttlab.messages.received.total"], attribute.Int("qos", 1)))

	hist, ok := got["mqttlab.message.size.bytes"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, int64(5), hist.DataPoints[0].Sum)
}

func TestMetricsRetainedGauge(t *testing.T) {
	m, reader := newTestMetrics(t)

	ev := events.New(events.TypeRetainedChanged, events.Broker)
	ev.Count = 3
	m.Notify(ev)

	gauge, ok := collect(t, reader)["mqttlab.retained.messages"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(3), gauge.DataPoints[0].Value)

	m.Notify(events.New(events.TypeRetainedCleared, events.Broker))
	gauge = collect(t, reader)["mqttlab.retained.messages"].(metricdata.Gauge[int64])
	assert.Equal(t, int64(0), gauge.DataPoints[0].Value)
}

func TestMetricsPersistenceFailure(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.Notify(events.New(events.TypePersistenceFailure, events.Broker))

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, got["mqttlab.persistence.failures.total"]))
	assert.Equal(t, int64(1), sumFor(t, got["mqttlab.errors.total"],
		attribute.String("type", string(events.TypePersistenceFailure))))
}
