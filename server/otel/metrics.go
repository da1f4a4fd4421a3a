// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/mqttlab/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mqttlab"

var _ events.Sink = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the harness. It records
// every event it is notified of.
type Metrics struct {
	meter metric.Meter

	// Counters
	lifecycleTotal     metric.Int64Counter
	admissionsTotal    metric.Int64Counter
	disconnectsTotal   metric.Int64Counter
	messagesReceived   metric.Int64Counter
	messagesPublished  metric.Int64Counter
	persistenceFailure metric.Int64Counter
	errorsTotal        metric.Int64Counter

	// Gauges
	retainedMessages metric.Int64Gauge

	// Histograms
	messageSize metric.Int64Histogram
}

// NewMetrics creates the instruments on mp, or on the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.lifecycleTotal, err = m.meter.Int64Counter(
		"mqttlab.lifecycle.transitions.total",
		metric.WithDescription("Component lifecycle transitions by component and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycleTotal counter: %w", err)
	}

	m.admissionsTotal, err = m.meter.Int64Counter(
		"mqttlab.admissions.total",
		metric.WithDescription("Broker admission decisions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admissionsTotal counter: %w", err)
	}

	m.disconnectsTotal, err = m.meter.Int64Counter(
		"mqttlab.disconnections.total",
		metric.WithDescription("Client disconnections seen by the broker and the clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnectsTotal counter: %w", err)
	}

	m.messagesReceived, err = m.meter.Int64Counter(
		"mqttlab.messages.received.total",
		metric.WithDescription("Messages delivered to the subscriber"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.messagesPublished, err = m.meter.Int64Counter(
		"mqttlab.messages.published.total",
		metric.WithDescription("Messages published, by component"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.persistenceFailure, err = m.meter.Int64Counter(
		"mqttlab.persistence.failures.total",
		metric.WithDescription("Retained store load, save and clear failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create persistenceFailure counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"mqttlab.errors.total",
		metric.WithDescription("Failure events by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.retainedMessages, err = m.meter.Int64Gauge(
		"mqttlab.retained.messages",
		metric.WithDescription("Number of retained messages held by the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retainedMessages gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"mqttlab.message.size.bytes",
		metric.WithDescription("Received payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	return m, nil
}

// Notify records ev.
func (m *Metrics) Notify(ev events.Event) {
	ctx := context.Background()
	component := attribute.String("component", ev.Component)

	switch ev.Type {
	case events.TypeComponentStarted:
		m.RecordTransition(ev.Component, "started")
	case events.TypeComponentStopped:
		m.RecordTransition(ev.Component, "stopped")
	case events.TypeStartFailed:
		m.RecordTransition(ev.Component, "start_failed")
	case events.TypeClientAccepted:
		m.RecordAdmission("accepted")
	case events.TypeClientRejected:
		m.RecordAdmission(ev.Reason)
	case events.TypeClientLeft, events.TypeClientDisconnected:
		m.disconnectsTotal.Add(ctx, 1, metric.WithAttributes(component))
	case events.TypeMessageReceived:
		m.RecordMessageReceived(ev.QoS, int64(len(ev.Payload)))
	case events.TypeMessagePublished:
		m.messagesPublished.Add(ctx, 1, metric.WithAttributes(component))
	case events.TypeRetainedChanged:
		m.RecordRetained(int64(ev.Count))
	case events.TypeRetainedCleared:
		m.RecordRetained(0)
	case events.TypePersistenceFailure:
		m.persistenceFailure.Add(ctx, 1)
	}

	if ev.Type.Failure() {
		m.RecordError(string(ev.Type))
	}
}

// RecordTransition records a lifecycle transition.
func (m *Metrics) RecordTransition(component, outcome string) {
	m.lifecycleTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("outcome", outcome),
	))
}

// RecordAdmission records a broker admission decision.
func (m *Metrics) RecordAdmission(decision string) {
	m.admissionsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("decision", decision),
	))
}

// RecordMessageReceived records a message delivered to a client.
func (m *Metrics) RecordMessageReceived(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordRetained records the current retained set size.
func (m *Metrics) RecordRetained(count int64) {
	m.retainedMessages.Record(context.Background(), count)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
