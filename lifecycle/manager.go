// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle runs a single component (the broker or one of the
// clients) as an idempotent Stopped/Running state machine.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mqttlab/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/mqttlab/lifecycle"

// Handle is a live engine instance owned by a Manager.
type Handle interface {
	Close(ctx context.Context) error
}

// Opener brings a component up and returns its handle once it is ready.
// ctx bounds only the opening; the handle outlives it. On error the opener
// must release anything it built.
type Opener func(ctx context.Context) (Handle, error)

// Option configures a Manager.
type Option func(*Manager)

// WithStartTimeout bounds how long Start waits for the opener. Zero, the
// default, waits until the opener returns or Stop is called.
func WithStartTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.startTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTracer sets the tracer used for start and stop spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// Manager owns at most one handle for a named component.
type Manager struct {
	name         string
	open         Opener
	sink         events.Sink
	logger       *slog.Logger
	tracer       trace.Tracer
	startTimeout time.Duration

	state stateManager

	mu      sync.Mutex
	handle  Handle
	cancel  context.CancelFunc
	aborted bool
}

// New creates a stopped manager for the named component.
func New(name string, open Opener, sink events.Sink, opts ...Option) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	m := &Manager{
		name:   name,
		open:   open,
		sink:   sink,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", name))
	return m
}

// Name returns the component name.
func (m *Manager) Name() string {
	return m.name
}

// State returns Stopped or Running.
func (m *Manager) State() State {
	return m.state.get().Observable()
}

// Phase returns the raw state including transient phases.
func (m *Manager) Phase() State {
	return m.state.get()
}

// Running reports whether the component holds a live handle.
func (m *Manager) Running() bool {
	return m.State() == Running
}

// Handle returns the live handle, or nil when the component is not running.
func (m *Manager) Handle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.get() != Running {
		return nil
	}
	return m.handle
}

// Start opens the component. It returns nil without opening anything when the
// component is already running or starting, and ErrStopping while a Stop is
// still closing the handle. On failure the component stays stopped and a
// *StartupError is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.transition(Stopped, Starting) {
		phase := m.state.get()
		m.mu.Unlock()
		if phase == Stopping {
			return ErrStopping
		}
		return nil
	}
	var startCtx context.Context
	var cancel context.CancelFunc
	if m.startTimeout > 0 {
		startCtx, cancel = context.WithTimeout(ctx, m.startTimeout)
	} else {
		startCtx, cancel = context.WithCancel(ctx)
	}
	m.cancel = cancel
	m.aborted = false
	m.mu.Unlock()
	defer cancel()

	spanCtx, span := m.tracer.Start(startCtx, "lifecycle.start",
		trace.WithAttributes(attribute.String("component", m.name)))
	defer span.End()

	started := time.Now()
	h, err := m.open(spanCtx)
	if err == nil && h == nil {
		err = ErrNoHandle
	}

	m.mu.Lock()
	m.cancel = nil
	switch {
	case m.aborted && err == nil:
		err = ErrAborted
	case m.aborted:
		err = fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if err == nil {
		m.handle = h
		m.state.set(Running)
		m.mu.Unlock()

		m.logger.Info("component started", slog.Duration("took", time.Since(started)))
		m.sink.Notify(events.New(events.TypeComponentStarted, m.name))
		return nil
	}
	m.mu.Unlock()

	if h != nil {
		if cerr := h.Close(context.WithoutCancel(ctx)); cerr != nil {
			m.logger.Warn("failed to release partially started component", slog.String("error", cerr.Error()))
		}
	}
	m.state.set(Stopped)

	serr := &StartupError{Component: m.name, Err: err}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Warn("component failed to start", slog.String("error", err.Error()))
	m.sink.Notify(events.Failed(events.TypeStartFailed, m.name, err))
	return serr
}

// Stop closes the component. Stopping a stopped component is a no-op. Stop
// during Start cancels the pending start, which then fails.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state.get() {
	case Starting:
		m.aborted = true
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Unlock()
		m.logger.Info("pending start canceled")
		return nil
	case Running:
		m.state.set(Stopping)
	default:
		m.mu.Unlock()
		return nil
	}
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "lifecycle.stop",
		trace.WithAttributes(attribute.String("component", m.name)))
	defer span.End()

	err := h.Close(ctx)
	m.state.set(Stopped)

	ev := events.New(events.TypeComponentStopped, m.name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev.Error = err.Error()
		m.logger.Warn("component stopped with error", slog.String("error", err.Error()))
		err = fmt.Errorf("%s: %w: %w", m.name, ErrStop, err)
	} else {
		m.logger.Info("component stopped")
	}
	m.sink.Notify(ev)
	return err
}
