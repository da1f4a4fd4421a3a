// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker runs the embedded MQTT broker: a mochi-mqtt server guarded
// by the admission gate whose retained messages survive restarts.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/mqttlab/admission"
	"github.com/absmach/mqttlab/events"
	"github.com/absmach/mqttlab/ratelimit"
	"github.com/absmach/mqttlab/storage"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
)

const listenerID = "tcp"

// Config holds everything needed to open a broker.
type Config struct {
	// Address is the TCP listen address, e.g. ":1883".
	Address string
	Gate    admission.Gate
	Store   storage.RetainedStore
	Sink    events.Sink
	Limiter *ratelimit.Manager
	Logger  *slog.Logger
}

// Broker is a running broker instance. It is single use: once closed it
// cannot be served again.
type Broker struct {
	server   *mqtt.Server
	listener *listeners.TCP
	hook     *hook
	retained *RetainedSet
	sink     events.Sink
	logger   *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open loads the retained set, binds the listener and starts serving. It
// returns once the broker accepts connections.
func Open(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", events.Broker))

	retained := NewRetainedSet(cfg.Store, cfg.Store.Load())
	logger.Info("retained messages loaded", slog.Int("count", retained.Len()))

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       logger,
	})

	h := &hook{
		server:   server,
		gate:     cfg.Gate,
		limiter:  cfg.Limiter,
		retained: retained,
		sink:     cfg.Sink,
		logger:   logger,
	}
	if err := server.AddHook(h, nil); err != nil {
		return nil, fmt.Errorf("failed to add admission hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: listenerID, Address: cfg.Address})
	if err := server.AddListener(tcp); err != nil {
		server.Close()
		return nil, fmt.Errorf("%w on %s: %w", ErrListen, cfg.Address, err)
	}

	if err := ctx.Err(); err != nil {
		server.Close()
		return nil, err
	}

	if err := server.Serve(); err != nil {
		server.Close()
		return nil, fmt.Errorf("%w: %w", ErrServe, err)
	}

	logger.Info("broker listening", slog.String("address", tcp.Address()))

	return &Broker{
		server:   server,
		listener: tcp,
		hook:     h,
		retained: retained,
		sink:     cfg.Sink,
		logger:   logger,
	}, nil
}

// Addr returns the bound listen address.
func (b *Broker) Addr() string {
	return b.listener.Address()
}

// Retained returns a copy of the current retained set.
func (b *Broker) Retained() []storage.Message {
	return b.retained.Snapshot()
}

// ClientsConnected returns the number of connected network clients.
func (b *Broker) ClientsConnected() int64 {
	return atomic.LoadInt64(&b.server.Info.ClientsConnected)
}

// ClearRetained drops every retained message from the engine and removes the
// durable representation.
func (b *Broker) ClearRetained() error {
	if b.closed.Load() {
		return ErrClosed
	}

	topics := b.retained.Topics()
	var errs []error
	for _, topic := range topics {
		if err := b.server.Publish(topic, []byte{}, true, 0); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear retained %q: %w", topic, err))
		}
	}
	if err := b.retained.Clear(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	ev := events.New(events.TypeRetainedCleared, events.Broker)
	ev.Count = len(topics)
	b.sink.Notify(ev)
	return nil
}

// Close stops the engine and saves the retained set one last time. Callbacks
// racing with Close no longer emit events. Close is idempotent.
func (b *Broker) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.hook.quiet.Store(true)

		var errs []error
		if err := b.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close server: %w", err))
		}
		if err := b.retained.Save(); err != nil {
			errs = append(errs, err)
		}
		b.closeErr = errors.Join(errs...)
		b.logger.Info("broker closed", slog.Int("retained", b.retained.Len()))
	})
	return b.closeErr
}
