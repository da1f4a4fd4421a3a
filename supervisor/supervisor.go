// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the broker, publisher and subscriber lifecycles
// and the operator settings they are started with.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/absmach/mqttlab/admission"
	"github.com/absmach/mqttlab/broker"
	"github.com/absmach/mqttlab/client"
	"github.com/absmach/mqttlab/config"
	"github.com/absmach/mqttlab/events"
	"github.com/absmach/mqttlab/lifecycle"
	"github.com/absmach/mqttlab/ratelimit"
	"github.com/absmach/mqttlab/storage"
)

// Config holds the supervisor dependencies.
type Config struct {
	Broker  config.BrokerConfig
	Clients config.ClientsConfig
	Store   storage.RetainedStore
	Limiter *ratelimit.Manager
	Sink    events.Sink
	Logger  *slog.Logger
}

// Status is a snapshot of the three components.
type Status struct {
	Broker           string `json:"broker"`
	Publisher        string `json:"publisher"`
	Subscriber       string `json:"subscriber"`
	Port             int    `json:"port"`
	Retained         int    `json:"retained"`
	ClientsConnected int64  `json:"clients_connected"`
}

// Supervisor runs the three components. All methods are safe for concurrent
// use.
type Supervisor struct {
	brokerCfg  config.BrokerConfig
	clientsCfg config.ClientsConfig
	store      storage.RetainedStore
	limiter    *ratelimit.Manager
	sink       events.Sink
	logger     *slog.Logger

	mu   sync.Mutex
	port int

	broker     *lifecycle.Manager
	publisher  *lifecycle.Manager
	subscriber *lifecycle.Manager
}

// New creates a supervisor with every component stopped.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Supervisor{
		brokerCfg:  cfg.Broker,
		clientsCfg: cfg.Clients,
		store:      cfg.Store,
		limiter:    cfg.Limiter,
		sink:       cfg.Sink,
		logger:     cfg.Logger.With(slog.String("component", events.Supervisor)),
		port:       cfg.Broker.Port,
	}

	s.broker = lifecycle.New(events.Broker, s.openBroker, cfg.Sink,
		lifecycle.WithStartTimeout(cfg.Broker.StartTimeout),
		lifecycle.WithLogger(cfg.Logger))
	s.publisher = lifecycle.New(events.Publisher, s.clientOpener(events.Publisher, cfg.Clients.Publisher), cfg.Sink,
		lifecycle.WithStartTimeout(cfg.Clients.StartTimeout),
		lifecycle.WithLogger(cfg.Logger))
	s.subscriber = lifecycle.New(events.Subscriber, s.clientOpener(events.Subscriber, cfg.Clients.Subscriber), cfg.Sink,
		lifecycle.WithStartTimeout(cfg.Clients.StartTimeout),
		lifecycle.WithLogger(cfg.Logger))

	return s, nil
}

func (s *Supervisor) openBroker(ctx context.Context) (lifecycle.Handle, error) {
	gate := admission.NewGate(s.brokerCfg.Username, s.brokerCfg.Password)
	gate.MinClientIDLength = s.brokerCfg.MinClientIDLength

	b, err := broker.Open(ctx, broker.Config{
		Address: net.JoinHostPort(s.brokerCfg.Host, strconv.Itoa(s.Port())),
		Gate:    gate,
		Store:   s.store,
		Sink:    s.sink,
		Limiter: s.limiter,
		Logger:  s.logger,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Supervisor) clientOpener(name string, role config.ClientConfig) lifecycle.Opener {
	return func(ctx context.Context) (lifecycle.Handle, error) {
		opts := client.NewOptions()
		opts.Host = s.clientsCfg.Host
		opts.Port = s.Port()
		opts.ClientID = role.ClientID
		opts.Username = s.clientsCfg.Username
		opts.Password = s.clientsCfg.Password
		opts.KeepAlive = s.clientsCfg.KeepAlive
		opts.CleanSession = s.clientsCfg.CleanSession
		opts.ProtocolVersion = s.clientsCfg.ProtocolVersion
		opts.DisconnectQuiesce = s.clientsCfg.DisconnectQuiesce
		opts.Logger = s.logger

		c, err := client.Connect(ctx, name, opts, s.sink)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// StartBroker starts the broker on the configured port.
func (s *Supervisor) StartBroker(ctx context.Context) error {
	return s.broker.Start(ctx)
}

// StopBroker stops the broker. Connected clients see the connection drop.
func (s *Supervisor) StopBroker(ctx context.Context) error {
	return s.broker.Stop(ctx)
}

// StartPublisher connects the publisher client.
func (s *Supervisor) StartPublisher(ctx context.Context) error {
	return s.publisher.Start(ctx)
}

// StopPublisher disconnects the publisher client.
func (s *Supervisor) StopPublisher(ctx context.Context) error {
	return s.publisher.Stop(ctx)
}

// StartSubscriber connects the subscriber client.
func (s *Supervisor) StartSubscriber(ctx context.Context) error {
	return s.subscriber.Start(ctx)
}

// StopSubscriber disconnects the subscriber client.
func (s *Supervisor) StopSubscriber(ctx context.Context) error {
	return s.subscriber.Stop(ctx)
}

// Start starts the named component.
func (s *Supervisor) Start(ctx context.Context, component string) error {
	m, err := s.manager(component)
	if err != nil {
		return err
	}
	return m.Start(ctx)
}

// Stop stops the named component.
func (s *Supervisor) Stop(ctx context.Context, component string) error {
	m, err := s.manager(component)
	if err != nil {
		return err
	}
	return m.Stop(ctx)
}

// State returns the observable state of the named component.
func (s *Supervisor) State(component string) (lifecycle.State, error) {
	m, err := s.manager(component)
	if err != nil {
		return lifecycle.Stopped, err
	}
	return m.State(), nil
}

func (s *Supervisor) manager(component string) (*lifecycle.Manager, error) {
	switch component {
	case events.Broker:
		return s.broker, nil
	case events.Publisher:
		return s.publisher, nil
	case events.Subscriber:
		return s.subscriber, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknown, component)
	}
}

// Publish sends payload to topic from the publisher as a retained QoS 1
// message. The topic is trimmed; the payload is sent as entered.
func (s *Supervisor) Publish(ctx context.Context, topic, payload string) error {
	topic = strings.TrimSpace(topic)

	c, ok := s.publisher.Handle().(*client.Client)
	if !ok {
		return s.failed(events.Publisher, topic, fmt.Errorf("publisher: %w", ErrNotRunning))
	}

	msg := storage.Message{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     storage.AtLeastOnce,
		Retain:  true,
	}
	if err := c.Publish(ctx, msg); err != nil {
		return s.failed(events.Publisher, topic, err)
	}
	return nil
}

// Subscribe subscribes the subscriber to the trimmed topic with QoS 1.
func (s *Supervisor) Subscribe(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)

	c, ok := s.subscriber.Handle().(*client.Client)
	if !ok {
		return s.failed(events.Subscriber, topic, fmt.Errorf("subscriber: %w", ErrNotRunning))
	}
	if err := c.Subscribe(ctx, topic, storage.AtLeastOnce); err != nil {
		return s.failed(events.Subscriber, topic, err)
	}
	return nil
}

// Port returns the broker port clients and the broker use.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// SetPort parses operator text and makes it the new port. Invalid input and
// changes while the broker is running are rejected and the previous port is
// kept.
func (s *Supervisor) SetPort(text string) (int, error) {
	port, err := config.ParsePort(text)
	if err == nil && s.broker.Phase() != lifecycle.Stopped {
		err = ErrBrokerRunning
	}
	if err != nil {
		ev := events.Failed(events.TypeConfigRejected, events.Supervisor, err)
		ev.Message = text
		s.sink.Notify(ev)
		s.logger.Warn("port change rejected", slog.String("input", text), slog.String("error", err.Error()))
		return s.Port(), err
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	s.logger.Info("port changed", slog.Int("port", port))
	return port, nil
}

// ClearRetained drops every retained message. With the broker running the
// engine forgets them too; otherwise only the durable store is cleared.
func (s *Supervisor) ClearRetained() error {
	if b, ok := s.broker.Handle().(*broker.Broker); ok {
		if err := b.ClearRetained(); err != nil {
			s.sink.Notify(events.Failed(events.TypePersistenceFailure, events.Broker, err))
			return err
		}
		return nil
	}

	if err := s.store.Clear(); err != nil {
		err = fmt.Errorf("%w: %w", broker.ErrPersist, err)
		s.sink.Notify(events.Failed(events.TypePersistenceFailure, events.Broker, err))
		return err
	}
	s.sink.Notify(events.New(events.TypeRetainedCleared, events.Broker))
	return nil
}

// Status returns a snapshot of the components.
func (s *Supervisor) Status() Status {
	st := Status{
		Broker:     s.broker.State().String(),
		Publisher:  s.publisher.State().String(),
		Subscriber: s.subscriber.State().String(),
		Port:       s.Port(),
	}
	if b, ok := s.broker.Handle().(*broker.Broker); ok {
		st.Retained = len(b.Retained())
		st.ClientsConnected = b.ClientsConnected()
	}
	return st
}

// BrokerRunning reports whether the broker accepts connections.
func (s *Supervisor) BrokerRunning() bool {
	return s.broker.Running()
}

// Shutdown stops the subscriber, the publisher and the broker, in that
// order, and reports every failure.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var errs []error
	for _, m := range []*lifecycle.Manager{s.subscriber, s.publisher, s.broker} {
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) failed(component, topic string, err error) error {
	ev := events.Failed(events.TypeOperationFailed, component, err)
	ev.Topic = topic
	s.sink.Notify(ev)
	s.logger.Warn("operation failed",
		slog.String("target", component),
		slog.String("topic", topic),
		slog.String("error", err.Error()))
	return err
}
