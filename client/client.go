// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client wraps the paho MQTT client for the publisher and
// subscriber roles, reporting connection state and messages as events.
package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/mqttlab/events"
	"github.com/absmach/mqttlab/storage"
	"github.com/absmach/mqttlab/topics"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

// Client is a connected MQTT client. Engine callbacks are forwarded to the
// sink until Close begins.
type Client struct {
	name   string
	opts   Options
	client paho.Client
	sink   events.Sink
	logger *slog.Logger

	closed    atomic.Bool
	connects  atomic.Int64
	closeOnce sync.Once

	subMu sync.Mutex
	subs  map[string]byte
}

// Connect dials the broker and returns once the broker accepted the
// connection. name identifies the client in events. Canceling ctx abandons
// the attempt.
func Connect(ctx context.Context, name string, opts Options, sink events.Sink) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		name:   name,
		opts:   opts,
		sink:   sink,
		logger: logger.With(slog.String("component", name), slog.String("client_id", opts.ClientID)),
		subs:   make(map[string]byte),
	}

	po := opts.pahoOptions()
	po.SetOnConnectHandler(func(paho.Client) { c.handleConnect() })
	po.SetConnectionLostHandler(func(_ paho.Client, err error) { c.handleConnectionLost(err) })
	po.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.logger.Debug("reconnecting", slog.String("broker", opts.BrokerURL()))
	})
	po.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) { c.handleMessage(msg) })

	c.client = paho.NewClient(po)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w to %s: %w", ErrConnectFailed, opts.BrokerURL(), err)
	}
	tok := c.client.Connect()
	if err := wait(ctx, tok); err != nil {
		c.closed.Store(true)
		if ctx.Err() != nil {
			// The engine may still complete the handshake; drop it when it does.
			go func() {
				<-tok.Done()
				if c.client.IsConnected() {
					c.client.Disconnect(0)
				}
			}()
		}
		return nil, fmt.Errorf("%w to %s: %w", ErrConnectFailed, opts.BrokerURL(), err)
	}

	c.logger.Info("client connected", slog.String("broker", opts.BrokerURL()))
	return c, nil
}

// Name returns the client's role name.
func (c *Client) Name() string {
	return c.name
}

// ClientID returns the MQTT client identifier.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return !c.closed.Load() && c.client.IsConnectionOpen()
}

// Publish sends msg and waits for the broker's acknowledgment when QoS > 0.
// Nothing is queued: while the engine is reconnecting Publish fails with
// ErrNotConnected.
func (c *Client) Publish(ctx context.Context, msg storage.Message) error {
	if err := topics.ValidateName(msg.Topic); err != nil {
		return err
	}
	if !msg.QoS.Valid() {
		return ErrInvalidQoS
	}
	if err := c.ready(); err != nil {
		return err
	}

	tok := c.client.Publish(msg.Topic, byte(msg.QoS), msg.Retain, msg.Payload)
	if err := wait(ctx, tok); err != nil {
		return fmt.Errorf("%w on %s: %w", ErrPublishFailed, msg.Topic, err)
	}

	ev := events.New(events.TypeMessagePublished, c.name)
	ev.ClientID = c.opts.ClientID
	ev.Topic = msg.Topic
	ev.Payload = bytes.Clone(msg.Payload)
	ev.QoS = byte(msg.QoS)
	ev.Retain = msg.Retain
	c.sink.Notify(ev)
	return nil
}

// Subscribe subscribes to filter. Matching messages, including retained
// ones, are reported as message.received events. The subscription is
// restored after a reconnect.
func (c *Client) Subscribe(ctx context.Context, filter string, qos storage.QoS) error {
	if err := topics.ValidateFilter(filter); err != nil {
		return err
	}
	if !qos.Valid() {
		return ErrInvalidQoS
	}
	if err := c.ready(); err != nil {
		return err
	}

	tok := c.client.Subscribe(filter, byte(qos), nil)
	if err := wait(ctx, tok); err != nil {
		return fmt.Errorf("%w on %s: %w", ErrSubscribeFailed, filter, err)
	}
	if st, ok := tok.(*paho.SubscribeToken); ok {
		if code, ok := st.Result()[filter]; ok && code == subackFailure {
			return fmt.Errorf("%w on %s: refused by broker", ErrSubscribeFailed, filter)
		}
	}

	c.subMu.Lock()
	c.subs[filter] = byte(qos)
	c.subMu.Unlock()

	ev := events.New(events.TypeClientSubscribed, c.name)
	ev.ClientID = c.opts.ClientID
	ev.Topic = filter
	ev.QoS = byte(qos)
	c.sink.Notify(ev)
	return nil
}

// Close disconnects from the broker. Callbacks that race with Close are
// dropped. Close is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.client.Disconnect(c.opts.quiesce())
		c.logger.Info("client disconnected")
	})
	return nil
}

func (c *Client) ready() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) handleConnect() {
	defer c.guard("OnConnect")

	if c.closed.Load() {
		return
	}
	n := c.connects.Add(1)
	ev := events.New(events.TypeClientConnected, c.name)
	ev.ClientID = c.opts.ClientID
	if n > 1 {
		ev.Message = "reconnected"
		c.restoreSubscriptions()
	}
	c.sink.Notify(ev)
}

func (c *Client) restoreSubscriptions() {
	c.subMu.Lock()
	subs := make(map[string]byte, len(c.subs))
	for f, q := range c.subs {
		subs[f] = q
	}
	c.subMu.Unlock()

	if len(subs) == 0 {
		return
	}
	// Result is reported asynchronously; failures surface as missing messages.
	c.client.SubscribeMultiple(subs, nil)
}

func (c *Client) handleConnectionLost(err error) {
	defer c.guard("ConnectionLost")

	if c.closed.Load() {
		return
	}
	c.logger.Warn("connection lost", slog.Any("error", err))
	c.sink.Notify(events.Failed(events.TypeClientDisconnected, c.name, err))
}

func (c *Client) handleMessage(msg paho.Message) {
	defer c.guard("message")

	if c.closed.Load() {
		return
	}
	ev := events.New(events.TypeMessageReceived, c.name)
	ev.ClientID = c.opts.ClientID
	ev.Topic = msg.Topic()
	ev.Payload = bytes.Clone(msg.Payload())
	ev.QoS = msg.Qos()
	ev.Retain = msg.Retained()
	c.sink.Notify(ev)
}

func (c *Client) guard(callback string) {
	if r := recover(); r != nil {
		c.logger.Error("client callback panic recovered",
			slog.String("callback", callback),
			slog.Any("panic", r))
	}
}

// wait blocks until tok completes or ctx is done.
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
