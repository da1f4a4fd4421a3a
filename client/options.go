// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Default values.
const (
	DefaultKeepAlive         = 5 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultDisconnectQuiesce = 250 * time.Millisecond
	DefaultProtocolVersion   = 4
)

// Options configures a client connection.
type Options struct {
	Host            string
	Port            int
	ClientID        string
	Username        string
	Password        string
	KeepAlive       time.Duration
	ConnectTimeout  time.Duration
	CleanSession    bool
	ProtocolVersion uint // 3 for MQTT 3.1, 4 for MQTT 3.1.1

	// DisconnectQuiesce is how long Close waits for in-flight work.
	DisconnectQuiesce time.Duration

	Logger *slog.Logger
}

// NewOptions creates Options with the demo defaults.
func NewOptions() Options {
	return Options{
		Host:              "localhost",
		Port:              1883,
		KeepAlive:         DefaultKeepAlive,
		ConnectTimeout:    DefaultConnectTimeout,
		CleanSession:      true,
		ProtocolVersion:   DefaultProtocolVersion,
		DisconnectQuiesce: DefaultDisconnectQuiesce,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Host == "" {
		return ErrNoHost
	}
	if o.Port < 1 || o.Port > 65535 {
		return ErrInvalidPort
	}
	if o.ClientID == "" {
		return ErrEmptyClientID
	}
	if o.ProtocolVersion != 3 && o.ProtocolVersion != 4 {
		return ErrInvalidProtocol
	}
	return nil
}

// BrokerURL returns the tcp:// URL of the broker.
func (o Options) BrokerURL() string {
	return "tcp://" + net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// pahoOptions builds engine options. Handlers are attached by Connect.
func (o Options) pahoOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(o.BrokerURL())
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetCleanSession(o.CleanSession)
	opts.SetProtocolVersion(o.ProtocolVersion)

	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)

	// The first attempt must succeed or fail on its own; drops after that
	// are retried by the engine.
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	return opts
}

func (o Options) quiesce() uint {
	q := o.DisconnectQuiesce
	if q < 0 {
		q = 0
	}
	return uint(q / time.Millisecond)
}

func (o Options) String() string {
	return fmt.Sprintf("%s@%s", o.ClientID, o.BrokerURL())
}
