// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/absmach/mqttlab/admission"
	"github.com/absmach/mqttlab/events"
	"github.com/absmach/mqttlab/ratelimit"
	"github.com/absmach/mqttlab/storage"
	mqtt "github.com/mochi-mqtt/server/v2"
	mstorage "github.com/mochi-mqtt/server/v2/hooks/storage"
	"github.com/mochi-mqtt/server/v2/packets"
)

const hookID = "mqttlab-admission"

// hook connects the engine to the admission gate, the rate limiter, the
// retained set and the event sink.
type hook struct {
	mqtt.HookBase

	server   *mqtt.Server
	gate     admission.Gate
	limiter  *ratelimit.Manager
	retained *RetainedSet
	sink     events.Sink
	logger   *slog.Logger

	// Once set, callbacks stop emitting events.
	quiet atomic.Bool
}

func (h *hook) ID() string {
	return hookID
}

func (h *hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnDisconnect,
		mqtt.OnPublished,
		mqtt.OnRetainMessage,
		mqtt.StoredRetainedMessages,
	}, []byte{b})
}

// OnConnect rejects rate limited hosts and failed admissions with their own
// CONNACK codes. MQTT 5 credential failures are left to OnConnectAuthenticate,
// which the engine answers with "bad user name or password".
func (h *hook) OnConnect(cl *mqtt.Client, pk packets.Packet) (err error) {
	defer h.guard("OnConnect", func() { err = packets.ErrUnspecifiedError })

	v3 := cl.Properties.ProtocolVersion < 5

	if !h.limiter.AllowConnection(cl.Net.Remote) {
		code := packets.ErrServerBusy
		if v3 {
			code = packets.ErrServerUnavailable
		}
		h.reject(cl, pk, code, "connection rate limit exceeded")
		return code
	}

	switch decision := h.gate.Decide(credentials(pk)); {
	case decision == admission.RejectedInvalidClientID:
		h.reject(cl, pk, packets.ErrClientIdentifierNotValid, decision.String())
		return packets.ErrClientIdentifierNotValid
	case decision == admission.RejectedBadCredentials && v3:
		// Sent to 3.x clients as return code 0x04.
		h.reject(cl, pk, packets.ErrMalformedUsernameOrPassword, decision.String())
		return packets.ErrMalformedUsernameOrPassword
	}
	return nil
}

func (h *hook) reject(cl *mqtt.Client, pk packets.Packet, code packets.Code, reason string) {
	if err := h.server.SendConnack(cl, code, false, nil); err != nil {
		h.logger.Debug("failed to send connack", slog.String("remote", cl.Net.Remote), slog.String("error", err.Error()))
	}
	h.rejected(pk, cl.Net.Remote, reason)
}

func (h *hook) rejected(pk packets.Packet, remote, reason string) {
	if h.quiet.Load() {
		return
	}
	ev := events.New(events.TypeClientRejected, events.Broker)
	ev.ClientID = pk.Connect.ClientIdentifier
	ev.Reason = reason
	ev.Message = remote
	h.sink.Notify(ev)
}

// OnConnectAuthenticate applies the full admission decision. Returning false
// makes the engine answer with "bad user name or password".
func (h *hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) (ok bool) {
	defer h.guard("OnConnectAuthenticate", nil)

	decision := h.gate.Decide(credentials(pk))
	if decision != admission.Accepted {
		h.rejected(pk, cl.Net.Remote, decision.String())
		return false
	}

	if !h.quiet.Load() {
		ev := events.New(events.TypeClientAccepted, events.Broker)
		ev.ClientID = pk.Connect.ClientIdentifier
		ev.Message = cl.Net.Remote
		h.sink.Notify(ev)
	}
	return true
}

// OnACLCheck allows every topic to admitted clients, subject to rate limits.
// Read checks cover both subscriptions and deliveries.
func (h *hook) OnACLCheck(cl *mqtt.Client, topic string, write bool) (ok bool) {
	defer h.guard("OnACLCheck", nil)

	if cl.Net.Inline {
		return true
	}
	if write {
		return h.limiter.AllowPublish(cl.ID)
	}
	return h.limiter.AllowSubscribe(cl.ID)
}

func (h *hook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	defer h.guard("OnDisconnect", nil)

	h.limiter.OnClientDisconnect(cl.ID)
	if h.quiet.Load() || cl.Net.Inline {
		return
	}
	ev := events.New(events.TypeClientLeft, events.Broker)
	ev.ClientID = cl.ID
	if err != nil && !errors.Is(err, io.EOF) {
		ev.Error = err.Error()
	}
	h.sink.Notify(ev)
}

func (h *hook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	defer h.guard("OnPublished", nil)

	if h.quiet.Load() || cl.Net.Inline {
		return
	}
	ev := events.New(events.TypeMessagePublished, events.Broker)
	ev.ClientID = cl.ID
	ev.Topic = pk.TopicName
	ev.Payload = bytes.Clone(pk.Payload)
	ev.QoS = pk.FixedHeader.Qos
	ev.Retain = pk.FixedHeader.Retain
	h.sink.Notify(ev)
}

// OnRetainMessage mirrors the engine's retained store into the set.
func (h *hook) OnRetainMessage(cl *mqtt.Client, pk packets.Packet, r int64) {
	defer h.guard("OnRetainMessage", nil)

	changed, err := h.retained.Apply(storage.Message{
		Topic:   pk.TopicName,
		Payload: pk.Payload,
		QoS:     storage.QoS(pk.FixedHeader.Qos),
		Retain:  true,
	})
	if err != nil {
		h.logger.Warn("failed to save retained messages", slog.String("topic", pk.TopicName), slog.String("error", err.Error()))
		h.sink.Notify(events.Failed(events.TypePersistenceFailure, events.Broker, err))
	}
	if !changed || h.quiet.Load() {
		return
	}

	ev := events.New(events.TypeRetainedChanged, events.Broker)
	ev.Topic = pk.TopicName
	ev.Count = h.retained.Len()
	h.sink.Notify(ev)
}

// StoredRetainedMessages seeds the engine with the loaded set on Serve.
func (h *hook) StoredRetainedMessages() ([]mstorage.Message, error) {
	msgs := h.retained.Snapshot()
	out := make([]mstorage.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, mstorage.Message{
			TopicName: m.Topic,
			Payload:   m.Payload,
			FixedHeader: packets.FixedHeader{
				Type:   packets.Publish,
				Qos:    byte(m.QoS),
				Retain: true,
			},
		})
	}
	return out, nil
}

func (h *hook) guard(callback string, onPanic func()) {
	if r := recover(); r != nil {
		h.logger.Error("broker callback panic recovered",
			slog.String("callback", callback),
			slog.Any("panic", r))
		if onPanic != nil {
			onPanic()
		}
	}
}

func credentials(pk packets.Packet) admission.Credentials {
	return admission.Credentials{
		ClientID: pk.Connect.ClientIdentifier,
		Username: string(pk.Connect.Username),
		Password: pk.Connect.Password,
	}
}
