// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// maxLoggedPayload caps how much of a payload is written to the log.
const maxLoggedPayload = 256

var _ Sink = (*LogSink)(nil)

// LogSink writes one structured log line per event. Failures are logged at
// warn level, everything else at info.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Notify logs ev.
func (s *LogSink) Notify(ev Event) {
	level := slog.LevelInfo
	if ev.Type.Failure() {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("component", ev.Component),
		slog.String("event_id", ev.ID),
	}
	if ev.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", ev.ClientID))
	}
	if ev.Topic != "" {
		attrs = append(attrs, slog.String("topic", ev.Topic))
	}
	if ev.Payload != nil {
		attrs = append(attrs,
			slog.String("payload", payloadString(ev.Payload)),
			slog.Int("qos", int(ev.QoS)))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	if ev.Message != "" {
		attrs = append(attrs, slog.String("message", ev.Message))
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	if ev.Count != 0 {
		attrs = append(attrs, slog.Int("count", ev.Count))
	}

	s.logger.LogAttrs(context.Background(), level, string(ev.Type), attrs...)
}

func payloadString(p []byte) string {
	if len(p) > maxLoggedPayload {
		p = p[:maxLoggedPayload]
	}
	return strings.ToValidUTF8(string(p), string(utf8.RuneError))
}
