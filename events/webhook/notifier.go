// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook forwards harness events to HTTP endpoints.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/mqttlab/config"
	"github.com/absmach/mqttlab/events"
	"github.com/absmach/mqttlab/topics"
	"github.com/sony/gobreaker"
)

var _ events.Sink = (*Notifier)(nil)

// ErrNoSender is returned by New when no Sender is supplied.
var ErrNoSender = errors.New("webhook sender cannot be nil")

// Envelope is the JSON body posted to endpoints.
type Envelope struct {
	Source string       `json:"source"`
	Event  events.Event `json:"event"`
}

// Notifier queues events per matching endpoint and delivers them from a
// worker pool. Each endpoint has its own circuit breaker.
type Notifier struct {
	cfg       config.WebhookConfig
	source    string
	endpoints []endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type endpoint struct {
	name         string
	url          string
	eventFilters map[events.Type]bool
	topicFilters []string
	headers      map[string]string
	timeout      time.Duration
	retry        config.RetryConfig
}

type job struct {
	event    events.Event
	endpoint endpoint
	attempt  int
}

// New starts a notifier. source is reported in every envelope.
func New(cfg config.WebhookConfig, source string, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if sender == nil {
		return nil, ErrNoSender
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[events.Type]bool, len(ep.Events))
		for _, typ := range ep.Events {
			filters[events.Type(typ)] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpoint{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: filters,
			topicFilters: ep.TopicFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retry:        retry,
		})
	}

	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:       cfg,
		source:    source,
		endpoints: endpoints,
		queue:     make(chan job, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues ev for every endpoint whose filters match. It never blocks;
// when the queue is full the configured drop policy applies.
func (n *Notifier) Notify(ev events.Event) {
	if n.ctx.Err() != nil {
		return
	}
	if !n.cfg.IncludePayload {
		ev.Payload = nil
	}

	for _, ep := range n.endpoints {
		if !ep.matches(ev) {
			continue
		}
		n.enqueue(job{event: ev, endpoint: ep})
	}
}

func (n *Notifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.queue:
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}

	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", string(j.event.Type)),
		slog.String("endpoint", j.endpoint.name))
}

func (ep endpoint) matches(ev events.Event) bool {
	if len(ep.eventFilters) > 0 && !ep.eventFilters[ev.Type] {
		return false
	}
	if ev.Topic == "" || len(ep.topicFilters) == 0 {
		return true
	}
	for _, filter := range ep.topicFilters {
		if topics.Match(filter, ev.Topic) {
			return true
		}
	}
	return false
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

func (n *Notifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]
	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	if j.attempt >= j.endpoint.retry.MaxAttempts-1 {
		n.logger.Error("webhook delivery failed after max retries",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", string(j.event.Type)),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := retryDelay(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", string(j.event.Type)),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.queue <- j:
		default:
			n.logger.Error("failed to requeue webhook event for retry",
				slog.String("endpoint", j.endpoint.name),
				slog.String("event_type", string(j.event.Type)))
		}
	})
}

func (n *Notifier) send(j job) error {
	payload, err := json.Marshal(Envelope{Source: n.source, Event: j.event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", string(j.event.Type)))
	return nil
}

// retryDelay is exponential backoff capped at MaxInterval.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting up to the configured shutdown timeout.
// Queued events not yet picked up are discarded.
func (n *Notifier) Close() error {
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.queue)))
	}
	return nil
}
