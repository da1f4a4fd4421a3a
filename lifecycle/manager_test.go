// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mqttlab/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	closed   atomic.Int32
	closeErr error
}

func (h *fakeHandle) Close(context.Context) error {
	h.closed.Add(1)
	return h.closeErr
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Notify(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

func countingOpener(opens *atomic.Int32, h *fakeHandle) Opener {
	return func(context.Context) (Handle, error) {
		opens.Add(1)
		return h, nil
	}
}

func TestStartStop(t *testing.T) {
	var opens atomic.Int32
	h := &fakeHandle{}
	rec := &recorder{}
	m := New(events.Broker, countingOpener(&opens, h), rec)

	assert.Equal(t, Stopped, m.State())
	assert.Nil(t, m.Handle())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, Running, m.State())
	assert.True(t, m.Running())
	assert.Same(t, h, m.Handle())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, Stopped, m.State())
	assert.Nil(t, m.Handle())
	assert.EqualValues(t, 1, h.closed.Load())

	assert.Equal(t, []events.Type{events.TypeComponentStarted, events.TypeComponentStopped}, rec.types())
}

func TestStartTwiceOpensOnce(t *testing.T) {
	var opens atomic.Int32
	m := New(events.Publisher, countingOpener(&opens, &fakeHandle{}), nil)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.EqualValues(t, 1, opens.Load())
}

func TestConcurrentStartOpensOnce(t *testing.T) {
	var opens atomic.Int32
	release := make(chan struct{})
	m := New(events.Publisher, func(context.Context) (Handle, error) {
		opens.Add(1)
		<-release
		return &fakeHandle{}, nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Start(context.Background()))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, opens.Load())
	assert.True(t, m.Running())
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	rec := &recorder{}
	m := New(events.Subscriber, countingOpener(new(atomic.Int32), &fakeHandle{}), rec)

	assert.NoError(t, m.Stop(context.Background()))
	assert.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, Stopped, m.State())
	assert.Empty(t, rec.types())
}

func TestStartFailure(t *testing.T) {
	cause := errors.New("address already in use")
	rec := &recorder{}
	m := New(events.Broker, func(context.Context) (Handle, error) {
		return nil, cause
	}, rec)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartup)
	assert.ErrorIs(t, err, cause)

	var serr *StartupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, events.Broker, serr.Component)

	assert.Equal(t, Stopped, m.State())
	assert.Equal(t, []events.Type{events.TypeStartFailed}, rec.types())

	rec.mu.Lock()
	assert.Equal(t, cause.Error(), rec.evs[0].Error)
	rec.mu.Unlock()
}

func TestStartFailureReleasesHandle(t *testing.T) {
	h := &fakeHandle{}
	m := New(events.Broker, func(context.Context) (Handle, error) {
		return h, errors.New("half built")
	}, nil)

	require.Error(t, m.Start(context.Background()))
	assert.EqualValues(t, 1, h.closed.Load())
	assert.Equal(t, Stopped, m.State())
}

func TestStartNilHandle(t *testing.T) {
	m := New(events.Broker, func(context.Context) (Handle, error) {
		return nil, nil
	}, nil)

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoHandle)
	assert.Equal(t, Stopped, m.State())
}

func TestRestartAfterFailure(t *testing.T) {
	var calls atomic.Int32
	m := New(events.Broker, func(context.Context) (Handle, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("first attempt fails")
		}
		return &fakeHandle{}, nil
	}, nil)

	require.Error(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
}

func TestStopCancelsPendingStart(t *testing.T) {
	entered := make(chan struct{})
	rec := &recorder{}
	m := New(events.Publisher, func(ctx context.Context) (Handle, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}, rec)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()

	<-entered
	assert.Equal(t, Starting, m.Phase())
	assert.Equal(t, Stopped, m.State())
	require.NoError(t, m.Stop(context.Background()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStartup)
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("start did not return after stop")
	}
	assert.Equal(t, Stopped, m.State())
	assert.Equal(t, []events.Type{events.TypeStartFailed}, rec.types())
}

func TestStopDuringStartDiscardsLateHandle(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := &fakeHandle{}
	m := New(events.Subscriber, func(context.Context) (Handle, error) {
		close(entered)
		<-release
		return h, nil
	}, nil)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()

	<-entered
	require.NoError(t, m.Stop(context.Background()))
	close(release)

	err := <-done
	assert.ErrorIs(t, err, ErrAborted)
	assert.EqualValues(t, 1, h.closed.Load())
	assert.False(t, m.Running())
}

type blockingHandle struct {
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHandle) Close(context.Context) error {
	close(h.entered)
	<-h.release
	return nil
}

func TestStartWhileStopping(t *testing.T) {
	h := &blockingHandle{entered: make(chan struct{}), release: make(chan struct{})}
	var opens atomic.Int32
	m := New(events.Broker, func(context.Context) (Handle, error) {
		opens.Add(1)
		return h, nil
	}, nil)
	require.NoError(t, m.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- m.Stop(context.Background()) }()

	<-h.entered
	assert.Equal(t, Stopping, m.Phase())
	assert.ErrorIs(t, m.Start(context.Background()), ErrStopping)

	close(h.release)
	require.NoError(t, <-done)
	assert.Equal(t, Stopped, m.State())
	assert.EqualValues(t, 1, opens.Load())
}

func TestStartTimeout(t *testing.T) {
	m := New(events.Publisher, func(ctx context.Context) (Handle, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, WithStartTimeout(20*time.Millisecond))

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartup)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Stopped, m.State())
}

func TestStopCloseError(t *testing.T) {
	cause := errors.New("flush failed")
	rec := &recorder{}
	m := New(events.Broker, countingOpener(new(atomic.Int32), &fakeHandle{closeErr: cause}), rec)

	require.NoError(t, m.Start(context.Background()))
	err := m.Stop(context.Background())
	assert.ErrorIs(t, err, ErrStop)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Stopped, m.State())
	assert.Equal(t, []events.Type{events.TypeComponentStarted, events.TypeComponentStopped}, rec.types())
}

func TestObservableState(t *testing.T) {
	tests := []struct {
		phase State
		want  State
		name  string
	}{
		{Stopped, Stopped, "stopped"},
		{Starting, Stopped, "starting"},
		{Running, Running, "running"},
		{Stopping, Running, "stopping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.phase.Observable())
			assert.Equal(t, tt.name, tt.phase.String())
		})
	}
	assert.Equal(t, "unknown", State(42).String())
}

func TestStateTransition(t *testing.T) {
	var sm stateManager
	assert.Equal(t, Stopped, sm.get())
	assert.True(t, sm.transition(Stopped, Starting))
	assert.False(t, sm.transition(Stopped, Running))
	sm.set(Running)
	assert.Equal(t, Running, sm.get())
}
