/*
Copyright 2024 The Shellway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/shellway/supervisor/lib/events"
	"github.com/shellway/supervisor/lib/transport"
)

type fakeConnector struct {
	mu       sync.Mutex
	behavior func(attempt int) error
	calls    int
}

func (f *fakeConnector) Connect(ctx context.Context, connectionID string, cfg transport.Config) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.behavior != nil {
		return f.behavior(n)
	}
	return nil
}

func waitForEvent(t *testing.T, ch <-chan events.Event, name string) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Name == name {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		}
	}
}

func TestReconnectLadderExhausts(t *testing.T) {
	bus := events.New(64)
	sub, unsub := bus.Subscribe()
	defer unsub()

	connector := &fakeConnector{behavior: func(attempt int) error {
		return errors.New("dial failed")
	}}
	clock := clockwork.NewFakeClock()
	ctrl := NewController(bus, connector, clock)
	defer ctrl.Close()

	ctrl.Register("conn-1", transport.Config{}, Config{BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second, MaxAttempts: 3})

	bus.Publish(events.Event{
		Name:         events.SSHStatusChange,
		ConnectionID: "conn-1",
		Payload:      transport.StatusChange{Status: transport.StatusError},
	})

	waitForEvent(t, sub, events.SSHReconnectWaiting)
	clock.BlockUntil(1)
	clock.Advance(6 * time.Second)

	waitForEvent(t, sub, events.SSHReconnectAttempt)
	waitForEvent(t, sub, events.SSHReconnectFailed)

	waitForEvent(t, sub, events.SSHReconnectWaiting)
	clock.BlockUntil(1)
	clock.Advance(12 * time.Second)
	waitForEvent(t, sub, events.SSHReconnectAttempt)
	waitForEvent(t, sub, events.SSHReconnectFailed)

	waitForEvent(t, sub, events.SSHReconnectWaiting)
	clock.BlockUntil(1)
	clock.Advance(24 * time.Second)
	waitForEvent(t, sub, events.SSHReconnectAttempt)
	waitForEvent(t, sub, events.SSHReconnectFailed)

	exhausted := waitForEvent(t, sub, events.SSHReconnectExhaust)
	require.Equal(t, ExhaustedPayload{TotalAttempts: 3}, exhausted.Payload)
}

func TestReconnectSuccessClearsState(t *testing.T) {
	bus := events.New(64)
	sub, unsub := bus.Subscribe()
	defer unsub()

	connector := &fakeConnector{}
	clock := clockwork.NewFakeClock()
	ctrl := NewController(bus, connector, clock)
	defer ctrl.Close()

	ctrl.Register("conn-1", transport.Config{}, Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second})

	bus.Publish(events.Event{
		Name:         events.SSHStatusChange,
		ConnectionID: "conn-1",
		Payload:      transport.StatusChange{Status: transport.StatusError},
	})
	waitForEvent(t, sub, events.SSHReconnectWaiting)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	waitForEvent(t, sub, events.SSHReconnectAttempt)

	bus.Publish(events.Event{
		Name:         events.SSHStatusChange,
		ConnectionID: "conn-1",
		Payload:      transport.StatusChange{Status: transport.StatusConnected},
	})
	waitForEvent(t, sub, events.SSHReconnectSuccess)

	state, err := ctrl.Snapshot("conn-1")
	require.NoError(t, err)
	require.Equal(t, StateIdle, state.State)
}

func TestReconnectPauseAndResume(t *testing.T) {
	bus := events.New(64)
	sub, unsub := bus.Subscribe()
	defer unsub()

	connector := &fakeConnector{behavior: func(attempt int) error { return errors.New("still down") }}
	clock := clockwork.NewFakeClock()
	ctrl := NewController(bus, connector, clock)
	defer ctrl.Close()

	ctrl.Register("conn-1", transport.Config{}, Config{BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second})

	bus.Publish(events.Event{
		Name:         events.SSHStatusChange,
		ConnectionID: "conn-1",
		Payload:      transport.StatusChange{Status: transport.StatusError},
	})
	waitForEvent(t, sub, events.SSHReconnectWaiting)

	require.NoError(t, ctrl.Pause("conn-1"))
	waitForEvent(t, sub, events.SSHReconnectPaused)

	state, err := ctrl.Snapshot("conn-1")
	require.NoError(t, err)
	require.Equal(t, StatePaused, state.State)

	require.NoError(t, ctrl.Resume("conn-1"))
	waitForEvent(t, sub, events.SSHReconnectResumed)
	waitForEvent(t, sub, events.SSHReconnectWaiting)
}

func TestReconnectRetryNowCollapsesWait(t *testing.T) {
	bus := events.New(64)
	sub, unsub := bus.Subscribe()
	defer unsub()

	connector := &fakeConnector{}
	clock := clockwork.NewFakeClock()
	ctrl := NewController(bus, connector, clock)
	defer ctrl.Close()

	ctrl.Register("conn-1", transport.Config{}, Config{BaseDelay: 30 * time.Second, MaxDelay: 60 * time.Second})

	bus.Publish(events.Event{
		Name:         events.SSHStatusChange,
		ConnectionID: "conn-1",
		Payload:      transport.StatusChange{Status: transport.StatusError},
	})
	waitForEvent(t, sub, events.SSHReconnectWaiting)

	require.NoError(t, ctrl.RetryNow("conn-1"))
	waitForEvent(t, sub, events.SSHReconnectAttempt)
}

func TestDelayForWithinJitterBounds(t *testing.T) {
	cfg := Config{BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		d := delayFor(cfg, attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, cfg.MaxDelay+cfg.MaxDelay/5)
	}
}
