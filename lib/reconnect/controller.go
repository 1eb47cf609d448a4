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
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/events"
	"github.com/shellway/supervisor/lib/transport"
)

// Connector is the subset of *transport.Manager the controller needs,
// narrowed to keep this package testable without a live SSH server.
type Connector interface {
	Connect(ctx context.Context, connectionID string, cfg transport.Config) error
}

// Controller runs one state machine per ConnectionId (§4.6), driven by a
// single owner goroutine that processes both bus events and operation
// commands — the "single owner task per key" pattern applied at the
// granularity of the whole controller rather than one goroutine per
// connection, since reconnect commands are rare compared to the event
// traffic every other subsystem produces.
type Controller struct {
	bus       *events.Bus
	connector Connector
	clock     clockwork.Clock
	log       *log.Entry

	statusCh <-chan events.Event
	unsub    events.Unsubscribe

	cmds chan func(map[string]*connState)
	stop chan struct{}
	done chan struct{}
}

// NewController creates a Controller. clock defaults to the real clock
// when nil.
func NewController(bus *events.Bus, connector Connector, clock clockwork.Clock) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	statusCh, unsub := bus.Subscribe(events.SSHStatusChange)
	c := &Controller{
		bus:       bus,
		connector: connector,
		clock:     clock,
		log:       log.WithField("component", "reconnect"),
		statusCh:  statusCh,
		unsub:     unsub,
		cmds:      make(chan func(map[string]*connState)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.run()
	return c
}

// Close stops the controller's event loop and unsubscribes from the bus.
func (c *Controller) Close() {
	close(c.stop)
	<-c.done
	c.unsub()
}

func (c *Controller) run() {
	defer close(c.done)
	conns := make(map[string]*connState)
	for {
		select {
		case <-c.stop:
			return
		case evt, ok := <-c.statusCh:
			if !ok {
				return
			}
			c.handleStatus(conns, evt)
		case cmd := <-c.cmds:
			cmd(conns)
		}
	}
}

func (c *Controller) handleStatus(conns map[string]*connState, evt events.Event) {
	cs, ok := conns[evt.ConnectionID]
	if !ok {
		return
	}
	sc, ok := evt.Payload.(transport.StatusChange)
	if !ok {
		return
	}

	switch sc.Status {
	case transport.StatusConnected:
		if cs.state == StateAttempting {
			c.record(cs, events.SSHReconnectSuccess)
			c.bus.Publish(events.Event{Name: events.SSHReconnectSuccess, ConnectionID: cs.connectionID, Payload: SuccessPayload{Attempt: cs.attempt}})
			cs.state = StateIdle
			cs.attempt = 0
			cs.nextRetryAt = time.Time{}
		}
	case transport.StatusError:
		if cs.state == StateIdle {
			c.beginWait(cs, 1)
		} else if cs.state == StateAttempting {
			c.onAttemptFailed(cs, sc.Error)
		}
	case transport.StatusDisconnected:
		c.reset(cs)
	}
}

// Register starts tracking connectionID, to be called once its initial
// connect succeeds. tcfg is the connect config replayed on every reconnect
// attempt; rcfg is the backoff policy. Only tracked connections react to a
// later drop.
func (c *Controller) Register(connectionID string, tcfg transport.Config, rcfg Config) {
	rcfg.CheckAndSetDefaults()
	c.do(func(m map[string]*connState) {
		m[connectionID] = &connState{
			connectionID: connectionID,
			cfg:          tcfg,
			reconnectCfg: rcfg,
			state:        StateIdle,
		}
	})
}

// Unregister stops tracking connectionID, used on explicit disconnect.
func (c *Controller) Unregister(connectionID string) {
	c.do(func(m map[string]*connState) {
		delete(m, connectionID)
	})
}

// Snapshot returns the current ReconnectState for connectionID.
func (c *Controller) Snapshot(connectionID string) (ReconnectState, error) {
	result := make(chan ReconnectState, 1)
	found := make(chan bool, 1)
	c.do(func(m map[string]*connState) {
		cs, ok := m[connectionID]
		found <- ok
		if ok {
			result <- cs.snapshot()
		}
	})
	if !<-found {
		return ReconnectState{}, errs.New(errs.NotFound, "no reconnect state for %s", connectionID)
	}
	return <-result, nil
}

// RetryNow collapses any remaining wait and attempts immediately.
func (c *Controller) RetryNow(connectionID string) error {
	return c.withConn(connectionID, func(cs *connState) error {
		if cs.state != StateWaiting && cs.state != StatePaused {
			return errs.New(errs.InvalidArgument, "reconnect for %s is not waiting", connectionID)
		}
		if cs.attempt == 0 {
			cs.attempt = 1
		}
		c.beginAttempt(cs)
		return nil
	})
}

// Pause halts reconnection, cancelling any pending wait.
func (c *Controller) Pause(connectionID string) error {
	return c.withConn(connectionID, func(cs *connState) error {
		cs.generation++
		cs.state = StatePaused
		cs.nextRetryAt = time.Time{}
		c.record(cs, events.SSHReconnectPaused)
		c.bus.Publish(events.Event{Name: events.SSHReconnectPaused, ConnectionID: connectionID})
		return nil
	})
}

// Resume restarts the wait as if this were the next attempt.
func (c *Controller) Resume(connectionID string) error {
	return c.withConn(connectionID, func(cs *connState) error {
		if cs.state != StatePaused {
			return errs.New(errs.InvalidArgument, "reconnect for %s is not paused", connectionID)
		}
		c.record(cs, events.SSHReconnectResumed)
		c.bus.Publish(events.Event{Name: events.SSHReconnectResumed, ConnectionID: connectionID})
		attempt := cs.attempt
		if attempt == 0 {
			attempt = 1
		}
		c.beginWait(cs, attempt)
		return nil
	})
}

// Cancel stops reconnection entirely, matching an explicit disconnect.
func (c *Controller) Cancel(connectionID string) error {
	return c.withConn(connectionID, func(cs *connState) error {
		c.reset(cs)
		return nil
	})
}

func (c *Controller) reset(cs *connState) {
	cs.generation++
	cs.state = StateIdle
	cs.attempt = 0
	cs.nextRetryAt = time.Time{}
}

func (c *Controller) do(fn func(map[string]*connState)) {
	done := make(chan struct{})
	c.cmds <- func(m map[string]*connState) {
		fn(m)
		close(done)
	}
	<-done
}

func (c *Controller) withConn(connectionID string, fn func(cs *connState) error) error {
	errCh := make(chan error, 1)
	c.do(func(m map[string]*connState) {
		cs, ok := m[connectionID]
		if !ok {
			errCh <- errs.New(errs.NotFound, "no reconnect state for %s", connectionID)
			return
		}
		errCh <- fn(cs)
	})
	return <-errCh
}

func (c *Controller) record(cs *connState, name string) {
	cs.record(name, c.clock.Now())
}

// beginWait transitions to waiting with the delay for attempt and schedules
// the timer that fires the next attempt.
func (c *Controller) beginWait(cs *connState, attempt int) {
	cs.generation++
	gen := cs.generation
	cs.state = StateWaiting
	cs.attempt = attempt

	delay := delayFor(cs.reconnectCfg, attempt)
	cs.nextRetryAt = c.clock.Now().Add(delay)

	c.record(cs, events.SSHReconnectWaiting)
	c.bus.Publish(events.Event{
		Name:         events.SSHReconnectWaiting,
		ConnectionID: cs.connectionID,
		Payload: WaitingPayload{
			DelayMs:     delay.Milliseconds(),
			NextAttempt: attempt,
			NextRetryAt: cs.nextRetryAt.Format(time.RFC3339Nano),
		},
	})

	connectionID := cs.connectionID
	timer := c.clock.NewTimer(delay)
	go func() {
		select {
		case <-timer.Chan():
			c.do(func(m map[string]*connState) {
				cs, ok := m[connectionID]
				if !ok || cs.generation != gen || cs.state != StateWaiting {
					return
				}
				c.beginAttempt(cs)
			})
		case <-c.stop:
			timer.Stop()
		}
	}()
}

// beginAttempt transitions to attempting and launches the connect pipeline
// in the background, reporting completion back through c.cmds.
func (c *Controller) beginAttempt(cs *connState) {
	cs.generation++
	gen := cs.generation
	cs.state = StateAttempting
	cs.nextRetryAt = time.Time{}

	c.record(cs, events.SSHReconnectAttempt)
	c.bus.Publish(events.Event{
		Name:         events.SSHReconnectAttempt,
		ConnectionID: cs.connectionID,
		Payload:      AttemptPayload{Attempt: cs.attempt, MaxAttempts: cs.reconnectCfg.MaxAttempts},
	})

	connectionID := cs.connectionID
	cfg := cs.cfg
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := c.connector.Connect(ctx, connectionID, cfg)
		if err == nil {
			return // success arrives as ssh:status-change(connected) via the bus
		}
		c.do(func(m map[string]*connState) {
			cs, ok := m[connectionID]
			if !ok || cs.generation != gen {
				return
			}
			c.onAttemptFailed(cs, err.Error())
		})
	}()
}

func (c *Controller) onAttemptFailed(cs *connState, errMsg string) {
	c.record(cs, events.SSHReconnectFailed)
	c.bus.Publish(events.Event{
		Name:         events.SSHReconnectFailed,
		ConnectionID: cs.connectionID,
		Payload:      FailedPayload{Attempt: cs.attempt, Error: errMsg},
	})

	maxAttempts := cs.reconnectCfg.MaxAttempts
	if maxAttempts == 0 || cs.attempt < maxAttempts {
		c.beginWait(cs, cs.attempt+1)
		return
	}

	c.record(cs, events.SSHReconnectExhaust)
	c.bus.Publish(events.Event{
		Name:         events.SSHReconnectExhaust,
		ConnectionID: cs.connectionID,
		Payload:      ExhaustedPayload{TotalAttempts: cs.attempt},
	})
	cs.state = StateIdle
	cs.attempt = 0
}
