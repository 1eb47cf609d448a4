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
	"time"

	"github.com/shellway/supervisor/lib/transport"
)

// State is the Reconnect Controller's lifecycle state for one ConnectionId
// (§3, §4.6).
type State string

const (
	StateIdle       State = "idle"
	StateWaiting    State = "waiting"
	StateAttempting State = "attempting"
	StatePaused     State = "paused"
)

const recentEventCap = 8

// RecentEvent is one entry in a ReconnectState's bounded event ring.
type RecentEvent struct {
	Name string
	At   time.Time
}

// connState is the controller's private bookkeeping for one ConnectionId.
// Every mutation happens on the controller's single event-processing
// goroutine, so it needs no lock of its own — matching the "single owner
// task per key" guidance for per-id state.
type connState struct {
	connectionID string
	cfg          transport.Config
	reconnectCfg Config

	state       State
	attempt     int
	nextRetryAt time.Time
	recent      []RecentEvent

	generation uint64 // bumps on every retryNow/pause/resume/cancel to invalidate stale timers/attempts
}

// ReconnectState is the read-only snapshot returned to callers (§3).
type ReconnectState struct {
	ConnectionID string
	State        State
	Attempt      int
	MaxAttempts  int
	NextRetryAt  time.Time
	Recent       []RecentEvent
}

func (c *connState) snapshot() ReconnectState {
	recent := make([]RecentEvent, len(c.recent))
	copy(recent, c.recent)
	return ReconnectState{
		ConnectionID: c.connectionID,
		State:        c.state,
		Attempt:      c.attempt,
		MaxAttempts:  c.reconnectCfg.MaxAttempts,
		NextRetryAt:  c.nextRetryAt,
		Recent:       recent,
	}
}

func (c *connState) record(name string, at time.Time) {
	c.recent = append(c.recent, RecentEvent{Name: name, At: at})
	if len(c.recent) > recentEventCap {
		c.recent = c.recent[len(c.recent)-recentEventCap:]
	}
}
