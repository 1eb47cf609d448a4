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

// Package reconnect implements the Reconnect Controller (§4.6): a per
// ConnectionId state machine that reacts to an unexpected transport drop
// with bounded exponential backoff, and exposes retry-now/pause/resume/
// cancel operations.
package reconnect

import "time"

// Config is one connection's reconnect policy.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 = unbounded
}

// CheckAndSetDefaults fills in the §4.6 defaults: 5s base, 60s cap.
func (c *Config) CheckAndSetDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
}
