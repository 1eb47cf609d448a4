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
	"math/rand"
	"time"
)

// delayFor computes the §4.6 backoff delay for attempt (1-based):
// min(baseDelay * 2^(attempt-1), maxDelay), jittered by ±20%. Teleport's
// own retry helper (api/utils/retryutils.SeventhJitter) lives in a module
// this repository doesn't carry, and its jitter fraction doesn't match the
// spec's ±20% anyway, so the formula is hand-rolled against math/rand.
func delayFor(cfg Config, attempt int) time.Duration {
	base := float64(cfg.BaseDelay)
	scaled := base * pow2(attempt-1)
	capped := scaled
	if max := float64(cfg.MaxDelay); capped > max {
		capped = max
	}

	jitterFrac := (rand.Float64()*2 - 1) * 0.2 // uniform in [-0.2, 0.2]
	jittered := capped * (1 + jitterFrac)
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

func pow2(n int) float64 {
	if n <= 0 {
		return 1
	}
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}
