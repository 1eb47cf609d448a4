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

// WaitingPayload is the payload of ssh:reconnect-waiting.
type WaitingPayload struct {
	DelayMs     int64  `json:"delayMs"`
	NextAttempt int    `json:"nextAttempt"`
	NextRetryAt string `json:"nextRetryAt"`
}

// AttemptPayload is the payload of ssh:reconnect-attempt.
type AttemptPayload struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`
}

// SuccessPayload is the payload of ssh:reconnect-success.
type SuccessPayload struct {
	Attempt int `json:"attempt"`
}

// FailedPayload is the payload of ssh:reconnect-failed.
type FailedPayload struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

// ExhaustedPayload is the payload of ssh:reconnect-exhausted.
type ExhaustedPayload struct {
	TotalAttempts int `json:"totalAttempts"`
}
