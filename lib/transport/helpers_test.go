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

package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shellway/supervisor/lib/events"
	"github.com/shellway/supervisor/lib/hostkey"
)

func newTestBus() *events.Bus {
	return events.New(16)
}

func newTestVerifier(t *testing.T, bus *events.Bus) *hostkey.Verifier {
	v, err := hostkey.NewVerifier(hostkey.NewMemStore(), bus, 16)
	require.NoError(t, err)
	return v
}
