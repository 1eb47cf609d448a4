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

package monitor

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/shellway/supervisor/lib/events"
)

func TestMonitorMirrorsBusEventsAsJSONLines(t *testing.T) {
	bus := events.New(16)
	m := New(bus)

	addr, err := m.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer m.Close()

	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/events"}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server goroutine time to subscribe before publishing.
	require.Eventually(t, func() bool {
		bus.Publish(events.Event{Name: "ssh:status-change", ConnectionID: "c1"})
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		var decoded wireEvent
		require.NoError(t, json.Unmarshal(msg, &decoded))
		return decoded.Name == "ssh:status-change" && decoded.ConnectionID == "c1"
	}, time.Second, 10*time.Millisecond)
}

func TestMonitorStartTwiceIsError(t *testing.T) {
	bus := events.New(16)
	m := New(bus)

	_, err := m.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Start("127.0.0.1:0")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "already started"))
}
