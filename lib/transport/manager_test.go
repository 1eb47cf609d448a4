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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shellway/supervisor/lib/errs"
)

func TestConfigCheckAndSetDefaults(t *testing.T) {
	cfg := Config{Host: "example.com", Username: "alice"}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, 22, cfg.Port)
	require.Equal(t, "xterm-256color", cfg.TerminalType)
	require.Equal(t, ProxyNone, cfg.Proxy.Kind)
	require.Equal(t, 3, cfg.KeepAliveMaxMissed)
	require.Equal(t, "publickey", cfg.Auth.InitialMethod)
}

func TestConfigCheckAndSetDefaultsMissingHost(t *testing.T) {
	cfg := Config{Username: "alice"}
	err := cfg.CheckAndSetDefaults()
	require.Error(t, err)
	require.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestClassifyHandshakeError(t *testing.T) {
	require.Equal(t, errs.Auth, errs.KindOf(classifyHandshakeError(errors.New("ssh: unable to authenticate"))))
	require.Equal(t, errs.HostKey, errs.KindOf(classifyHandshakeError(errors.New("ssh: host key mismatch"))))
	require.Equal(t, errs.Network, errs.KindOf(classifyHandshakeError(errors.New("connection reset"))))
}

func TestContainsAny(t *testing.T) {
	require.True(t, containsAny("ssh: unable to authenticate", "unable to authenticate"))
	require.False(t, containsAny("ssh: handshake complete", "unable to authenticate"))
}

func TestKBDISlotsRespondSupersedes(t *testing.T) {
	slots := newKBDISlots()
	slots.open("conn-1")
	defer slots.close("conn-1")

	require.NoError(t, slots.Respond("conn-1", []string{"first"}))
	require.NoError(t, slots.Respond("conn-1", []string{"second"}))

	slots.mu.Lock()
	ch := slots.slots["conn-1"]
	slots.mu.Unlock()

	select {
	case got := <-ch:
		require.Equal(t, []string{"second"}, got)
	default:
		t.Fatal("expected a queued answer")
	}
}

func TestKBDIRespondWithoutOpenSlot(t *testing.T) {
	slots := newKBDISlots()
	err := slots.Respond("unknown", []string{"x"})
	require.Error(t, err)
	require.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestManagerNotConnected(t *testing.T) {
	bus := newTestBus()
	verifier := newTestVerifier(t, bus)
	m := NewManager(bus, verifier, nil)

	require.False(t, m.IsConnected("conn-1"))
	_, err := m.GetHealth("conn-1")
	require.Error(t, err)
	require.Equal(t, errs.NotConnected, errs.KindOf(err))

	err = m.Disconnect("conn-1")
	require.Error(t, err)
	require.Equal(t, errs.NotConnected, errs.KindOf(err))
}
