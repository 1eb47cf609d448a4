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

package dispatcher

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/shellway/supervisor/lib/supervisor"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	svc, err := supervisor.New(supervisor.Config{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return New(svc)
}

func TestDispatchUnknownFamilyIsInvalidArgument(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Dispatch(context.Background(), Request{Family: "bogus", Op: "whatever"})
	require.False(t, reply.Success)
	require.NotEmpty(t, reply.Error)
}

func TestDispatchPresentationFamilyIsNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Dispatch(context.Background(), Request{Family: FamilySettings, Op: "get"})
	require.False(t, reply.Success)
}

func TestDispatchSSHConnectRequiresConnectionID(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Dispatch(context.Background(), Request{Family: FamilySSH, Op: "connect", Args: ConnectArgs{}})
	require.False(t, reply.Success)
}

func TestDispatchSSHConnectWrongArgsTypeIsInvalidArgument(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Dispatch(context.Background(), Request{Family: FamilySSH, Op: "connect", ConnectionID: "c1", Args: "not-the-right-type"})
	require.False(t, reply.Success)
}

func TestDispatchSSHIsConnectedOnUnknownConnectionIsFalse(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Dispatch(context.Background(), Request{Family: FamilySSH, Op: "isConnected", ConnectionID: "does-not-exist"})
	require.True(t, reply.Success)
	require.Equal(t, false, reply.Data)
}

func TestDispatchSFTPUnknownOpIsInvalidArgument(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Dispatch(context.Background(), Request{Family: FamilySFTP, Op: "bogus", ConnectionID: "c1"})
	require.False(t, reply.Success)
}

func TestDispatchPortForwardListOnEmptyManagerIsEmpty(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Dispatch(context.Background(), Request{Family: FamilyPortForward, Op: "list"})
	require.True(t, reply.Success)
	require.Empty(t, reply.Data)
}

func TestDispatchPortForwardAddUnknownKindIsInvalidArgument(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Dispatch(context.Background(), Request{
		Family:       FamilyPortForward,
		Op:           "add",
		ConnectionID: "c1",
		Args:         AddForwardArgs{Kind: "bogus", RuleID: "r1"},
	})
	require.False(t, reply.Success)
}

func TestDispatchTerminalWriteUnknownShellIsError(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Dispatch(context.Background(), Request{
		Family: FamilyTerminal,
		Op:     "write",
		Args:   WriteArgs{ShellID: "does-not-exist", Data: []byte("x")},
	})
	require.False(t, reply.Success)
}

func TestDispatchSQLCloseUnknownTunnelIsError(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Dispatch(context.Background(), Request{
		Family: FamilySQL,
		Op:     "close",
		Args:   TunnelIDArgs{TunnelID: "does-not-exist"},
	})
	require.False(t, reply.Success)
}
