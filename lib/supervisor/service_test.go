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

package supervisor

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/shellway/supervisor/lib/errs"
)

func TestNewServiceWiresEveryComponent(t *testing.T) {
	svc, err := New(Config{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	defer svc.Close()

	require.NotNil(t, svc.Bus)
	require.NotNil(t, svc.HostKeys)
	require.NotNil(t, svc.Transports)
	require.NotNil(t, svc.Shells)
	require.NotNil(t, svc.SFTP)
	require.NotNil(t, svc.Forwards)
	require.NotNil(t, svc.SQL)
	require.NotNil(t, svc.Reconnect)
}

func TestDisconnectUnknownConnectionIsNotConnectedError(t *testing.T) {
	svc, err := New(Config{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	defer svc.Close()

	err = svc.Disconnect("does-not-exist")
	require.Error(t, err)
	require.Equal(t, errs.NotConnected, errs.KindOf(err))
}
