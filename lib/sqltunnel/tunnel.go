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

// Package sqltunnel provides the lightweight SQL tunnel (§1 item 6): a
// LOCAL port-forward opened with an ephemeral local port, so a SQL client
// can point at 127.0.0.1:<boundPort> and reach a database server through
// the SSH transport without the presentation layer reasoning about
// port-forwarding directly.
package sqltunnel

import (
	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/portforward"
)

// Tunnel is one open SQL tunnel, resolved to its actual bound local port.
type Tunnel struct {
	RuleID    string
	LocalAddr string
	LocalPort int
}

// Manager opens and closes SQL tunnels as LOCAL forward rules with
// localPort=0, letting the OS pick an ephemeral port.
type Manager struct {
	forwards *portforward.Manager
}

// NewManager creates a SQL tunnel manager over an existing Port Forwarding
// Manager — sqltunnel owns no network resources of its own.
func NewManager(forwards *portforward.Manager) *Manager {
	return &Manager{forwards: forwards}
}

// Open starts a tunnel from an ephemeral local port to destAddr:destPort.
func (m *Manager) Open(connectionID, tunnelID, destAddr string, destPort int) (*Tunnel, error) {
	const localAddr = "127.0.0.1"
	if err := m.forwards.StartLocal(connectionID, tunnelID, localAddr, 0, destAddr, destPort); err != nil {
		return nil, err
	}
	for _, r := range m.forwards.List() {
		if r.ID == tunnelID {
			return &Tunnel{RuleID: tunnelID, LocalAddr: localAddr, LocalPort: r.LocalPort}, nil
		}
	}
	return nil, errs.New(errs.NotFound, "tunnel %s did not register", tunnelID)
}

// Close tears down a previously opened tunnel.
func (m *Manager) Close(tunnelID string) error {
	return m.forwards.Stop(tunnelID)
}
