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

// Package portforward implements the Port Forwarding Manager (§4.4): local,
// remote and dynamic (SOCKS5) TCP tunnels layered over a Transport's SSH
// connection, grounded on the teacher's listenAndForward /
// dynamicListenAndForward / proxyConnection accept-and-splice pattern.
package portforward

import (
	"net"
)

// Kind is a ForwardRule's tunnel variant (§3).
type Kind string

const (
	KindLocal   Kind = "local"
	KindRemote  Kind = "remote"
	KindDynamic Kind = "dynamic"
)

// Status is a ForwardRule's lifecycle status (§3).
type Status string

const (
	StatusActive  Status = "active"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// Rule is one ForwardRule (§3). Only the fields relevant to Kind are
// populated by the caller; the rest are filled in as the rule runs.
type Rule struct {
	ID         string
	Kind       Kind
	LocalAddr  string
	LocalPort  int
	RemoteAddr string
	RemotePort int
	DestAddr   string
	DestPort   int

	status   Status
	lastErr  error
	listener net.Listener
}

// StatusChange is the payload of a portforward:status-change event (§6).
type StatusChange struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	// BoundPort reports the actual listener port, useful when LocalPort or
	// RemotePort was requested as 0.
	BoundPort int `json:"boundPort,omitempty"`
}
