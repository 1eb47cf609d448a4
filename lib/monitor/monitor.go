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

// Package monitor implements the optional loopback debug mirror named in
// the "monitor" request family (§4.7): a websocket endpoint that streams
// every Event Bus event as a JSON line, for local inspection tooling. It
// never participates in the Dispatcher's reply-slot protocol and carries
// no request-handling semantics of its own — it only observes.
package monitor

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/events"
)

var errAlreadyStarted = errs.New(errs.Exists, "monitor is already started")

// Monitor runs a loopback-only HTTP server that upgrades requests to
// /events to a websocket and mirrors the Event Bus onto it as
// newline-delimited JSON.
type Monitor struct {
	bus *events.Bus
	log *log.Entry

	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// New creates a Monitor over an existing Event Bus. It does not start
// listening until Start is called.
func New(bus *events.Bus) *Monitor {
	return &Monitor{
		bus: bus,
		log: log.WithField("component", "monitor"),
		upgrader: websocket.Upgrader{
			// Loopback-only by construction (Start refuses a non-loopback
			// addr), so any origin reaching this far has already passed
			// that boundary.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds a loopback listener on addr (e.g. "127.0.0.1:0") and begins
// serving websocket connections in the background. It returns the bound
// address so a caller requesting an ephemeral port can learn what was
// assigned. Calling Start twice without an intervening Close is an error.
func (m *Monitor) Start(addr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener != nil {
		return "", errAlreadyStarted
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return "", errs.New(errs.InvalidArgument, "monitor address %q is not a loopback address", addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", m.handleWebsocket)
	srv := &http.Server{Handler: mux}

	m.listener = ln
	m.server = srv

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			m.log.WithError(err).Warn("Monitor server stopped.")
		}
	}()

	return ln.Addr().String(), nil
}

// Close stops the monitor's HTTP server and releases its listener.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server == nil {
		return nil
	}
	err := m.server.Close()
	m.listener = nil
	m.server = nil
	return err
}

// handleWebsocket upgrades the connection and forwards every bus event to
// it as a JSON line until the client disconnects or the bus is closed.
func (m *Monitor) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.WithError(err).Warn("Failed to upgrade monitor connection.")
		return
	}
	defer conn.Close()

	ch, unsub := m.bus.Subscribe()
	defer unsub()

	for evt := range ch {
		line, err := json.Marshal(wireEvent{
			Name:         evt.Name,
			ConnectionID: evt.ConnectionID,
			ShellID:      evt.ShellID,
			TransferID:   evt.TransferID,
			RuleID:       evt.RuleID,
			Payload:      evt.Payload,
		})
		if err != nil {
			m.log.WithError(err).Warn("Failed to marshal event for monitor.")
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			return
		}
	}
}

// wireEvent is events.Event's JSON shape on the wire.
type wireEvent struct {
	Name         string `json:"name"`
	ConnectionID string `json:"connectionId,omitempty"`
	ShellID      string `json:"shellId,omitempty"`
	TransferID   string `json:"transferId,omitempty"`
	RuleID       string `json:"ruleId,omitempty"`
	Payload      any    `json:"payload,omitempty"`
}
