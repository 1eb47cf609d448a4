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

// Package supervisor wires every Connection Supervisor component together
// into one long-lived service, the way lib/teleterm/daemon.Service wires
// Teleport's cluster service together from its component stores and
// clients.
package supervisor

import (
	"context"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/shellway/supervisor/lib/events"
	"github.com/shellway/supervisor/lib/hostkey"
	"github.com/shellway/supervisor/lib/portforward"
	"github.com/shellway/supervisor/lib/reconnect"
	"github.com/shellway/supervisor/lib/sftp"
	"github.com/shellway/supervisor/lib/shell"
	"github.com/shellway/supervisor/lib/sqltunnel"
	"github.com/shellway/supervisor/lib/transport"
)

// Config is the Service's configuration.
type Config struct {
	HostKeyStore    hostkey.Store
	EventQueueSize  int
	HostKeyCacheSize int
	Clock           clockwork.Clock
	Log             *log.Entry
}

// CheckAndSetDefaults validates Config and fills in defaults, the way
// lib/teleterm/daemon.Config.CheckAndSetDefaults does.
func (c *Config) CheckAndSetDefaults() error {
	if c.HostKeyStore == nil {
		c.HostKeyStore = hostkey.NewMemStore()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField("component", "supervisor")
	}
	return nil
}

// Service is the top-level Connection Supervisor: one Event Bus and one
// instance of every component in §4, wired together and reacting to
// transport lifecycle events the way a Dispatcher-facing caller expects.
type Service struct {
	Config

	Bus        *events.Bus
	HostKeys   *hostkey.Verifier
	Transports *transport.Manager
	Shells     *shell.Manager
	SFTP       *sftp.Manager
	Forwards   *portforward.Manager
	SQL        *sqltunnel.Manager
	Reconnect  *reconnect.Controller

	statusCh <-chan events.Event
	unsub    events.Unsubscribe
	done     chan struct{}
}

// New builds a Service. Every component is constructed in the dependency
// order spec.md §2 names: stores, host-key verifier, transport, shell
// multiplexer, sftp engine, port-forward manager, reconnect controller.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}

	bus := events.New(cfg.EventQueueSize)

	verifier, err := hostkey.NewVerifier(cfg.HostKeyStore, bus, cfg.HostKeyCacheSize)
	if err != nil {
		return nil, err
	}

	transports := transport.NewManager(bus, verifier, cfg.Clock)
	shells := shell.NewManager(transports, bus)
	sftpMgr := sftp.NewManager(transports, bus, cfg.Clock)
	forwards := portforward.NewManager(transports, bus)
	sqlMgr := sqltunnel.NewManager(forwards)
	reconnectCtrl := reconnect.NewController(bus, transports, cfg.Clock)

	s := &Service{
		Config:     cfg,
		Bus:        bus,
		HostKeys:   verifier,
		Transports: transports,
		Shells:     shells,
		SFTP:       sftpMgr,
		Forwards:   forwards,
		SQL:        sqlMgr,
		Reconnect:  reconnectCtrl,
		done:       make(chan struct{}),
	}

	s.statusCh, s.unsub = bus.Subscribe(events.SSHStatusChange)
	go s.watchTransports()

	return s, nil
}

// Connect runs the Transport Manager's connect pipeline and, on success,
// registers the connection with the Reconnect Controller so a later
// unexpected drop is retried automatically (§4.1, §4.6).
func (s *Service) Connect(ctx context.Context, connectionID string, cfg transport.Config, rcfg reconnect.Config) error {
	if err := s.Transports.Connect(ctx, connectionID, cfg); err != nil {
		return err
	}
	s.Reconnect.Register(connectionID, cfg, rcfg)
	return nil
}

// Disconnect tears down connectionID's transport (which cascades to its
// shells, SFTP session and forward rules via watchTransports) and stops
// tracking it for reconnection.
func (s *Service) Disconnect(connectionID string) error {
	s.Reconnect.Unregister(connectionID)
	return s.Transports.Disconnect(connectionID)
}

// DisconnectAll tears down every live transport, used on process shutdown.
func (s *Service) DisconnectAll() {
	s.Transports.DisconnectAll()
}

// Close stops the Service's internal event watcher and the Reconnect
// Controller's owner goroutine.
func (s *Service) Close() {
	close(s.done)
	s.unsub()
	s.Reconnect.Close()
	s.Bus.Close()
}

// watchTransports reacts to ssh:status-change so that a Transport loss —
// whether from an explicit disconnect or an unexpected drop — cascades to
// every channel multiplexed over it, per §3 ("a Shell exists only while
// its Transport is connected") and §4.4 ("[a rule is] stopped on removal
// or transport loss").
func (s *Service) watchTransports() {
	for {
		select {
		case <-s.done:
			return
		case evt, ok := <-s.statusCh:
			if !ok {
				return
			}
			sc, ok := evt.Payload.(transport.StatusChange)
			if !ok {
				continue
			}
			if sc.Status != transport.StatusError && sc.Status != transport.StatusDisconnected {
				continue
			}
			s.Shells.CloseAllForConnection(evt.ConnectionID)
			s.SFTP.Close(evt.ConnectionID)
			s.Forwards.StopAllForConnection(evt.ConnectionID)
		}
	}
}
