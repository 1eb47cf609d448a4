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
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/events"
	"github.com/shellway/supervisor/lib/hostkey"
)

// StatusChange is the payload of an ssh:status-change event (§6).
type StatusChange struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AuthAttempt is the payload of an ssh:auth event (§6).
type AuthAttempt struct {
	Method  string `json:"method"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Manager owns every live Transport, mirroring the one-transport-per-
// connection invariant of §3. It is the entry point used by the
// Dispatcher and, after a drop, by the Reconnect Controller.
type Manager struct {
	bus      *events.Bus
	verifier *hostkey.Verifier
	clock    clockwork.Clock
	log      *log.Entry

	kbdi *kbdiSlots

	mu         sync.RWMutex
	transports map[string]*Transport
}

// NewManager creates a Transport Manager. clock defaults to the real clock
// when nil, so production callers don't need to know clockwork exists.
func NewManager(bus *events.Bus, verifier *hostkey.Verifier, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		bus:        bus,
		verifier:   verifier,
		clock:      clock,
		log:        log.WithField("component", "transport"),
		kbdi:       newKBDISlots(),
		transports: make(map[string]*Transport),
	}
}

// IsConnected reports whether connectionID has a live, connected Transport.
func (m *Manager) IsConnected(connectionID string) bool {
	m.mu.RLock()
	t, ok := m.transports[connectionID]
	m.mu.RUnlock()
	return ok && t.Status() == StatusConnected
}

// GetHealth returns the Transport's health snapshot (§4.1).
func (m *Manager) GetHealth(connectionID string) (*Health, error) {
	m.mu.RLock()
	t, ok := m.transports[connectionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotConnected, "no transport for %s", connectionID)
	}
	return t.health(), nil
}

// Transport returns the live *Transport for connectionID, used by Shell,
// SFTP and Port-Forwarding to obtain the underlying *ssh.Client.
func (m *Manager) Transport(connectionID string) (*Transport, error) {
	m.mu.RLock()
	t, ok := m.transports[connectionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotConnected, "no transport for %s", connectionID)
	}
	return t, nil
}

// RespondHostKey forwards the presentation's host-key decision.
func (m *Manager) RespondHostKey(connectionID string, action hostkey.Action) error {
	return m.verifier.Respond(connectionID, action)
}

// RespondKBDI forwards the presentation's keyboard-interactive answers.
func (m *Manager) RespondKBDI(connectionID string, answers []string) error {
	return m.kbdi.Respond(connectionID, answers)
}

// Connect runs the full §4.1 connect pipeline: proxy resolution, TCP dial,
// SSH handshake with host-key verification, authentication, then starts
// the keepalive/latency sampler. It replaces any existing Transport for
// connectionID.
func (m *Manager) Connect(ctx context.Context, connectionID string, cfg Config) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return err
	}

	m.mu.Lock()
	if old, ok := m.transports[connectionID]; ok {
		m.teardown(old)
	}
	t := newTransport(connectionID, cfg)
	m.transports[connectionID] = t
	m.mu.Unlock()

	m.verifier.OpenSlot(connectionID)
	m.kbdi.open(connectionID)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	t.setStatus(StatusConnecting)
	m.publishStatus(t)
	m.log.WithField("connection_id", connectionID).Debug("Connecting.")

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	conn, err := dialThroughProxy(connectCtx, cfg.Proxy, addr, cfg.ConnectTimeout)
	if err != nil {
		m.fail(t, err)
		return err
	}

	cc := &countingConn{Conn: conn, in: &t.bytesIn, out: &t.bytesOut}

	t.setStatus(StatusAuthenticating)
	m.publishStatus(t)

	sshConfig, err := m.buildClientConfig(connectCtx, t, cfg)
	if err != nil {
		cc.Close()
		m.fail(t, err)
		return err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(cc, addr, sshConfig)
	if err != nil {
		cc.Close()
		wrapped := classifyHandshakeError(err)
		m.fail(t, wrapped)
		return wrapped
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	t.sshClient = client
	t.connectedAt = m.clock.Now()
	t.mu.Unlock()
	t.setVersions(string(sshConn.ServerVersion()), string(sshConn.ClientVersion()))

	runCtx, runCancel := context.WithCancel(context.Background())
	t.cancel = runCancel
	t.keepaliveDone = make(chan struct{})

	t.setStatus(StatusConnected)
	m.publishStatus(t)

	go m.keepaliveLoop(runCtx, t)

	return nil
}

// buildClientConfig assembles the *ssh.ClientConfig, wiring the host-key
// callback to the Verifier and the auth methods to cfg.Auth (§4.1 steps
// 3-5).
func (m *Manager) buildClientConfig(ctx context.Context, t *Transport, cfg Config) (*ssh.ClientConfig, error) {
	methods, err := m.authMethods(ctx, t.ID, cfg.Auth)
	if err != nil {
		return nil, err
	}

	sc := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            methods,
		Timeout:         cfg.ConnectTimeout,
		BannerCallback: func(message string) error {
			t.setBanner(message)
			m.bus.Publish(events.Event{
				Name:         events.SSHBanner,
				ConnectionID: t.ID,
				Payload:      message,
			})
			return nil
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return m.verifier.Verify(ctx, t.ID, cfg.Host, cfg.Port, key.Type(), key.Marshal())
		},
	}

	if len(cfg.Overrides.Ciphers) > 0 {
		sc.Config.Ciphers = cfg.Overrides.Ciphers
	}
	if len(cfg.Overrides.KeyExchanges) > 0 {
		sc.Config.KeyExchanges = cfg.Overrides.KeyExchanges
	}
	if len(cfg.Overrides.MACs) > 0 {
		sc.Config.MACs = cfg.Overrides.MACs
	}
	if len(cfg.Overrides.HostKeyAlgorithms) > 0 {
		sc.HostKeyAlgorithms = cfg.Overrides.HostKeyAlgorithms
	}

	return sc, nil
}

// authMethods builds the ssh.AuthMethod list, trying cfg.InitialMethod
// first and falling back to the remaining configured methods (§4.1 step
// 5: "the intersection of server-advertised and config-permitted methods,
// trying the configured initial method first").
func (m *Manager) authMethods(ctx context.Context, connectionID string, cfg AuthConfig) ([]ssh.AuthMethod, error) {
	var ordered []ssh.AuthMethod
	var rest []ssh.AuthMethod

	add := func(name string, method ssh.AuthMethod) {
		if name == cfg.InitialMethod {
			ordered = append(ordered, method)
		} else {
			rest = append(rest, method)
		}
	}

	if cfg.PrivateKeyData != nil || cfg.PrivateKeyPath != "" {
		signer, err := loadSigner(cfg)
		if err != nil {
			return nil, err
		}
		add("publickey", ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		add("password", ssh.Password(cfg.Password))
	}
	if cfg.Agent {
		if method, err := agentAuthMethod(); err == nil {
			add("agent", method)
		} else {
			m.log.WithError(err).Debug("agent auth requested but unavailable")
		}
	}
	add("keyboard-interactive", ssh.KeyboardInteractive(m.challenge(ctx, connectionID)))

	methods := append(ordered, rest...)
	if len(methods) == 0 {
		return nil, errs.New(errs.InvalidArgument, "no usable authentication method configured")
	}
	return methods, nil
}

// agentAuthMethod dials SSH_AUTH_SOCK and returns an auth method backed by
// whatever keys the running agent holds (§4.1 step 5: "agent (if
// configured)").
func agentAuthMethod() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errs.New(errs.InvalidArgument, "SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, errs.Wrap(errs.Network, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func loadSigner(cfg AuthConfig) (ssh.Signer, error) {
	data := cfg.PrivateKeyData
	if data == nil {
		b, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, err)
		}
		data = b
	}
	if cfg.Passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, []byte(cfg.Passphrase))
		if err != nil {
			return nil, errs.Wrap(errs.Auth, err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, errs.Wrap(errs.Auth, err)
	}
	return signer, nil
}

// classifyHandshakeError maps a raw ssh handshake failure to the closest
// §7 error kind, distinguishing an auth rejection from a host-key failure
// or a generic protocol break.
func classifyHandshakeError(err error) error {
	if _, ok := err.(*ssh.ExitError); ok {
		return errs.Wrap(errs.Protocol, err)
	}
	if errs.KindOf(err) == errs.HostKey {
		return err
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "unable to authenticate", "no supported methods remain"):
		return errs.Wrap(errs.Auth, err)
	case containsAny(msg, "host key"):
		return errs.Wrap(errs.HostKey, err)
	default:
		return errs.Wrap(errs.Network, err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// keepaliveLoop sends periodic keepalive requests and samples round-trip
// latency, incrementing a miss counter that resets only on a successful
// reply (resolving the spec's Open Question on keepalive accounting).
// Reaching cfg.KeepAliveMaxMissed consecutive misses hands the connection
// to the caller as a drop by closing the underlying client.
func (m *Manager) keepaliveLoop(ctx context.Context, t *Transport) {
	defer close(t.keepaliveDone)

	ticker := m.clock.NewTicker(t.Config.KeepAliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			client := t.SSHClient()
			if client == nil {
				return
			}
			start := m.clock.Now()
			_, _, err := client.SendRequest("keepalive@shellway", true, nil)
			if err != nil {
				missed++
				m.log.WithField("connection_id", t.ID).WithField("missed", missed).Warn("Keepalive failed.")
				if missed >= t.Config.KeepAliveMaxMissed {
					m.drop(t, errs.New(errs.Network, "missed %d consecutive keepalives", missed))
					return
				}
				continue
			}
			missed = 0
			t.recordLatency(m.clock.Now().Sub(start))
		}
	}
}

// drop marks t as errored and publishes the transition. The Reconnect
// Controller, subscribed to ssh:status-change, picks this up and begins
// its backoff sequence (§4.6).
func (m *Manager) drop(t *Transport, cause error) {
	t.setError(cause)
	t.setStatus(StatusError)
	m.publishStatus(t)
	if t.SSHClient() != nil {
		t.SSHClient().Close()
	}
}

func (m *Manager) fail(t *Transport, err error) {
	t.setError(err)
	t.setStatus(StatusError)
	m.publishStatus(t)
}

func (m *Manager) publishStatus(t *Transport) {
	sc := StatusChange{Status: t.Status()}
	t.mu.RLock()
	if t.lastErr != nil {
		sc.Error = t.lastErr.Error()
	}
	t.mu.RUnlock()
	m.bus.Publish(events.Event{Name: events.SSHStatusChange, ConnectionID: t.ID, Payload: sc})
}

// Disconnect tears down connectionID's transport and removes it.
func (m *Manager) Disconnect(connectionID string) error {
	m.mu.Lock()
	t, ok := m.transports[connectionID]
	if ok {
		delete(m.transports, connectionID)
	}
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.NotConnected, "no transport for %s", connectionID)
	}
	m.teardown(t)
	return nil
}

// DisconnectAll tears down every live transport, used on supervisor
// shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	all := m.transports
	m.transports = make(map[string]*Transport)
	m.mu.Unlock()

	for _, t := range all {
		m.teardown(t)
	}
}

func (m *Manager) teardown(t *Transport) {
	if t.cancel != nil {
		t.cancel()
	}
	if t.SSHClient() != nil {
		t.SSHClient().Close()
	}
	t.setStatus(StatusDisconnected)
	m.publishStatus(t)
	m.verifier.CloseSlot(t.ID)
	m.kbdi.close(t.ID)
}
