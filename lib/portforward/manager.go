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

package portforward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	radix "github.com/armon/go-radix"
	log "github.com/sirupsen/logrus"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/events"
	"github.com/shellway/supervisor/lib/transport"
)

// Manager owns every ForwardRule across every Transport (§3, §4.4).
type Manager struct {
	transports *transport.Manager
	bus        *events.Bus
	log        *log.Entry

	mu    sync.Mutex
	rules map[string]*ruleHandle
	// index maps a rule's exact local bind address ("host:port") to its id,
	// keyed through a radix tree so a collision check or a "what's
	// listening here" lookup is O(log n) over the bound-address set instead
	// of a linear scan of every live rule.
	index *radix.Tree
}

type ruleHandle struct {
	rule       *Rule
	connID     string
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewManager creates a Port Forwarding Manager.
func NewManager(transports *transport.Manager, bus *events.Bus) *Manager {
	return &Manager{
		transports: transports,
		bus:        bus,
		log:        log.WithField("component", "portforward"),
		rules:      make(map[string]*ruleHandle),
		index:      radix.New(),
	}
}

// List returns a snapshot of every known rule.
func (m *Manager) List() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, h := range m.rules {
		out = append(out, *h.rule)
	}
	return out
}

// RuleForLocalAddr finds the rule bound to the exact local bind address,
// used by the presentation to answer "what's listening on this port"
// queries.
func (m *Manager) RuleForLocalAddr(addr string) (Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.index.Get(addr)
	if !ok {
		return Rule{}, false
	}
	h := m.rules[v.(string)]
	if h == nil {
		return Rule{}, false
	}
	return *h.rule, true
}

// StartLocal opens a LOCAL forward: listen on localAddr:localPort, dial
// destAddr:destPort through the transport for each accepted connection.
func (m *Manager) StartLocal(connectionID, ruleID, localAddr string, localPort int, destAddr string, destPort int) error {
	t, err := m.transports.Transport(connectionID)
	if err != nil {
		return err
	}

	bind := net.JoinHostPort(localAddr, portString(localPort))
	if localPort != 0 {
		if err := m.checkBindFree(bind); err != nil {
			return err
		}
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return errs.Wrap(errs.Network, err)
	}

	rule := &Rule{
		ID: ruleID, Kind: KindLocal,
		LocalAddr: localAddr, LocalPort: boundPort(ln),
		DestAddr: destAddr, DestPort: destPort,
		status: StatusActive, listener: ln,
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &ruleHandle{rule: rule, connID: connectionID, cancel: cancel, done: make(chan struct{})}
	m.register(h, net.JoinHostPort(localAddr, portString(rule.LocalPort)))

	m.publish(rule)
	dest := net.JoinHostPort(destAddr, portString(destPort))
	go func() {
		defer close(h.done)
		m.acceptLoop(ctx, rule, ln, func() (net.Conn, error) {
			client := t.SSHClient()
			if client == nil {
				return nil, errs.New(errs.NotConnected, "transport %s is not connected", connectionID)
			}
			return client.Dial("tcp", dest)
		})
	}()
	return nil
}

// StartRemote opens a REMOTE forward: ask the server (via tcpip-forward) to
// listen on remoteAddr:remotePort, dial destAddr:destPort locally for each
// connection the server hands back.
func (m *Manager) StartRemote(connectionID, ruleID, remoteAddr string, remotePort int, destAddr string, destPort int) error {
	t, err := m.transports.Transport(connectionID)
	if err != nil {
		return err
	}
	client := t.SSHClient()
	if client == nil {
		return errs.New(errs.NotConnected, "transport %s is not connected", connectionID)
	}

	ln, err := client.Listen("tcp", net.JoinHostPort(remoteAddr, portString(remotePort)))
	if err != nil {
		return errs.Wrap(errs.Network, err)
	}

	rule := &Rule{
		ID: ruleID, Kind: KindRemote,
		RemoteAddr: remoteAddr, RemotePort: boundPort(ln),
		DestAddr: destAddr, DestPort: destPort,
		status: StatusActive, listener: ln,
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &ruleHandle{rule: rule, connID: connectionID, cancel: cancel, done: make(chan struct{})}
	m.register(h, "")

	m.publish(rule)
	dest := net.JoinHostPort(destAddr, portString(destPort))
	dialer := net.Dialer{Timeout: 10 * time.Second}
	go func() {
		defer close(h.done)
		m.acceptLoop(ctx, rule, ln, func() (net.Conn, error) {
			return dialer.Dial("tcp", dest)
		})
	}()
	return nil
}

// StartDynamic opens a DYNAMIC forward: listen on localAddr:localPort
// speaking SOCKS5, dial whatever address each client requests through the
// transport.
func (m *Manager) StartDynamic(connectionID, ruleID, localAddr string, localPort int) error {
	t, err := m.transports.Transport(connectionID)
	if err != nil {
		return err
	}

	bind := net.JoinHostPort(localAddr, portString(localPort))
	if localPort != 0 {
		if err := m.checkBindFree(bind); err != nil {
			return err
		}
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return errs.Wrap(errs.Network, err)
	}

	rule := &Rule{
		ID: ruleID, Kind: KindDynamic,
		LocalAddr: localAddr, LocalPort: boundPort(ln),
		status: StatusActive, listener: ln,
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &ruleHandle{rule: rule, connID: connectionID, cancel: cancel, done: make(chan struct{})}
	m.register(h, net.JoinHostPort(localAddr, portString(rule.LocalPort)))

	m.publish(rule)
	go func() {
		defer close(h.done)
		m.dynamicAcceptLoop(ctx, rule, ln, t)
	}()
	return nil
}

// checkBindFree rejects a LOCAL/DYNAMIC rule whose exact bind address
// already belongs to a live rule, ahead of the net.Listen call (§11 domain
// stack: the radix index is consulted before the syscall, not just after).
// An exact Get, not LongestPrefix — bind addresses are fully-qualified
// "host:port" strings, and prefix matching across them would wrongly treat
// "127.0.0.1:80" as colliding with "127.0.0.1:8080".
func (m *Manager) checkBindFree(bindAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ruleID, ok := m.index.Get(bindAddr); ok {
		if _, live := m.rules[ruleID.(string)]; live {
			return errs.New(errs.InvalidArgument, "a forward rule is already bound to %s", bindAddr)
		}
	}
	return nil
}

func (m *Manager) register(h *ruleHandle, bindAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[h.rule.ID] = h
	if bindAddr != "" {
		m.index.Insert(bindAddr, h.rule.ID)
	}
}

// Stop tears down ruleID's listener and marks it stopped.
func (m *Manager) Stop(ruleID string) error {
	m.mu.Lock()
	h, ok := m.rules[ruleID]
	if ok {
		delete(m.rules, ruleID)
	}
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "no forward rule %s", ruleID)
	}

	h.cancel()
	if h.rule.listener != nil {
		h.rule.listener.Close()
	}
	<-h.done

	h.rule.status = StatusStopped
	m.publish(h.rule)
	return nil
}

// StopAllForConnection tears down every rule belonging to connectionID,
// called when its Transport disconnects (§3: "active iff ... parent
// Transport is connected").
func (m *Manager) StopAllForConnection(connectionID string) {
	m.mu.Lock()
	var ids []string
	for id, h := range m.rules {
		if h.connID == connectionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// acceptLoop is the generic LOCAL/REMOTE accept-and-splice loop, grounded
// on listenAndForward/proxyConnection. Per §4.4, "Accept errors other than
// 'listener closed' are logged; the rule stays active" — only a closed
// listener (Stop tore it down, or ctx was cancelled) ends the loop, any
// other Accept error is transient and the rule keeps accepting.
func (m *Manager) acceptLoop(ctx context.Context, rule *Rule, ln net.Listener, dial func() (net.Conn, error)) {
	for ctx.Err() == nil {
		conn, err := acceptWithContext(ctx, ln)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				m.fail(rule, err)
				return
			}
			m.log.WithField("rule", rule.ID).WithError(err).Warn("Accept failed on forward listener, continuing.")
			continue
		}
		go m.proxy(ctx, rule, conn, dial)
	}
}

func (m *Manager) dynamicAcceptLoop(ctx context.Context, rule *Rule, ln net.Listener, t *transport.Transport) {
	for ctx.Err() == nil {
		conn, err := acceptWithContext(ctx, ln)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				m.fail(rule, err)
				return
			}
			m.log.WithField("rule", rule.ID).WithError(err).Warn("Accept failed on dynamic forward listener, continuing.")
			continue
		}
		go func() {
			dest, err := socks5Handshake(conn)
			if err != nil {
				m.log.WithError(err).Warn("SOCKS5 handshake failed.")
				conn.Close()
				return
			}
			m.proxy(ctx, rule, conn, func() (net.Conn, error) {
				client := t.SSHClient()
				if client == nil {
					return nil, errs.New(errs.NotConnected, "transport is not connected")
				}
				return client.Dial("tcp", dest)
			})
		}()
	}
}

// proxy dials the destination and splices conn with it, grounded on the
// teacher's proxyConnection.
func (m *Manager) proxy(ctx context.Context, rule *Rule, conn net.Conn, dial func() (net.Conn, error)) {
	defer conn.Close()

	remote, err := dial()
	if err != nil {
		m.log.WithError(err).Warn("Failed to dial forward destination.")
		return
	}
	defer remote.Close()

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, remote)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(remote, conn)
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if err != nil && err != io.EOF && !strings.Contains(err.Error(), "use of closed network connection") {
				m.log.WithField("rule", rule.ID).WithError(err).Warn("Forward connection closed with error.")
			}
		case <-ctx.Done():
			return
		}
	}
}

func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errs.Wrap(errs.Network, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Cancelled, ctx.Err())
	}
}

func (m *Manager) fail(rule *Rule, err error) {
	rule.status = StatusError
	rule.lastErr = err
	m.publish(rule)
}

func (m *Manager) publish(rule *Rule) {
	sc := StatusChange{Status: rule.status}
	if rule.lastErr != nil {
		sc.Error = rule.lastErr.Error()
	}
	if rule.Kind == KindLocal || rule.Kind == KindDynamic {
		sc.BoundPort = rule.LocalPort
	} else if rule.Kind == KindRemote {
		sc.BoundPort = rule.RemotePort
	}
	m.bus.Publish(events.Event{Name: events.PortForwardStatus, RuleID: rule.ID, Payload: sc})
}

func boundPort(ln net.Listener) int {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func portString(p int) string {
	return fmt.Sprintf("%d", p)
}
