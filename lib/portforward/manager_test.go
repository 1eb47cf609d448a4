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
	"net"
	"sync"
	"testing"
	"time"

	radix "github.com/armon/go-radix"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/shellway/supervisor/lib/events"
)

func newTestManager() *Manager {
	return &Manager{
		bus:   events.New(16),
		log:   log.WithField("component", "portforward"),
		rules: make(map[string]*ruleHandle),
		index: radix.New(),
	}
}

// Collision rejection: a second LOCAL rule bound
// to an address a live rule already owns must be rejected before the
// net.Listen syscall, not discovered afterward via an EADDRINUSE race.
func TestCheckBindFreeRejectsLiveCollision(t *testing.T) {
	m := newTestManager()
	h := &ruleHandle{rule: &Rule{ID: "r1", Kind: KindLocal, LocalAddr: "127.0.0.1", LocalPort: 8080}}
	m.rules["r1"] = h
	m.index.Insert("127.0.0.1:8080", "r1")

	err := m.checkBindFree("127.0.0.1:8080")
	require.Error(t, err)
}

func TestCheckBindFreeAllowsDistinctPrefixedPorts(t *testing.T) {
	m := newTestManager()
	h := &ruleHandle{rule: &Rule{ID: "r1", Kind: KindLocal, LocalAddr: "127.0.0.1", LocalPort: 80}}
	m.rules["r1"] = h
	m.index.Insert("127.0.0.1:80", "r1")

	// "127.0.0.1:80" is a textual prefix of "127.0.0.1:8080" but a distinct
	// port; an exact-match check must not treat these as colliding.
	require.NoError(t, m.checkBindFree("127.0.0.1:8080"))
}

func TestCheckBindFreeAllowsAfterRuleRemoved(t *testing.T) {
	m := newTestManager()
	h := &ruleHandle{rule: &Rule{ID: "r1", Kind: KindLocal, LocalAddr: "127.0.0.1", LocalPort: 8080}}
	m.rules["r1"] = h
	m.index.Insert("127.0.0.1:8080", "r1")
	delete(m.rules, "r1")

	require.NoError(t, m.checkBindFree("127.0.0.1:8080"))
}

func TestRuleForLocalAddrExactMatch(t *testing.T) {
	m := newTestManager()
	h := &ruleHandle{rule: &Rule{ID: "r1", Kind: KindLocal, LocalAddr: "127.0.0.1", LocalPort: 8080}}
	m.rules["r1"] = h
	m.index.Insert("127.0.0.1:8080", "r1")

	rule, ok := m.RuleForLocalAddr("127.0.0.1:8080")
	require.True(t, ok)
	require.Equal(t, "r1", rule.ID)

	_, ok = m.RuleForLocalAddr("127.0.0.1:80")
	require.False(t, ok)
}

func TestListReturnsSnapshotOfEveryRule(t *testing.T) {
	m := newTestManager()
	m.rules["a"] = &ruleHandle{rule: &Rule{ID: "a", Kind: KindLocal}}
	m.rules["b"] = &ruleHandle{rule: &Rule{ID: "b", Kind: KindRemote}}

	rules := m.List()
	require.Len(t, rules, 2)
}

func TestStopUnknownRuleIsNotFound(t *testing.T) {
	m := newTestManager()
	err := m.Stop("missing")
	require.Error(t, err)
}

// scriptedListener hands back a fixed sequence of Accept errors, then
// net.ErrClosed once the script is exhausted.
type scriptedListener struct {
	mu      sync.Mutex
	errs    []error
	accepts int
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepts++
	if len(l.errs) == 0 {
		return nil, net.ErrClosed
	}
	err := l.errs[0]
	l.errs = l.errs[1:]
	return nil, err
}

func (l *scriptedListener) Close() error   { return nil }
func (l *scriptedListener) Addr() net.Addr { return &net.TCPAddr{} }

func (l *scriptedListener) acceptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accepts
}

// §4.4: "Accept errors other than 'listener closed' are logged; the rule
// stays active." A transient Accept error must not end the loop or mark
// the rule failed — only a closed listener should.
func TestAcceptLoopSurvivesTransientErrorAndStopsOnClosedListener(t *testing.T) {
	m := newTestManager()
	rule := &Rule{ID: "r1", Kind: KindLocal, status: StatusActive}
	ln := &scriptedListener{errs: []error{errors.New("econnaborted"), errors.New("emfile")}}

	done := make(chan struct{})
	go func() {
		m.acceptLoop(context.Background(), rule, ln, func() (net.Conn, error) { return nil, nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptLoop did not return after the listener closed")
	}

	require.Equal(t, StatusError, rule.status)
	require.GreaterOrEqual(t, ln.acceptCount(), 3)
}
