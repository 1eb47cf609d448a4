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
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// Status is a Transport's lifecycle state (§3).
type Status string

const (
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusConnected      Status = "connected"
	StatusReconnecting   Status = "reconnecting"
	StatusDisconnected   Status = "disconnected"
	StatusError          Status = "error"
)

const defaultLatencyWindow = 60

// Transport is the authenticated SSH session backing one ConnectionId. At
// most one Transport exists per ConnectionId (§3 invariant); byte counters
// are monotonic while Status == connected.
type Transport struct {
	ID     string
	Config Config

	mu            sync.RWMutex
	status        Status
	banner        string
	serverVersion string
	clientVersion string
	connectedAt   time.Time
	lastErr       error

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	latencyMu  sync.Mutex
	latency    []time.Duration
	latencyCap int

	sshClient  *ssh.Client
	cancel     context.CancelFunc
	keepaliveDone chan struct{}
}

func newTransport(id string, cfg Config) *Transport {
	cap := cfg.LatencyWindow
	if cap <= 0 {
		cap = defaultLatencyWindow
	}
	return &Transport{
		ID:         id,
		Config:     cfg,
		status:     StatusConnecting,
		latencyCap: cap,
	}
}

func (t *Transport) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// Status returns the current lifecycle status.
func (t *Transport) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Transport) setBanner(b string) {
	t.mu.Lock()
	t.banner = b
	t.mu.Unlock()
}

func (t *Transport) setVersions(server, client string) {
	t.mu.Lock()
	t.serverVersion = server
	t.clientVersion = client
	t.mu.Unlock()
}

func (t *Transport) setError(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

func (t *Transport) recordLatency(d time.Duration) {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	t.latency = append(t.latency, d)
	if len(t.latency) > t.latencyCap {
		t.latency = t.latency[len(t.latency)-t.latencyCap:]
	}
}

// Health is the snapshot returned by Manager.GetHealth (§4.1).
type Health struct {
	ConnectedAt     time.Time
	LatencyMs       int64
	LatencyHistory  []int64
	BytesIn         int64
	BytesOut        int64
	ServerVersion   string
	ClientVersion   string
	Banner          string
	Status          Status
}

func (t *Transport) health() *Health {
	t.mu.RLock()
	h := &Health{
		ConnectedAt:   t.connectedAt,
		ServerVersion: t.serverVersion,
		ClientVersion: t.clientVersion,
		Banner:        t.banner,
		Status:        t.status,
		BytesIn:       t.bytesIn.Load(),
		BytesOut:      t.bytesOut.Load(),
	}
	t.mu.RUnlock()

	t.latencyMu.Lock()
	h.LatencyHistory = make([]int64, len(t.latency))
	for i, d := range t.latency {
		h.LatencyHistory[i] = d.Milliseconds()
	}
	if len(t.latency) > 0 {
		h.LatencyMs = t.latency[len(t.latency)-1].Milliseconds()
	}
	t.latencyMu.Unlock()

	return h
}

// SSHClient returns the underlying *ssh.Client for use by Shell, SFTP and
// Port-Forwarding components. Returns nil if not connected.
func (t *Transport) SSHClient() *ssh.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sshClient
}
