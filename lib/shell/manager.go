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

package shell

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/events"
	"github.com/shellway/supervisor/lib/transport"
)

const defaultTerminalType = "xterm-256color"

// TerminalData is the payload of a terminal:data event (§6).
type TerminalData struct {
	Data []byte `json:"data"`
}

// TerminalExit is the payload of a terminal:exit event (§6).
type TerminalExit struct {
	ExitCode int `json:"exitCode"`
}

// Manager owns every Shell across every Transport (§3, §4.2).
type Manager struct {
	transports *transport.Manager
	bus        *events.Bus
	log        *log.Entry

	mu     sync.Mutex
	shells map[string]*shellHandle
}

type shellHandle struct {
	shell   *Shell
	session *ssh.Session
}

// NewManager creates a Shell Multiplexer.
func NewManager(transports *transport.Manager, bus *events.Bus) *Manager {
	return &Manager{
		transports: transports,
		bus:        bus,
		log:        log.WithField("component", "shell"),
		shells:     make(map[string]*shellHandle),
	}
}

// Open allocates an SSH session channel, requests a PTY, applies the
// filtered environment, and starts the shell or configured command
// (§4.2).
func (m *Manager) Open(req OpenRequest) error {
	t, err := m.transports.Transport(req.ConnectionID)
	if err != nil {
		return err
	}
	client := t.SSHClient()
	if client == nil {
		return errs.New(errs.NotConnected, "transport %s is not connected", req.ConnectionID)
	}

	session, err := client.NewSession()
	if err != nil {
		return errs.Wrap(errs.Network, err)
	}

	termType := req.TerminalType
	if termType == "" {
		termType = defaultTerminalType
	}
	cols := req.Cols
	if cols == 0 {
		cols = 80
	}
	cols = clamp(cols, 1, 1000)
	rows := req.Rows
	if rows == 0 {
		rows = 24
	}
	rows = clamp(rows, 1, 1000)

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType, rows, cols, modes); err != nil {
		session.Close()
		return errs.Wrap(errs.Protocol, err)
	}

	for k, v := range filterEnv(req.Env) {
		_ = session.Setenv(k, v) // best-effort: many servers reject SetEnv entirely
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return errs.Wrap(errs.Protocol, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return errs.Wrap(errs.Protocol, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return errs.Wrap(errs.Protocol, err)
	}

	sh := &Shell{ID: req.ShellID, ConnectionID: req.ConnectionID, status: StatusOpening, cols: cols, rows: rows, session: session, stdin: stdin}

	argv, err := splitShellCommand(req.ShellCommand)
	if err != nil {
		session.Close()
		return err
	}
	if len(argv) > 0 {
		err = session.Start(req.ShellCommand)
	} else {
		err = session.Shell()
	}
	if err != nil {
		session.Close()
		return errs.Wrap(errs.Protocol, err)
	}

	h := &shellHandle{shell: sh, session: session}
	m.mu.Lock()
	m.shells[req.ShellID] = h
	m.mu.Unlock()

	sh.setStatus(StatusOpen)

	go m.pumpOut(sh, stdout, &sh.bytesOut)
	go m.pumpOut(sh, stderr, &sh.bytesOut)
	go m.runStartup(sh, stdin, req.StartupCommands)
	go m.waitExit(sh, session)

	return nil
}

// pumpOut is the out-pump: reads chunks as they arrive and emits
// terminal:data, counting bytes into the Shell's own output counter.
func (m *Manager) pumpOut(sh *Shell, r io.Reader, counter *int64) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			atomic.AddInt64(counter, int64(n))
			m.bus.Publish(events.Event{
				Name:         events.TerminalData,
				ConnectionID: sh.ConnectionID,
				ShellID:      sh.ID,
				Payload:      TerminalData{Data: chunk},
			})
		}
		if err != nil {
			return
		}
	}
}

// runStartup plays back the ordered startup-command list, honoring each
// command's delay (§3 "startup commands (ordered, with per-command delay
// and wait-for-prompt flag)"). Prompt detection isn't attempted here — that
// belongs to the presentation, which observes terminal:data. WaitForPrompt
// is not read: every command is written after its DelayMs, whatever the
// flag says.
func (m *Manager) runStartup(sh *Shell, stdin io.Writer, commands []StartupCommand) {
	for _, cmd := range commands {
		if sh.Status() != StatusOpen {
			return
		}
		if cmd.DelayMs > 0 {
			time.Sleep(time.Duration(cmd.DelayMs) * time.Millisecond)
		}
		if _, err := stdin.Write([]byte(cmd.Command + "\n")); err != nil {
			return
		}
	}
}

func (m *Manager) waitExit(sh *Shell, session *ssh.Session) {
	err := session.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			exitCode = -1
		}
	}
	sh.setStatus(StatusClosed)
	m.bus.Publish(events.Event{
		Name:         events.TerminalExit,
		ConnectionID: sh.ConnectionID,
		ShellID:      sh.ID,
		Payload:      TerminalExit{ExitCode: exitCode},
	})
	m.mu.Lock()
	delete(m.shells, sh.ID)
	m.mu.Unlock()
}

// Write forwards a writeShell payload to the channel unmodified — snippet
// expansion is the presentation's concern (§4.2).
func (m *Manager) Write(shellID string, data []byte) error {
	h, err := m.get(shellID)
	if err != nil {
		return err
	}
	if h.shell.Status() != StatusOpen {
		return errs.New(errs.InvalidArgument, "shell %s is not open", shellID)
	}
	n, err := h.shell.stdin.Write(data)
	if err != nil {
		return errs.Wrap(errs.Network, err)
	}
	atomic.AddInt64(&h.shell.bytesIn, int64(n))
	return nil
}

// Resize sends a window-change request, clamped to [1,1000]x[1,1000] and
// ignored while the shell isn't open (§4.2).
func (m *Manager) Resize(shellID string, cols, rows int) error {
	h, err := m.get(shellID)
	if err != nil {
		return err
	}
	if h.shell.Status() != StatusOpen {
		return nil
	}
	cols = clamp(cols, 1, 1000)
	rows = clamp(rows, 1, 1000)
	if err := h.session.WindowChange(rows, cols); err != nil {
		return errs.Wrap(errs.Protocol, err)
	}
	h.shell.mu.Lock()
	h.shell.cols, h.shell.rows = cols, rows
	h.shell.mu.Unlock()
	return nil
}

// Close closes a Shell's underlying session.
func (m *Manager) Close(shellID string) error {
	h, err := m.get(shellID)
	if err != nil {
		return err
	}
	h.shell.setStatus(StatusClosed)
	return errs.Wrap(errs.Network, h.session.Close())
}

// CloseAllForConnection closes every Shell belonging to connectionID, used
// when its Transport disconnects (§3: "closing the Transport closes all
// Shells").
func (m *Manager) CloseAllForConnection(connectionID string) {
	m.mu.Lock()
	var ids []string
	for id, h := range m.shells {
		if h.shell.ConnectionID == connectionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

func (m *Manager) get(shellID string) (*shellHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.shells[shellID]
	if !ok {
		return nil, errs.New(errs.NotFound, "no shell %s", shellID)
	}
	return h, nil
}
