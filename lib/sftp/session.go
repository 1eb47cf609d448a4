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

// Package sftp implements the SFTP Session + Transfer Engine (§4.3): a
// synchronous filesystem-operations facade plus a queued, worker-pooled
// transfer engine, grounded on the teacher's client-side SFTP subsystem
// (lib/sshutils/sftp) which wraps github.com/pkg/sftp the same way.
package sftp

import (
	"context"
	"io"
	"os"
	"os/user"
	"path"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/events"
	"github.com/shellway/supervisor/lib/transport"
)

const recursiveWalkConcurrency = 4

// defaultReadFileCap is the size above which readFile refuses with
// too-large (§4.3).
const defaultReadFileCap = 10 * 1024 * 1024

// Session is one SFTP subsystem attached to a Transport (§3).
type Session struct {
	ConnectionID string
	client       *sftp.Client
	readFileCap  int64

	transfers *Engine
}

// Manager owns every open Session, one per Transport (§3).
type Manager struct {
	transports *transport.Manager
	bus        *events.Bus
	clock      clockwork.Clock
	log        *log.Entry

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an SFTP Session Manager. clock defaults to the real
// clock when nil; tests inject a clockwork.NewFakeClock() to drive the
// transfer engine's stall detector (§5) without real sleeps.
func NewManager(transports *transport.Manager, bus *events.Bus, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		transports: transports,
		bus:        bus,
		clock:      clock,
		log:        log.WithField("component", "sftp"),
		sessions:   make(map[string]*Session),
	}
}

// Open starts the SFTP subsystem on connectionID's transport.
func (m *Manager) Open(connectionID string, transferConcurrency int, bandwidthLimitKBps int) error {
	t, err := m.transports.Transport(connectionID)
	if err != nil {
		return err
	}
	client := t.SSHClient()
	if client == nil {
		return errs.New(errs.NotConnected, "transport %s is not connected", connectionID)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return errs.Wrap(errs.Protocol, err)
	}

	sess := &Session{
		ConnectionID: connectionID,
		client:       sftpClient,
		readFileCap:  defaultReadFileCap,
	}
	sess.transfers = newEngine(sess, m.bus, m.clock, transferConcurrency, bandwidthLimitKBps)

	m.mu.Lock()
	m.sessions[connectionID] = sess
	m.mu.Unlock()
	return nil
}

// Close stops the SFTP subsystem and cancels its transfer engine.
func (m *Manager) Close(connectionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[connectionID]
	if ok {
		delete(m.sessions, connectionID)
	}
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "no sftp session for %s", connectionID)
	}
	sess.transfers.shutdown()
	return errs.Wrap(errs.Network, sess.client.Close())
}

func (m *Manager) session(connectionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[connectionID]
	if !ok {
		return nil, errs.New(errs.NotConnected, "no sftp session for %s", connectionID)
	}
	return sess, nil
}

// Readdir lists a remote directory.
func (m *Manager) Readdir(connectionID, dir string) ([]os.FileInfo, error) {
	sess, err := m.session(connectionID)
	if err != nil {
		return nil, err
	}
	entries, err := sess.client.ReadDir(dir)
	if err != nil {
		return nil, classifySFTPError(err)
	}
	return entries, nil
}

// Stat stats a remote path.
func (m *Manager) Stat(connectionID, p string) (os.FileInfo, error) {
	sess, err := m.session(connectionID)
	if err != nil {
		return nil, err
	}
	info, err := sess.client.Stat(p)
	if err != nil {
		return nil, classifySFTPError(err)
	}
	return info, nil
}

// Mkdir creates a remote directory.
func (m *Manager) Mkdir(connectionID, p string) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	if err := sess.client.Mkdir(p); err != nil {
		return classifySFTPError(err)
	}
	return nil
}

// Unlink removes a remote file.
func (m *Manager) Unlink(connectionID, p string) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	if err := sess.client.Remove(p); err != nil {
		return classifySFTPError(err)
	}
	return nil
}

// Rename renames/moves a remote path.
func (m *Manager) Rename(connectionID, oldPath, newPath string) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	if err := sess.client.Rename(oldPath, newPath); err != nil {
		return classifySFTPError(err)
	}
	return nil
}

// Symlink creates a remote symlink.
func (m *Manager) Symlink(connectionID, target, linkPath string) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	if err := sess.client.Symlink(target, linkPath); err != nil {
		return classifySFTPError(err)
	}
	return nil
}

// Realpath resolves a remote path.
func (m *Manager) Realpath(connectionID, p string) (string, error) {
	sess, err := m.session(connectionID)
	if err != nil {
		return "", err
	}
	resolved, err := sess.client.RealPath(p)
	if err != nil {
		return "", classifySFTPError(err)
	}
	return resolved, nil
}

// Chmod sets permissions on a remote path, optionally recursive.
func (m *Manager) Chmod(ctx context.Context, connectionID, p string, mode os.FileMode, recursive bool) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	if err := sess.client.Chmod(p, mode); err != nil {
		return classifySFTPError(err)
	}
	if !recursive {
		return nil
	}
	return walkBreadthFirst(ctx, sess.client, p, func(entryPath string) error {
		return sess.client.Chmod(entryPath, mode)
	})
}

// Rmdir removes a remote directory, optionally recursive.
func (m *Manager) Rmdir(ctx context.Context, connectionID, p string, recursive bool) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	if !recursive {
		if err := sess.client.RemoveDirectory(p); err != nil {
			return classifySFTPError(err)
		}
		return nil
	}
	if err := walkBreadthFirstPostOrder(ctx, sess.client, p, func(entryPath string, isDir bool) error {
		if isDir {
			return sess.client.RemoveDirectory(entryPath)
		}
		return sess.client.Remove(entryPath)
	}); err != nil {
		return err
	}
	return nil
}

// ReadFile reads a remote file, refusing anything over the configured cap
// (§4.3).
func (m *Manager) ReadFile(connectionID, p string) ([]byte, error) {
	sess, err := m.session(connectionID)
	if err != nil {
		return nil, err
	}
	info, err := sess.client.Stat(p)
	if err != nil {
		return nil, classifySFTPError(err)
	}
	if info.Size() > sess.readFileCap {
		return nil, errs.New(errs.TooLarge, "%s is %d bytes, exceeding the %d byte cap", p, info.Size(), sess.readFileCap)
	}
	f, err := sess.client.Open(p)
	if err != nil {
		return nil, classifySFTPError(err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errs.Wrap(errs.Network, err)
	}
	return data, nil
}

// WriteFile writes a remote file atomically via a ${path}.tmp + rename
// (§4.3).
func (m *Manager) WriteFile(connectionID, p string, data []byte) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	f, err := sess.client.Create(tmp)
	if err != nil {
		return classifySFTPError(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		sess.client.Remove(tmp)
		return errs.Wrap(errs.Network, err)
	}
	if err := f.Close(); err != nil {
		sess.client.Remove(tmp)
		return errs.Wrap(errs.Network, err)
	}
	if err := sess.client.Rename(tmp, p); err != nil {
		sess.client.Remove(tmp)
		return classifySFTPError(err)
	}
	return nil
}

// Download queues a remote-to-local transfer on connectionID's engine.
func (m *Manager) Download(connectionID, transferID, remote, local string, totalBytes int64) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	sess.transfers.Download(transferID, remote, local, totalBytes)
	return nil
}

// Upload queues a local-to-remote transfer on connectionID's engine.
func (m *Manager) Upload(connectionID, transferID, local, remote string, totalBytes int64) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	sess.transfers.Upload(transferID, local, remote, totalBytes)
	return nil
}

// TransferPause pauses an in-flight transfer.
func (m *Manager) TransferPause(connectionID, transferID string) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	return sess.transfers.Pause(transferID)
}

// TransferResume resumes a paused transfer.
func (m *Manager) TransferResume(connectionID, transferID string) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	return sess.transfers.Resume(transferID)
}

// TransferCancel cancels a transfer, deleting its partial destination on
// downloads (§4.3).
func (m *Manager) TransferCancel(connectionID, transferID string) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	return sess.transfers.Cancel(transferID)
}

// TransferRetry re-queues a failed or cancelled transfer.
func (m *Manager) TransferRetry(connectionID, transferID string) error {
	sess, err := m.session(connectionID)
	if err != nil {
		return err
	}
	return sess.transfers.Retry(transferID)
}

// TransferList returns a snapshot of every transfer tracked on
// connectionID's engine.
func (m *Manager) TransferList(connectionID string) ([]TransferItem, error) {
	sess, err := m.session(connectionID)
	if err != nil {
		return nil, err
	}
	return sess.transfers.List(), nil
}

// LocalReaddir lists a local directory, for the presentation's local-side
// file picker.
func (m *Manager) LocalReaddir(p string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, err)
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// LocalHomedir returns the local user's home directory.
func (m *Manager) LocalHomedir() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", errs.Wrap(errs.NotFound, err)
	}
	return u.HomeDir, nil
}

// classifySFTPError maps pkg/sftp's sentinel errors to this codebase's
// error kinds.
func classifySFTPError(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case os.ErrNotExist:
		return errs.Wrap(errs.NotFound, err)
	case os.ErrExist:
		return errs.Wrap(errs.Exists, err)
	case os.ErrPermission:
		return errs.Wrap(errs.Permission, err)
	}
	if se, ok := err.(*sftp.StatusError); ok {
		switch se.Code {
		case 2: // SSH_FX_NO_SUCH_FILE
			return errs.Wrap(errs.NotFound, err)
		case 3: // SSH_FX_PERMISSION_DENIED
			return errs.Wrap(errs.Permission, err)
		}
	}
	return errs.Wrap(errs.Protocol, err)
}

// walkBreadthFirst applies fn to every descendant of root (root excluded),
// bounded to recursiveWalkConcurrency packets in flight; the first error
// aborts the walk (§4.3).
func walkBreadthFirst(ctx context.Context, client *sftp.Client, root string, fn func(entryPath string) error) error {
	sem := semaphore.NewWeighted(recursiveWalkConcurrency)

	queue := []string{root}
	for len(queue) > 0 {
		var next []string
		group, gctx := errgroup.WithContext(ctx)
		for _, dir := range queue {
			entries, err := client.ReadDir(dir)
			if err != nil {
				return classifySFTPError(err)
			}
			for _, e := range entries {
				entryPath := path.Join(dir, e.Name())
				if e.IsDir() {
					next = append(next, entryPath)
				}
				if err := sem.Acquire(gctx, 1); err != nil {
					return errs.Wrap(errs.Cancelled, err)
				}
				group.Go(func() error {
					defer sem.Release(1)
					if err := fn(entryPath); err != nil {
						return classifySFTPError(err)
					}
					return nil
				})
			}
		}
		if err := group.Wait(); err != nil {
			return err
		}
		queue = next
	}
	return nil
}

// walkBreadthFirstPostOrder is like walkBreadthFirst but invokes fn on
// directories only after every descendant has been processed, required
// for a recursive rmdir (files before the directories that contain them).
func walkBreadthFirstPostOrder(ctx context.Context, client *sftp.Client, root string, fn func(entryPath string, isDir bool) error) error {
	type node struct {
		path  string
		isDir bool
	}
	var order []node
	queue := []string{root}
	for len(queue) > 0 {
		var next []string
		for _, dir := range queue {
			entries, err := client.ReadDir(dir)
			if err != nil {
				return classifySFTPError(err)
			}
			for _, e := range entries {
				entryPath := path.Join(dir, e.Name())
				order = append(order, node{path: entryPath, isDir: e.IsDir()})
				if e.IsDir() {
					next = append(next, entryPath)
				}
			}
		}
		queue = next
	}
	order = append(order, node{path: root, isDir: true})

	// Files first, fanned out through an errgroup bounded by the same
	// recursiveWalkConcurrency semaphore walkBreadthFirst uses — deletion
	// order among files doesn't matter, only that every file is gone before
	// its containing directory is removed below.
	sem := semaphore.NewWeighted(recursiveWalkConcurrency)
	group, gctx := errgroup.WithContext(ctx)
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.isDir {
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			return errs.Wrap(errs.Cancelled, err)
		}
		n := n
		group.Go(func() error {
			defer sem.Release(1)
			if err := fn(n.path, n.isDir); err != nil {
				return classifySFTPError(err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	// directories, deepest first
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if !n.isDir {
			continue
		}
		if err := fn(n.path, n.isDir); err != nil {
			return classifySFTPError(err)
		}
	}
	return nil
}
