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

// Package hostkey implements trust-on-first-use SSH host-key verification
// (§4.5): a lookup against an external HostKeyStore, a blocking
// verify-request/response round trip with the presentation layer, and a
// bounded in-memory cache in front of the store.
package hostkey

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/shellway/supervisor/lib/errs"
)

// Record is one trusted host key, uniquely identified by (Host, Port,
// KeyType). Lifecycle is owned outside the core by whatever backs
// HostKeyStore.
type Record struct {
	ID          string
	Host        string
	Port        int
	KeyType     string
	PublicKey   []byte
	Fingerprint string
	TrustedAt   time.Time
	Comment     string
}

func key(host string, port int, keyType string) string {
	return fmt.Sprintf("%s\x00%d\x00%s", host, port, keyType)
}

// Store is the external key/value contract the core consumes for host-key
// persistence (§6 "Persisted state shape"). Implementations must provide
// atomic get/put/delete, as required by §5.
type Store interface {
	// Get returns the stored record for (host, port, keyType), or an
	// errs.NotFound-kind error if none exists.
	Get(host string, port int, keyType string) (*Record, error)
	// Put creates or replaces the record for (host, port, keyType).
	Put(rec Record) error
	// Delete removes the record for (host, port, keyType), if any.
	Delete(host string, port int, keyType string) error
}

// MemStore is a simple in-process Store, useful for tests and as a default
// when no external store is wired.
type MemStore struct {
	records map[string]Record
}

// NewMemStore creates an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

func (m *MemStore) Get(host string, port int, keyType string) (*Record, error) {
	rec, ok := m.records[key(host, port, keyType)]
	if !ok {
		return nil, errs.New(errs.NotFound, "no host key record for %s:%d (%s)", host, port, keyType)
	}
	cp := rec
	return &cp, nil
}

func (m *MemStore) Put(rec Record) error {
	m.records[key(rec.Host, rec.Port, rec.KeyType)] = rec
	return nil
}

func (m *MemStore) Delete(host string, port int, keyType string) error {
	delete(m.records, key(host, port, keyType))
	return nil
}

// FileStore persists records in an OpenSSH known_hosts-shaped file via
// golang.org/x/crypto/ssh/knownhosts, for deployments that want the host
// key store to double as a file a user could inspect with `ssh-keygen -F`.
// It keeps an in-memory index alongside the file so Get/Delete don't need
// to reparse on every call; Put/Delete rewrite the file in full.
type FileStore struct {
	path string
	mem  *MemStore
}

// NewFileStore loads an existing known_hosts-shaped file at path, or
// starts empty if it doesn't exist yet.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, mem: NewMemStore()}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		_, hosts, pubKey, _, _, err := ssh.ParseKnownHosts(scanner.Bytes())
		if err != nil || len(hosts) == 0 {
			continue
		}
		host, port := knownhosts.Normalize(hosts[0]), 22
		fs.mem.records[key(host, port, pubKey.Type())] = Record{
			Host: host, Port: port, KeyType: pubKey.Type(),
			PublicKey:   pubKey.Marshal(),
			Fingerprint: Fingerprint(pubKey.Marshal()),
		}
	}
	return fs, nil
}

func (f *FileStore) Get(host string, port int, keyType string) (*Record, error) {
	return f.mem.Get(host, port, keyType)
}

func (f *FileStore) Put(rec Record) error {
	if err := f.mem.Put(rec); err != nil {
		return err
	}
	return f.rewrite()
}

func (f *FileStore) Delete(host string, port int, keyType string) error {
	if err := f.mem.Delete(host, port, keyType); err != nil {
		return err
	}
	return f.rewrite()
}

func (f *FileStore) rewrite() error {
	tmp := f.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, err)
	}
	for _, rec := range f.mem.records {
		pubKey, err := ssh.ParsePublicKey(rec.PublicKey)
		if err != nil {
			continue
		}
		fmt.Fprintln(out, knownhosts.Line([]string{rec.Host}, pubKey))
	}
	if err := out.Close(); err != nil {
		return errs.Wrap(errs.InvalidArgument, err)
	}
	return os.Rename(tmp, f.path)
}
