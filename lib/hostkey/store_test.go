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

package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestMemStoreGetMissingIsNotFound(t *testing.T) {
	m := NewMemStore()
	_, err := m.Get("h", 22, "ssh-ed25519")
	require.Error(t, err)
}

func TestMemStorePutThenGetRoundTrips(t *testing.T) {
	m := NewMemStore()
	require.NoError(t, m.Put(Record{Host: "h", Port: 22, KeyType: "ssh-ed25519", Fingerprint: "SHA256:AAA"}))
	rec, err := m.Get("h", 22, "ssh-ed25519")
	require.NoError(t, err)
	require.Equal(t, "SHA256:AAA", rec.Fingerprint)
}

func TestFileStorePersistsAcrossReload(t *testing.T) {
	_, pub, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubKey, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "known_hosts")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	rec := Record{Host: "example.com", Port: 22, KeyType: pubKey.Type(), PublicKey: pubKey.Marshal(), Fingerprint: Fingerprint(pubKey.Marshal())}
	require.NoError(t, store.Put(rec))

	reloaded, err := NewFileStore(path)
	require.NoError(t, err)
	got, err := reloaded.Get("example.com", 22, pubKey.Type())
	require.NoError(t, err)
	require.Equal(t, rec.Fingerprint, got.Fingerprint)
}
