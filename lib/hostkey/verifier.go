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
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"

	"github.com/shellway/supervisor/lib/errs"
	"github.com/shellway/supervisor/lib/events"
)

// Action is the presentation's response to a verify-request.
type Action string

const (
	ActionTrustOnce  Action = "trust-once"
	ActionTrustSave  Action = "trust-save"
	ActionAcceptNew  Action = "accept-new"
	ActionDisconnect Action = "disconnect"
)

// VerifyRequest is the payload of a hostkey:verify-request event (§6).
type VerifyRequest struct {
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	KeyType             string    `json:"keyType"`
	Fingerprint         string    `json:"fingerprint"`
	PublicKeyBase64     string    `json:"publicKeyBase64"`
	Status              string    `json:"status"` // "new" or "changed"
	PreviousFingerprint string    `json:"previousFingerprint,omitempty"`
	PreviousTrustedAt   time.Time `json:"previousTrustedAt,omitempty"`
}

// Fingerprint returns the SHA256 fingerprint of pubKey formatted as
// "SHA256:<base64-no-pad>", per §4.5/§6.
func Fingerprint(pubKey []byte) string {
	sum := sha256.Sum256(pubKey)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// Verifier drives the TOFU / changed-key decision flow described in §4.5,
// backed by a Store and cached with a bounded LRU so a burst of
// reconnects to the same host doesn't round-trip the external store on
// every handshake.
type Verifier struct {
	store Store
	cache *lru.Cache
	bus   *events.Bus
	log   *log.Entry

	mu    sync.Mutex
	slots map[string]chan Action
}

// NewVerifier creates a Verifier. cacheSize <= 0 defaults to 256 entries.
func NewVerifier(store Store, bus *events.Bus, cacheSize int) (*Verifier, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err)
	}
	return &Verifier{
		store: store,
		cache: cache,
		bus:   bus,
		log:   log.WithField("component", "hostkey"),
		slots: make(map[string]chan Action),
	}, nil
}

// OpenSlot creates the per-connection response slot. Call at connect time,
// before the handshake might need it.
func (v *Verifier) OpenSlot(connectionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.slots[connectionID] = make(chan Action, 1)
}

// CloseSlot drops the per-connection response slot. Call at disconnect.
func (v *Verifier) CloseSlot(connectionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.slots, connectionID)
}

// Respond delivers the presentation's decision for connectionID's
// outstanding verify-request. A second call before the first is consumed
// supersedes it, matching the KBDI "at most one outstanding round" rule
// applied the same way here.
func (v *Verifier) Respond(connectionID string, action Action) error {
	v.mu.Lock()
	slot, ok := v.slots[connectionID]
	v.mu.Unlock()
	if !ok {
		return errs.New(errs.InvalidArgument, "no outstanding host-key verification for %s", connectionID)
	}

	for {
		select {
		case slot <- action:
			return nil
		default:
			select {
			case <-slot:
			default:
			}
		}
	}
}

func cacheKey(host string, port int, keyType string) string {
	return fmt.Sprintf("%s:%d:%s", host, port, keyType)
}

func (v *Verifier) lookup(host string, port int, keyType string) (*Record, error) {
	if cached, ok := v.cache.Get(cacheKey(host, port, keyType)); ok {
		rec := cached.(Record)
		return &rec, nil
	}
	rec, err := v.store.Get(host, port, keyType)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return nil, nil
		}
		return nil, err
	}
	v.cache.Add(cacheKey(host, port, keyType), *rec)
	return rec, nil
}

func (v *Verifier) save(rec Record) error {
	if err := v.store.Put(rec); err != nil {
		return err
	}
	v.cache.Add(cacheKey(rec.Host, rec.Port, rec.KeyType), rec)
	return nil
}

// Verify implements the decision tree of §4.5. It blocks on the
// connection's response slot when the presentation needs to make a
// decision, honoring ctx cancellation (used by the caller to apply
// connectionTimeout, per §4.1a).
func (v *Verifier) Verify(ctx context.Context, connectionID, host string, port int, keyType string, pubKey []byte) error {
	fp := Fingerprint(pubKey)

	existing, err := v.lookup(host, port, keyType)
	if err != nil {
		return errs.Wrap(errs.Protocol, err)
	}

	if existing != nil && existing.Fingerprint == fp {
		return nil // accept silently
	}

	req := VerifyRequest{
		Host:            host,
		Port:            port,
		KeyType:         keyType,
		Fingerprint:     fp,
		PublicKeyBase64: base64.StdEncoding.EncodeToString(pubKey),
	}
	if existing == nil {
		req.Status = "new"
	} else {
		req.Status = "changed"
		req.PreviousFingerprint = existing.Fingerprint
		req.PreviousTrustedAt = existing.TrustedAt
	}

	v.bus.Publish(events.Event{Name: events.HostKeyVerifyRequest, ConnectionID: connectionID, Payload: req})

	action, err := v.await(ctx, connectionID)
	if err != nil {
		return err
	}

	if existing == nil {
		switch action {
		case ActionTrustOnce:
			return nil
		case ActionTrustSave:
			return v.save(Record{
				Host: host, Port: port, KeyType: keyType,
				PublicKey: pubKey, Fingerprint: fp, TrustedAt: time.Now(),
			})
		case ActionDisconnect:
			return errs.New(errs.HostKey, "host key for %s rejected by user", host)
		default:
			return errs.New(errs.HostKey, "invalid response %q to new-key verification", action)
		}
	}

	// changed key: only accept-new or disconnect are honoured (T-HOSTKEY-CHANGED)
	switch action {
	case ActionAcceptNew:
		return v.save(Record{
			Host: host, Port: port, KeyType: keyType,
			PublicKey: pubKey, Fingerprint: fp, TrustedAt: time.Now(),
		})
	case ActionDisconnect, ActionTrustOnce, ActionTrustSave:
		return errs.New(errs.HostKey, "changed host key for %s rejected", host)
	default:
		return errs.New(errs.HostKey, "invalid response %q to changed-key verification", action)
	}
}

func (v *Verifier) await(ctx context.Context, connectionID string) (Action, error) {
	v.mu.Lock()
	slot, ok := v.slots[connectionID]
	v.mu.Unlock()
	if !ok {
		return "", errs.New(errs.InvalidArgument, "no response slot open for %s", connectionID)
	}

	select {
	case action := <-slot:
		return action, nil
	case <-ctx.Done():
		return "", errs.Wrap(errs.Timeout, ctx.Err())
	}
}
