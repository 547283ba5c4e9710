// Package kms abstracts the data-key provider used by the chunk store
// (spec.md §4.2). A Provider wraps/unwraps per-chunk data encryption keys
// (DEKs); production deployments substitute an external KMS behind this
// same interface, so this package only ships a local, process-held-master-
// key default.
package kms

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"aifs.dev/engine/aifserr"
)

const dekSize = 32 // AES-256

// Provider is the abstract KMS boundary. wrap/unwrap operate on opaque
// byte blobs; key_id is persisted per chunk so a later Rotate can re-wrap
// without re-encrypting ciphertext (spec.md §4.2).
type Provider interface {
	// Wrap generates a fresh DEK (unless dek is provided, for rotation) and
	// returns (dek, wrapped_dek, key_id).
	Wrap(dek []byte) (newDEK []byte, wrapped []byte, keyID string, err error)
	// Unwrap recovers the DEK from a wrapped blob and its key_id.
	Unwrap(wrapped []byte, keyID string) (dek []byte, err error)
	// CurrentKeyID reports the key_id Wrap would use right now.
	CurrentKeyID() string
}

// LocalProvider is the default KMS: DEKs are wrapped with AES-256 Key Wrap
// (RFC 3394) under a process-held master key. It supports multiple
// concurrently-valid master keys, keyed by key_id, so Rotate can move a
// chunk's wrapped DEK onto a newer master key without touching ciphertext.
type LocalProvider struct {
	mu         sync.RWMutex
	keys       map[string][]byte // key_id -> 32-byte master key
	currentKey string
}

// NewLocalProvider returns a provider seeded with one freshly generated
// master key, which is its current key.
func NewLocalProvider() (*LocalProvider, error) {
	p := &LocalProvider{keys: make(map[string][]byte)}
	if _, err := p.AddMasterKey(); err != nil {
		return nil, err
	}
	return p, nil
}

// AddMasterKey generates and registers a new master key, making it the
// current key for future Wrap calls, and returns its key_id.
func (p *LocalProvider) AddMasterKey() (string, error) {
	mk := make([]byte, dekSize)
	if _, err := rand.Read(mk); err != nil {
		return "", aifserr.Wrap(aifserr.CodeInternal, err)
	}
	keyID := hex.EncodeToString(mk[:8]) // derived label, not secret-bearing on its own

	p.mu.Lock()
	p.keys[keyID] = mk
	p.currentKey = keyID
	p.mu.Unlock()
	return keyID, nil
}

func (p *LocalProvider) CurrentKeyID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentKey
}

func (p *LocalProvider) Wrap(dek []byte) ([]byte, []byte, string, error) {
	if dek == nil {
		dek = make([]byte, dekSize)
		if _, err := rand.Read(dek); err != nil {
			return nil, nil, "", aifserr.Wrap(aifserr.CodeInternal, err)
		}
	}
	p.mu.RLock()
	keyID := p.currentKey
	mk, ok := p.keys[keyID]
	p.mu.RUnlock()
	if !ok {
		return nil, nil, "", aifserr.New(aifserr.CodeInternal, "kms: no current master key")
	}
	wrapped, err := AESKeyWrapRFC3394(mk, dek)
	if err != nil {
		return nil, nil, "", aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return dek, wrapped, keyID, nil
}

func (p *LocalProvider) Unwrap(wrapped []byte, keyID string) ([]byte, error) {
	p.mu.RLock()
	mk, ok := p.keys[keyID]
	p.mu.RUnlock()
	if !ok {
		return nil, aifserr.New(aifserr.CodeNotFound, "kms: unknown key_id").WithReason("unknown_key_id")
	}
	dek, err := AESKeyUnwrapRFC3394(mk, wrapped)
	if err != nil {
		return nil, aifserr.New(aifserr.CodeIntegrity, "kms: unwrap failed").WithReason("unwrap_failed")
	}
	return dek, nil
}

// Rotate re-wraps wrapped (currently under oldKeyID) onto the provider's
// current master key, returning the new wrapped blob and key_id without
// ever exposing the DEK to the caller (spec.md §4.2 rotation contract).
func (p *LocalProvider) Rotate(wrapped []byte, oldKeyID string) (newWrapped []byte, newKeyID string, err error) {
	dek, err := p.Unwrap(wrapped, oldKeyID)
	if err != nil {
		return nil, "", err
	}
	_, newWrapped, newKeyID, err = p.Wrap(dek)
	if err == nil {
		slog.Info("kms: rotated chunk DEK to a new master key", "old_key_id", oldKeyID, "new_key_id", newKeyID)
	}
	return newWrapped, newKeyID, err
}

