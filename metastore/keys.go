package metastore

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"aifs.dev/engine/aifserr"
)

// NamespaceKey pins a namespace to a specific Ed25519 public key, so
// VerifySnapshot's namespace-pinned mode (spec.md §4.2) can reject
// snapshots signed under an unexpected key even if the signature itself
// is valid.
type NamespaceKey struct {
	Namespace    string `json:"namespace"`
	PublicKeyHex string `json:"public_key_hex"`
}

// TrustedKey is a key accepted by id regardless of which namespace it
// signs for, for the trusted-key-id verification mode (spec.md §4.2).
type TrustedKey struct {
	KeyID        string `json:"key_id"`
	PublicKeyHex string `json:"public_key_hex"`
}

// RegisterNamespaceKey pins namespace to publicKeyHex, overwriting any
// previous pin.
func (s *Store) RegisterNamespaceKey(k NamespaceKey) error {
	if k.Namespace == "" || k.PublicKeyHex == "" {
		return aifserr.New(aifserr.CodeInvalidArgument, "metastore: namespace and public_key_hex required")
	}
	val, err := json.Marshal(k)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaceKeys).Put([]byte(k.Namespace), val)
	})
}

// GetNamespaceKey returns the key pinned to a namespace, if any.
func (s *Store) GetNamespaceKey(namespace string) (NamespaceKey, bool, error) {
	var out NamespaceKey
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNamespaceKeys).Get([]byte(namespace))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &out); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return NamespaceKey{}, false, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, found, nil
}

// PinTrustedKey registers a key id as trusted.
func (s *Store) PinTrustedKey(k TrustedKey) error {
	if k.KeyID == "" || k.PublicKeyHex == "" {
		return aifserr.New(aifserr.CodeInvalidArgument, "metastore: key_id and public_key_hex required")
	}
	val, err := json.Marshal(k)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrustedKeys).Put([]byte(k.KeyID), val)
	})
}

// GetTrustedKey looks up a trusted key by id.
func (s *Store) GetTrustedKey(keyID string) (TrustedKey, bool, error) {
	var out TrustedKey
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTrustedKeys).Get([]byte(keyID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &out); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return TrustedKey{}, false, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, found, nil
}
