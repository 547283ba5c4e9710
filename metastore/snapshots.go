package metastore

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"aifs.dev/engine/aifserr"
)

// Snapshot is a signed, point-in-time root over a namespace's visible
// assets (spec.md §4.6).
type Snapshot struct {
	ID           string    `json:"id"`
	Namespace    string    `json:"namespace"`
	AssetIDs     []string  `json:"asset_ids"` // sorted, deduped, the exact set the Merkle root was computed over
	MerkleRoot   [32]byte  `json:"merkle_root"`
	AssetCount   int       `json:"asset_count"`
	Timestamp    string    `json:"timestamp"` // RFC3339, also the signed field
	SignatureHex string    `json:"signature_hex"`
	SigningKeyID string    `json:"signing_key_id"`
	CreatedAt    time.Time `json:"created_at"`
	Empty        bool      `json:"empty"`
}

// CreateSnapshot persists a snapshot record. Snapshot ids are caller-
// assigned (the asset manager derives them) so this store stays a pure
// durability layer.
func (s *Store) CreateSnapshot(snap Snapshot) error {
	if snap.ID == "" {
		return aifserr.New(aifserr.CodeInvalidArgument, "metastore: snapshot id required")
	}
	val, err := json.Marshal(snap)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if existing := b.Get([]byte(snap.ID)); existing != nil {
			return aifserr.New(aifserr.CodeAlreadyExists, "metastore: snapshot already exists")
		}
		return b.Put([]byte(snap.ID), val)
	})
}

// GetSnapshot returns a snapshot by id.
func (s *Store) GetSnapshot(id string) (Snapshot, bool, error) {
	var out Snapshot
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(id))
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
		return Snapshot{}, false, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, found, nil
}
