package metastore

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"aifs.dev/engine/aifserr"
)

// TxState mirrors the transaction manager's state machine (spec.md §9).
type TxState string

const (
	TxPending     TxState = "pending"
	TxCommitting  TxState = "committing"
	TxCommitted   TxState = "committed"
	TxRollingBack TxState = "rolling_back"
	TxRolledBack  TxState = "rolled_back"
	TxFailed      TxState = "failed"
)

// TxRecord is the durable mirror of an in-flight or finished transaction.
type TxRecord struct {
	ID        string    `json:"id"`
	State     TxState   `json:"state"`
	AssetIDs  []string  `json:"asset_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveTxRecord upserts a transaction's durable record.
func (s *Store) SaveTxRecord(rec TxRecord) error {
	if rec.ID == "" {
		return aifserr.New(aifserr.CodeInvalidArgument, "metastore: tx id required")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).Put([]byte(rec.ID), val)
	})
}

// GetTxRecord returns a transaction's durable record by id.
func (s *Store) GetTxRecord(txID string) (TxRecord, bool, error) {
	var out TxRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTransactions).Get([]byte(txID))
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
		return TxRecord{}, false, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, found, nil
}

// IsVisible reports whether an asset is currently visible to readers.
func (s *Store) IsVisible(assetID string) (bool, error) {
	var visible bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketVisibility).Get([]byte(assetID))
		visible = len(v) == 1 && v[0] == 1
		return nil
	})
	if err != nil {
		return false, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return visible, nil
}

// SetVisibility sets one asset's visibility flag outside of a transaction
// commit (used for single-asset auto-commit puts).
func (s *Store) SetVisibility(assetID string, visible bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return setVisibilityTx(tx, assetID, visible)
	})
}

func setVisibilityTx(tx *bolt.Tx, assetID string, visible bool) error {
	val := []byte{0}
	if visible {
		val = []byte{1}
	}
	return tx.Bucket(bucketVisibility).Put([]byte(assetID), val)
}

// CommitTransaction atomically flips every one of a transaction's assets
// to visible and marks the transaction committed in one durable bbolt
// transaction (spec.md §9: "atomic visibility flip"). Callers must have
// already verified all declared parent dependencies are visible.
func (s *Store) CommitTransaction(txID string, assetIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTransactions).Get([]byte(txID))
		if v == nil {
			return aifserr.New(aifserr.CodeNotFound, "metastore: no such transaction")
		}
		var rec TxRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.State = TxCommitted
		rec.UpdatedAt = time.Now()
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTransactions).Put([]byte(txID), val); err != nil {
			return err
		}
		for _, assetID := range assetIDs {
			if err := setVisibilityTx(tx, assetID, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// RollbackTransaction marks a transaction rolled back and removes its
// tx-scoped asset records so they are never made visible.
func (s *Store) RollbackTransaction(txID string, assetIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTransactions).Get([]byte(txID))
		if v == nil {
			return aifserr.New(aifserr.CodeNotFound, "metastore: no such transaction")
		}
		var rec TxRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.State = TxRolledBack
		rec.UpdatedAt = time.Now()
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTransactions).Put([]byte(txID), val); err != nil {
			return err
		}
		assets := tx.Bucket(bucketAssets)
		index := tx.Bucket(bucketAssetsByNS)
		for _, assetID := range assetIDs {
			raw := assets.Get([]byte(assetID))
			if raw != nil {
				var a Asset
				if err := json.Unmarshal(raw, &a); err == nil {
					_ = index.Delete(nsCreatedKey(a.Namespace, a.CreatedAt, a.ID))
				}
				_ = assets.Delete([]byte(assetID))
			}
			_ = tx.Bucket(bucketVisibility).Delete([]byte(assetID))
		}
		return nil
	})
}
