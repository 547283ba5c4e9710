package metastore

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"aifs.dev/engine/aifserr"
)

// Branch is a mutable named pointer at a snapshot, scoped to a namespace
// (spec.md §4.4).
type Branch struct {
	Name       string    `json:"name"`
	Namespace  string    `json:"namespace"`
	SnapshotID string    `json:"snapshot_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BranchHistoryEntry records one snapshot a branch was pointed at, so
// GetBranchHistory can answer "what did this branch look like at time T".
// SnapshotID is the snapshot the branch was moved to, not the one it came
// from (spec.md scenario S5).
type BranchHistoryEntry struct {
	SnapshotID string    `json:"snapshot_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

func branchKey(namespace, name string) string { return namespace + "/" + name }

// CreateOrUpdateBranch upserts a branch pointer and appends a history row
// recording the snapshot it now points at — including the first
// create (spec.md scenario S5, invariant 8: every move, not just
// overwrites, is recorded).
func (s *Store) CreateOrUpdateBranch(b Branch) error {
	if b.Name == "" || b.Namespace == "" {
		return aifserr.New(aifserr.CodeInvalidArgument, "metastore: branch name and namespace required")
	}
	key := []byte(branchKey(b.Namespace, b.Name))
	val, err := json.Marshal(b)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		branches := tx.Bucket(bucketBranches)
		if err := appendBranchHistoryTx(tx, key, BranchHistoryEntry{
			SnapshotID: b.SnapshotID,
			RecordedAt: b.UpdatedAt,
		}); err != nil {
			return err
		}
		return branches.Put(key, val)
	})
}

// GetBranch returns a branch by (namespace, name).
func (s *Store) GetBranch(namespace, name string) (Branch, bool, error) {
	var out Branch
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBranches).Get([]byte(branchKey(namespace, name)))
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
		return Branch{}, false, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, found, nil
}

// ListBranches returns every branch in a namespace.
func (s *Store) ListBranches(namespace string) ([]Branch, error) {
	var out []Branch
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(namespace + "/")
		c := tx.Bucket(bucketBranches).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var b Branch
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, nil
}

// DeleteBranch removes a branch and its history.
func (s *Store) DeleteBranch(namespace, name string) error {
	key := []byte(branchKey(namespace, name))
	return s.db.Update(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketBranches).Get(key); v == nil {
			return aifserr.New(aifserr.CodeNotFound, "metastore: no such branch")
		}
		if err := tx.Bucket(bucketBranches).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketBranchHistory).Delete(key)
	})
}

// GetBranchHistory returns a branch's past snapshot pointers, oldest first.
func (s *Store) GetBranchHistory(namespace, name string) ([]BranchHistoryEntry, error) {
	var out []BranchHistoryEntry
	key := []byte(branchKey(namespace, name))
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBranchHistory).Get(key)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, nil
}

func appendBranchHistoryTx(tx *bolt.Tx, key []byte, entry BranchHistoryEntry) error {
	b := tx.Bucket(bucketBranchHistory)
	var history []BranchHistoryEntry
	if v := b.Get(key); v != nil {
		if err := json.Unmarshal(v, &history); err != nil {
			return err
		}
	}
	history = append(history, entry)
	val, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return b.Put(key, val)
}
