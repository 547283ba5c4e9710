package metastore

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"aifs.dev/engine/aifserr"
)

// Tag is an immutable named pointer at a snapshot (spec.md §4.4):
// unlike a branch, creating a tag that already exists is an error.
type Tag struct {
	Name       string    `json:"name"`
	Namespace  string    `json:"namespace"`
	SnapshotID string    `json:"snapshot_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func tagKey(namespace, name string) string { return namespace + "/" + name }

// CreateTag fails with CodeAlreadyExists if the (namespace, name) pair is
// already taken, enforcing tag immutability.
func (s *Store) CreateTag(t Tag) error {
	if t.Name == "" || t.Namespace == "" || t.SnapshotID == "" {
		return aifserr.New(aifserr.CodeInvalidArgument, "metastore: tag name, namespace, and snapshot_id required")
	}
	key := []byte(tagKey(t.Namespace, t.Name))
	val, err := json.Marshal(t)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		if existing := b.Get(key); existing != nil {
			return aifserr.New(aifserr.CodeAlreadyExists, "metastore: tag already exists")
		}
		return b.Put(key, val)
	})
}

// GetTag returns a tag by (namespace, name).
func (s *Store) GetTag(namespace, name string) (Tag, bool, error) {
	var out Tag
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTags).Get([]byte(tagKey(namespace, name)))
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
		return Tag{}, false, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, found, nil
}

// ListTags returns every tag in a namespace.
func (s *Store) ListTags(namespace string) ([]Tag, error) {
	var out []Tag
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(namespace + "/")
		c := tx.Bucket(bucketTags).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var t Tag
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, nil
}
