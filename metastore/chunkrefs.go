package metastore

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"aifs.dev/engine/aifserr"
	"aifs.dev/engine/chunkstore"
)

// chunkRefRecord durably tracks one chunk's metadata plus how many assets
// reference it, so the chunk store can be asked to prune a chunk only
// once its refcount reaches zero (spec.md §10 supplemented feature).
type chunkRefRecord struct {
	Meta     chunkstore.Meta `json:"meta"`
	RefCount int             `json:"ref_count"`
}

// SaveChunkMeta implements chunkstore.MetaPersister: it creates a new
// zero-refcount record if the chunk is new, or leaves an existing
// record's refcount untouched (dedup path).
func (s *Store) SaveChunkMeta(meta chunkstore.Meta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunkRefs)
		key := meta.Hash[:]
		if existing := b.Get(key); existing != nil {
			return nil
		}
		rec := chunkRefRecord{Meta: meta, RefCount: 0}
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, val)
	})
}

// LoadChunkMeta implements chunkstore.MetaPersister.
func (s *Store) LoadChunkMeta(hash chunkstore.Hash) (chunkstore.Meta, bool, error) {
	var meta chunkstore.Meta
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChunkRefs).Get(hash[:])
		if v == nil {
			return nil
		}
		var rec chunkRefRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		meta = rec.Meta
		found = true
		return nil
	})
	if err != nil {
		return chunkstore.Meta{}, false, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return meta, found, nil
}

// IncRefChunk increments a chunk's asset refcount, e.g. when an asset is
// put or a chunk is stored directly through PUT_CHUNK.
func (s *Store) IncRefChunk(hash chunkstore.Hash) error {
	return s.adjustRefCount(hash, 1)
}

// DecRefChunk decrements a chunk's refcount and reports whether it
// reached zero, signaling the caller may prune the underlying bytes.
func (s *Store) DecRefChunk(hash chunkstore.Hash) (reachedZero bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunkRefs)
		v := b.Get(hash[:])
		if v == nil {
			return aifserr.New(aifserr.CodeNotFound, "metastore: unknown chunk hash")
		}
		var rec chunkRefRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.RefCount > 0 {
			rec.RefCount--
		}
		reachedZero = rec.RefCount == 0
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(hash[:], val)
	})
	return reachedZero, err
}

func (s *Store) adjustRefCount(hash chunkstore.Hash, delta int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunkRefs)
		v := b.Get(hash[:])
		if v == nil {
			return aifserr.New(aifserr.CodeNotFound, "metastore: unknown chunk hash")
		}
		var rec chunkRefRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.RefCount += delta
		if rec.RefCount < 0 {
			rec.RefCount = 0
		}
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(hash[:], val)
	})
}
