package metastore

import (
	"testing"

	"aifs.dev/engine/chunkstore"
)

func TestChunkMetaSaveLoadIsDedupSafe(t *testing.T) {
	s := openTestStore(t)
	hash := chunkstore.SumHash([]byte("payload"))
	meta := chunkstore.Meta{Hash: hash, SizePlain: 7}

	if err := s.SaveChunkMeta(meta); err != nil {
		t.Fatalf("SaveChunkMeta: %v", err)
	}
	// Saving again (as a duplicate put would) must not reset refcount.
	if err := s.IncRefChunk(hash); err != nil {
		t.Fatalf("IncRefChunk: %v", err)
	}
	if err := s.SaveChunkMeta(meta); err != nil {
		t.Fatalf("SaveChunkMeta (dup): %v", err)
	}

	got, found, err := s.LoadChunkMeta(hash)
	if err != nil || !found {
		t.Fatalf("LoadChunkMeta: found=%v err=%v", found, err)
	}
	if got.SizePlain != 7 {
		t.Fatalf("meta mismatch: %+v", got)
	}

	// The reference taken before the duplicate save must survive it: one
	// more reference makes two, so a single decrement must not reach zero.
	if err := s.IncRefChunk(hash); err != nil {
		t.Fatalf("IncRefChunk: %v", err)
	}
	if zero, err := s.DecRefChunk(hash); err != nil || zero {
		t.Fatalf("duplicate SaveChunkMeta reset the refcount: zero=%v err=%v", zero, err)
	}
}

func TestChunkRefCountReachesZero(t *testing.T) {
	s := openTestStore(t)
	hash := chunkstore.SumHash([]byte("payload-2"))
	if err := s.SaveChunkMeta(chunkstore.Meta{Hash: hash}); err != nil {
		t.Fatalf("SaveChunkMeta: %v", err)
	}
	if err := s.IncRefChunk(hash); err != nil {
		t.Fatalf("IncRefChunk: %v", err)
	}
	zero, err := s.DecRefChunk(hash)
	if err != nil {
		t.Fatalf("DecRefChunk: %v", err)
	}
	if !zero {
		t.Fatalf("expected refcount to reach zero")
	}
}
