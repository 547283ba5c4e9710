package chunkstore_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"aifs.dev/engine/chunkstore"
	"aifs.dev/engine/kms"
	"aifs.dev/engine/metastore"
)

func newTestStore(t *testing.T) *chunkstore.Store {
	t.Helper()
	meta, err := metastore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })

	provider, err := kms.NewLocalProvider()
	if err != nil {
		t.Fatalf("kms.NewLocalProvider: %v", err)
	}

	store, err := chunkstore.Open(filepath.Join(t.TempDir(), "chunks"), provider, meta)
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	payload := bytes.Repeat([]byte("hello aifs "), 100)

	hash, meta, err := store.Put(payload, 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if meta.SizePlain != uint64(len(payload)) {
		t.Fatalf("SizePlain = %d, want %d", meta.SizePlain, len(payload))
	}

	got, err := store.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-tripped payload mismatch")
	}
}

func TestPutDeduplicatesIdenticalPlaintext(t *testing.T) {
	store := newTestStore(t)
	payload := []byte("duplicate me")

	hashA, _, err := store.Put(payload, 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	hashB, _, err := store.Put(payload, 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("identical plaintext should hash to the same chunk id")
	}
}

func TestPutIncompressiblePayloadFallsBackToCodecNone(t *testing.T) {
	store := newTestStore(t)
	// Already-compressed-looking random bytes won't shrink under zstd.
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i * 37)
	}

	hash, meta, err := store.Put(payload, 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if meta.Codec != chunkstore.CodecNone {
		t.Fatalf("Codec = %#x, want CodecNone for an incompressible payload", meta.Codec)
	}
	got, err := store.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestPutRejectsInvalidCompressionLevel(t *testing.T) {
	store := newTestStore(t)
	if _, _, err := store.Put([]byte("x"), 23); err == nil {
		t.Fatalf("expected error for out-of-range compression level")
	}
	if _, _, err := store.Put([]byte("x"), -1); err == nil {
		t.Fatalf("expected error for negative compression level")
	}
}

func TestGetUnknownHashReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	var hash chunkstore.Hash
	if _, err := store.Get(hash); err == nil {
		t.Fatalf("expected error reading an unstored chunk")
	}
}

func TestHasReflectsStoredState(t *testing.T) {
	store := newTestStore(t)
	payload := []byte("present or not")
	hash := chunkstore.SumHash(payload)

	ok, err := store.Has(hash)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if ok {
		t.Fatalf("Has should be false before Put")
	}

	if _, _, err := store.Put(payload, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = store.Has(hash)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !ok {
		t.Fatalf("Has should be true after Put")
	}
}

func TestPruneRemovesChunkAndGetThenFails(t *testing.T) {
	store := newTestStore(t)
	payload := []byte("transient chunk")

	hash, _, err := store.Put(payload, 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Prune(hash); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if _, err := store.Get(hash); err == nil {
		t.Fatalf("expected Get to fail after Prune")
	}
}

func TestPruneOnMissingChunkIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	var hash chunkstore.Hash
	if err := store.Prune(hash); err != nil {
		t.Fatalf("Prune on a never-stored hash should not error: %v", err)
	}
}

func TestOpenRejectsMissingDependencies(t *testing.T) {
	meta, err := metastore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	defer meta.Close()
	provider, err := kms.NewLocalProvider()
	if err != nil {
		t.Fatalf("kms.NewLocalProvider: %v", err)
	}

	if _, err := chunkstore.Open("", provider, meta); err == nil {
		t.Fatalf("expected error for empty root")
	}
	if _, err := chunkstore.Open(t.TempDir(), nil, meta); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := chunkstore.Open(t.TempDir(), provider, nil); err == nil {
		t.Fatalf("expected error for nil meta store")
	}
}

func TestSumHashIsDeterministic(t *testing.T) {
	a := chunkstore.SumHash([]byte("same input"))
	b := chunkstore.SumHash([]byte("same input"))
	if a != b {
		t.Fatalf("SumHash should be deterministic")
	}
	if a.String() == "" || len(a.String()) != 64 {
		t.Fatalf("String() should render 64 lowercase hex characters, got %q", a.String())
	}
}
