package assetmgr

import (
	"encoding/hex"
	"sort"
	"testing"

	"aifs.dev/engine/codec"
	"aifs.dev/engine/kms"
	"aifs.dev/engine/merkle"
	"aifs.dev/engine/metastore"
	"aifs.dev/engine/txn"
	"aifs.dev/engine/vectorindex"

	"aifs.dev/engine/chunkstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()

	meta, err := metastore.Open(dir)
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })

	provider, err := kms.NewLocalProvider()
	if err != nil {
		t.Fatalf("kms.NewLocalProvider: %v", err)
	}
	chunks, err := chunkstore.Open(dir+"/chunks", provider, meta)
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	signer, err := kms.NewSigner()
	if err != nil {
		t.Fatalf("kms.NewSigner: %v", err)
	}

	m := &Manager{
		Chunks:  chunks,
		Meta:    meta,
		Txns:    txn.NewManager(meta),
		KMS:     provider,
		Signer:  signer,
		Vectors: vectorindex.NewIndex(),
	}
	if err := m.RegisterSigningKey(); err != nil {
		t.Fatalf("RegisterSigningKey: %v", err)
	}
	return m
}

func TestPutGetDeleteAssetRoundTrip(t *testing.T) {
	m := newTestManager(t)

	asset, err := m.PutAsset(PutRequest{
		Namespace: "ns1",
		Kind:      "blob",
		Codec:     codec.KindBlob,
		Payload:   []byte("hello world"),
	})
	if err != nil {
		t.Fatalf("PutAsset: %v", err)
	}

	got, payload, err := m.GetAsset(asset.ID)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if got.ID != asset.ID || string(payload) != "hello world" {
		t.Fatalf("unexpected round trip: %+v %q", got, payload)
	}

	if err := m.DeleteAsset(asset.ID); err != nil {
		t.Fatalf("DeleteAsset: %v", err)
	}
	if _, _, err := m.GetAsset(asset.ID); err == nil {
		t.Fatalf("expected error getting a deleted asset")
	}
}

// TestPutAssetSplitsLargePayloadIntoChunks checks the multi-chunk ingest
// path: a payload spanning more than one chunkBoundary must be stored as
// several independently addressable chunks, reassembled in order on
// GetAsset, with the asset id derived from the full ordered chunk-hash
// list rather than any single chunk's hash.
func TestPutAssetSplitsLargePayloadIntoChunks(t *testing.T) {
	m := newTestManager(t)

	payload := make([]byte, chunkBoundary*2+17)
	for i := range payload {
		payload[i] = byte(i)
	}

	asset, err := m.PutAsset(PutRequest{Namespace: "ns1", Kind: "blob", Codec: codec.KindBlob, Payload: payload})
	if err != nil {
		t.Fatalf("PutAsset: %v", err)
	}
	if len(asset.ChunkHashes) != 3 {
		t.Fatalf("expected 3 chunks for a %d-byte payload, got %d", len(payload), len(asset.ChunkHashes))
	}

	concat := make([]byte, 0, len(asset.ChunkHashes)*32)
	for _, h := range asset.ChunkHashes {
		concat = append(concat, h[:]...)
	}
	if want := chunkstore.SumHash(concat).String(); asset.ID != want {
		t.Fatalf("asset id = %q, want BLAKE3(concatenated chunk hashes) = %q", asset.ID, want)
	}

	_, got, err := m.GetAsset(asset.ID)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("reassembled payload does not match the original")
	}
}

func TestPutAssetRejectsInvalidPayload(t *testing.T) {
	m := newTestManager(t)
	_, err := m.PutAsset(PutRequest{
		Namespace: "ns1",
		Kind:      "tensor",
		Codec:     codec.KindTensor,
		Payload:   []byte("not a tensor"),
	})
	if err == nil {
		t.Fatalf("expected validation error for malformed tensor payload")
	}
}

func TestPutAssetWithParentRecordsLineage(t *testing.T) {
	m := newTestManager(t)

	parent, err := m.PutAsset(PutRequest{Namespace: "ns1", Kind: "blob", Codec: codec.KindBlob, Payload: []byte("p")})
	if err != nil {
		t.Fatalf("PutAsset parent: %v", err)
	}
	child, err := m.PutAsset(PutRequest{
		Namespace:     "ns1",
		Kind:          "blob",
		Codec:         codec.KindBlob,
		Payload:       []byte("c"),
		ParentAssetID: parent.ID,
	})
	if err != nil {
		t.Fatalf("PutAsset child: %v", err)
	}

	parents, err := m.Meta.Parents(child.ID)
	if err != nil {
		t.Fatalf("Parents: %v", err)
	}
	if len(parents) != 1 || parents[0] != parent.ID {
		t.Fatalf("expected child's parent to be recorded, got %v", parents)
	}
}

func TestPutAssetEmbedIndexesVector(t *testing.T) {
	m := newTestManager(t)

	payload, err := codec.EncodeEmbed(codec.EmbedHeader{
		ModelName:      "test-model",
		Dimension:      3,
		DistanceMetric: "cosine",
	}, []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("EncodeEmbed: %v", err)
	}

	asset, err := m.PutAsset(PutRequest{
		Namespace: "ns1",
		Kind:      "embedding",
		Codec:     codec.KindEmbed,
		Payload:   payload,
		Metadata:  map[string]string{"source": "unit-test"},
	})
	if err != nil {
		t.Fatalf("PutAsset embed: %v", err)
	}

	ns, err := m.Vectors.Namespace("ns1", vectorindex.DefaultConfig(3, vectorindex.MetricCosine))
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}
	if ns.Count() != 1 {
		t.Fatalf("expected 1 indexed vector, got %d", ns.Count())
	}

	results, err := ns.Search([]float32{1, 0, 0}, 1, nil, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].AssetID != asset.ID {
		t.Fatalf("expected to find the embedded asset, got %+v", results)
	}
}

func TestCreateSnapshotEmptyNamespace(t *testing.T) {
	m := newTestManager(t)
	snap, err := m.CreateSnapshot("empty-ns")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if !snap.Empty || snap.AssetCount != 0 {
		t.Fatalf("expected an empty snapshot, got %+v", snap)
	}
	ok, err := m.VerifySnapshot(snap.ID, VerifyTrustedKeyID, nil)
	if err != nil {
		t.Fatalf("VerifySnapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected empty snapshot signature to verify")
	}
}

func TestCreateSnapshotAndVerifyAllModes(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.PutAsset(PutRequest{Namespace: "ns1", Kind: "blob", Codec: codec.KindBlob, Payload: []byte("x")}); err != nil {
		t.Fatalf("PutAsset: %v", err)
	}
	snap, err := m.CreateSnapshot("ns1")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if snap.AssetCount != 1 {
		t.Fatalf("expected 1 asset in snapshot, got %d", snap.AssetCount)
	}

	if ok, err := m.VerifySnapshot(snap.ID, VerifyDirectPubkey, m.Signer.PublicKey()); err != nil || !ok {
		t.Fatalf("direct pubkey verify failed: ok=%v err=%v", ok, err)
	}

	if err := m.Meta.RegisterNamespaceKey(metastore.NamespaceKey{
		Namespace: "ns1", PublicKeyHex: pubkeyHex(m),
	}); err != nil {
		t.Fatalf("RegisterNamespaceKey: %v", err)
	}
	if ok, err := m.VerifySnapshot(snap.ID, VerifyNamespacePinned, nil); err != nil || !ok {
		t.Fatalf("namespace-pinned verify failed: ok=%v err=%v", ok, err)
	}

	if ok, err := m.VerifySnapshot(snap.ID, VerifyTrustedKeyID, nil); err != nil || !ok {
		t.Fatalf("trusted-key-id verify failed: ok=%v err=%v", ok, err)
	}
}

// TestCreateSnapshotMerkleRootMatchesLiteralFormula checks create_snapshot's
// merkle_root directly against merkle(sorted(asset_ids)) computed from the
// raw id bytes, not merely against this package's own internal call to
// merkle.Root — guarding against a leaf-input bug (hashing an id's hex
// string instead of decoding it) that self-consistency checks would miss.
func TestCreateSnapshotMerkleRootMatchesLiteralFormula(t *testing.T) {
	m := newTestManager(t)
	var ids []string
	for _, payload := range []string{"a", "b", "c"} {
		asset, err := m.PutAsset(PutRequest{Namespace: "ns1", Kind: "blob", Codec: codec.KindBlob, Payload: []byte(payload)})
		if err != nil {
			t.Fatalf("PutAsset: %v", err)
		}
		ids = append(ids, asset.ID)
	}

	snap, err := m.CreateSnapshot("ns1")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if snap.AssetCount != 3 {
		t.Fatalf("expected 3 assets, got %d", snap.AssetCount)
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	if len(snap.AssetIDs) != len(sorted) {
		t.Fatalf("AssetIDs length mismatch: got %v want %v", snap.AssetIDs, sorted)
	}
	for i, id := range sorted {
		if snap.AssetIDs[i] != id {
			t.Fatalf("AssetIDs[%d] = %q, want %q (snapshot ids must be sorted)", i, snap.AssetIDs[i], id)
		}
	}

	leaves := make([][32]byte, len(sorted))
	for i, id := range sorted {
		raw, err := hex.DecodeString(id)
		if err != nil || len(raw) != 32 {
			t.Fatalf("asset id %q is not a 32-byte hex id", id)
		}
		leaves[i] = [32]byte(raw)
	}
	want := merkle.Root(leaves)
	if snap.MerkleRoot != want {
		t.Fatalf("merkle_root = %x, want %x (merkle(sorted(asset_ids)))", snap.MerkleRoot, want)
	}
}

// TestCreateSnapshotDedupesRepeatedAssetIDs guards the "dedupe ids" half
// of the create_snapshot step: visibleAssetIDs should already return
// unique ids, but CreateSnapshot must not silently double-count a
// duplicate if it ever sees one.
func TestCreateSnapshotDedupesRepeatedAssetIDs(t *testing.T) {
	got := sortDedupeIDs([]string{"b", "a", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("sortDedupeIDs(...) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sortDedupeIDs(...) = %v, want %v", got, want)
		}
	}
}

func pubkeyHex(m *Manager) string {
	pub := m.Signer.PublicKey()
	const hextable = "0123456789abcdef"
	out := make([]byte, len(pub)*2)
	for i, b := range pub {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func TestCreateBranchAndTagRequireExistingSnapshot(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateBranch("ns1", "main", "no-such-snapshot"); err == nil {
		t.Fatalf("expected error creating a branch against a missing snapshot")
	}

	snap, err := m.CreateSnapshot("ns1")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	branch, err := m.CreateBranch("ns1", "main", snap.ID)
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if branch.SnapshotID != snap.ID {
		t.Fatalf("unexpected branch: %+v", branch)
	}

	tag, err := m.CreateTag("ns1", "v1", snap.ID)
	if err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if tag.SnapshotID != snap.ID {
		t.Fatalf("unexpected tag: %+v", tag)
	}
	if _, err := m.CreateTag("ns1", "v1", snap.ID); err == nil {
		t.Fatalf("expected error re-creating an existing tag")
	}

	if err := m.DeleteBranch("ns1", "main"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	if _, found, err := m.Meta.GetBranch("ns1", "main"); err != nil || found {
		t.Fatalf("expected branch to be gone, found=%v err=%v", found, err)
	}
}
