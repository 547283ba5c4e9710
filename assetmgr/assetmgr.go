// Package assetmgr is the orchestrator tying the chunk store, codecs,
// metadata store, transaction manager, Merkle engine, vector index, and
// KMS signer together into the asset-level operations spec.md §4.8
// describes (put/get/delete/snapshot/branch/tag). It mirrors the
// teacher's "apply a unit of work across several subsystems in one
// state transition" shape (node/sync.go), generalized from block
// application to asset ingest.
package assetmgr

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"time"

	"aifs.dev/engine/aifserr"
	"aifs.dev/engine/chunkstore"
	"aifs.dev/engine/codec"
	"aifs.dev/engine/kms"
	"aifs.dev/engine/merkle"
	"aifs.dev/engine/metastore"
	"aifs.dev/engine/txn"
	"aifs.dev/engine/vectorindex"
)

// Manager is the top-level asset orchestrator. One Manager per engine
// instance (spec.md §9 "scoped engine").
type Manager struct {
	Chunks  *chunkstore.Store
	Meta    *metastore.Store
	Txns    *txn.Manager
	KMS     kms.Provider
	Signer  *kms.Signer
	Vectors *vectorindex.Index

	// Events is optional; when set, mutating operations publish an Event
	// for SubscribeEvents consumers (spec.md §4.10).
	Events *EventBus

	// SigningKeyID labels Signer's public key for the trusted-key-id
	// verification mode (metastore.TrustedKey); callers pin it there via
	// RegisterSigningKey.
	SigningKeyID string
}

// RegisterSigningKey derives a key id from the Signer's public key (its
// first 8 bytes, hex-encoded, mirroring kms.LocalProvider's own key_id
// convention) and pins it as a trusted key, so VerifySnapshot's
// trusted-key-id mode has something to look up.
func (m *Manager) RegisterSigningKey() error {
	pub := m.Signer.PublicKey()
	m.SigningKeyID = hex.EncodeToString(pub[:8])
	return m.Meta.PinTrustedKey(metastore.TrustedKey{
		KeyID:        m.SigningKeyID,
		PublicKeyHex: hex.EncodeToString(pub),
	})
}

func genID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return hex.EncodeToString(b), nil
}

// PutRequest describes one asset to ingest.
type PutRequest struct {
	Namespace        string
	Kind             string
	Codec            codec.Kind
	Payload          []byte
	ParentAssetID    string // empty if this asset has no declared parent
	Metadata         map[string]string
	CompressionLevel int
	EmbedVector      []float32 // set only when Codec == codec.KindEmbed
}

func validatePayload(k codec.Kind, payload []byte) error {
	switch k {
	case codec.KindBlob:
		return codec.ValidateBlob(payload)
	case codec.KindTensor:
		_, _, err := codec.ValidateTensor(payload)
		return err
	case codec.KindEmbed:
		_, _, err := codec.ValidateEmbed(payload)
		return err
	case codec.KindArtifact:
		_, err := codec.ValidateArtifact(payload)
		return err
	default:
		return aifserr.Newf(aifserr.CodeInvalidArgument, "assetmgr: unknown codec kind %v", k)
	}
}

// chunkBoundary is the fixed-size piece that large payloads are split
// into before ingest (spec.md §4.8 step 2: "chunked into fixed-size
// pieces, chunk boundary ≈ 4 MiB"), enabling chunk-level dedup across
// assets that happen to share a piece.
const chunkBoundary = 4 * 1024 * 1024

// PutAsset validates, chunks, encrypts, and durably records a new asset,
// then makes it visible via an auto-committed transaction (spec.md §4.8).
func (m *Manager) PutAsset(req PutRequest) (metastore.Asset, error) {
	if req.Namespace == "" {
		return metastore.Asset{}, aifserr.New(aifserr.CodeInvalidArgument, "assetmgr: namespace required")
	}
	if err := validatePayload(req.Codec, req.Payload); err != nil {
		return metastore.Asset{}, err
	}

	var chunkHashes [][32]byte
	payload := req.Payload
	for len(payload) > 0 || len(chunkHashes) == 0 {
		n := chunkBoundary
		if n > len(payload) {
			n = len(payload)
		}
		piece := payload[:n]
		payload = payload[n:]

		hash, _, err := m.Chunks.Put(piece, req.CompressionLevel)
		if err != nil {
			return metastore.Asset{}, err
		}
		if err := m.Meta.IncRefChunk(hash); err != nil {
			return metastore.Asset{}, err
		}
		chunkHashes = append(chunkHashes, [32]byte(hash))
		if len(piece) == 0 {
			break
		}
	}

	// asset_id is BLAKE3 of the concatenated ordered chunk-hash list
	// (spec.md §4.8 step 2), uniformly whether an asset has one chunk
	// or many.
	concat := make([]byte, 0, len(chunkHashes)*32)
	for _, h := range chunkHashes {
		concat = append(concat, h[:]...)
	}
	assetID := chunkstore.SumHash(concat).String()

	asset := metastore.Asset{
		ID:            assetID,
		Namespace:     req.Namespace,
		Kind:          req.Kind,
		Codec:         byte(req.Codec),
		ChunkHashes:   chunkHashes,
		SizeBytes:     int64(len(req.Payload)),
		CreatedAt:     time.Now(),
		ParentAssetID: req.ParentAssetID,
		Metadata:      req.Metadata,
	}
	if err := m.Meta.UpsertAsset(asset); err != nil {
		return metastore.Asset{}, err
	}

	if req.ParentAssetID != "" {
		if err := m.Meta.AddLineageEdges([]metastore.LineageEdge{
			{ParentAssetID: req.ParentAssetID, ChildAssetID: asset.ID},
		}); err != nil {
			return metastore.Asset{}, err
		}
	}

	txID, err := genID()
	if err != nil {
		return metastore.Asset{}, err
	}
	var parents []string
	if req.ParentAssetID != "" {
		parents = []string{req.ParentAssetID}
	}
	if err := m.Txns.AutoCommit(txID, asset.ID, parents); err != nil {
		return metastore.Asset{}, err
	}

	if req.Codec == codec.KindEmbed && m.Vectors != nil {
		h, vector, err := codec.ValidateEmbed(req.Payload)
		if err != nil {
			return metastore.Asset{}, err
		}
		ns, err := m.Vectors.Namespace(req.Namespace, vectorindex.DefaultConfig(h.Dimension, vectorindex.Metric(h.DistanceMetric)))
		if err != nil {
			return metastore.Asset{}, err
		}
		if err := ns.Add(asset.ID, vector, req.Metadata); err != nil {
			return metastore.Asset{}, err
		}
	}

	m.publish(Event{Namespace: req.Namespace, Type: "asset_put", AssetID: asset.ID})
	return asset, nil
}

// GetAsset returns an asset's record and its decoded payload bytes, if
// visible.
func (m *Manager) GetAsset(id string) (metastore.Asset, []byte, error) {
	asset, found, err := m.Meta.GetAsset(id)
	if err != nil {
		return metastore.Asset{}, nil, err
	}
	if !found {
		return metastore.Asset{}, nil, aifserr.New(aifserr.CodeNotFound, "assetmgr: no such asset")
	}
	visible, err := m.Meta.IsVisible(id)
	if err != nil {
		return metastore.Asset{}, nil, err
	}
	if !visible {
		return metastore.Asset{}, nil, aifserr.New(aifserr.CodeNotFound, "assetmgr: asset not visible")
	}

	var payload []byte
	for _, h := range asset.ChunkHashes {
		part, err := m.Chunks.Get(chunkstore.Hash(h))
		if err != nil {
			return metastore.Asset{}, nil, err
		}
		payload = append(payload, part...)
	}
	return asset, payload, nil
}

// DeleteAsset hides an asset and decrements its chunks' refcounts,
// pruning underlying bytes once a chunk's refcount reaches zero
// (spec.md §10 supplemented feature).
func (m *Manager) DeleteAsset(id string) error {
	asset, found, err := m.Meta.GetAsset(id)
	if err != nil {
		return err
	}
	if !found {
		return aifserr.New(aifserr.CodeNotFound, "assetmgr: no such asset")
	}

	for _, h := range asset.ChunkHashes {
		hash := chunkstore.Hash(h)
		zero, err := m.Meta.DecRefChunk(hash)
		if err != nil {
			return err
		}
		if zero {
			if err := m.Chunks.Prune(hash); err != nil {
				return err
			}
		}
	}
	if m.Vectors != nil {
		if ns, err := m.Vectors.Namespace(asset.Namespace, vectorindex.Config{}); err == nil {
			ns.Delete(id)
		}
	}
	if err := m.Meta.DeleteAsset(id); err != nil {
		return err
	}
	m.publish(Event{Namespace: asset.Namespace, Type: "asset_deleted", AssetID: id})
	return nil
}

// visibleAssetIDs lists a namespace's currently-visible asset ids in
// creation order, paging through metastore's listing until exhausted.
func (m *Manager) visibleAssetIDs(namespace string) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		page, err := m.Meta.ListAssets(metastore.AssetFilter{Namespace: namespace}, 1000, cursor)
		if err != nil {
			return nil, err
		}
		for _, a := range page.Assets {
			visible, err := m.Meta.IsVisible(a.ID)
			if err != nil {
				return nil, err
			}
			if visible {
				ids = append(ids, a.ID)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return ids, nil
}

// CreateSnapshot signs a point-in-time Merkle root over a namespace's
// currently-visible assets (spec.md §4.6: "Sort/dedupe ids, compute
// Merkle root" over merkle(sorted(asset_ids))). An empty namespace still
// produces a signed, well-defined snapshot (spec.md §9 resolved Open
// Question): root is BLAKE3("") and Empty is set.
func (m *Manager) CreateSnapshot(namespace string) (metastore.Snapshot, error) {
	ids, err := m.visibleAssetIDs(namespace)
	if err != nil {
		return metastore.Snapshot{}, err
	}
	ids = sortDedupeIDs(ids)

	leaves := make([][32]byte, len(ids))
	for i, id := range ids {
		raw, err := hex.DecodeString(id)
		if err != nil || len(raw) != 32 {
			return metastore.Snapshot{}, aifserr.Newf(aifserr.CodeInternal, "assetmgr: asset id %q is not a 32-byte hex id", id)
		}
		leaves[i] = [32]byte(raw)
	}
	root := merkle.Root(leaves)

	snapID, err := genID()
	if err != nil {
		return metastore.Snapshot{}, err
	}
	ts := time.Now().UTC().Format(time.RFC3339)

	_, sigHex, err := kms.SignSnapshot(m.Signer, root, ts, namespace)
	if err != nil {
		return metastore.Snapshot{}, err
	}

	snap := metastore.Snapshot{
		ID:           snapID,
		Namespace:    namespace,
		AssetIDs:     ids,
		MerkleRoot:   root,
		AssetCount:   len(ids),
		Timestamp:    ts,
		SignatureHex: sigHex,
		SigningKeyID: m.SigningKeyID,
		CreatedAt:    time.Now(),
		Empty:        len(ids) == 0,
	}
	if err := m.Meta.CreateSnapshot(snap); err != nil {
		return metastore.Snapshot{}, err
	}
	m.publish(Event{Namespace: namespace, Type: "snapshot_created", SnapID: snap.ID})
	return snap, nil
}

// sortDedupeIDs returns ids in sorted order with duplicates removed,
// per spec.md §4.8's "Sort/dedupe ids" snapshot step.
func sortDedupeIDs(ids []string) []string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// VerifyMode selects which key VerifySnapshot trusts (spec.md §4.2).
type VerifyMode int

const (
	// VerifyDirectPubkey checks the signature against a caller-supplied
	// public key.
	VerifyDirectPubkey VerifyMode = iota
	// VerifyNamespacePinned checks against the public key registered for
	// the snapshot's namespace via RegisterNamespaceKey.
	VerifyNamespacePinned
	// VerifyTrustedKeyID checks against a public key pinned by id via
	// PinTrustedKey, regardless of namespace.
	VerifyTrustedKeyID
)

// VerifySnapshot checks a snapshot's signature under the requested trust
// mode. directPubkey is only consulted when mode is VerifyDirectPubkey.
func (m *Manager) VerifySnapshot(snapshotID string, mode VerifyMode, directPubkey ed25519.PublicKey) (bool, error) {
	snap, found, err := m.Meta.GetSnapshot(snapshotID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, aifserr.New(aifserr.CodeNotFound, "assetmgr: no such snapshot")
	}

	var pubkey ed25519.PublicKey
	switch mode {
	case VerifyDirectPubkey:
		pubkey = directPubkey
	case VerifyNamespacePinned:
		nk, found, err := m.Meta.GetNamespaceKey(snap.Namespace)
		if err != nil {
			return false, err
		}
		if !found {
			return false, aifserr.Newf(aifserr.CodeFailedPrecondition, "assetmgr: no key pinned for namespace %q", snap.Namespace)
		}
		pubkey, err = hex.DecodeString(nk.PublicKeyHex)
		if err != nil {
			return false, aifserr.Wrap(aifserr.CodeInternal, err)
		}
	case VerifyTrustedKeyID:
		tk, found, err := m.Meta.GetTrustedKey(snap.SigningKeyID)
		if err != nil {
			return false, err
		}
		if !found {
			return false, aifserr.Newf(aifserr.CodeFailedPrecondition, "assetmgr: signing key id %q is not trusted", snap.SigningKeyID)
		}
		pubkey, err = hex.DecodeString(tk.PublicKeyHex)
		if err != nil {
			return false, aifserr.Wrap(aifserr.CodeInternal, err)
		}
	default:
		return false, aifserr.Newf(aifserr.CodeInvalidArgument, "assetmgr: unknown verify mode %d", mode)
	}

	return kms.VerifySnapshot(snap.SignatureHex, snap.MerkleRoot, snap.Timestamp, snap.Namespace, pubkey), nil
}

// CreateBranch points a mutable namespace-scoped name at a snapshot.
func (m *Manager) CreateBranch(namespace, name, snapshotID string) (metastore.Branch, error) {
	if _, found, err := m.Meta.GetSnapshot(snapshotID); err != nil {
		return metastore.Branch{}, err
	} else if !found {
		return metastore.Branch{}, aifserr.New(aifserr.CodeNotFound, "assetmgr: no such snapshot")
	}
	b := metastore.Branch{Name: name, Namespace: namespace, SnapshotID: snapshotID, UpdatedAt: time.Now()}
	if err := m.Meta.CreateOrUpdateBranch(b); err != nil {
		return metastore.Branch{}, err
	}
	m.publish(Event{Namespace: namespace, Type: "branch_updated", SnapID: snapshotID})
	return b, nil
}

// DeleteBranch removes a branch pointer and its history.
func (m *Manager) DeleteBranch(namespace, name string) error {
	return m.Meta.DeleteBranch(namespace, name)
}

// CreateTag immutably points a namespace-scoped name at a snapshot.
func (m *Manager) CreateTag(namespace, name, snapshotID string) (metastore.Tag, error) {
	if _, found, err := m.Meta.GetSnapshot(snapshotID); err != nil {
		return metastore.Tag{}, err
	} else if !found {
		return metastore.Tag{}, aifserr.New(aifserr.CodeNotFound, "assetmgr: no such snapshot")
	}
	t := metastore.Tag{Name: name, Namespace: namespace, SnapshotID: snapshotID, CreatedAt: time.Now()}
	if err := m.Meta.CreateTag(t); err != nil {
		return metastore.Tag{}, err
	}
	return t, nil
}
