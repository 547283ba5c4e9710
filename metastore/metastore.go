// Package metastore is the embedded, ACID metadata store for assets,
// lineage, snapshots, branches, tags, transactions, and key registries
// (spec.md §4.4). It is bbolt-backed, one bucket per entity type plus a
// handful of secondary-index buckets, following the teacher's
// bucket-per-entity layout.
package metastore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"aifs.dev/engine/aifserr"
)

const SchemaVersionV1 uint32 = 1

var (
	bucketAssets          = []byte("assets_by_id")
	bucketAssetsByNS      = []byte("assets_index_by_ns_created")
	bucketChunkRefs       = []byte("chunk_refs_by_hash")
	bucketLineage         = []byte("lineage_edges_by_child")
	bucketLineageByParent = []byte("lineage_edges_by_parent")
	bucketSnapshots       = []byte("snapshots_by_id")
	bucketBranches        = []byte("branches_by_name")
	bucketBranchHistory   = []byte("branch_history_by_name")
	bucketTags            = []byte("tags_by_name")
	bucketTransactions    = []byte("transactions_by_id")
	bucketVisibility      = []byte("visibility_by_asset_id")
	bucketNamespaceKeys   = []byte("namespace_keys_by_ns")
	bucketTrustedKeys     = []byte("trusted_keys_by_id")
)

var allBuckets = [][]byte{
	bucketAssets, bucketAssetsByNS, bucketChunkRefs,
	bucketLineage, bucketLineageByParent,
	bucketSnapshots, bucketBranches, bucketBranchHistory, bucketTags,
	bucketTransactions, bucketVisibility, bucketNamespaceKeys, bucketTrustedKeys,
}

// Store is the embedded metadata database. One Store per engine instance
// (spec.md §9 "scoped engine").
type Store struct {
	dir string
	db  *bolt.DB
}

type schemaManifest struct {
	SchemaVersion uint32 `json:"schema_version"`
}

// Open creates or opens the metadata database rooted at dir, creating
// every required bucket and checking the on-disk schema version.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "metastore: dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}

	path := filepath.Join(dir, "meta.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, fmt.Errorf("metastore: open bbolt: %w", err))
	}

	s := &Store{dir: dir, db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("metastore: create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}

	if err := s.checkSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkSchema() error {
	path := filepath.Join(s.dir, "MANIFEST.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.writeSchemaManifest()
		}
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	var m schemaManifest
	if err := json.Unmarshal(b, &m); err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, fmt.Errorf("metastore: manifest json: %w", err))
	}
	if m.SchemaVersion > SchemaVersionV1 {
		return aifserr.Newf(aifserr.CodeFailedPrecondition, "metastore: schema_version %d > supported %d", m.SchemaVersion, SchemaVersionV1)
	}
	return nil
}

// writeSchemaManifest persists MANIFEST.json via write-tmp, fsync,
// rename, fsync-dir — the teacher's atomic commit pattern
// (node/store/manifest.go).
func (s *Store) writeSchemaManifest() error {
	b, err := json.MarshalIndent(schemaManifest{SchemaVersion: SchemaVersionV1}, "", "  ")
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	b = append(b, '\n')

	final := filepath.Join(s.dir, "MANIFEST.json")
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	_, werr := f.Write(b)
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil || serr != nil || cerr != nil {
		return aifserr.Wrap(aifserr.CodeInternal, fmt.Errorf("metastore: write manifest: write=%v sync=%v close=%v", werr, serr, cerr))
	}
	if err := os.Rename(tmp, final); err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	d, err := os.Open(s.dir)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	defer d.Close()
	return d.Sync()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// nsCreatedKey builds the (namespace, created_at, asset_id) secondary
// index key used by ListAssets for cursor pagination.
func nsCreatedKey(namespace string, createdAt time.Time, assetID string) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	key := make([]byte, 0, len(namespace)+1+8+len(assetID))
	key = append(key, namespace...)
	key = append(key, 0x00)
	key = append(key, ts[:]...)
	key = append(key, assetID...)
	return key
}
