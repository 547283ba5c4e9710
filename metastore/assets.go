package metastore

import (
	"encoding/base64"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"aifs.dev/engine/aifserr"
)

// Asset is the durable record for one stored object (spec.md §4.1/§4.4).
// ChunkHashes names the content-addressed chunks making up its payload,
// in order; Codec identifies which codec produced the payload bytes.
type Asset struct {
	ID            string            `json:"id"`
	Namespace     string            `json:"namespace"`
	Kind          string            `json:"kind"`
	Codec         byte              `json:"codec"`
	ChunkHashes   [][32]byte        `json:"chunk_hashes"`
	SizeBytes     int64             `json:"size_bytes"`
	CreatedAt     time.Time         `json:"created_at"`
	ParentAssetID string            `json:"parent_asset_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	TxID          string            `json:"tx_id,omitempty"`
}

// UpsertAsset writes an asset record and maintains its (namespace,
// created_at, asset_id) secondary index entry.
func (s *Store) UpsertAsset(a Asset) error {
	if a.ID == "" {
		return aifserr.New(aifserr.CodeInvalidArgument, "metastore: asset id required")
	}
	val, err := json.Marshal(a)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		assets := tx.Bucket(bucketAssets)
		if existing := assets.Get([]byte(a.ID)); existing != nil {
			var prev Asset
			if err := json.Unmarshal(existing, &prev); err == nil {
				_ = tx.Bucket(bucketAssetsByNS).Delete(nsCreatedKey(prev.Namespace, prev.CreatedAt, prev.ID))
			}
		}
		if err := assets.Put([]byte(a.ID), val); err != nil {
			return err
		}
		return tx.Bucket(bucketAssetsByNS).Put(nsCreatedKey(a.Namespace, a.CreatedAt, a.ID), []byte(a.ID))
	})
}

// GetAsset returns an asset by id.
func (s *Store) GetAsset(id string) (Asset, bool, error) {
	var out Asset
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAssets).Get([]byte(id))
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
		return Asset{}, false, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, found, nil
}

// DeleteAsset removes an asset record and its secondary index entry. It
// does not touch chunk refcounts; callers must DecRefChunk each of the
// asset's chunk hashes separately so multi-asset dedup stays correct.
func (s *Store) DeleteAsset(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		assets := tx.Bucket(bucketAssets)
		v := assets.Get([]byte(id))
		if v == nil {
			return aifserr.New(aifserr.CodeNotFound, "metastore: no such asset")
		}
		var a Asset
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAssetsByNS).Delete(nsCreatedKey(a.Namespace, a.CreatedAt, a.ID)); err != nil {
			return err
		}
		return assets.Delete([]byte(id))
	})
}

// AssetFilter narrows ListAssets to a namespace and, optionally, a kind.
type AssetFilter struct {
	Namespace string
	Kind      string // empty matches any kind
}

// ListAssetsPage is one page of a ListAssets call: the matching assets in
// (created_at, asset_id) order, plus an opaque cursor for the next page
// (empty when exhausted).
type ListAssetsPage struct {
	Assets     []Asset
	NextCursor string
}

// ListAssets returns up to limit assets in a namespace, ordered by
// creation time, honoring an opaque cursor from a prior page
// (spec.md §10 supplemented pagination). Only assets the caller's
// visibility set permits should be shown; filtering for visibility is
// the asset manager's responsibility, not this store's.
func (s *Store) ListAssets(filter AssetFilter, limit int, cursor string) (ListAssetsPage, error) {
	if limit <= 0 {
		limit = 100
	}
	startKey, err := decodeCursor(cursor)
	if err != nil {
		return ListAssetsPage{}, err
	}

	var page ListAssetsPage
	err = s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketAssetsByNS)
		assets := tx.Bucket(bucketAssets)
		c := idx.Cursor()

		prefix := append([]byte(filter.Namespace), 0x00)
		var k, v []byte
		if startKey != nil {
			k, v = c.Seek(startKey)
			if k != nil && string(k) == string(startKey) {
				k, v = c.Next() // resume strictly after the cursor position
			}
		} else {
			k, v = c.Seek(prefix)
		}

		for ; k != nil; k, v = c.Next() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			assetID := v
			raw := assets.Get(assetID)
			if raw == nil {
				continue
			}
			var a Asset
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			if filter.Kind != "" && a.Kind != filter.Kind {
				continue
			}
			page.Assets = append(page.Assets, a)
			if len(page.Assets) == limit {
				page.NextCursor = encodeCursor(k)
				break
			}
		}
		return nil
	})
	if err != nil {
		return ListAssetsPage{}, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return page, nil
}

// ListNamespaces returns every distinct namespace with at least one
// asset record, in lexical order (spec.md §4.10 ListNamespaces).
func (s *Store) ListNamespaces() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAssetsByNS).Cursor()
		seen := ""
		first := true
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			sep := indexByte(k, 0x00)
			if sep < 0 {
				continue
			}
			ns := string(k[:sep])
			if first || ns != seen {
				out = append(out, ns)
				seen = ns
				first = false
			}
		}
		return nil
	})
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, nil
}

func indexByte(b []byte, target byte) int {
	for i, c := range b {
		if c == target {
			return i
		}
	}
	return -1
}

func encodeCursor(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}

func decodeCursor(cursor string) ([]byte, error) {
	if cursor == "" {
		return nil, nil
	}
	key, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "metastore: malformed cursor")
	}
	return key, nil
}
