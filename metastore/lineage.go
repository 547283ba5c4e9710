package metastore

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"aifs.dev/engine/aifserr"
)

// LineageEdge records that ChildAssetID was derived from ParentAssetID
// (spec.md §4.4).
type LineageEdge struct {
	ParentAssetID string `json:"parent_asset_id"`
	ChildAssetID  string `json:"child_asset_id"`
}

type lineageList struct {
	IDs []string `json:"ids"`
}

// AddLineageEdges durably records one or more parent/child edges in a
// single transaction, rejecting the whole batch if any edge would create
// a cycle (spec.md §9: lineage graphs must stay acyclic).
func (s *Store) AddLineageEdges(edges []LineageEdge) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, e := range edges {
			if e.ParentAssetID == "" || e.ChildAssetID == "" {
				return aifserr.New(aifserr.CodeInvalidArgument, "metastore: lineage edge requires both ids")
			}
			if e.ParentAssetID == e.ChildAssetID {
				return aifserr.New(aifserr.CodeFailedPrecondition, "metastore: lineage edge is self-referential")
			}
			if wouldCreateCycle(tx, e.ParentAssetID, e.ChildAssetID) {
				return aifserr.Newf(aifserr.CodeFailedPrecondition,
					"metastore: lineage edge %s -> %s would create a cycle", e.ParentAssetID, e.ChildAssetID)
			}
			if err := appendToList(tx, bucketLineage, e.ChildAssetID, e.ParentAssetID); err != nil {
				return err
			}
			if err := appendToList(tx, bucketLineageByParent, e.ParentAssetID, e.ChildAssetID); err != nil {
				return err
			}
		}
		return nil
	})
}

// wouldCreateCycle reports whether parent is already reachable as a
// descendant of child — i.e. whether a path child -> ... -> parent
// already exists, which adding parent -> child would close into a loop.
func wouldCreateCycle(tx *bolt.Tx, parent, child string) bool {
	visited := map[string]bool{child: true}
	queue := []string{child}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node == parent {
			return true
		}
		for _, next := range readList(tx, bucketLineageByParent, node) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func appendToList(tx *bolt.Tx, bucket []byte, key, value string) error {
	b := tx.Bucket(bucket)
	var list lineageList
	if v := b.Get([]byte(key)); v != nil {
		if err := json.Unmarshal(v, &list); err != nil {
			return err
		}
	}
	for _, existing := range list.IDs {
		if existing == value {
			return nil
		}
	}
	list.IDs = append(list.IDs, value)
	val, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), val)
}

func readList(tx *bolt.Tx, bucket []byte, key string) []string {
	b := tx.Bucket(bucket)
	v := b.Get([]byte(key))
	if v == nil {
		return nil
	}
	var list lineageList
	if err := json.Unmarshal(v, &list); err != nil {
		return nil
	}
	return list.IDs
}

// Parents returns the direct parents of assetID.
func (s *Store) Parents(assetID string) ([]string, error) {
	var out []string
	if err := s.db.View(func(tx *bolt.Tx) error {
		out = readList(tx, bucketLineage, assetID)
		return nil
	}); err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, nil
}

// Children returns the direct children of assetID.
func (s *Store) Children(assetID string) ([]string, error) {
	var out []string
	if err := s.db.View(func(tx *bolt.Tx) error {
		out = readList(tx, bucketLineageByParent, assetID)
		return nil
	}); err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return out, nil
}
