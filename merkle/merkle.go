// Package merkle builds Merkle trees over asset ids for snapshot roots
// (spec.md §4.6: leaf = BLAKE3(asset_id_bytes), internal node =
// BLAKE3(left || right), no domain-separation tag), and produces/verifies
// inclusion proofs against those roots.
package merkle

import (
	"lukechampine.com/blake3"
)

// Side records which side of a proof step the sibling hash sits on.
type Side bool

const (
	SideLeft  Side = false
	SideRight Side = true
)

// ProofStep is one sibling hash plus its position relative to the node
// being proven.
type ProofStep struct {
	Sibling [32]byte
	Side    Side
}

// Proof is an inclusion proof for one asset id against a snapshot root.
type Proof struct {
	Leaf  [32]byte
	Steps []ProofStep
}

func hashLeaf(assetID [32]byte) [32]byte {
	return blake3.Sum256(assetID[:])
}

func hashNode(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 32+32)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return blake3.Sum256(buf)
}

// emptyRoot is the canonical root of a zero-asset snapshot: BLAKE3 of the
// empty string, per spec.md §9's Open Question resolution (see DESIGN.md).
func emptyRoot() [32]byte {
	return blake3.Sum256(nil)
}

// Root computes the Merkle root over assetIDs in the given order. An empty
// slice yields the canonical empty-set root rather than an error, so that
// an empty namespace can still be snapshotted (spec.md §9).
func Root(assetIDs [][32]byte) [32]byte {
	if len(assetIDs) == 0 {
		return emptyRoot()
	}

	level := make([][32]byte, len(assetIDs))
	for i, id := range assetIDs {
		level[i] = hashLeaf(id)
	}

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); {
			if i == len(level)-1 {
				// Odd promotion rule: carry forward unchanged, no duplication.
				next = append(next, level[i])
				i++
				continue
			}
			next = append(next, hashNode(level[i], level[i+1]))
			i += 2
		}
		level = next
	}
	return level[0]
}

// Prove builds an inclusion proof for assetIDs[index] against Root(assetIDs).
func Prove(assetIDs [][32]byte, index int) (Proof, bool) {
	if index < 0 || index >= len(assetIDs) {
		return Proof{}, false
	}

	level := make([][32]byte, len(assetIDs))
	for i, id := range assetIDs {
		level[i] = hashLeaf(id)
	}

	proof := Proof{Leaf: level[index]}
	idx := index
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); {
			if i == len(level)-1 {
				if idx == i {
					idx = len(next)
				}
				next = append(next, level[i])
				i++
				continue
			}
			if idx == i {
				proof.Steps = append(proof.Steps, ProofStep{Sibling: level[i+1], Side: SideRight})
				idx = len(next)
			} else if idx == i+1 {
				proof.Steps = append(proof.Steps, ProofStep{Sibling: level[i], Side: SideLeft})
				idx = len(next)
			}
			next = append(next, hashNode(level[i], level[i+1]))
			i += 2
		}
		level = next
	}
	return proof, true
}

// Verify recomputes root from a leaf's asset id and a proof, checking it
// matches the claimed root. It does not check the proof's length against
// the set size; ExpectedProofLen gives the upper bound for that.
func Verify(assetID [32]byte, proof Proof, root [32]byte) bool {
	leaf := hashLeaf(assetID)
	if proof.Leaf != leaf {
		return false
	}
	cur := leaf
	for _, step := range proof.Steps {
		if step.Side == SideRight {
			cur = hashNode(cur, step.Sibling)
		} else {
			cur = hashNode(step.Sibling, cur)
		}
	}
	return cur == root
}

// ExpectedProofLen returns ceil(log2(n)) for n>1, and 0 for n<=1. Because
// odd levels carry a node forward unchanged instead of duplicating it,
// some leaves produce shorter proofs than this; treat it as an upper
// bound for sanity-checking proof length, not an exact equality.
func ExpectedProofLen(n int) int {
	if n <= 1 {
		return 0
	}
	length := 0
	for size := 1; size < n; size *= 2 {
		length++
	}
	return length
}
