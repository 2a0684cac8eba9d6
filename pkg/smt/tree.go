// Copyright 2025 Certen Protocol
//
// Sparse Merkle Tree engine: an in-memory tree over the full 256-bit
// key space. Every unwritten path is implicitly an empty leaf, so any
// path has a verifiable (possibly non-inclusion) proof.
package smt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// Depth is the key-space width in bits: 256-bit request fingerprints.
const Depth = 256

var (
	// ErrLeafConflict is returned when AddLeaf is given a path that
	// already holds a different value. Only an identical re-add is legal;
	// callers treat any other conflict as fatal.
	ErrLeafConflict = errors.New("smt: leaf already exists with a different value")
	// ErrInvalidPath is returned when a path falls outside [0, 2^256).
	ErrInvalidPath = errors.New("smt: path out of range")
)

// Leaf is a single (path, value) pair to insert.
type Leaf struct {
	Path  *big.Int
	Value []byte
}

// Tree is an in-memory sparse Merkle tree over a 256-bit key space.
// Mutation is single-threaded: exactly one of block production or
// follower apply drives AddLeaf/AddLeaves at any instant. The RWMutex
// guards readers racing that mutator, not concurrent mutators.
type Tree struct {
	mu sync.RWMutex

	// nodes[height] maps a node's path prefix (as prefixKey of the top
	// (Depth-height) bits) to its hash. height 0 is the leaf
	// level, height Depth is the root.
	nodes [Depth + 1]map[string][]byte

	// empty[height] is the hash of a completely empty subtree of that
	// height, memoized bottom-up from the empty-leaf hash.
	empty [Depth + 1][]byte

	leaves map[string][]byte // path hex -> value, for identical-re-add detection
}

// NewTree constructs an empty sparse Merkle tree.
func NewTree() *Tree {
	t := &Tree{leaves: make(map[string][]byte)}
	for h := range t.nodes {
		t.nodes[h] = make(map[string][]byte)
	}
	t.empty[0] = emptyLeafHash()
	for h := 1; h <= Depth; h++ {
		t.empty[h] = hashPair(t.empty[h-1], t.empty[h-1])
	}
	return t
}

func emptyLeafHash() []byte {
	h := sha256.Sum256([]byte("aggregator-smt-empty-leaf"))
	return h[:]
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	sum := h.Sum(nil)
	return sum
}

func leafHash(path *big.Int, value []byte) []byte {
	h := sha256.New()
	h.Write(pathBytes(path))
	h.Write(value)
	sum := h.Sum(nil)
	return sum
}

// pathBytes renders path as a fixed-width 32-byte big-endian value.
func pathBytes(path *big.Int) []byte {
	b := make([]byte, 32)
	path.FillBytes(b)
	return b
}

// prefixKey returns "bits:hex", the bit count followed by the minimal hex
// encoding of the top `bits` bits of path ("root" for bits == 0), so
// prefixes of different lengths never collide.
func prefixKey(path *big.Int, bits int) string {
	if bits == 0 {
		return "root"
	}
	shifted := new(big.Int).Rsh(path, uint(Depth-bits))
	return fmt.Sprintf("%d:%s", bits, hex.EncodeToString(shifted.Bytes()))
}

func validatePath(path *big.Int) error {
	if path.Sign() < 0 {
		return ErrInvalidPath
	}
	max := new(big.Int).Lsh(big.NewInt(1), Depth)
	if path.Cmp(max) >= 0 {
		return ErrInvalidPath
	}
	return nil
}

// bitAt returns the value of bit index `i` counting from the most
// significant bit (i=0 is the top bit), i.e. the branch decision taken at
// tree level i on the way down from the root.
func bitAt(path *big.Int, i int) uint {
	return path.Bit(Depth - 1 - i)
}

// AddLeaf inserts (path, value). Re-inserting an identical (path, value)
// pair is a no-op; any other conflict at the same path is
// ErrLeafConflict.
func (t *Tree) AddLeaf(path *big.Int, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLeafLocked(path, value)
}

func (t *Tree) addLeafLocked(path *big.Int, value []byte) error {
	if err := validatePath(path); err != nil {
		return err
	}
	key := prefixKey(path, Depth)
	if existing, ok := t.leaves[key]; ok {
		if bytes.Equal(existing, value) {
			return nil // identical re-add: no-op
		}
		return fmt.Errorf("%w: path %s", ErrLeafConflict, path.Text(16))
	}
	t.leaves[key] = value
	t.nodes[0][key] = leafHash(path, value)
	t.recomputeUpward(path)
	return nil
}

// recomputeUpward walks from the leaf at path to the root, recomputing
// every ancestor's hash from its two children (using the memoized empty
// hash for any sibling subtree that has never been written).
func (t *Tree) recomputeUpward(path *big.Int) {
	for level := Depth; level >= 1; level-- {
		// `level` counts bits consumed from the root; the child on the path
		// has a `level`-bit prefix and sits at height (Depth-level), and the
		// parent being recomputed sits one height above it.
		childBits := level
		parentBits := level - 1
		bit := bitAt(path, parentBits)

		childKey := prefixKey(path, childBits)
		childHash, ok := t.nodes[Depth-childBits][childKey]
		if !ok {
			childHash = t.empty[Depth-childBits]
		}

		siblingPath := new(big.Int).Set(path)
		siblingPath.SetBit(siblingPath, Depth-1-parentBits, 1-bit)
		siblingKey := prefixKey(siblingPath, childBits)
		siblingHash, ok := t.nodes[Depth-childBits][siblingKey]
		if !ok {
			siblingHash = t.empty[Depth-childBits]
		}

		var parentHash []byte
		if bit == 0 {
			parentHash = hashPair(childHash, siblingHash)
		} else {
			parentHash = hashPair(siblingHash, childHash)
		}
		parentKey := prefixKey(path, parentBits)
		t.nodes[Depth-parentBits][parentKey] = parentHash
	}
}

// AddLeaves applies a batch of leaves in order, equivalent to sequential
// AddLeaf calls. An identical-duplicate leaf within the batch is skipped,
// which is what a recovery replay produces; any other conflict aborts and
// returns the error, leaving prior leaves in the batch already applied.
func (t *Tree) AddLeaves(leaves []Leaf) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range leaves {
		if err := t.addLeafLocked(l.Path, l.Value); err != nil {
			return err
		}
	}
	return nil
}

// RootHash returns the current root digest.
func (t *Tree) RootHash() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.nodes[Depth]["root"]; ok {
		out := make([]byte, len(h))
		copy(out, h)
		return out
	}
	out := make([]byte, len(t.empty[Depth]))
	copy(out, t.empty[Depth])
	return out
}

// MerklePath is a verifiable proof for a path: the leaf value when one
// exists, or a valid non-inclusion path otherwise.
type MerklePath struct {
	Path     *big.Int
	Value    []byte   // nil if the leaf does not exist
	Siblings [][]byte // leaf-to-root order, Depth entries
}

// GetPath returns a MerklePath for path, whether or not a leaf exists
// there.
func (t *Tree) GetPath(path *big.Int) (*MerklePath, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := validatePath(path); err != nil {
		return nil, err
	}

	mp := &MerklePath{Path: new(big.Int).Set(path), Siblings: make([][]byte, Depth)}
	if v, ok := t.leaves[prefixKey(path, Depth)]; ok {
		mp.Value = append([]byte(nil), v...)
	}

	for level := Depth; level >= 1; level-- {
		parentBits := level - 1
		bit := bitAt(path, parentBits)
		siblingPath := new(big.Int).Set(path)
		siblingPath.SetBit(siblingPath, Depth-1-parentBits, 1-bit)
		siblingKey := prefixKey(siblingPath, level)
		h, ok := t.nodes[Depth-level][siblingKey]
		if !ok {
			h = t.empty[Depth-level]
		}
		mp.Siblings[Depth-level] = h
	}
	return mp, nil
}

// Verify recomputes the root from the proof's leaf value (or the empty
// leaf, for non-inclusion) and its sibling path, and compares it against
// root.
func (mp *MerklePath) Verify(root []byte) bool {
	current := mp.Value
	var hash []byte
	if current == nil {
		hash = emptyLeafHash()
	} else {
		hash = leafHash(mp.Path, current)
	}

	for height := 0; height < Depth; height++ {
		bit := bitAt(mp.Path, Depth-1-height)
		sibling := mp.Siblings[height]
		if bit == 0 {
			hash = hashPair(hash, sibling)
		} else {
			hash = hashPair(sibling, hash)
		}
	}
	return bytes.Equal(hash, root)
}
