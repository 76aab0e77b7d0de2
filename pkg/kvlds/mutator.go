// pkg/kvlds/mutator.go
package kvlds

import (
	"bytes"
	"context"
)

// MutateOp names the six write operations the wire protocol exposes,
// each a different precondition over the leaf's current value for key.
type MutateOp int

const (
	OpSet    MutateOp = iota // unconditional write
	OpAdd                    // succeeds only if key is absent
	OpModify                 // succeeds only if key is present
	OpDelete                 // unconditional tombstone
	OpCas                    // write only if current value equals Old
	OpCad                    // delete only if current value equals Old
)

// MutateResult reports whether a conditional write's precondition held.
type MutateResult struct {
	Applied bool
	Old     Value // previous value, when the caller asked for CAS/CAD semantics
	HadOld  bool
}

// mutate applies op to key in the dirty leaf containing it, creating an
// overflow entry (or tombstone) rather than touching the leaf's sealed
// pairs directly — a mutable leaf is a sorted vector plus an overflow map
// of pending writes, sealed into a fresh sorted vector only once the leaf
// is about to be written out by Sync.
func (t *Tree) mutate(ctx context.Context, key Key, op MutateOp, val, old Value) (MutateResult, error) {
	if len(key) > t.kmax {
		return MutateResult{}, ErrKeyTooLong
	}
	if (op == OpSet || op == OpAdd || op == OpModify || op == OpCas) && len(val) > t.vmax {
		return MutateResult{}, ErrValueTooLong
	}

	// The precondition and the write must observe the same point in
	// time, namely the dirty tree's state including any earlier
	// mutation in this same batch (read-your-writes within a batch).
	dirtyLeaf, err := t.findLeaf(ctx, t.rootDirty, key, true)
	if err != nil {
		return MutateResult{}, err
	}
	cur, hadCur := currentValue(dirtyLeaf, key)

	switch op {
	case OpAdd:
		if hadCur {
			t.pool.unlock(dirtyLeaf)
			return MutateResult{Old: cur, HadOld: true}, nil
		}
	case OpModify:
		if !hadCur {
			t.pool.unlock(dirtyLeaf)
			return MutateResult{}, nil
		}
	case OpCas, OpCad:
		if !valueEqual(cur, hadCur, old) {
			t.pool.unlock(dirtyLeaf)
			return MutateResult{Old: cur, HadOld: hadCur}, nil
		}
	}

	leaf := t.dirty(dirtyLeaf)
	if leaf.overflow == nil {
		leaf.overflow = make(map[string]overflowEntry)
	}
	switch op {
	case OpDelete, OpCad:
		leaf.overflow[string(key)] = overflowEntry{tombstone: true}
	default:
		leaf.overflow[string(key)] = overflowEntry{value: cloneValue(val)}
	}
	t.pool.unlock(dirtyLeaf)

	return MutateResult{Applied: true, Old: cur, HadOld: hadCur}, nil
}

// valueEqual reports whether a present value equals old. CAS/CAD treat
// "key absent" as distinct from any byte string, so a missing current
// value never matches, even an empty old.
func valueEqual(cur Value, hadCur bool, old Value) bool {
	return hadCur && bytes.Equal(cur, old)
}

// currentValue looks up key directly in a leaf already known to contain
// it (found by findLeaf), without re-descending.
func currentValue(leaf *Node, key Key) (Value, bool) {
	if leaf.overflow != nil {
		if e, ok := leaf.overflow[string(key)]; ok {
			if e.tombstone {
				return nil, false
			}
			return e.value, true
		}
	}
	if idx, ok := findInLeaf(leaf, key); ok {
		return leaf.pairs[idx].value, true
	}
	return nil, false
}

// sealLeaf merges a Dirty leaf's overflow map into its sealed pairs
// vector, dropping tombstones, and clears the overflow map. Called by
// Sync just before a leaf is serialized: a page on disk never contains
// an overflow map, only the flattened result.
func sealLeaf(n *Node) {
	if len(n.overflow) == 0 {
		return
	}
	n.pairs = mergeLeafEntries(n)
	n.overflow = nil
	n.mlenN = leafMlenN(n.pairs, 0)
}
