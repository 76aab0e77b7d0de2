// pkg/kvlds/sync.go
package kvlds

import (
	"context"
	"errors"
	"fmt"

	"kvlds/pkg/lbs"
)

// Sync runs the cleaner, balances, and flattens the entire dirty tree
// into a single LBS APPEND batch, then marks everything Clean and tears
// down the stale shadow tree. It is the only place pagenums are
// assigned: a node is serializable only once every node it references
// (its children) already has one, so the flatten walk is strictly
// post-order.
func (t *Tree) Sync(ctx context.Context) error {
	if err := t.checkClosed(); err != nil {
		return err
	}
	if err := t.cleaner.runCleaning(ctx); err != nil {
		return err
	}
	if t.rootDirty == t.rootShadow {
		return nil // nothing to write
	}

	newRoot := t.balance(t.rootDirty)
	t.rootDirty = newRoot

	var blocks [][]byte
	if err := t.flatten(newRoot, &blocks); err != nil {
		return err
	}
	t.cleaner.accrue(int64(len(blocks)))

	newNext, err := t.store.Append(ctx, t.nextBlkHint, blocks)
	if errors.Is(err, lbs.ErrAppendRace) {
		return fmt.Errorf("%w: %w", ErrAppendRace, err)
	}
	if err != nil {
		return fmt.Errorf("kvlds: lbs append: %w", err)
	}
	t.nextBlkHint = newNext

	oldShadow := t.rootShadow
	t.markClean(newRoot)
	t.rootShadow = newRoot
	t.nnodes = 0

	t.sched.post(1, func() {
		if oldShadow != nil && oldShadow != newRoot {
			t.unshadow(oldShadow)
		}
	})
	t.sched.drain()

	return t.maybeFree(ctx)
}

// flatten assigns pagenums in post-order (children before parents) and
// appends each node's serialized page to blocks. Already-Clean subtrees
// (shared with the old shadow tree, untouched by this batch) are
// skipped entirely — they already have pagenums and their bytes are
// already durable.
func (t *Tree) flatten(n *Node, blocks *[][]byte) error {
	if n.state != StateDirty {
		return nil
	}
	if n.typ == NodeParent {
		for _, c := range n.children {
			if err := t.flatten(c, blocks); err != nil {
				return err
			}
		}
	}

	n.pagenum = t.nextPagenum(len(*blocks))
	if n.typ == NodeLeaf {
		n.oldestleaf = n.pagenum
		n.oldestncleaf = n.pagenum
	} else {
		minLeaf, minNCleaf := n.children[0].oldestleaf, n.children[0].oldestncleaf
		for _, c := range n.children[1:] {
			if c.oldestleaf < minLeaf {
				minLeaf = c.oldestleaf
			}
			if c.oldestncleaf < minNCleaf {
				minNCleaf = c.oldestncleaf
			}
		}
		n.oldestleaf = minLeaf
		n.oldestncleaf = minNCleaf
	}
	if n.root {
		n.rootNNodes = uint64(t.nnodes)
	}

	buf := make([]byte, t.pagelen)
	if err := encodeNode(buf, n, t.pagelen); err != nil {
		return err
	}
	n.pagesize = t.pagelen
	*blocks = append(*blocks, buf)
	return nil
}

// nextPagenum returns the block number the idx'th block of the pending
// batch will land at, given the store's pre-batch next-block number
// recorded in t.nextBlkHint.
func (t *Tree) nextPagenum(idx int) int64 {
	return t.nextBlkHint + int64(idx)
}

// markClean walks the just-flattened dirty tree converting every Dirty
// node to Clean, with p_shadow now equal to p_dirty (the tree just
// became durable, so it's simultaneously the newest shadow tree).
func (t *Tree) markClean(n *Node) {
	if n.state != StateDirty {
		return
	}
	n.state = StateClean
	n.pShadow = n.pDirty
	if n.typ == NodeParent {
		for _, c := range n.children {
			t.markClean(c)
		}
	}
}

// unshadow walks the stale shadow tree rooted at old and destroys every
// node that isn't also reachable from the new shadow tree (i.e. every
// node that was Shadow-state at the time of this Sync), recovering the
// pool slots and parent locks they held. Posted as a priority-1
// immediate so it never starves a waiting fetch.
func (t *Tree) unshadow(n *Node) {
	if n == nil {
		return
	}
	if n.typ == NodeParent {
		for _, c := range n.children {
			if c.pShadow == n {
				t.unshadow(c)
			}
		}
	}
	if n.state == StateShadow {
		if n.locks > 1 {
			n.locks = 1
		}
		t.destroy(n)
	}
}

// maybeFree issues an LBS FREE for every block strictly before the
// oldest block any present node (in either tree) still references,
// reclaiming space the cleaner has already rewritten forward.
func (t *Tree) maybeFree(ctx context.Context) error {
	oldest := t.rootShadow.oldestleaf
	if t.rootDirty != nil && t.rootDirty.oldestleaf < oldest {
		oldest = t.rootDirty.oldestleaf
	}
	if oldest <= 0 {
		return nil
	}
	return t.store.Free(ctx, oldest)
}
