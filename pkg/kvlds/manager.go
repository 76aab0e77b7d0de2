// pkg/kvlds/manager.go
package kvlds

import (
	"context"
	"fmt"
)

// lockNode locks n in the pool. A nil node is a no-op.
func (t *Tree) lockNode(n *Node) {
	if n != nil {
		t.pool.lock(n)
	}
}

func (t *Tree) unlockNode(n *Node) {
	if n != nil {
		t.pool.unlock(n)
	}
}

// lockParents locks the parent(s) a newly-present node contributes a
// lock to. pShadow and pDirty usually alias the same object (most of
// the tree is untouched by the current batch); we lock each distinct
// pointer once rather than double-locking a shared parent, which keeps
// the accounting simple while preserving the property that matters
// operationally: a node is never evicted while a live parent still
// points at it.
func (t *Tree) lockParents(n *Node) {
	t.lockNode(n.pShadow)
	if n.pDirty != n.pShadow {
		t.lockNode(n.pDirty)
	}
}

func (t *Tree) unlockParents(n *Node) {
	t.unlockNode(n.pShadow)
	if n.pDirty != n.pShadow {
		t.unlockNode(n.pDirty)
	}
}

// fetch brings n from NotPresent/Reading to Parent/Leaf. The tree mutex
// must be held on entry; it is released while the LBS GET
// is in flight and re-acquired before returning. mayFail selects whether
// a missing page demotes n back to NotPresent (true) or is fatal (false).
// Concurrent fetchers of the same Reading node coalesce onto one GET.
func (t *Tree) fetch(ctx context.Context, n *Node, mayFail bool) error {
	if n.isPresent() {
		return nil
	}

	if n.typ == NodeReading {
		w := &fetchWaiter{mayFail: mayFail, done: make(chan error, 1)}
		n.waiters = append(n.waiters, w)
		if !mayFail {
			n.fetchMustSucceed = true
		}
		t.pool.lock(n)
		t.mu.Unlock()
		err := <-w.done
		t.mu.Lock()
		return err
	}

	// NodeNotPresent: become the fetcher.
	n.typ = NodeReading
	w := &fetchWaiter{mayFail: mayFail, done: make(chan error, 1)}
	n.waiters = []*fetchWaiter{w}
	n.fetchMustSucceed = !mayFail
	t.pool.track(n)
	t.pool.lock(n)
	t.lockParents(n)

	pagenum := n.pagenum
	t.mu.Unlock()
	ok, data, ioErr := t.store.Get(ctx, pagenum)
	t.mu.Lock()

	waiters := n.waiters
	n.waiters = nil

	finish := func(err error) error {
		t.mu.Unlock()
		for _, w := range waiters {
			w.done <- err
		}
		t.mu.Lock()
		return err
	}

	if ioErr != nil {
		return finish(fmt.Errorf("kvlds: lbs get(%d): %w", pagenum, ioErr))
	}

	if !ok {
		if n.fetchMustSucceed {
			return finish(fmt.Errorf("kvlds: required page %d does not exist", pagenum))
		}
		n.typ = NodeNotPresent
		t.unlockParents(n)
		t.pool.untrack(n)
		for range waiters {
			t.pool.unlock(n)
		}
		return finish(nil)
	}

	dp, err := decodePage(data, t.pagelen)
	if err != nil {
		return finish(err)
	}
	t.installDecoded(n, dp, data)
	return finish(nil)
}

// installDecoded turns a freshly-read page into n's live Clean payload.
func (t *Tree) installDecoded(n *Node, dp *decodedPage, page []byte) {
	n.height = dp.height
	n.mlenT = dp.mlenT
	n.pagesize = len(page)
	if dp.root {
		n.rootNNodes = dp.nnodes
	}

	if dp.isLeaf {
		n.typ = NodeLeaf
		n.pairs = dp.pairs
		n.mlenN = leafMlenN(dp.pairs, 0)
		n.oldestleaf = n.pagenum
		n.oldestncleaf = n.pagenum
	} else {
		n.typ = NodeParent
		n.keys = dp.keys
		n.children = make([]*Node, len(dp.children))
		minLeaf, minNCleaf := int64(-1), int64(-1)
		for i, c := range dp.children {
			child := newPlaceholder(c.pagenum, c.oldestleaf, c.pagesize)
			child.pShadow = n
			child.pDirty = n
			n.children[i] = child
			if minLeaf == -1 || c.oldestleaf < minLeaf {
				minLeaf = c.oldestleaf
			}
			if minNCleaf == -1 || c.oldestleaf < minNCleaf {
				minNCleaf = c.oldestleaf
			}
		}
		n.oldestleaf = minLeaf
		n.oldestncleaf = minNCleaf
	}
}

func leafMlenN(pairs []kvPair, known int) int {
	if len(pairs) == 0 {
		return known
	}
	m := len(pairs[0].key)
	for _, p := range pairs[1:] {
		ml := matchlen(pairs[0].key, p.key, 0)
		if ml < m {
			m = ml
		}
	}
	return m
}

// descend locks n (fetching it first if necessary) and returns it locked;
// the caller must unlock it. This is findLeaf/findRange's single-step
// primitive.
func (t *Tree) descend(ctx context.Context, n *Node) (*Node, error) {
	if !n.isPresent() {
		if err := t.fetch(ctx, n, false); err != nil {
			return nil, err
		}
	}
	t.pool.lock(n)
	return n, nil
}

// dirty returns a fresh Dirty copy of the present Clean node n (which the
// caller must already hold locked), dirtying ancestors up to the dirty
// root as needed.
func (t *Tree) dirty(n *Node) *Node {
	if n.state == StateDirty {
		return n
	}
	if n.state != StateClean {
		panic("kvlds: dirty() called on non-Clean node")
	}

	var dirtyParent *Node
	parentChildIdx := -1
	if !n.root {
		dirtyParent = t.dirty(n.pDirty)
		parentChildIdx = childIndexOf(dirtyParent, n)
	}

	clone := &Node{
		pagenum:      noPagenum,
		oldestleaf:   n.oldestleaf,
		oldestncleaf: n.oldestncleaf,
		typ:          n.typ,
		state:        StateDirty,
		root:         n.root,
		height:       n.height,
		mlenT:        n.mlenT,
		mlenN:        n.mlenN,
		pShadow:      nil,
		pDirty:       dirtyParent,
	}
	t.pool.track(clone)
	t.pool.lock(clone) // self-lock per "non-clean node contributes one lock to itself"

	switch n.typ {
	case NodeParent:
		clone.keys = append([]Key(nil), n.keys...)
		clone.children = append([]*Node(nil), n.children...)
		for _, c := range clone.children {
			t.reparentDirty(c, clone)
		}
	case NodeLeaf:
		clone.pairs = append([]kvPair(nil), n.pairs...)
	}

	if n.root {
		t.rootDirty = clone
	} else {
		dirtyParent.children[parentChildIdx] = clone
	}

	n.state = StateShadow
	n.pDirty = nil
	t.pool.lock(n) // shadow node's remaining self-reference, dropped by unshadow's destroy

	if cg := n.cgroup; cg != nil {
		t.cleanerDetach(n, cg)
	}

	t.nnodes++
	return clone
}

// reparentDirty re-homes child c's pDirty pointer onto newParent,
// transferring the lock c was holding on its old dirty parent.
func (t *Tree) reparentDirty(c *Node, newParent *Node) {
	old := c.pDirty
	c.pDirty = newParent
	if old != newParent {
		if old != c.pShadow {
			t.unlockNode(old)
		}
		if newParent != c.pShadow {
			t.lockNode(newParent)
		}
	}
}

func childIndexOf(parent, child *Node) int {
	for i, c := range parent.children {
		if c == child {
			return i
		}
	}
	panic("kvlds: child not found in parent")
}

// destroy removes n from the pool and drops its payload. n must not be
// Reading, and if present its lock count must be exactly 1 (the
// caller's own lock).
func (t *Tree) destroy(n *Node) {
	if n.typ == NodeReading {
		panic("kvlds: destroy of a Reading node")
	}
	if n.isPresent() {
		if n.locks != 1 {
			panic(fmt.Sprintf("kvlds: destroy of node with lock count %d, want 1", n.locks))
		}
		t.pool.untrack(n)
	}
	n.pairs = nil
	n.keys = nil
	n.children = nil
	n.overflow = nil
}

// evictNode is the pagePool's eviction hook: n is Clean, unlocked, and
// chosen for pageout. We revert it to a NotPresent placeholder rather
// than dropping the object, since the parent's child slot still points
// at this exact *Node and must be able to re-fetch it later.
func (t *Tree) evictNode(n *Node) {
	t.pool.untrack(n)
	t.unlockParents(n)
	n.typ = NodeNotPresent
	n.height = -1
	n.pairs = nil
	n.keys = nil
	n.children = nil
}

// pageoutRecursive frees n and, for a parent, every present child
// beneath it, top-down. Used only at tree teardown (Close); the caller
// must hold no non-child locks on the subtree.
func (t *Tree) pageoutRecursive(n *Node) {
	if n == nil || !n.isPresent() {
		return
	}
	if n.typ == NodeParent {
		for _, c := range n.children {
			if c.isPresent() {
				t.pageoutRecursive(c)
			}
		}
	}
	n.locks = 1 // teardown owns the only reference
	t.destroy(n)
}
