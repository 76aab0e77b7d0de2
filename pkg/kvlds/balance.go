// pkg/kvlds/balance.go
package kvlds

// splitThreshold is the on-page size above which a leaf is split (a
// parent is split only once it no longer fits a page),
// chosen as two-thirds of a page: splitting there leaves both halves
// comfortably below a full page even after a few more inserts, instead
// of splitting right at the edge and immediately triggering another
// split.
func splitThreshold(pagelen int) int {
	return 2 * pagelen / 3
}

// mergeThreshold is the on-page size below which a node is a merge
// candidate. Set well under splitThreshold so a just-split pair doesn't
// immediately qualify to merge back together.
func mergeThreshold(pagelen int) int {
	return pagelen / 3
}

// balance walks the dirty tree bottom-up, sealing every dirty leaf's
// overflow, splitting any leaf above splitThreshold and any parent that
// no longer fits a page, and merging
// adjacent undersized siblings. It is run once per batch, immediately
// before Sync flattens the tree for writing, and returns the (possibly
// new) dirty root.
//
// Splitting and merging run as a single post-order walk rather than two
// separate passes (see DESIGN.md): no request observes an intermediate,
// partially-balanced tree, since the whole pass runs to completion under
// the tree lock before any reader is admitted to the new dirty root, so
// there is nothing for a second pass to protect against.
func (t *Tree) balance(root *Node) *Node {
	siblings := t.balanceSubtree(root)
	switch len(siblings) {
	case 0:
		// The whole tree went empty: an empty leaf root.
		empty := &Node{pagenum: noPagenum, typ: NodeLeaf, state: StateDirty, root: true, height: 0}
		t.pool.track(empty)
		t.pool.lock(empty)
		return empty
	case 1:
		n := siblings[0]
		n.root = true
		return t.derootChain(n)
	default:
		parent := t.newDirtyParent(siblings)
		parent.root = true
		return parent
	}
}

// derootChain collapses a chain of single-child parents down to the
// first node that either is a leaf or has more than one child, in one
// pass — a merge pass can shrink height by more than one step.
func (t *Tree) derootChain(n *Node) *Node {
	for n.typ == NodeParent && len(n.children) == 1 {
		child := n.children[0]
		child.root = true
		t.destroy(n)
		n = child
	}
	return n
}

// balanceSubtree recursively balances n (which must be Dirty, or Clean
// and left untouched) and returns the list of 1+ sibling nodes that
// should replace it in its parent's children array. A Clean node is
// returned unchanged (already known to fit a page and already balanced
// when it was written).
func (t *Tree) balanceSubtree(n *Node) []*Node {
	if n.state != StateDirty {
		return []*Node{n}
	}

	switch n.typ {
	case NodeLeaf:
		sealLeaf(n)
		return t.splitLeafIfNeeded(n)
	case NodeParent:
		return t.balanceParent(n)
	default:
		panic("kvlds: balance of a non-present node")
	}
}

// balanceParent rebuilds n's children from each child's own balance
// result, merges adjacent undersized runs, and splits the result if it
// no longer fits a page.
func (t *Tree) balanceParent(n *Node) []*Node {
	var newChildren []*Node
	for _, c := range n.children {
		newChildren = append(newChildren, t.balanceSubtree(c)...)
	}
	n.children = newChildren
	n.keys = separatorsFor(newChildren)

	n.children = t.mergeUndersized(n.children, n.typ)
	n.keys = separatorsFor(n.children)
	n.mlenT = commonPrefixOfKeys(n.keys)
	for _, c := range n.children {
		c.pDirty = n
	}

	if serializeSize(n) <= t.pagelen {
		return []*Node{n}
	}
	return t.splitParent(n)
}

// separatorsFor derives a parent's separator key array from its
// (already ordered) children: the smallest key reachable through each
// child but the first.
func separatorsFor(children []*Node) []Key {
	keys := make([]Key, 0, len(children)-1)
	for _, c := range children[1:] {
		keys = append(keys, firstKeyOf(c))
	}
	return keys
}

// commonPrefixOfKeys returns the length of the prefix shared by every
// key in keys: 0 if keys is empty, the key's own length if there is one.
func commonPrefixOfKeys(keys []Key) int {
	if len(keys) == 0 {
		return 0
	}
	m := len(keys[0])
	for _, k := range keys[1:] {
		ml := matchlen(keys[0], k, 0)
		if ml < m {
			m = ml
		}
	}
	return m
}

func firstKeyOf(n *Node) Key {
	for n.typ == NodeParent {
		n = n.children[0]
	}
	if len(n.pairs) == 0 {
		return nil
	}
	return n.pairs[0].key
}

// splitLeafIfNeeded splits a sealed leaf whose serialized size exceeds
// splitThreshold into two roughly equal leaves, repeating until every
// resulting leaf fits.
func (t *Tree) splitLeafIfNeeded(n *Node) []*Node {
	if serializeSize(n) <= splitThreshold(t.pagelen) || len(n.pairs) < 2 {
		return []*Node{n}
	}
	mid := len(n.pairs) / 2
	left := t.newDirtyLeaf(n.pairs[:mid])
	right := t.newDirtyLeaf(n.pairs[mid:])
	t.destroy(n)
	return append(t.splitLeafIfNeeded(left), t.splitLeafIfNeeded(right)...)
}

// splitParent splits an oversized parent into two, each taking half the
// children, promoting the separator between them.
func (t *Tree) splitParent(n *Node) []*Node {
	if len(n.children) < 2 {
		return []*Node{n}
	}
	mid := len(n.children) / 2
	left := t.newDirtyParent(n.children[:mid])
	right := t.newDirtyParent(n.children[mid:])
	t.destroy(n)
	out := append([]*Node{}, left)
	if serializeSize(left) > t.pagelen {
		out = t.splitParent(left)
	}
	rightSplit := []*Node{right}
	if serializeSize(right) > t.pagelen {
		rightSplit = t.splitParent(right)
	}
	return append(out, rightSplit...)
}

// mergeUndersized sweeps children left to right, combining adjacent runs
// whose combined size stays within one page whenever at least one of the
// pair is below mergeThreshold.
func (t *Tree) mergeUndersized(children []*Node, typ NodeType) []*Node {
	if len(children) < 2 {
		return children
	}
	out := make([]*Node, 0, len(children))
	i := 0
	for i < len(children) {
		cur := children[i]
		if i+1 < len(children) && shouldMerge(cur, children[i+1], t.pagelen) {
			merged := t.mergeNodes(cur, children[i+1])
			out = append(out, merged)
			i += 2
			continue
		}
		out = append(out, cur)
		i++
	}
	return out
}

func shouldMerge(a, b *Node, pagelen int) bool {
	small := serializeSize(a) < mergeThreshold(pagelen) || serializeSize(b) < mergeThreshold(pagelen)
	return small && serializeSize(a)+serializeSize(b)-overhead <= pagelen
}

// mergeNodes combines two adjacent siblings of the same type into one
// dirty node, destroying the originals. a and b may still be Clean
// (balanceSubtree passes Clean children through untouched), so both are
// dirtied first: destroy() requires a lock count of exactly 1, which a
// Clean sibling shared with the shadow tree won't have, and destroying
// it undirtied would discard a page the shadow tree still references.
func (t *Tree) mergeNodes(a, b *Node) *Node {
	a = t.dirtyChild(a)
	b = t.dirtyChild(b)

	var merged *Node
	switch a.typ {
	case NodeLeaf:
		pairs := append(append([]kvPair{}, a.pairs...), b.pairs...)
		merged = t.newDirtyLeaf(pairs)
	case NodeParent:
		children := append(append([]*Node{}, a.children...), b.children...)
		merged = t.newDirtyParent(children)
	}
	t.destroy(a)
	t.destroy(b)
	return merged
}

// dirtyChild returns a Dirty version of n, locking it first if it is
// still Clean so dirty()'s precondition is met. The returned node keeps
// the single self-lock dirty() gives a fresh clone, exactly the lock
// count destroy() requires of it.
func (t *Tree) dirtyChild(n *Node) *Node {
	if n.state == StateDirty {
		return n
	}
	t.pool.lock(n)
	return t.dirty(n)
}

// newDirtyLeaf builds a fresh Dirty leaf node from pairs, which must
// already be sorted.
func (t *Tree) newDirtyLeaf(pairs []kvPair) *Node {
	n := &Node{
		pagenum: noPagenum,
		typ:     NodeLeaf,
		state:   StateDirty,
		pairs:   append([]kvPair{}, pairs...),
	}
	n.mlenN = leafMlenN(n.pairs, 0)
	if len(n.pairs) > 0 {
		n.oldestleaf = n.pagenum
		n.oldestncleaf = n.pagenum
	}
	t.pool.track(n)
	t.pool.lock(n)
	return n
}

// newDirtyParent builds a fresh Dirty parent over children, re-parenting
// each child's p_dirty pointer and recomputing separators/height.
func (t *Tree) newDirtyParent(children []*Node) *Node {
	n := &Node{
		pagenum:  noPagenum,
		typ:      NodeParent,
		state:    StateDirty,
		height:   children[0].height + 1,
		children: append([]*Node{}, children...),
	}
	n.keys = separatorsFor(n.children)
	n.mlenT = commonPrefixOfKeys(n.keys)
	minLeaf, minNCleaf := int64(-1), int64(-1)
	for _, c := range n.children {
		c.pDirty = n
		if minLeaf == -1 || c.oldestleaf < minLeaf {
			minLeaf = c.oldestleaf
		}
		if minNCleaf == -1 || c.oldestncleaf < minNCleaf {
			minNCleaf = c.oldestncleaf
		}
	}
	n.oldestleaf = minLeaf
	n.oldestncleaf = minNCleaf
	t.pool.track(n)
	t.pool.lock(n)
	return n
}
