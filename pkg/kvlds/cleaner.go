// pkg/kvlds/cleaner.go
package kvlds

import "context"

// cleaningGroup is a contiguous run of Clean leaves the cleaner has
// selected to be rewritten together in the next batch, purely to reclaim
// their old LBS blocks. Grouping amortizes the write cost of cleaning
// cold leaves that would otherwise never be touched again.
type cleaningGroup struct {
	leaves []*Node
}

// cleanerState tracks the storage-cost debt that drives when cleaning
// happens: every batch that writes pages accrues a "debt" proportional
// to dead space left behind; the cleaner works it off by folding old
// leaves into the batch until the debt clears.
type cleanerState struct {
	t *Tree

	debt float64 // clamped to +-nnodes
	rate float64 // pages of cleaning work per page of new writes, derived from Scost

	// pending holds every cleaning group whose leaves have been selected
	// but not yet absorbed into the dirty tree; its length is the
	// in-flight count the poolsz/16 cap in selectGroups compares against.
	pending []*cleaningGroup
}

// secondsPerStorageMonth is the billing period Scost is priced over.
const secondsPerStorageMonth = 86400 * 30

// newCleanerState derives the cleaner's rate of reclaiming dead space
// from Scost, the cost of one GB-month of storage expressed as a
// multiple of 1e6 I/Os: rate = (pagelen/1e9) * (1/secondsPerStorageMonth)
// * Scost * 1e6, pages of cleaning work owed per page of fresh writes.
func newCleanerState(t *Tree, pagelen int, scost float64) *cleanerState {
	rate := (float64(pagelen) / 1e9) * (1.0 / float64(secondsPerStorageMonth)) * scost * 1e6
	return &cleanerState{t: t, rate: rate}
}

// accrue records that a batch wrote nPages fresh pages, adding to the
// cleaning debt at the configured rate and clamping it to the tree's
// current node count (a batch can never owe more cleaning than there is
// tree left to clean).
func (c *cleanerState) accrue(nPages int64) {
	c.debt += float64(nPages) * c.rate
	limit := float64(c.t.nnodes)
	if limit < 1 {
		limit = 1
	}
	if c.debt > limit {
		c.debt = limit
	}
	if c.debt < -limit {
		c.debt = -limit
	}
}

// due reports how many leaves of cleaning work are owed right now.
func (c *cleanerState) due() int {
	if c.debt <= 0 {
		return 0
	}
	return int(c.debt)
}

// selectGroups picks up to n shadow-tree leaves to clean this batch.
// Only leaves from the oldest half of the log qualify — those with
// oldestncleaf < nextblk - nnodes/2 — so cleaning concentrates on cold
// data instead of churning on leaves about to be rewritten anyway. The
// number in flight (selected but not yet absorbed) is capped at
// poolsz/16, so a slow cleaner can't run arbitrarily far ahead of Sync.
func (c *cleanerState) selectGroups(ctx context.Context, n int) ([]*Node, error) {
	t := c.t
	if t.rootShadow == nil || n <= 0 {
		return nil, nil
	}

	inflightCap := t.pool.target / 16
	if inflightCap < 1 {
		inflightCap = 1
	}
	if len(c.pending) >= inflightCap {
		return nil, nil
	}
	if room := inflightCap - len(c.pending); n > room {
		n = room
	}

	threshold := t.nextBlkHint - t.nnodes/2

	var out []*Node
	leaf, err := t.findLeaf(ctx, t.rootShadow, nil, false)
	if err != nil {
		return nil, err
	}
	for len(out) < n && leaf != nil {
		if leaf.cgroup == nil && leaf.oldestncleaf < threshold {
			t.pool.lock(leaf)
			cg := &cleaningGroup{leaves: []*Node{leaf}}
			leaf.cgroup = cg
			c.pending = append(c.pending, cg)
			out = append(out, leaf)
		}
		leaf = leafSuccessor(leaf, false)
	}
	return out, nil
}

// removePending drops cg from the in-flight list once every leaf it
// held has been absorbed or detached.
func (c *cleanerState) removePending(cg *cleaningGroup) {
	for i, g := range c.pending {
		if g == cg {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// absorb folds a clean leaf selected for cleaning into the dirty tree by
// dirtying it in place: dirty() picks it up, and since its content does
// not change, this simply causes it to be rewritten (and its old LBS
// block freed) on the next Sync.
func (c *cleanerState) absorb(ctx context.Context, leaf *Node) (*Node, error) {
	t := c.t
	cg := leaf.cgroup
	dirtyLeaf, err := t.findLeaf(ctx, t.rootDirty, firstKeyOf(leaf), true)
	if err != nil {
		t.pool.unlock(leaf)
		leaf.cgroup = nil
		c.removePending(cg)
		return nil, err
	}
	d := t.dirty(dirtyLeaf)
	t.pool.unlock(leaf)
	leaf.cgroup = nil
	c.removePending(cg)
	c.debt -= 1
	return d, nil
}

// cleanerDetach is called by dirty() when a clean node already held by a
// cleaning group is independently dirtied by a write in the same batch;
// the group's hold on it becomes redundant since the write already
// guarantees it will be rewritten.
func (t *Tree) cleanerDetach(n *Node, cg *cleaningGroup) {
	for i, l := range cg.leaves {
		if l == n {
			cg.leaves = append(cg.leaves[:i], cg.leaves[i+1:]...)
			break
		}
	}
	n.cgroup = nil
	t.pool.unlock(n)
	if len(cg.leaves) == 0 {
		t.cleaner.removePending(cg)
	}
}

// runCleaning selects and absorbs however many leaves are currently due,
// to be called once per batch before balance/flatten.
func (c *cleanerState) runCleaning(ctx context.Context) error {
	due := c.due()
	if due == 0 {
		return nil
	}
	leaves, err := c.selectGroups(ctx, due)
	if err != nil {
		return err
	}
	for _, l := range leaves {
		if l.cgroup == nil {
			continue // detached by an in-batch write before we got to it
		}
		if _, err := c.absorb(ctx, l); err != nil {
			return err
		}
	}
	return nil
}
