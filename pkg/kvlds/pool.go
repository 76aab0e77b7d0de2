// pkg/kvlds/pool.go
package kvlds

import "container/list"

// pagePool is a fixed-target LRU over present nodes, with a per-node lock
// count. It is a container/list plus a membership counter, evicting only
// from the unlocked end. Locking removes a node from the eviction queue;
// unlocking to zero appends it, so the list only ever holds lock-count-zero
// nodes and eviction is always a plain pop from the front — locked nodes
// are never scattered through the list waiting to be skipped over.
type pagePool struct {
	target int
	lru    *list.List // holds *Node with locks == 0, front = oldest-unlocked
	count  int        // number of present nodes currently tracked

	// evict is invoked when a Clean, unlocked node is chosen for
	// eviction. It must free the node's page buffer and release the lock
	// the node held on its parents, and must not itself call back into
	// lock/unlock/track for n.
	evict func(n *Node)
}

func newPagePool(target int, evict func(n *Node)) *pagePool {
	return &pagePool{target: target, lru: list.New(), evict: evict}
}

// track registers a newly-present node with the pool. The caller is
// expected to already hold at least one lock on n (invariant 8), so n is
// not placed in the LRU list yet.
func (p *pagePool) track(n *Node) {
	p.count++
}

// untrack removes n from the pool's bookkeeping entirely (used by
// Destroy/PageoutRecursive, and internally by eviction).
func (p *pagePool) untrack(n *Node) {
	if n.element != nil {
		p.lru.Remove(n.element)
		n.element = nil
	}
	p.count--
}

// lock increments n's lock count, removing it from the eviction queue if
// this is the transition from zero to one.
func (p *pagePool) lock(n *Node) {
	if n.locks == 0 && n.element != nil {
		p.lru.Remove(n.element)
		n.element = nil
	}
	n.locks++
}

// unlock decrements n's lock count, appending it to the tail of the
// eviction queue if it reaches zero.
func (p *pagePool) unlock(n *Node) {
	if n.locks == 0 {
		panic("kvlds: unlock of node with zero lock count")
	}
	n.locks--
	if n.locks == 0 && n.isPresent() && n.state == StateClean {
		n.element = p.lru.PushBack(n)
	}
}

// candidateForEviction returns the oldest unlocked Clean node, or nil if
// none is eligible (the pool is allowed to run over target when every
// present node is locked or non-Clean).
func (p *pagePool) candidateForEviction() *Node {
	e := p.lru.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Node)
}

// makeRoom evicts unlocked Clean nodes until the pool is at or under
// target, or until no more are eligible.
func (p *pagePool) makeRoom() {
	for p.count > p.target {
		n := p.candidateForEviction()
		if n == nil {
			return
		}
		p.evict(n)
	}
}

// Occupancy returns the current count of present nodes, for metrics.
func (p *pagePool) Occupancy() int { return p.count }
