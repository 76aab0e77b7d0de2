package kvlds

import "testing"

func TestPagePoolEvictsOldestUnlocked(t *testing.T) {
	var evicted []*Node
	var p *pagePool
	p = newPagePool(1, func(n *Node) {
		evicted = append(evicted, n)
		p_untrack(p, n)
	})

	a := &Node{typ: NodeLeaf, state: StateClean}
	b := &Node{typ: NodeLeaf, state: StateClean}
	p.track(a)
	p.lock(a)
	p.track(b)
	p.lock(b)

	p.unlock(a) // a becomes evictable first
	p.unlock(b)

	p.makeRoom()
	if len(evicted) != 1 || evicted[0] != a {
		t.Fatalf("expected a to be evicted first, got %+v", evicted)
	}
	if p.Occupancy() != 1 {
		t.Fatalf("occupancy = %d, want 1", p.Occupancy())
	}
}

func p_untrack(p *pagePool, n *Node) {
	p.untrack(n)
}

func TestPagePoolDoesNotEvictLocked(t *testing.T) {
	var p *pagePool
	p = newPagePool(0, func(n *Node) { p.untrack(n) })
	n := &Node{typ: NodeLeaf, state: StateClean}
	p.track(n)
	p.lock(n)
	p.makeRoom() // n is locked; nothing to evict
	if p.Occupancy() != 1 {
		t.Fatalf("locked node should not be evicted, occupancy = %d", p.Occupancy())
	}
}

func TestPagePoolUnlockPanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double-unlock")
		}
	}()
	p := newPagePool(1, func(n *Node) {})
	n := &Node{typ: NodeLeaf, state: StateClean}
	p.track(n)
	p.unlock(n)
}
