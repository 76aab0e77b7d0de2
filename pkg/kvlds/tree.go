// pkg/kvlds/tree.go
package kvlds

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"kvlds/pkg/lbs"
)

// Limits bounds the keys and values a Tree will accept, propagated to
// clients via the PARAMS operation, plus the cleaner's storage-cost
// parameter.
type Limits struct {
	MaxKeyLen   int
	MaxValueLen int

	// Scost is the cost of one GB-month of storage, expressed as a
	// multiple of 1e6 I/Os; it sets the cleaner's rate of reclaiming
	// dead space relative to the rate new pages are written. Surfaced
	// on the CLI as -S. A Scost of 0 disables cleaning.
	Scost float64
}

// Tree is one running copy-on-write B+Tree instance: a shadow tree (the
// latest durable, read-only state) and a dirty tree (the in-memory,
// mutable state being built up for the next Sync), sharing Clean nodes
// between them.
//
// The exported operations that call into the LBS (Open, Sync) take a
// context.Context for cancellation of those calls.
type Tree struct {
	mu sync.Mutex

	store    lbs.Store
	pagelen  int
	kmax     int
	vmax     int
	pagesize int // not set or read by any code in this package

	pool *pagePool

	rootShadow *Node
	rootDirty  *Node

	nnodes int64 // nodes created/dirtied since the last Sync
	nextBlkHint int64

	cleaner *cleanerState
	sched   *scheduler

	log    *logrus.Entry
	closed bool
}

// Open recovers or initializes a Tree over store. If the store is empty
// (nextBlock == 0) a fresh empty tree is created; otherwise the last
// written root is located by scanning backward from lastBlock, skipping
// any block written after an incomplete batch.
func Open(ctx context.Context, store lbs.Store, limits Limits, log *logrus.Entry) (*Tree, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	blocklen, nextBlock, lastBlock, err := store.Params(ctx)
	if err != nil {
		return nil, fmt.Errorf("kvlds: lbs params: %w", err)
	}

	t := &Tree{
		store:       store,
		pagelen:     blocklen,
		kmax:        limits.MaxKeyLen,
		vmax:        limits.MaxValueLen,
		nextBlkHint: nextBlock,
		log:         log,
		sched:       newScheduler(),
	}
	t.pool = newPagePool(defaultPoolTarget(blocklen), t.evictNode)
	t.cleaner = newCleanerState(t, blocklen, limits.Scost)

	if !pageFitsLimits(blocklen, limits.MaxKeyLen, limits.MaxValueLen) {
		return nil, ErrLimitsTooLarge
	}

	if nextBlock == 0 {
		root := &Node{
			pagenum: noPagenum,
			typ:     NodeLeaf,
			state:   StateDirty,
			root:    true,
			height:  0,
		}
		t.pool.track(root)
		t.pool.lock(root)
		t.rootDirty = root
		t.rootShadow = nil
		return t, nil
	}

	root, err := t.recoverRoot(ctx, nextBlock, lastBlock)
	if err != nil {
		return nil, err
	}
	t.rootShadow = root
	t.rootDirty = root
	return t, nil
}

// recoverRoot scans backward from lastBlock looking for a block that
// decodes as a valid root page. A batch is only durable once its root
// page has been written last, so the first valid root found scanning
// backward is the most recent complete Sync.
func (t *Tree) recoverRoot(ctx context.Context, nextBlock, lastBlock int64) (*Node, error) {
	for b := lastBlock; b >= 0; b-- {
		ok, data, err := t.store.Get(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("kvlds: lbs get(%d) during recovery: %w", b, err)
		}
		if !ok {
			continue
		}
		dp, err := decodePage(data, t.pagelen)
		if err != nil || !dp.root {
			continue
		}
		n := newPlaceholder(b, b, t.pagelen)
		n.root = true
		n.state = StateClean
		t.pool.track(n)
		t.pool.lock(n)
		t.installDecoded(n, dp, data)
		return n, nil
	}
	return nil, ErrNoRoot
}

func defaultPoolTarget(pagelen int) int {
	const defaultPoolBytes = 64 << 20 // 64MiB, overridable via SetPoolTarget
	n := defaultPoolBytes / pagelen
	if n < 16 {
		n = 16
	}
	return n
}

// SetPoolTarget adjusts the page pool's target occupancy, in nodes.
func (t *Tree) SetPoolTarget(nodes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pool.target = nodes
}

// Close tears down in-memory structures. It does not flush any pending
// dirty tree; callers must Sync first if they want dirty writes durable.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.rootDirty != t.rootShadow {
		t.pageoutRecursive(t.rootDirty)
	}
	t.pageoutRecursive(t.rootShadow)
	return nil
}

func (t *Tree) checkClosed() error {
	if t.closed {
		return ErrTreeClosed
	}
	return nil
}
