// pkg/kvlds/dispatch.go
package kvlds

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"kvlds/pkg/metrics"
)

// request is one pending wire-level operation, queued onto the
// dispatcher's modifying or non-modifying lane depending on Op.
type request struct {
	ctx  context.Context
	run  func(ctx context.Context) (any, error)
	resp chan requestResult
}

type requestResult struct {
	val any
	err error
}

// Dispatcher batches concurrent requests into group-commit windows: many
// independent callers' writes land in the same window and pay for one
// Sync between them, while reads run against the (immutable) shadow tree
// without joining a batch.
//
// Writes (modifying requests) are queued and flushed together once the
// group-commit window elapses. Reads (non-modifying requests) are not
// queued, but they take the tree mutex for the duration of their lookup,
// so a read that arrives while a batch holds the mutex (including its
// Sync) waits for that batch to finish: the shadow tree itself is immutable between Syncs, but fetching
// an absent shadow page promotes it through NodeReading and touches the
// pool's LRU, which a concurrent batch's dirty-side work can also touch.
// Reads are capped by a separate concurrency limit.
type Dispatcher struct {
	tree *Tree

	groupWindow time.Duration
	cleanFlush  time.Duration
	minBatch    int
	nmrSem      *semaphore.Weighted
	mrQueue     chan *request
	closing     chan struct{}
	closed      chan struct{}

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry; subsequent batches report into
// it. Safe to call once at startup before Serve.
func (d *Dispatcher) SetMetrics(m *metrics.Registry) {
	d.metrics = m
}

// DispatcherConfig exposes the dispatcher's timing/concurrency knobs,
// surfaced on the CLI as -w (group-commit window), -g (minimum forced
// commit batch size), and --max-nmr (concurrent non-modifying requests).
type DispatcherConfig struct {
	GroupWindow   time.Duration // default 10ms
	CleaningFlush time.Duration // default 5s
	MinBatch      int           // g: force the batch closed once this many requests are queued, [1,1024]
	MaxNMR        int64         // concurrent non-modifying requests
}

// NewDispatcher starts a Dispatcher's background batching loop over t.
func NewDispatcher(t *Tree, cfg DispatcherConfig) *Dispatcher {
	if cfg.GroupWindow <= 0 {
		cfg.GroupWindow = 10 * time.Millisecond
	}
	if cfg.CleaningFlush <= 0 {
		cfg.CleaningFlush = 5 * time.Second
	}
	if cfg.MaxNMR <= 0 {
		cfg.MaxNMR = 32
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = 1024 // effectively disabled: wait out the full group window
	}
	if cfg.MinBatch > 1024 {
		cfg.MinBatch = 1024
	}
	d := &Dispatcher{
		tree:        t,
		groupWindow: cfg.GroupWindow,
		cleanFlush:  cfg.CleaningFlush,
		minBatch:    cfg.MinBatch,
		nmrSem:      semaphore.NewWeighted(cfg.MaxNMR),
		mrQueue:     make(chan *request, 1024),
		closing:     make(chan struct{}),
		closed:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Close stops accepting new batches once the current one (if any) has
// finished. Pending requests already enqueued are still serviced.
func (d *Dispatcher) Close() {
	close(d.closing)
	<-d.closed
}

// submitRead runs fn immediately, concurrently with other reads up to
// MaxNMR, holding the tree mutex for fn's duration. fetch() (manager.go)
// releases and re-acquires this same mutex around its LBS GET, so a
// cache-miss read here coalesces onto the same waiter/fetcher machinery
// a write batch uses rather than racing it.
func (d *Dispatcher) submitRead(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := d.nmrSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.nmrSem.Release(1)
	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()
	return fn(ctx)
}

// submitWrite enqueues fn to run as part of the next batch and blocks
// for its result.
func (d *Dispatcher) submitWrite(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	req := &request{ctx: ctx, run: fn, resp: make(chan requestResult, 1)}
	select {
	case d.mrQueue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the dispatcher's single event loop: it owns the tree's
// exclusive access entirely, so every batch's worth of modifying
// requests runs under one lock acquisition, one balance/flatten, and
// one Sync.
func (d *Dispatcher) run() {
	defer close(d.closed)
	cleanTicker := time.NewTicker(d.cleanFlush)
	defer cleanTicker.Stop()

	for {
		select {
		case <-d.closing:
			d.drainRemaining()
			return
		case first := <-d.mrQueue:
			d.runBatch(first)
		case <-cleanTicker.C:
			d.flushCleaning()
		}
	}
}

// runBatch collects first plus whatever else arrives within the
// group-commit window (or until the batch reaches MinBatch requests,
// forcing it closed early), runs them all against the dirty tree in
// their arrival order under one lock, then Syncs once.
//
// Requests run sequentially, not concurrently: mutate(), fetch(), and
// pagePool mutate shared state (a leaf's overflow map, the pool's LRU,
// t.nnodes) with no synchronization of their own beyond this one lock,
// and the wire protocol's per-batch ordering guarantee depends on
// requests applying in the order they were queued.
func (d *Dispatcher) runBatch(first *request) {
	batch := []*request{first}
	timer := time.NewTimer(d.groupWindow)
	defer timer.Stop()
collect:
	for len(batch) < d.minBatch {
		select {
		case r := <-d.mrQueue:
			batch = append(batch, r)
		case <-timer.C:
			break collect
		}
	}

	d.tree.mu.Lock()
	results := make([]requestResult, len(batch))
	for i, r := range batch {
		val, err := r.run(r.ctx)
		results[i] = requestResult{val: val, err: err}
	}

	syncErr := d.tree.Sync(context.Background())
	d.tree.mu.Unlock()

	if d.metrics != nil {
		d.metrics.BatchSize.Observe(float64(len(batch)))
		d.metrics.SyncTotal.Inc()
		d.metrics.PoolOccupancy.Set(float64(d.tree.pool.Occupancy()))
	}

	for i, r := range batch {
		res := results[i]
		if res.err == nil && syncErr != nil {
			res.err = syncErr
		}
		r.resp <- res
	}
}

// flushCleaning runs the cleaner and a Sync on its own, even with no
// pending writes, so cold leaves eventually get rewritten and freed.
func (d *Dispatcher) flushCleaning() {
	d.tree.mu.Lock()
	defer d.tree.mu.Unlock()
	_ = d.tree.Sync(context.Background())
}

func (d *Dispatcher) drainRemaining() {
	for {
		select {
		case r := <-d.mrQueue:
			d.runBatch(r)
		default:
			return
		}
	}
}
