// pkg/kvlds/api.go
package kvlds

import "context"

// Params returns the tree's key/value length limits, for the PARAMS
// wire operation.
func (d *Dispatcher) Params(ctx context.Context) (Limits, error) {
	v, err := d.submitRead(ctx, func(ctx context.Context) (any, error) {
		return Limits{MaxKeyLen: d.tree.kmax, MaxValueLen: d.tree.vmax}, nil
	})
	if err != nil {
		return Limits{}, err
	}
	return v.(Limits), nil
}

// Get returns the current value of key against the durable shadow tree.
func (d *Dispatcher) Get(ctx context.Context, key Key) (Value, bool, error) {
	v, err := d.submitRead(ctx, func(ctx context.Context) (any, error) {
		val, ok, err := d.tree.findKVPair(ctx, d.tree.rootShadow, key, false)
		return [2]any{val, ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	pair := v.([2]any)
	val, _ := pair[0].(Value)
	return val, pair[1].(bool), nil
}

// Range invokes fn for every live key in [start, end) (end == nil for
// unbounded) against the durable shadow tree, stopping early if fn
// returns false.
func (d *Dispatcher) Range(ctx context.Context, start, end Key, fn func(Key, Value) bool) error {
	_, err := d.submitRead(ctx, func(ctx context.Context) (any, error) {
		return nil, d.tree.findRange(ctx, d.tree.rootShadow, start, end, false, fn)
	})
	return err
}

// Set unconditionally writes key=val.
func (d *Dispatcher) Set(ctx context.Context, key Key, val Value) error {
	_, err := d.submitWrite(ctx, func(ctx context.Context) (any, error) {
		return d.tree.mutate(ctx, key, OpSet, val, nil)
	})
	return err
}

// Add writes key=val only if key is currently absent, reporting whether
// it applied.
func (d *Dispatcher) Add(ctx context.Context, key Key, val Value) (bool, error) {
	return d.applyMutate(ctx, key, OpAdd, val, nil)
}

// Modify writes key=val only if key is currently present.
func (d *Dispatcher) Modify(ctx context.Context, key Key, val Value) (bool, error) {
	return d.applyMutate(ctx, key, OpModify, val, nil)
}

// Delete unconditionally removes key.
func (d *Dispatcher) Delete(ctx context.Context, key Key) error {
	_, err := d.submitWrite(ctx, func(ctx context.Context) (any, error) {
		return d.tree.mutate(ctx, key, OpDelete, nil, nil)
	})
	return err
}

// Cas writes key=val only if its current value equals old, returning
// the previous value and whether it was present.
func (d *Dispatcher) Cas(ctx context.Context, key Key, val, old Value) (applied bool, prevVal Value, hadPrev bool, err error) {
	return d.applyCompare(ctx, key, OpCas, val, old)
}

// Cad removes key only if its current value equals old.
func (d *Dispatcher) Cad(ctx context.Context, key Key, old Value) (applied bool, prevVal Value, hadPrev bool, err error) {
	return d.applyCompare(ctx, key, OpCad, nil, old)
}

func (d *Dispatcher) applyMutate(ctx context.Context, key Key, op MutateOp, val, old Value) (bool, error) {
	v, err := d.submitWrite(ctx, func(ctx context.Context) (any, error) {
		return d.tree.mutate(ctx, key, op, val, old)
	})
	if err != nil {
		return false, err
	}
	return v.(MutateResult).Applied, nil
}

func (d *Dispatcher) applyCompare(ctx context.Context, key Key, op MutateOp, val, old Value) (bool, Value, bool, error) {
	v, err := d.submitWrite(ctx, func(ctx context.Context) (any, error) {
		return d.tree.mutate(ctx, key, op, val, old)
	})
	if err != nil {
		return false, nil, false, err
	}
	res := v.(MutateResult)
	return res.Applied, res.Old, res.HadOld, nil
}
