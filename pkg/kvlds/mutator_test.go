package kvlds

import (
	"context"
	"testing"
)

func TestMutateSetThenGet(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	res, err := tr.mutate(ctx, Key("k"), OpSet, Value("v1"), nil)
	if err != nil || !res.Applied {
		t.Fatalf("Set: res=%+v err=%v", res, err)
	}
	val, ok, err := tr.findKVPair(ctx, tr.rootDirty, Key("k"), true)
	if err != nil || !ok || string(val) != "v1" {
		t.Fatalf("findKVPair after Set = %q, %v, %v", val, ok, err)
	}
}

func TestMutateAddFailsWhenPresent(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	if _, err := tr.mutate(ctx, Key("k"), OpSet, Value("v1"), nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	res, err := tr.mutate(ctx, Key("k"), OpAdd, Value("v2"), nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Applied || string(res.Old) != "v1" || !res.HadOld {
		t.Fatalf("Add over existing key = %+v, want not applied with old=v1", res)
	}
}

func TestMutateModifyFailsWhenAbsent(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	res, err := tr.mutate(ctx, Key("missing"), OpModify, Value("v"), nil)
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if res.Applied || res.HadOld {
		t.Fatalf("Modify on absent key = %+v, want not applied", res)
	}
}

func TestMutateCasRequiresMatchingOld(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	if _, err := tr.mutate(ctx, Key("k"), OpSet, Value("v1"), nil); err != nil {
		t.Fatalf("Set: %v", err)
	}

	res, err := tr.mutate(ctx, Key("k"), OpCas, Value("v2"), Value("wrong"))
	if err != nil {
		t.Fatalf("Cas: %v", err)
	}
	if res.Applied {
		t.Fatalf("Cas with wrong old should not apply: %+v", res)
	}

	res, err = tr.mutate(ctx, Key("k"), OpCas, Value("v2"), Value("v1"))
	if err != nil {
		t.Fatalf("Cas: %v", err)
	}
	if !res.Applied {
		t.Fatalf("Cas with correct old should apply: %+v", res)
	}
	val, ok, err := tr.findKVPair(ctx, tr.rootDirty, Key("k"), true)
	if err != nil || !ok || string(val) != "v2" {
		t.Fatalf("value after Cas = %q, %v, %v, want v2", val, ok, err)
	}
}

func TestMutateCadDeletesOnMatch(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	if _, err := tr.mutate(ctx, Key("k"), OpSet, Value("v1"), nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	res, err := tr.mutate(ctx, Key("k"), OpCad, nil, Value("v1"))
	if err != nil || !res.Applied {
		t.Fatalf("Cad: res=%+v err=%v", res, err)
	}
	_, ok, err := tr.findKVPair(ctx, tr.rootDirty, Key("k"), true)
	if err != nil || ok {
		t.Fatalf("key should be gone after Cad, ok=%v err=%v", ok, err)
	}
}

func TestMutateDeleteIsIdempotent(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	if _, err := tr.mutate(ctx, Key("k"), OpDelete, nil, nil); err != nil {
		t.Fatalf("Delete on absent key: %v", err)
	}
	_, ok, err := tr.findKVPair(ctx, tr.rootDirty, Key("k"), true)
	if err != nil || ok {
		t.Fatalf("key should remain absent, ok=%v err=%v", ok, err)
	}
}

func TestMutateRejectsOversizedKeyAndValue(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()

	bigKey := make(Key, tr.kmax+1)
	if _, err := tr.mutate(ctx, bigKey, OpSet, Value("v"), nil); err != ErrKeyTooLong {
		t.Fatalf("mutate with oversized key = %v, want ErrKeyTooLong", err)
	}

	bigVal := make(Value, tr.vmax+1)
	if _, err := tr.mutate(ctx, Key("k"), OpSet, bigVal, nil); err != ErrValueTooLong {
		t.Fatalf("mutate with oversized value = %v, want ErrValueTooLong", err)
	}
}

func TestSealLeafMergesOverflowAndClearsIt(t *testing.T) {
	n := &Node{
		typ: NodeLeaf,
		pairs: []kvPair{
			{key: Key("a"), value: Value("old")},
			{key: Key("b"), value: Value("keep")},
		},
		overflow: map[string]overflowEntry{
			"a": {value: Value("new")},
			"c": {value: Value("added")},
			"b": {tombstone: true},
		},
	}
	sealLeaf(n)
	if n.overflow != nil {
		t.Fatalf("sealLeaf should clear the overflow map")
	}
	want := map[string]string{"a": "new", "c": "added"}
	if len(n.pairs) != len(want) {
		t.Fatalf("sealed pairs = %v, want %v", n.pairs, want)
	}
	for _, p := range n.pairs {
		if want[string(p.key)] != string(p.value) {
			t.Fatalf("sealed pair %q = %q, want %q", p.key, p.value, want[string(p.key)])
		}
	}
}
