package kvlds

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"kvlds/pkg/lbs"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	store := lbs.NewMemory(512)
	tree, err := Open(context.Background(), store, Limits{MaxKeyLen: 64, MaxValueLen: 64}, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d := NewDispatcher(tree, DispatcherConfig{GroupWindow: time.Millisecond, CleaningFlush: time.Hour})
	t.Cleanup(d.Close)
	return d
}

func TestDispatcherSetGet(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	if err := d.Set(ctx, Key("a"), Value("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := d.Get(ctx, Key("a"))
	if err != nil || !ok || string(val) != "1" {
		t.Fatalf("Get(a) = %q, %v, %v", val, ok, err)
	}

	_, ok, err = d.Get(ctx, Key("missing"))
	if err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want not found", ok, err)
	}
}

func TestDispatcherAddModifyDelete(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	applied, err := d.Add(ctx, Key("k"), Value("v1"))
	if err != nil || !applied {
		t.Fatalf("Add first: applied=%v err=%v", applied, err)
	}
	applied, err = d.Add(ctx, Key("k"), Value("v2"))
	if err != nil || applied {
		t.Fatalf("Add on existing key should not apply: applied=%v err=%v", applied, err)
	}

	applied, err = d.Modify(ctx, Key("k"), Value("v3"))
	if err != nil || !applied {
		t.Fatalf("Modify existing: applied=%v err=%v", applied, err)
	}
	val, _, _ := d.Get(ctx, Key("k"))
	if string(val) != "v3" {
		t.Fatalf("after Modify, value = %q, want v3", val)
	}

	applied, err = d.Modify(ctx, Key("nokey"), Value("x"))
	if err != nil || applied {
		t.Fatalf("Modify on absent key should not apply: applied=%v err=%v", applied, err)
	}

	if err := d.Delete(ctx, Key("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := d.Get(ctx, Key("k"))
	if err != nil || ok {
		t.Fatalf("Get after Delete: ok=%v err=%v", ok, err)
	}
}

func TestDispatcherCasCad(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	applied, prev, hadPrev, err := d.Cas(ctx, Key("k"), Value("v1"), Value("expected-absent"))
	if err != nil {
		t.Fatalf("Cas on absent key: %v", err)
	}
	if applied || hadPrev {
		t.Fatalf("Cas against absent key with non-matching old must not apply: applied=%v hadPrev=%v prev=%q", applied, hadPrev, prev)
	}

	if err := d.Set(ctx, Key("k"), Value("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	applied, prev, hadPrev, err = d.Cas(ctx, Key("k"), Value("v2"), Value("wrong"))
	if err != nil || applied || !hadPrev || string(prev) != "v1" {
		t.Fatalf("Cas wrong old: applied=%v hadPrev=%v prev=%q err=%v", applied, hadPrev, prev, err)
	}

	applied, prev, hadPrev, err = d.Cas(ctx, Key("k"), Value("v2"), Value("v1"))
	if err != nil || !applied || !hadPrev || string(prev) != "v1" {
		t.Fatalf("Cas correct old: applied=%v hadPrev=%v prev=%q err=%v", applied, hadPrev, prev, err)
	}
	val, _, _ := d.Get(ctx, Key("k"))
	if string(val) != "v2" {
		t.Fatalf("value after Cas = %q, want v2", val)
	}

	applied, _, _, err = d.Cad(ctx, Key("k"), Value("v2"))
	if err != nil || !applied {
		t.Fatalf("Cad correct old: applied=%v err=%v", applied, err)
	}
	_, ok, _ := d.Get(ctx, Key("k"))
	if ok {
		t.Fatalf("key should be gone after Cad")
	}
}

func TestDispatcherRange(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := Key(fmt.Sprintf("k%02d", i))
		if err := d.Set(ctx, key, Value(fmt.Sprintf("v%02d", i))); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}

	var got []string
	err := d.Range(ctx, Key("k05"), Key("k10"), func(k Key, v Value) bool {
		got = append(got, string(k))
		return true
	})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	want := []string{"k05", "k06", "k07", "k08", "k09"}
	if len(got) != len(want) {
		t.Fatalf("Range returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Range[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDispatcherRangeStopsEarly(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		d.Set(ctx, Key(fmt.Sprintf("k%d", i)), Value("v"))
	}
	count := 0
	err := d.Range(ctx, nil, nil, func(k Key, v Value) bool {
		count++
		return count < 3
	})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if count != 3 {
		t.Fatalf("Range visited %d entries, want exactly 3 after early stop", count)
	}
}

func TestDispatcherManyKeysForcesSplitsAndBalance(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	const n = 500
	for i := 0; i < n; i++ {
		key := Key(fmt.Sprintf("key-%04d", i))
		if err := d.Set(ctx, key, Value(fmt.Sprintf("value-%04d", i))); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}
	for i := 0; i < n; i++ {
		key := Key(fmt.Sprintf("key-%04d", i))
		val, ok, err := d.Get(ctx, key)
		if err != nil || !ok || string(val) != fmt.Sprintf("value-%04d", i) {
			t.Fatalf("Get %s = %q, %v, %v", key, val, ok, err)
		}
	}

	for i := 0; i < n; i += 2 {
		key := Key(fmt.Sprintf("key-%04d", i))
		if err := d.Delete(ctx, key); err != nil {
			t.Fatalf("Delete %s: %v", key, err)
		}
	}
	for i := 0; i < n; i++ {
		key := Key(fmt.Sprintf("key-%04d", i))
		_, ok, err := d.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get %s: %v", key, err)
		}
		wantOK := i%2 != 0
		if ok != wantOK {
			t.Fatalf("Get %s present=%v, want %v", key, ok, wantOK)
		}
	}
}
