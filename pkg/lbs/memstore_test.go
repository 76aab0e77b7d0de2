package lbs

import (
	"context"
	"testing"
)

func TestMemoryAppendAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16)

	next, err := m.Append(ctx, 0, [][]byte{make([]byte, 16), make([]byte, 16)})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if next != 2 {
		t.Fatalf("next = %d, want 2", next)
	}

	blockLen, nextBlock, lastBlock, err := m.Params(ctx)
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if blockLen != 16 || nextBlock != 2 || lastBlock != 1 {
		t.Fatalf("Params = (%d, %d, %d), want (16, 2, 1)", blockLen, nextBlock, lastBlock)
	}

	ok, data, err := m.Get(ctx, 0)
	if err != nil || !ok || len(data) != 16 {
		t.Fatalf("Get(0) = ok=%v err=%v len=%d", ok, err, len(data))
	}

	ok, _, err = m.Get(ctx, 5)
	if err != nil || ok {
		t.Fatalf("Get(5) = ok=%v err=%v, want not found", ok, err)
	}
}

func TestMemoryAppendRace(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(8)
	if _, err := m.Append(ctx, 1, [][]byte{make([]byte, 8)}); err != ErrAppendRace {
		t.Fatalf("Append with wrong expectedNext = %v, want ErrAppendRace", err)
	}
}

func TestMemoryAppendWrongBlockSize(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(8)
	if _, err := m.Append(ctx, 0, [][]byte{make([]byte, 4)}); err != ErrBlockSize {
		t.Fatalf("Append with wrong block size = %v, want ErrBlockSize", err)
	}
}

func TestMemoryFreeReclaims(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(8)
	if _, err := m.Append(ctx, 0, [][]byte{make([]byte, 8), make([]byte, 8), make([]byte, 8)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if m.LiveBlocks() != 3 {
		t.Fatalf("LiveBlocks = %d, want 3", m.LiveBlocks())
	}
	if err := m.Free(ctx, 2); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if m.LiveBlocks() != 1 {
		t.Fatalf("LiveBlocks after Free(2) = %d, want 1", m.LiveBlocks())
	}
	ok, _, _ := m.Get(ctx, 0)
	if ok {
		t.Fatalf("block 0 should have been freed")
	}
	ok, _, _ = m.Get(ctx, 2)
	if !ok {
		t.Fatalf("block 2 should survive Free(2)")
	}
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(8)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, _, err := m.Params(ctx); err != ErrClosed {
		t.Fatalf("Params after Close = %v, want ErrClosed", err)
	}
	if _, _, err := m.Get(ctx, 0); err != ErrClosed {
		t.Fatalf("Get after Close = %v, want ErrClosed", err)
	}
	if _, err := m.Append(ctx, 0, nil); err != ErrClosed {
		t.Fatalf("Append after Close = %v, want ErrClosed", err)
	}
	if err := m.Free(ctx, 0); err != ErrClosed {
		t.Fatalf("Free after Close = %v, want ErrClosed", err)
	}
}
