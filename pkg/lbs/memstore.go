// pkg/lbs/memstore.go
package lbs

import (
	"context"
	"sync"
)

// Memory is an in-process Store backed by a map of block number to block behind
// a mutex: a bare in-memory double for a disk-oriented component, so
// unit tests don't need a real file.
type Memory struct {
	mu        sync.Mutex
	blockLen  int
	blocks    map[int64][]byte
	nextBlock int64
	lastBlock int64
	closed    bool
}

// NewMemory creates an empty store with the given block length.
func NewMemory(blockLen int) *Memory {
	return &Memory{
		blockLen:  blockLen,
		blocks:    make(map[int64][]byte),
		lastBlock: -1,
	}
}

func (m *Memory) Params(ctx context.Context) (int, int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, 0, 0, ErrClosed
	}
	return m.blockLen, m.nextBlock, m.lastBlock, nil
}

func (m *Memory) Get(ctx context.Context, blockNum int64) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, nil, ErrClosed
	}
	b, ok := m.blocks[blockNum]
	if !ok {
		return false, nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return true, out, nil
}

func (m *Memory) Append(ctx context.Context, expectedNext int64, blocks [][]byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if expectedNext != m.nextBlock {
		return 0, ErrAppendRace
	}
	for _, b := range blocks {
		if len(b) != m.blockLen {
			return 0, ErrBlockSize
		}
	}
	for i, b := range blocks {
		cp := make([]byte, len(b))
		copy(cp, b)
		m.blocks[m.nextBlock+int64(i)] = cp
	}
	m.nextBlock += int64(len(blocks))
	if m.nextBlock-1 > m.lastBlock {
		m.lastBlock = m.nextBlock - 1
	}
	return m.nextBlock, nil
}

func (m *Memory) Free(ctx context.Context, blockNum int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k := range m.blocks {
		if k < blockNum {
			delete(m.blocks, k)
		}
	}
	return nil
}

// Close marks the store unusable; later calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// LiveBlocks returns the number of blocks currently retained, for tests
// asserting on cleaner/FREE progress.
func (m *Memory) LiveBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}
