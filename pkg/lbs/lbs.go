// pkg/lbs/lbs.go
//
// Package lbs defines the log-structured block store interface that
// KVLDS is built on. Remote LBS backends (S3, DynamoDB) are out of scope
// for this module; KVLDS only needs the interface below plus something
// implementing it to run and be tested against. Two implementations are
// provided: Memory (in-process, for tests) and File (durable,
// mmap-backed).
package lbs

import "context"

// Store is an append-only, numbered-block backing service. Blocks are
// fixed-length once the store has been initialized; block numbers are
// assigned sequentially starting at 0 by Append.
type Store interface {
	// Params returns the block length, the next block number that will
	// be assigned by Append, and the highest block number ever written
	// (-1 if none; Free does not change it).
	Params(ctx context.Context) (blockLen int, nextBlock, lastBlock int64, err error)

	// Get reads one block. ok is false if the block does not exist
	// (having been freed, or never written).
	Get(ctx context.Context, blockNum int64) (ok bool, data []byte, err error)

	// Append writes len(blocks) consecutive new blocks, which must be
	// assigned starting at expectedNext. If the store's actual next
	// block number does not match expectedNext (a concurrent writer),
	// Append returns ErrAppendRace; KVLDS treats this as fatal. On
	// success it returns the new next-block number
	// (expectedNext + len(blocks)).
	Append(ctx context.Context, expectedNext int64, blocks [][]byte) (newNext int64, err error)

	// Free advises the store that all blocks strictly before blockNum
	// may be discarded. This is advisory; the store may ignore it.
	Free(ctx context.Context, blockNum int64) error
}
