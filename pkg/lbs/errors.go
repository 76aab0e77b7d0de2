// pkg/lbs/errors.go
package lbs

import "errors"

var (
	// ErrAppendRace is returned by Append when expectedNext does not
	// match the store's actual next block number.
	ErrAppendRace = errors.New("lbs: append race: next block number mismatch")

	// ErrClosed is returned by any call made after Close.
	ErrClosed = errors.New("lbs: store is closed")

	// ErrBlockSize is returned by Append when a supplied block is not
	// exactly the store's configured block length.
	ErrBlockSize = errors.New("lbs: block is not the configured block length")
)
