//go:build unix

// pkg/lbs/filestore.go
//
// File is a durable, mmap-backed Store: open-or-create, syscall.Mmap
// with MAP_SHARED, Msync before any unmap-and-remap growth step. Only
// unix mmap is implemented — this store exists to exercise durable
// recovery in tests, not to ship a cross-platform pager (see
// DESIGN.md).
package lbs

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	fileMagic    = "KVLDSLBS\x00\x00\x00\x00\x00\x00\x00\x00"
	fileHeaderSz = 4096
)

// File is a Store backed by one memory-mapped file. The first 4096 bytes
// are a header (magic, block length, next/last block number); blocks
// follow immediately after, one per blockLen-sized slot.
type File struct {
	mu        sync.Mutex
	f         *os.File
	data      []byte
	blockLen  int
	nextBlock int64
	lastBlock int64
	closed    bool
}

// OpenFile opens or creates a file-backed store at path with the given
// block length (only used when creating a new file; an existing file's
// stored block length is authoritative).
func OpenFile(path string, blockLen int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	fs := &File{f: f, blockLen: blockLen, lastBlock: -1}

	if stat.Size() == 0 {
		if err := f.Truncate(fileHeaderSz); err != nil {
			f.Close()
			return nil, err
		}
		if err := fs.mmap(fileHeaderSz); err != nil {
			f.Close()
			return nil, err
		}
		fs.writeHeader()
	} else {
		if err := fs.mmap(stat.Size()); err != nil {
			f.Close()
			return nil, err
		}
		if string(fs.data[0:len(fileMagic)]) != fileMagic {
			fs.Close()
			return nil, errors.New("lbs: not a kvlds block file")
		}
		fs.blockLen = int(binary.BigEndian.Uint32(fs.data[16:20]))
		fs.nextBlock = int64(binary.BigEndian.Uint64(fs.data[20:28]))
		fs.lastBlock = int64(binary.BigEndian.Uint64(fs.data[28:36]))
	}

	return fs, nil
}

func (fs *File) mmap(size int64) error {
	data, err := syscall.Mmap(int(fs.f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}
	fs.data = data
	return nil
}

func (fs *File) writeHeader() {
	copy(fs.data[0:16], fileMagic)
	binary.BigEndian.PutUint32(fs.data[16:20], uint32(fs.blockLen))
	binary.BigEndian.PutUint64(fs.data[20:28], uint64(fs.nextBlock))
	binary.BigEndian.PutUint64(fs.data[28:36], uint64(fs.lastBlock))
}

func (fs *File) blockOffset(n int64) int64 {
	return fileHeaderSz + n*int64(fs.blockLen)
}

func (fs *File) grow(newSize int64) error {
	if err := unix.Msync(fs.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := syscall.Munmap(fs.data); err != nil {
		return err
	}
	if err := fs.f.Truncate(newSize); err != nil {
		return err
	}
	return fs.mmap(newSize)
}

func (fs *File) Params(ctx context.Context) (int, int64, int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return 0, 0, 0, ErrClosed
	}
	return fs.blockLen, fs.nextBlock, fs.lastBlock, nil
}

func (fs *File) Get(ctx context.Context, blockNum int64) (bool, []byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return false, nil, ErrClosed
	}
	off := fs.blockOffset(blockNum)
	if blockNum < 0 || off+int64(fs.blockLen) > int64(len(fs.data)) || blockNum > fs.lastBlock {
		return false, nil, nil
	}
	out := make([]byte, fs.blockLen)
	copy(out, fs.data[off:off+int64(fs.blockLen)])
	return true, out, nil
}

func (fs *File) Append(ctx context.Context, expectedNext int64, blocks [][]byte) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return 0, ErrClosed
	}
	if expectedNext != fs.nextBlock {
		return 0, ErrAppendRace
	}
	for _, b := range blocks {
		if len(b) != fs.blockLen {
			return 0, ErrBlockSize
		}
	}

	end := fs.blockOffset(fs.nextBlock + int64(len(blocks)))
	if end > int64(len(fs.data)) {
		newSize := int64(len(fs.data)) * 2
		if newSize < end {
			newSize = end
		}
		if err := fs.grow(newSize); err != nil {
			return 0, err
		}
	}

	for i, b := range blocks {
		off := fs.blockOffset(fs.nextBlock + int64(i))
		copy(fs.data[off:off+int64(fs.blockLen)], b)
	}
	fs.nextBlock += int64(len(blocks))
	if fs.nextBlock-1 > fs.lastBlock {
		fs.lastBlock = fs.nextBlock - 1
	}
	fs.writeHeader()
	if err := unix.Msync(fs.data, unix.MS_SYNC); err != nil {
		return 0, err
	}
	return fs.nextBlock, nil
}

// Free is advisory only: this store never reclaims or punches holes in
// the backing file; callers only need the acknowledgement.
func (fs *File) Free(ctx context.Context, blockNum int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return ErrClosed
	}
	return nil
}

func (fs *File) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	var firstErr error
	if fs.data != nil {
		if err := unix.Msync(fs.data, unix.MS_SYNC); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := syscall.Munmap(fs.data); err != nil && firstErr == nil {
			firstErr = err
		}
		fs.data = nil
	}
	if err := fs.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
