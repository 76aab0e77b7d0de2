// pkg/kvlds/page.go
package kvlds

import (
	"encoding/binary"
	"fmt"
)

// Page layout constants.
const (
	pageMagic = "KVLDS\x00"

	// overhead is the fixed header: 6-byte magic, 2-byte nkeys, 1-byte
	// root/height, 1-byte mlen_t.
	overhead = 10

	// rootExtra is the extra bytes carried only on root pages (8-byte
	// nnodes).
	rootExtra = 8

	// perChild is the size of one child descriptor in a parent page:
	// 8-byte pagenum, 8-byte oldestleaf, 4-byte pagesize.
	perChild = 20

	// maxHeight is the implementation ceiling chosen so the tree can
	// never outgrow 64-bit block space.
	maxHeight = 63
)

// pageFitsLimits reports whether a page of length p can hold the tree's
// size constraints for the given kmax/vmax.
func pageFitsLimits(p, kmax, vmax int) bool {
	if p < 3*(kmax+vmax+2) {
		return false
	}
	if p < (3*kmax+3+4*perChild+overhead)*3/2 {
		return false
	}
	return true
}

// serializedLen returns the on-page size of b: a 1-byte length prefix
// plus the bytes themselves.
func serializedLen(b []byte) int {
	return 1 + len(b)
}

func putSerialized(buf []byte, b []byte) int {
	buf[0] = byte(len(b))
	copy(buf[1:], b)
	return 1 + len(b)
}

// getSerialized reads one length-prefixed string starting at buf[0] and
// returns it (a slice into buf) plus the number of bytes consumed.
func getSerialized(buf []byte) ([]byte, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrInvalidPage
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return nil, 0, ErrInvalidPage
	}
	return buf[1 : 1+n], 1 + n, nil
}

// serializeSize returns the exact on-page size of n, matching whatever
// encode* would write for it.
func serializeSize(n *Node) int {
	size := overhead
	if n.root {
		size += rootExtra
	}
	switch n.typ {
	case NodeLeaf:
		for _, p := range n.pairs {
			size += serializedLen(p.key) + serializedLen(p.value)
		}
	case NodeParent:
		for _, k := range n.keys {
			size += serializedLen(k)
		}
		size += len(n.children) * perChild
	}
	return size
}

// encodeNode serializes n into buf, which must be exactly pagelen bytes;
// the tail is zero-padded. n must have a concrete pagenum and, for
// parents, children with assigned pagenums; flatten calls it on Dirty
// nodes right after assigning their pagenums.
func encodeNode(buf []byte, n *Node, pagelen int) error {
	size := serializeSize(n)
	if size > pagelen {
		return fmt.Errorf("kvlds: node serializes to %d bytes, page is %d", size, pagelen)
	}
	if n.nkeysCount() > 0xFFFF {
		return fmt.Errorf("kvlds: node has %d keys, exceeds uint16 range", n.nkeysCount())
	}

	for i := range buf {
		buf[i] = 0
	}

	copy(buf[0:6], pageMagic)
	binary.BigEndian.PutUint16(buf[6:8], uint16(n.nkeysCount()))

	hbyte := byte(n.height)
	if n.root {
		hbyte |= 0x80
	}
	buf[8] = hbyte
	buf[9] = byte(n.mlenT)

	off := overhead
	if n.root {
		binary.BigEndian.PutUint64(buf[off:off+8], n.rootNNodes)
		off += rootExtra
	}

	switch n.typ {
	case NodeLeaf:
		for _, p := range n.pairs {
			off += putSerialized(buf[off:], p.key)
		}
		for _, p := range n.pairs {
			off += putSerialized(buf[off:], p.value)
		}
	case NodeParent:
		for _, k := range n.keys {
			off += putSerialized(buf[off:], k)
		}
		for _, c := range n.children {
			binary.BigEndian.PutUint64(buf[off:off+8], uint64(c.pagenum))
			binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(c.oldestleaf))
			binary.BigEndian.PutUint32(buf[off+16:off+20], uint32(c.pagesize))
			off += perChild
		}
	default:
		return fmt.Errorf("kvlds: cannot serialize node of type %v", n.typ)
	}
	return nil
}

// decodedChild is one child descriptor read back out of a parent page; the
// actual *Node is constructed by the caller (node manager), since decoding
// a page does not by itself create child node records.
type decodedChild struct {
	pagenum    int64
	oldestleaf int64
	pagesize   int
}

// decodedPage is the parsed form of one on-disk page, prior to being
// turned into a live *Node by the caller.
type decodedPage struct {
	root     bool
	height   int
	mlenT    int
	nnodes   uint64 // only meaningful if root
	isLeaf   bool
	pairs    []kvPair       // leaf
	keys     []Key          // parent separator keys
	children []decodedChild // parent, len(keys)+1
}

// decodePage parses buf (a full page of pagelen bytes) into a decodedPage.
// All key/value slices in the result alias buf directly — buf must be
// retained by the caller for as long as the decoded keys/values are live.
func decodePage(buf []byte, pagelen int) (*decodedPage, error) {
	if len(buf) != pagelen {
		return nil, ErrInvalidPage
	}
	if string(buf[0:6]) != pageMagic {
		return nil, ErrInvalidPage
	}
	nkeys := int(binary.BigEndian.Uint16(buf[6:8]))
	hbyte := buf[8]
	root := hbyte&0x80 != 0
	height := int(hbyte & 0x7f)
	if root && height > maxHeight {
		return nil, ErrInvalidPage
	}
	mlenT := int(buf[9])

	off := overhead
	var nnodes uint64
	if root {
		if off+rootExtra > pagelen {
			return nil, ErrInvalidPage
		}
		nnodes = binary.BigEndian.Uint64(buf[off : off+8])
		off += rootExtra
	}

	dp := &decodedPage{root: root, height: height, mlenT: mlenT, nnodes: nnodes}

	if height == 0 {
		dp.isLeaf = true
		keys := make([][]byte, nkeys)
		for i := 0; i < nkeys; i++ {
			k, n, err := getSerialized(buf[off:])
			if err != nil {
				return nil, err
			}
			keys[i] = k
			off += n
		}
		dp.pairs = make([]kvPair, nkeys)
		for i := 0; i < nkeys; i++ {
			v, n, err := getSerialized(buf[off:])
			if err != nil {
				return nil, err
			}
			dp.pairs[i] = kvPair{key: Key(keys[i]), value: Value(v)}
			off += n
		}
	} else {
		if nkeys > 0xFFFF {
			return nil, ErrInvalidPage
		}
		dp.keys = make([]Key, nkeys)
		for i := 0; i < nkeys; i++ {
			k, n, err := getSerialized(buf[off:])
			if err != nil {
				return nil, err
			}
			dp.keys[i] = Key(k)
			off += n
		}
		dp.children = make([]decodedChild, nkeys+1)
		for i := 0; i < nkeys+1; i++ {
			if off+perChild > pagelen {
				return nil, ErrInvalidPage
			}
			pagenum := int64(binary.BigEndian.Uint64(buf[off : off+8]))
			oldestleaf := int64(binary.BigEndian.Uint64(buf[off+8 : off+16]))
			pagesize := int(binary.BigEndian.Uint32(buf[off+16 : off+20]))
			dp.children[i] = decodedChild{pagenum: pagenum, oldestleaf: oldestleaf, pagesize: pagesize}
			off += perChild
		}
	}

	for _, b := range buf[off:] {
		if b != 0 {
			return nil, ErrInvalidPage
		}
	}

	return dp, nil
}
