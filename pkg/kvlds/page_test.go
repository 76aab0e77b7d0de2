package kvlds

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeLeafRoundTrip(t *testing.T) {
	pagelen := 512
	n := &Node{
		typ:    NodeLeaf,
		root:   true,
		height: 0,
		mlenT:  0,
		pairs: []kvPair{
			{key: Key("alpha"), value: Value("1")},
			{key: Key("beta"), value: Value("2")},
		},
		rootNNodes: 2,
	}
	buf := make([]byte, pagelen)
	if err := encodeNode(buf, n, pagelen); err != nil {
		t.Fatalf("encodeNode: %v", err)
	}

	dp, err := decodePage(buf, pagelen)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	if !dp.root || !dp.isLeaf || dp.height != 0 {
		t.Fatalf("unexpected decoded header: %+v", dp)
	}
	if dp.nnodes != 2 {
		t.Fatalf("nnodes = %d, want 2", dp.nnodes)
	}
	if len(dp.pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(dp.pairs))
	}
	for i, p := range dp.pairs {
		if !bytes.Equal(p.key, n.pairs[i].key) || !bytes.Equal(p.value, n.pairs[i].value) {
			t.Fatalf("pair %d mismatch: got %+v, want %+v", i, p, n.pairs[i])
		}
	}
}

func TestEncodeDecodeParentRoundTrip(t *testing.T) {
	pagelen := 512
	n := &Node{
		typ:    NodeParent,
		height: 1,
		keys:   []Key{Key("m")},
		children: []*Node{
			{pagenum: 10, oldestleaf: 10, pagesize: pagelen},
			{pagenum: 11, oldestleaf: 11, pagesize: pagelen},
		},
	}
	buf := make([]byte, pagelen)
	if err := encodeNode(buf, n, pagelen); err != nil {
		t.Fatalf("encodeNode: %v", err)
	}

	dp, err := decodePage(buf, pagelen)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	if dp.isLeaf || dp.height != 1 {
		t.Fatalf("unexpected decoded header: %+v", dp)
	}
	if len(dp.keys) != 1 || !bytes.Equal(dp.keys[0], Key("m")) {
		t.Fatalf("keys mismatch: %+v", dp.keys)
	}
	if len(dp.children) != 2 || dp.children[0].pagenum != 10 || dp.children[1].pagenum != 11 {
		t.Fatalf("children mismatch: %+v", dp.children)
	}
}

func TestDecodePageRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 512)
	copy(buf[0:6], "BOGUS\x00")
	if _, err := decodePage(buf, 512); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestDecodePageRejectsNonZeroPadding(t *testing.T) {
	pagelen := 512
	n := &Node{typ: NodeLeaf, pairs: []kvPair{{key: Key("a"), value: Value("b")}}}
	buf := make([]byte, pagelen)
	if err := encodeNode(buf, n, pagelen); err != nil {
		t.Fatalf("encodeNode: %v", err)
	}
	buf[pagelen-1] = 0xFF
	if _, err := decodePage(buf, pagelen); err == nil {
		t.Fatalf("expected error for corrupted padding")
	}
}

func TestPageFitsLimits(t *testing.T) {
	if pageFitsLimits(64, 255, 255) {
		t.Fatalf("a 64-byte page should never fit 255-byte keys/values")
	}
	if !pageFitsLimits(4096, 255, 255) {
		t.Fatalf("a 4096-byte page should fit 255-byte keys/values")
	}
}
