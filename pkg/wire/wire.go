// Package wire implements the KVLDS client/server packet framing: an
// 8-byte big-endian request ID, a 4-byte big-endian payload length, the
// payload itself, and a 4-byte CRC32C trailer over the payload — a
// single trailing checksum rather than a separate header and data CRC.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Op is a KVLDS request opcode, numerically identical to the original
// protocol's PROTO_KVLDS_* constants so packet captures stay meaningful
// across implementations.
type Op uint32

const (
	OpParams Op = 0x00000100
	OpSet    Op = 0x00000110
	OpCas    Op = 0x00000111
	OpAdd    Op = 0x00000112
	OpModify Op = 0x00000113
	OpDelete Op = 0x00000120
	OpCad    Op = 0x00000121
	OpGet    Op = 0x00000130
	OpRange  Op = 0x00000131
)

func (o Op) String() string {
	switch o {
	case OpParams:
		return "PARAMS"
	case OpSet:
		return "SET"
	case OpCas:
		return "CAS"
	case OpAdd:
		return "ADD"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpCad:
		return "CAD"
	case OpGet:
		return "GET"
	case OpRange:
		return "RANGE"
	default:
		return fmt.Sprintf("Op(0x%x)", uint32(o))
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Packet is one framed request or response: an opaque ID the client
// assigns and the server echoes back (so responses can arrive out of
// request order), and a payload whose layout is opcode-specific.
type Packet struct {
	ID      uint64
	Payload []byte
}

// maxPayload bounds a single packet's payload to guard against a
// corrupt or hostile length field causing an unbounded allocation.
const maxPayload = 16 << 20

// ReadPacket reads one framed packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	id := binary.BigEndian.Uint64(hdr[0:8])
	length := binary.BigEndian.Uint32(hdr[8:12])
	if length > maxPayload {
		return Packet{}, fmt.Errorf("wire: packet length %d exceeds maximum", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Packet{}, err
	}

	var trailer [4]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return Packet{}, err
	}
	if binary.BigEndian.Uint32(trailer[:]) != crc32.Checksum(payload, crc32cTable) {
		return Packet{}, fmt.Errorf("wire: CRC32C mismatch on packet %d", id)
	}

	return Packet{ID: id, Payload: payload}, nil
}

// WritePacket frames and writes p to w.
func WritePacket(w io.Writer, p Packet) error {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], p.ID)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(p.Payload)))

	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
		defer bw.Flush()
	}

	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := bw.Write(p.Payload); err != nil {
		return err
	}
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], crc32.Checksum(p.Payload, crc32cTable))
	_, err := bw.Write(trailer[:])
	return err
}
