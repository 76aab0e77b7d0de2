package wire

import (
	"encoding/binary"
	"fmt"
)

// Request is one decoded KVLDS operation, payload fields populated
// according to Op.
type Request struct {
	ID       uint64
	Op       Op
	Key      []byte
	Value    []byte
	Old      []byte // CAS/CAD
	RangeMax uint32 // RANGE: max total serialized bytes of returned pairs, not a pair count
	RangeEnd []byte // RANGE: exclusive upper bound, nil for unbounded
}

// Response mirrors the original protocol's per-opcode result payloads:
// Failed for a transport/storage-level error, Status for an
// ADD/MODIFY/CAS/CAD "did it apply" flag, Value/Found for GET, and Pairs
// plus Next/Done for one page of a RANGE response. Next is the exclusive
// upper bound reached: either the requested end, or the first key not
// returned because RangeMax was hit, letting a paginating client resume
// from there.
type Response struct {
	ID      uint64
	Failed  bool
	Status  bool
	Value   []byte
	Found   bool
	KMax    uint32
	VMax    uint32
	Pairs   []KVPair
	Next    []byte
	Done    bool
}

type KVPair struct {
	Key   []byte
	Value []byte
}

func putShort(buf []byte, b []byte) []byte {
	buf = append(buf, byte(len(b)))
	return append(buf, b...)
}

func getShort(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("wire: truncated length-prefixed field")
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return nil, nil, fmt.Errorf("wire: truncated length-prefixed field body")
	}
	return buf[1 : 1+n], buf[1+n:], nil
}

// DecodeRequest parses p's payload according to op.
func DecodeRequest(op Op, id uint64, payload []byte) (Request, error) {
	req := Request{ID: id, Op: op}
	var err error
	switch op {
	case OpParams:
		// No payload.
	case OpGet, OpDelete:
		req.Key, _, err = getShort(payload)
	case OpSet, OpAdd, OpModify:
		var rest []byte
		req.Key, rest, err = getShort(payload)
		if err == nil {
			req.Value, _, err = getShort(rest)
		}
	case OpCas:
		var rest []byte
		req.Key, rest, err = getShort(payload)
		if err == nil {
			req.Old, rest, err = getShort(rest)
		}
		if err == nil {
			req.Value, _, err = getShort(rest)
		}
	case OpCad:
		var rest []byte
		req.Key, rest, err = getShort(payload)
		if err == nil {
			req.Old, _, err = getShort(rest)
		}
	case OpRange:
		if len(payload) < 4 {
			return Request{}, fmt.Errorf("wire: truncated RANGE request")
		}
		req.RangeMax = binary.BigEndian.Uint32(payload[0:4])
		rest := payload[4:]
		req.Key, rest, err = getShort(rest)
		if err == nil && len(rest) > 0 {
			req.RangeEnd, _, err = getShort(rest)
		}
	default:
		return Request{}, fmt.Errorf("wire: unknown opcode 0x%x", uint32(op))
	}
	return req, err
}

// EncodeRequest is the client-side counterpart of DecodeRequest.
func EncodeRequest(req Request) Packet {
	var opBuf [4]byte
	binary.BigEndian.PutUint32(opBuf[:], uint32(req.Op))
	buf := append([]byte{}, opBuf[:]...)
	switch req.Op {
	case OpParams:
	case OpGet, OpDelete:
		buf = putShort(buf, req.Key)
	case OpSet, OpAdd, OpModify:
		buf = putShort(buf, req.Key)
		buf = putShort(buf, req.Value)
	case OpCas:
		buf = putShort(buf, req.Key)
		buf = putShort(buf, req.Old)
		buf = putShort(buf, req.Value)
	case OpCad:
		buf = putShort(buf, req.Key)
		buf = putShort(buf, req.Old)
	case OpRange:
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], req.RangeMax)
		buf = append(buf, hdr[:]...)
		buf = putShort(buf, req.Key)
		if req.RangeEnd != nil {
			buf = putShort(buf, req.RangeEnd)
		}
	}
	return Packet{ID: req.ID, Payload: buf}
}

// EncodeResponse serializes resp for op onto the wire.
func EncodeResponse(op Op, resp Response) Packet {
	var buf []byte
	if resp.Failed {
		return Packet{ID: resp.ID, Payload: []byte{1}}
	}
	buf = append(buf, 0)

	switch op {
	case OpParams:
		var kv [8]byte
		binary.BigEndian.PutUint32(kv[0:4], resp.KMax)
		binary.BigEndian.PutUint32(kv[4:8], resp.VMax)
		buf = append(buf, kv[:]...)
	case OpSet, OpDelete:
		// status byte only.
	case OpAdd, OpModify, OpCas, OpCad:
		buf = append(buf, boolByte(resp.Status))
	case OpGet:
		buf = append(buf, boolByte(resp.Found))
		if resp.Found {
			buf = putShort(buf, resp.Value)
		}
	case OpRange:
		buf = append(buf, boolByte(resp.Done))
		buf = putShort(buf, resp.Next)
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(resp.Pairs)))
		buf = append(buf, n[:]...)
		for _, kv := range resp.Pairs {
			buf = putShort(buf, kv.Key)
			buf = putShort(buf, kv.Value)
		}
	}
	return Packet{ID: resp.ID, Payload: buf}
}

// DecodeResponse is the client-side counterpart of EncodeResponse.
func DecodeResponse(op Op, id uint64, payload []byte) (Response, error) {
	if len(payload) < 1 {
		return Response{}, fmt.Errorf("wire: empty response payload")
	}
	resp := Response{ID: id}
	if payload[0] != 0 {
		resp.Failed = true
		return resp, nil
	}
	rest := payload[1:]

	switch op {
	case OpParams:
		if len(rest) < 8 {
			return Response{}, fmt.Errorf("wire: truncated PARAMS response")
		}
		resp.KMax = binary.BigEndian.Uint32(rest[0:4])
		resp.VMax = binary.BigEndian.Uint32(rest[4:8])
	case OpSet, OpDelete:
	case OpAdd, OpModify, OpCas, OpCad:
		if len(rest) < 1 {
			return Response{}, fmt.Errorf("wire: truncated status response")
		}
		resp.Status = rest[0] != 0
	case OpGet:
		if len(rest) < 1 {
			return Response{}, fmt.Errorf("wire: truncated GET response")
		}
		resp.Found = rest[0] != 0
		if resp.Found {
			var err error
			resp.Value, _, err = getShort(rest[1:])
			if err != nil {
				return Response{}, err
			}
		}
	case OpRange:
		if len(rest) < 1 {
			return Response{}, fmt.Errorf("wire: truncated RANGE response")
		}
		resp.Done = rest[0] != 0
		var err error
		resp.Next, rest, err = getShort(rest[1:])
		if err != nil {
			return Response{}, err
		}
		if len(rest) < 4 {
			return Response{}, fmt.Errorf("wire: truncated RANGE response")
		}
		n := binary.BigEndian.Uint32(rest[0:4])
		cur := rest[4:]
		for i := uint32(0); i < n; i++ {
			var k, v []byte
			var err error
			if k, cur, err = getShort(cur); err != nil {
				return Response{}, err
			}
			if v, cur, err = getShort(cur); err != nil {
				return Response{}, err
			}
			resp.Pairs = append(resp.Pairs, KVPair{Key: k, Value: v})
		}
	}
	return resp, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
