// pkg/kvlds/server.go
package kvlds

import (
	"bufio"
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"kvlds/pkg/wire"
)

// Server accepts KVLDS wire connections and dispatches each framed
// request to a Dispatcher, one goroutine per connection reading
// requests and one per connection writing responses as they complete.
type Server struct {
	ln   net.Listener
	disp *Dispatcher
	log  *logrus.Entry
	once bool // serve exactly one connection then stop, CLI -1
}

// NewServer wraps disp with a TCP listener at addr. once, surfaced on
// the CLI as -1, makes Serve return after handling a single connection
// instead of looping forever.
func NewServer(addr string, disp *Dispatcher, once bool, log *logrus.Entry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{ln: ln, disp: disp, once: once, log: log}, nil
}

// defaultRangeMaxBytes is the serialized-size budget used when a RANGE
// request doesn't specify one.
const defaultRangeMaxBytes = 64 << 10

// rangePairOverhead is the per-field length-prefix cost a wire-encoded
// KVPair adds on top of its key/value bytes (one length byte each).
const rangePairOverhead = 2

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until the listener is closed, or until the
// first connection completes if the server was built with once set.
func (s *Server) Serve() error {
	if s.once {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		s.handleConn(conn)
		return nil
	}
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	log := s.log.WithField("remote", conn.RemoteAddr())
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	respCh := make(chan wire.Packet, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for pkt := range respCh {
			if err := wire.WritePacket(w, pkt); err != nil {
				log.WithError(err).Debug("write response")
				return
			}
			if err := w.Flush(); err != nil {
				log.WithError(err).Debug("flush response")
				return
			}
		}
	}()

	for {
		pkt, err := wire.ReadPacket(r)
		if err != nil {
			log.WithError(err).Debug("read packet")
			break
		}
		go s.handleRequest(conn.RemoteAddr().String(), pkt, respCh)
	}
	close(respCh)
	<-done
}

func (s *Server) handleRequest(from string, pkt wire.Packet, respCh chan<- wire.Packet) {
	if len(pkt.Payload) < 4 {
		return
	}
	op := wire.Op(beUint32(pkt.Payload[0:4]))
	req, err := wire.DecodeRequest(op, pkt.ID, pkt.Payload[4:])
	if err != nil {
		respCh <- wire.Packet{ID: pkt.ID, Payload: []byte{1}}
		return
	}

	ctx := context.Background()
	resp := s.dispatch(ctx, op, req)
	respCh <- wire.EncodeResponse(op, resp)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (s *Server) dispatch(ctx context.Context, op wire.Op, req wire.Request) wire.Response {
	resp := wire.Response{ID: req.ID}
	switch op {
	case wire.OpParams:
		lim, err := s.disp.Params(ctx)
		if err != nil {
			return wire.Response{ID: req.ID, Failed: true}
		}
		resp.KMax, resp.VMax = uint32(lim.MaxKeyLen), uint32(lim.MaxValueLen)

	case wire.OpGet:
		val, found, err := s.disp.Get(ctx, Key(req.Key))
		if err != nil {
			return wire.Response{ID: req.ID, Failed: true}
		}
		resp.Found = found
		resp.Value = []byte(val)

	case wire.OpSet:
		if err := s.disp.Set(ctx, Key(req.Key), Value(req.Value)); err != nil {
			return wire.Response{ID: req.ID, Failed: true}
		}

	case wire.OpAdd:
		ok, err := s.disp.Add(ctx, Key(req.Key), Value(req.Value))
		if err != nil {
			return wire.Response{ID: req.ID, Failed: true}
		}
		resp.Status = ok

	case wire.OpModify:
		ok, err := s.disp.Modify(ctx, Key(req.Key), Value(req.Value))
		if err != nil {
			return wire.Response{ID: req.ID, Failed: true}
		}
		resp.Status = ok

	case wire.OpDelete:
		if err := s.disp.Delete(ctx, Key(req.Key)); err != nil {
			return wire.Response{ID: req.ID, Failed: true}
		}

	case wire.OpCas:
		ok, _, _, err := s.disp.Cas(ctx, Key(req.Key), Value(req.Value), Value(req.Old))
		if err != nil {
			return wire.Response{ID: req.ID, Failed: true}
		}
		resp.Status = ok

	case wire.OpCad:
		ok, _, _, err := s.disp.Cad(ctx, Key(req.Key), Value(req.Old))
		if err != nil {
			return wire.Response{ID: req.ID, Failed: true}
		}
		resp.Status = ok

	case wire.OpRange:
		max := int(req.RangeMax)
		if max <= 0 {
			max = defaultRangeMaxBytes
		}
		var end Key
		if req.RangeEnd != nil {
			end = Key(req.RangeEnd)
		}
		total := 0
		truncated := false
		var next Key
		err := s.disp.Range(ctx, Key(req.Key), end, func(k Key, v Value) bool {
			size := len(k) + len(v) + rangePairOverhead
			// The first pair is always returned even if it alone
			// exceeds max, so a single oversized match isn't dropped.
			if len(resp.Pairs) > 0 && total+size > max {
				truncated = true
				next = k
				return false
			}
			resp.Pairs = append(resp.Pairs, wire.KVPair{Key: []byte(k), Value: []byte(v)})
			total += size
			return true
		})
		if err != nil {
			return wire.Response{ID: req.ID, Failed: true}
		}
		if !truncated {
			next = end
		}
		resp.Next = []byte(next)
		resp.Done = !truncated
	}
	return resp
}
