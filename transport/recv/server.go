// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package recv implements the Recv multiclient transport variant
// (spec.md §4.4): no memory is exposed to clients, the server instead
// keeps a pre-posted pool of RECV work requests per client and clients
// use two-sided SEND. It scales to the largest client counts at the
// highest per-message signalling cost of the three variants.
package recv

import (
	"fmt"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/rdmatransport/bootstrap"
	"github.com/cloudwego/rdmatransport/cqp"
	"github.com/cloudwego/rdmatransport/internal/verbs"
	"github.com/cloudwego/rdmatransport/transport"
)

var _ transport.Server[uint32] = (*Server[uint32])(nil)

type serverClient struct {
	qp   *verbs.QueuePair
	bufs [][]byte
}

// Server is the Recv variant's server (spec.md §4.4).
type Server[T any] struct {
	ln  *bootstrap.Listener
	ctx *verbs.Context
	pd  *verbs.ProtectionDomain
	cq  *cqp.CompletionQueuePair
	cfg *verbs.Config

	// poolSize is K in spec.md §4.4: per-client outstanding RECVs, K >= maxInFlight.
	poolSize int
	clients  []*serverClient
}

// NewServer listens on connectionString and is ready to Accept clients,
// each given a pool of poolSize pre-posted RECVs (spec.md §4.4: "K >=
// maxInFlight"; poolSize is taken as maxInFlight directly here, the
// smallest pool satisfying the invariant).
func NewServer[T any](connectionString string, poolSize int) (*Server[T], error) {
	if poolSize <= 0 {
		return nil, fmt.Errorf("recv: poolSize must be positive, got %d", poolSize)
	}
	cfg := verbs.DefaultConfig()
	if err := transport.CheckPayloadSize[T](cfg.MaxSlotPayload); err != nil {
		return nil, err
	}
	ln, err := bootstrap.Listen(connectionString)
	if err != nil {
		return nil, err
	}
	cfg.MaxInFlight = poolSize
	ctx := verbs.NewContext()
	return &Server[T]{
		ln:       ln,
		ctx:      ctx,
		pd:       ctx.AllocPD(),
		cq:       cqp.New(cfg.CQDepth),
		cfg:      cfg,
		poolSize: poolSize,
	}, nil
}

// Accept establishes the next client's QP and primes its RECV pool
// (spec.md §4.4: "posts K RECVs ... where K >= maxInFlight").
func (s *Server[T]) Accept() (transport.ClientID, error) {
	conn, err := s.ln.Accept()
	if err != nil {
		return 0, err
	}
	if err := bootstrap.WriteQPInfo(conn, bootstrap.QPInfo{}); err != nil {
		conn.Close()
		return 0, err
	}
	if _, err := bootstrap.ReadQPInfo(conn); err != nil {
		conn.Close()
		return 0, err
	}

	qp := verbs.NewQueuePair(s.pd, conn, s.cq.SendCQ(), s.cq.RecvCQ(), s.cfg.MaxInFlight)
	idx := uint32(len(s.clients))
	sc := &serverClient{qp: qp, bufs: make([][]byte, s.poolSize)}

	sz := transport.SizeOf[T]()
	for i := range sc.bufs {
		sc.bufs[i] = dirtmake.Bytes(sz, sz)
		wr := &verbs.WorkRequest{ID: verbs.MakeWRID(idx, uint32(i)), Opcode: verbs.OpRecv, Local: sc.bufs[i]}
		if err := qp.PostRecv(wr); err != nil {
			qp.Close()
			return 0, err
		}
	}
	s.clients = append(s.clients, sc)
	bootstrap.Debugf("recv: accepted client %d with a %d-buffer RECV pool", idx, s.poolSize)
	return transport.ClientID(idx), nil
}

// FinishListen stops accepting new clients.
func (s *Server[T]) FinishListen() error {
	return s.ln.Close()
}

// Read waits for the next SEND from any client (spec.md §4.4), decodes
// it, and reposts the buffer as a fresh RECV before returning so the
// per-QP outstanding-RECVs invariant holds for the next read.
func (s *Server[T]) Read(out *T) (transport.ClientID, error) {
	c, err := s.cq.WaitForCompletion(cqp.FilterRecvOnly)
	if err != nil {
		return 0, err
	}
	clientIdx, bufIdx := verbs.SplitWRID(c.ID)
	if int(clientIdx) >= len(s.clients) {
		return 0, fmt.Errorf("recv: completion for unknown client %d", clientIdx)
	}
	sc := s.clients[clientIdx]
	buf := sc.bufs[bufIdx]
	*out = transport.Decode[T](buf[:c.Len])

	wr := &verbs.WorkRequest{ID: c.ID, Opcode: verbs.OpRecv, Local: buf}
	if err := sc.qp.PostRecv(wr); err != nil {
		return transport.ClientID(clientIdx), err
	}
	return transport.ClientID(clientIdx), nil
}

// Write SENDs payload to the given client and waits for the send
// completion (spec.md §4.4).
func (s *Server[T]) Write(id transport.ClientID, payload T) error {
	if int(id) >= len(s.clients) {
		return fmt.Errorf("recv: unknown client %d", id)
	}
	sc := s.clients[id]
	sz := transport.SizeOf[T]()
	buf := dirtmake.Bytes(sz, sz)
	transport.Encode(buf, payload)

	wr := &verbs.WorkRequest{ID: verbs.MakeWRID(uint32(id), 0), Opcode: verbs.OpSend, Local: buf}
	if err := sc.qp.PostSend(wr); err != nil {
		return err
	}
	_, err := s.cq.WaitForCompletion(cqp.FilterSendOnly)
	return err
}

// Close tears every client's QP down and closes the bootstrap listener.
func (s *Server[T]) Close() error {
	_ = s.ln.Close()
	return s.pd.Close()
}
