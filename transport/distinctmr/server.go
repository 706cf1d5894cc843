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

// Package distinctmr implements the Distinct-MR multiclient transport
// variant (spec.md §4.2): each client gets its own pair of registered
// regions on the server — an inbox it WRITEs into, and an outbox the
// server uses as the local source buffer when it WRITEs a reply directly
// into the client's own receive region. No region is shared across
// clients, unlike Doorbell's single partitioned MR.
package distinctmr

import (
	"fmt"

	"github.com/cloudwego/rdmatransport/bootstrap"
	"github.com/cloudwego/rdmatransport/cqp"
	"github.com/cloudwego/rdmatransport/internal/verbs"
	"github.com/cloudwego/rdmatransport/transport"
)

// validitySize is the trailing alternating-bit sequence word's width
// (spec.md §4.2: "an alternating-bit sequence number is written last in
// the message layout"). It sits at the highest address in the slot so a
// single-WR WRITE's ascending-offset delivery on this software backend
// (and on typical real HCAs, per spec.md §4.2) lands it last.
const validitySize = 4

func slotLayout[T any]() (slotSize, validityOff int) {
	n := transport.SizeOf[T]()
	return n + validitySize, n
}

var _ transport.Server[uint32] = (*Server[uint32])(nil)

type serverClient struct {
	qp       *verbs.QueuePair
	inbox    *verbs.MemoryRegion
	outbox   *verbs.MemoryRegion
	recvDesc bootstrap.MRDescriptor // client's local receive MR, target of our WRITE-back
	nextSeq  uint32
}

// Server is the Distinct-MR variant's server (spec.md §4.2).
type Server[T any] struct {
	ln  *bootstrap.Listener
	ctx *verbs.Context
	pd  *verbs.ProtectionDomain
	cq  *cqp.CompletionQueuePair
	cfg *verbs.Config

	slotSize    int
	validityOff int
	cursor      *transport.Cursor
	clients     []*serverClient
	maxClients  int
}

// NewServer listens on connectionString, accepting up to maxClients
// (spec.md §9: the "few clients" variant-selection boundary is left to
// the caller; this only bounds how many Distinct-MR pairs are pre-sized).
func NewServer[T any](connectionString string, maxClients int) (*Server[T], error) {
	if maxClients <= 0 {
		return nil, fmt.Errorf("distinctmr: maxClients must be positive, got %d", maxClients)
	}
	cfg := verbs.DefaultConfig()
	if err := transport.CheckPayloadSize[T](cfg.MaxSlotPayload); err != nil {
		return nil, err
	}
	ln, err := bootstrap.Listen(connectionString)
	if err != nil {
		return nil, err
	}
	slotSize, validityOff := slotLayout[T]()
	ctx := verbs.NewContext()
	return &Server[T]{
		ln:          ln,
		ctx:         ctx,
		pd:          ctx.AllocPD(),
		cq:          cqp.New(cfg.CQDepth),
		cfg:         cfg,
		slotSize:    slotSize,
		validityOff: validityOff,
		cursor:      transport.NewCursor(maxClients),
		maxClients:  maxClients,
	}, nil
}

// Accept establishes the next client's QP, allocates its inbox/outbox
// pair, and exchanges MR descriptors over the bootstrap connection
// (spec.md §4.2 "accept()").
func (s *Server[T]) Accept() (transport.ClientID, error) {
	idx := len(s.clients)
	if idx >= s.maxClients {
		return 0, fmt.Errorf("distinctmr: server full (%d clients)", s.maxClients)
	}
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

	inbox := s.pd.RegisterMR(s.slotSize)
	outbox := s.pd.RegisterMR(s.slotSize)
	if err := bootstrap.WriteMRDescriptor(conn, bootstrap.MRDescriptor{
		Addr: inbox.Addr(), Length: inbox.Length(), Rkey: inbox.Rkey(),
	}); err != nil {
		conn.Close()
		return 0, err
	}
	if err := bootstrap.WriteSlotInfo(conn, bootstrap.SlotInfo{
		SlotSize: uint32(s.slotSize), ClientIdx: uint32(idx),
	}); err != nil {
		conn.Close()
		return 0, err
	}
	recvDesc, err := bootstrap.ReadMRDescriptor(conn)
	if err != nil {
		conn.Close()
		return 0, err
	}

	qp := verbs.NewQueuePair(s.pd, conn, s.cq.SendCQ(), s.cq.RecvCQ(), s.cfg.MaxInFlight)
	s.clients = append(s.clients, &serverClient{
		qp: qp, inbox: inbox, outbox: outbox, recvDesc: recvDesc, nextSeq: 1,
	})
	bootstrap.Debugf("distinctmr: accepted client %d inbox={addr:%d rkey:%d} outbox={addr:%d rkey:%d}",
		idx, inbox.Addr(), inbox.Rkey(), outbox.Addr(), outbox.Rkey())
	return transport.ClientID(idx), nil
}

// FinishListen stops accepting new clients.
func (s *Server[T]) FinishListen() error {
	return s.ln.Close()
}

// Read round-robin scans each client's inbox trailing validity word,
// returning the first non-"empty" one found (spec.md §4.2: "purely CPU
// polling — no verbs calls on the hot path").
func (s *Server[T]) Read(out *T) (transport.ClientID, error) {
	for {
		var found transport.ClientID
		ok := s.cursor.Scan(func(i int) bool {
			if i >= len(s.clients) {
				return false
			}
			slot := s.clients[i].inbox.Bytes()
			if slot[s.validityOff] == 0 && slot[s.validityOff+1] == 0 &&
				slot[s.validityOff+2] == 0 && slot[s.validityOff+3] == 0 {
				return false
			}
			*out = transport.Decode[T](slot[:s.validityOff])
			for j := 0; j < validitySize; j++ {
				slot[s.validityOff+j] = 0
			}
			found = transport.ClientID(i)
			return true
		})
		if ok {
			return found, nil
		}
	}
}

// Write copies payload into client id's outbox (the local source MR for
// the reply), sets its alternating-bit sequence word, WRITEs it into the
// client's own receive MR, and waits for the send completion (spec.md
// §4.2 "write(client_id, msg)").
func (s *Server[T]) Write(id transport.ClientID, payload T) error {
	if int(id) < 0 || int(id) >= len(s.clients) {
		return fmt.Errorf("distinctmr: unknown client %d", id)
	}
	c := s.clients[id]
	buf := c.outbox.Bytes()
	transport.Encode(buf[:s.validityOff], payload)
	transport.Encode(buf[s.validityOff:s.validityOff+validitySize], c.nextSeq)
	c.nextSeq = 3 - c.nextSeq // alternates 1, 2, 1, 2, ...

	wr := &verbs.WorkRequest{
		ID: verbs.MakeWRID(uint32(id), 0), Opcode: verbs.OpWrite, Local: buf,
		RemoteAddr: c.recvDesc.Addr, RemoteRkey: c.recvDesc.Rkey,
	}
	if err := c.qp.PostSend(wr); err != nil {
		return err
	}
	_, err := s.cq.WaitForCompletion(cqp.FilterSendOnly)
	return err
}

// Close tears every client's QP/MR pair down and closes the bootstrap listener.
func (s *Server[T]) Close() error {
	_ = s.ln.Close()
	return s.pd.Close()
}
