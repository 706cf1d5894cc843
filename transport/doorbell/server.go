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

// Package doorbell implements the Doorbell multiclient transport variant
// (spec.md §4.3): one inbound MR and one outbound MR on the server, each
// partitioned into equal per-client slots whose trailing byte is a
// doorbell. This reduces per-client MR registration cost relative to
// Distinct-MR at the price of server poll cost scaling with client count.
package doorbell

import (
	"fmt"

	"github.com/cloudwego/rdmatransport/bootstrap"
	"github.com/cloudwego/rdmatransport/cqp"
	"github.com/cloudwego/rdmatransport/internal/verbs"
	"github.com/cloudwego/rdmatransport/transport"
)

// roundTo is the alignment spec.md §4.3 requires: concurrency is rounded
// up to a multiple of 16 so the partitioned MR divides evenly.
const roundTo = 16

// slotLayout returns the per-slot size (payload followed by one trailing
// doorbell byte) and the doorbell byte's offset within a slot.
func slotLayout[T any]() (slotSize, doorbellOff int) {
	n := transport.SizeOf[T]()
	return n + 1, n
}

var _ transport.Server[uint32] = (*Server[uint32])(nil)

type serverClient struct {
	qp       *verbs.QueuePair
	idx      uint32
	recvDesc bootstrap.MRDescriptor // client's local receive MR, target of our WRITE-back
}

// Server is the Doorbell variant's server (spec.md §4.3).
type Server[T any] struct {
	ln  *bootstrap.Listener
	ctx *verbs.Context
	pd  *verbs.ProtectionDomain
	cq  *cqp.CompletionQueuePair
	cfg *verbs.Config

	slots       int
	slotSize    int
	doorbellOff int
	inbound     *verbs.MemoryRegion
	outbound    *verbs.MemoryRegion
	cursor      *transport.Cursor
	clients     []*serverClient
}

// NewServer listens on connectionString with room for up to
// RoundConcurrency(maxConcurrency, 16) clients (spec.md §4.3: "rounds
// requested concurrency up to the next multiple of 16").
func NewServer[T any](connectionString string, maxConcurrency int) (*Server[T], error) {
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("doorbell: maxConcurrency must be positive, got %d", maxConcurrency)
	}
	cfg := verbs.DefaultConfig()
	if err := transport.CheckPayloadSize[T](cfg.MaxSlotPayload); err != nil {
		return nil, err
	}
	ln, err := bootstrap.Listen(connectionString)
	if err != nil {
		return nil, err
	}
	slots := transport.RoundConcurrency(maxConcurrency, roundTo)
	slotSize, doorbellOff := slotLayout[T]()

	ctx := verbs.NewContext()
	pd := ctx.AllocPD()
	return &Server[T]{
		ln:          ln,
		ctx:         ctx,
		pd:          pd,
		cq:          cqp.New(cfg.CQDepth),
		cfg:         cfg,
		slots:       slots,
		slotSize:    slotSize,
		doorbellOff: doorbellOff,
		inbound:     pd.RegisterMR(slots * slotSize),
		outbound:    pd.RegisterMR(slots * slotSize),
		cursor:      transport.NewCursor(slots),
	}, nil
}

// Accept establishes the next client's QP, hands it the inbound MR
// descriptor plus its assigned slot index, and receives back the
// descriptor of the client's own receive MR — the target of this
// server's doorbell WRITEs (spec.md §6.3/§6.4).
func (s *Server[T]) Accept() (transport.ClientID, error) {
	idx := len(s.clients)
	if idx >= s.slots {
		return 0, fmt.Errorf("doorbell: server full (%d slots)", s.slots)
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
	if err := bootstrap.WriteMRDescriptor(conn, bootstrap.MRDescriptor{
		Addr: s.inbound.Addr(), Length: s.inbound.Length(), Rkey: s.inbound.Rkey(),
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
	s.clients = append(s.clients, &serverClient{qp: qp, idx: uint32(idx), recvDesc: recvDesc})
	bootstrap.Debugf("doorbell: accepted client %d of %d slots, inbound={addr:%d rkey:%d} client recv={addr:%d rkey:%d}",
		idx, s.slots, s.inbound.Addr(), s.inbound.Rkey(), recvDesc.Addr, recvDesc.Rkey)
	return transport.ClientID(idx), nil
}

// FinishListen stops accepting new clients.
func (s *Server[T]) FinishListen() error {
	return s.ln.Close()
}

// Read busy-sweeps the inbound MR's doorbells in round-robin order
// starting from the client after the last one served, for fairness
// (spec.md §4.3). This is pure CPU polling against locally-addressable
// memory; no verbs call is on this hot path.
func (s *Server[T]) Read(out *T) (transport.ClientID, error) {
	for {
		var found transport.ClientID
		ok := s.cursor.Scan(func(i int) bool {
			if i >= len(s.clients) {
				return false
			}
			slot := s.inbound.Bytes()[i*s.slotSize : (i+1)*s.slotSize]
			if slot[s.doorbellOff] == 0 {
				return false
			}
			*out = transport.Decode[T](slot[:s.doorbellOff])
			slot[s.doorbellOff] = 0
			found = transport.ClientID(i)
			return true
		})
		if ok {
			return found, nil
		}
	}
}

// Write composes payload plus a set doorbell byte in this server's
// partitioned outbound MR (the local source buffer for client id's
// slot), RDMA WRITEs it into the client's own registered receive MR, and
// awaits the send completion (spec.md §4.3 "write(client_id, msg)";
// uniform with the §6 contract shared by every variant).
func (s *Server[T]) Write(id transport.ClientID, payload T) error {
	if int(id) < 0 || int(id) >= len(s.clients) {
		return fmt.Errorf("doorbell: unknown client %d", id)
	}
	c := s.clients[id]
	i := int(id)
	slot := s.outbound.Bytes()[i*s.slotSize : (i+1)*s.slotSize]
	transport.Encode(slot[:s.doorbellOff], payload)
	slot[s.doorbellOff] = 1

	wr := &verbs.WorkRequest{
		ID: verbs.MakeWRID(uint32(id), 0), Opcode: verbs.OpWrite, Local: slot,
		RemoteAddr: c.recvDesc.Addr, RemoteRkey: c.recvDesc.Rkey,
	}
	if err := c.qp.PostSend(wr); err != nil {
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
