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

package doorbell

import (
	"github.com/cloudwego/rdmatransport/bootstrap"
	"github.com/cloudwego/rdmatransport/cqp"
	"github.com/cloudwego/rdmatransport/internal/verbs"
	"github.com/cloudwego/rdmatransport/transport"
)

var _ transport.Client[uint32] = (*Client[uint32])(nil)

// Client is the Doorbell variant's client (spec.md §4.3). Writes go
// one-sided into the server's single partitioned inbound MR at this
// client's slot; replies arrive by the server WRITEing into this
// client's own registered receive MR, which the client then busy-polls
// locally (see DESIGN.md's Open Question decision on client MR
// ownership) — one registered MR per client, against Distinct-MR's two
// (send and recv), which is what keeps Doorbell's per-client
// registration cost below Distinct-MR's.
type Client[T any] struct {
	ctx *verbs.Context
	pd  *verbs.ProtectionDomain
	cq  *cqp.CompletionQueuePair
	qp  *verbs.QueuePair
	cfg *verbs.Config

	idx         uint32
	slotSize    int
	doorbellOff int
	inboundDesc bootstrap.MRDescriptor
	recvMR      *verbs.MemoryRegion
}

// NewClient creates a client not yet connected to any server.
func NewClient[T any]() *Client[T] {
	ctx := verbs.NewContext()
	cfg := verbs.DefaultConfig()
	return &Client[T]{
		ctx: ctx,
		pd:  ctx.AllocPD(),
		cq:  cqp.New(cfg.CQDepth),
		cfg: cfg,
	}
}

// Connect bootstraps against connectionString (spec.md §6): exchanges QP
// info, receives the server's inbound MR descriptor and this client's
// assigned slot index, then registers a local receive MR and hands its
// descriptor to the server as the target of its doorbell WRITEs.
func (c *Client[T]) Connect(connectionString string) error {
	if err := transport.CheckPayloadSize[T](c.cfg.MaxSlotPayload); err != nil {
		return err
	}
	conn, err := bootstrap.Dial(connectionString)
	if err != nil {
		return err
	}
	if _, err := bootstrap.ReadQPInfo(conn); err != nil {
		conn.Close()
		return err
	}
	if err := bootstrap.WriteQPInfo(conn, bootstrap.QPInfo{}); err != nil {
		conn.Close()
		return err
	}
	inboundDesc, err := bootstrap.ReadMRDescriptor(conn)
	if err != nil {
		conn.Close()
		return err
	}
	slotInfo, err := bootstrap.ReadSlotInfo(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.inboundDesc = inboundDesc
	c.idx = slotInfo.ClientIdx
	c.slotSize = int(slotInfo.SlotSize)
	_, c.doorbellOff = slotLayout[T]()
	c.recvMR = c.pd.RegisterMR(c.slotSize)
	if err := bootstrap.WriteMRDescriptor(conn, bootstrap.MRDescriptor{
		Addr: c.recvMR.Addr(), Length: c.recvMR.Length(), Rkey: c.recvMR.Rkey(),
	}); err != nil {
		conn.Close()
		return err
	}

	c.qp = verbs.NewQueuePair(c.pd, conn, c.cq.SendCQ(), c.cq.RecvCQ(), c.cfg.MaxInFlight)
	bootstrap.Debugf("doorbell: connected as slot %d, inbound={addr:%d rkey:%d} local recv={addr:%d rkey:%d}",
		c.idx, c.inboundDesc.Addr, c.inboundDesc.Rkey, c.recvMR.Addr(), c.recvMR.Rkey())
	return nil
}

// Write copies payload plus a set doorbell byte into the local send
// buffer and RDMA WRITEs it into the server's inbound slot for this
// client (spec.md §4.3).
func (c *Client[T]) Write(payload T) error {
	buf := make([]byte, c.slotSize)
	transport.Encode(buf[:c.doorbellOff], payload)
	buf[c.doorbellOff] = 1

	remoteAddr := c.inboundDesc.Addr + uint64(c.idx)*uint64(c.slotSize)
	wr := &verbs.WorkRequest{
		ID: 1, Opcode: verbs.OpWrite, Local: buf,
		RemoteAddr: remoteAddr, RemoteRkey: c.inboundDesc.Rkey,
	}
	if err := c.qp.PostSend(wr); err != nil {
		return err
	}
	_, err := c.cq.WaitForCompletion(cqp.FilterSendOnly)
	return err
}

// Read busy-polls this client's own receive MR for the doorbell byte the
// server's Write WRITEs in, then clears it locally so the slot can be
// reused (spec.md §4.3: "polling its outbound slot's doorbell" — here a
// purely local memory read, with no verbs call on the hot path, per
// spec.md §5/§9).
func (c *Client[T]) Read(out *T) error {
	buf := c.recvMR.Bytes()
	for buf[c.doorbellOff] == 0 {
	}
	*out = transport.Decode[T](buf[:c.doorbellOff])
	buf[c.doorbellOff] = 0
	return nil
}

// Close tears the client's QP/PD down.
func (c *Client[T]) Close() error {
	return c.pd.Close()
}
