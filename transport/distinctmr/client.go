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

package distinctmr

import (
	"github.com/cloudwego/rdmatransport/bootstrap"
	"github.com/cloudwego/rdmatransport/cqp"
	"github.com/cloudwego/rdmatransport/internal/verbs"
	"github.com/cloudwego/rdmatransport/transport"
)

var _ transport.Client[uint32] = (*Client[uint32])(nil)

// Client is the Distinct-MR variant's client (spec.md §4.2): a local
// send MR used as the source for WRITEs into the server's inbox, and a
// local receive MR the server WRITEs replies directly into.
type Client[T any] struct {
	ctx *verbs.Context
	pd  *verbs.ProtectionDomain
	cq  *cqp.CompletionQueuePair
	qp  *verbs.QueuePair
	cfg *verbs.Config

	sendMR      *verbs.MemoryRegion
	recvMR      *verbs.MemoryRegion
	inboxDesc   bootstrap.MRDescriptor
	slotSize    int
	validityOff int
	nextSeq     uint32
}

// NewClient creates a client not yet connected to any server.
func NewClient[T any]() *Client[T] {
	ctx := verbs.NewContext()
	cfg := verbs.DefaultConfig()
	return &Client[T]{
		ctx:     ctx,
		pd:      ctx.AllocPD(),
		cq:      cqp.New(cfg.CQDepth),
		cfg:     cfg,
		nextSeq: 1,
	}
}

// Connect bootstraps against connectionString (spec.md §4.2 "connect(endpoint)").
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
	inboxDesc, err := bootstrap.ReadMRDescriptor(conn)
	if err != nil {
		conn.Close()
		return err
	}
	slotInfo, err := bootstrap.ReadSlotInfo(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.slotSize = int(slotInfo.SlotSize)
	_, c.validityOff = slotLayout[T]()
	c.inboxDesc = inboxDesc
	c.sendMR = c.pd.RegisterMR(c.slotSize)
	c.recvMR = c.pd.RegisterMR(c.slotSize)

	if err := bootstrap.WriteMRDescriptor(conn, bootstrap.MRDescriptor{
		Addr: c.recvMR.Addr(), Length: c.recvMR.Length(), Rkey: c.recvMR.Rkey(),
	}); err != nil {
		conn.Close()
		return err
	}

	c.qp = verbs.NewQueuePair(c.pd, conn, c.cq.SendCQ(), c.cq.RecvCQ(), c.cfg.MaxInFlight)
	bootstrap.Debugf("distinctmr: connected, inbox={addr:%d rkey:%d} local send={addr:%d rkey:%d} local recv={addr:%d rkey:%d}",
		c.inboxDesc.Addr, c.inboxDesc.Rkey, c.sendMR.Addr(), c.sendMR.Rkey(), c.recvMR.Addr(), c.recvMR.Rkey())
	return nil
}

// Write copies payload plus the next alternating-bit sequence value into
// the local send MR and WRITEs it into the server's inbox (spec.md §4.2
// "write(value)").
func (c *Client[T]) Write(payload T) error {
	buf := c.sendMR.Bytes()
	transport.Encode(buf[:c.validityOff], payload)
	transport.Encode(buf[c.validityOff:c.validityOff+validitySize], c.nextSeq)
	c.nextSeq = 3 - c.nextSeq

	wr := &verbs.WorkRequest{
		ID: 1, Opcode: verbs.OpWrite, Local: buf,
		RemoteAddr: c.inboxDesc.Addr, RemoteRkey: c.inboxDesc.Rkey,
	}
	if err := c.qp.PostSend(wr); err != nil {
		return err
	}
	_, err := c.cq.WaitForCompletion(cqp.FilterSendOnly)
	return err
}

// Read busy-polls the local receive MR's trailing validity word (spec.md
// §4.2 "read(out value)").
func (c *Client[T]) Read(out *T) error {
	buf := c.recvMR.Bytes()
	for {
		empty := true
		for j := 0; j < validitySize; j++ {
			if buf[c.validityOff+j] != 0 {
				empty = false
				break
			}
		}
		if !empty {
			break
		}
	}
	*out = transport.Decode[T](buf[:c.validityOff])
	for j := 0; j < validitySize; j++ {
		buf[c.validityOff+j] = 0
	}
	return nil
}

// Close tears the client's QP/PD down.
func (c *Client[T]) Close() error {
	return c.pd.Close()
}
