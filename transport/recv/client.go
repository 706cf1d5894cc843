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

package recv

import (
	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/rdmatransport/bootstrap"
	"github.com/cloudwego/rdmatransport/cqp"
	"github.com/cloudwego/rdmatransport/internal/verbs"
	"github.com/cloudwego/rdmatransport/transport"
)

var _ transport.Client[uint32] = (*Client[uint32])(nil)

// Client is the Recv variant's client (spec.md §4.4: SEND / post-RECV-and-wait).
type Client[T any] struct {
	ctx *verbs.Context
	pd  *verbs.ProtectionDomain
	cq  *cqp.CompletionQueuePair
	qp  *verbs.QueuePair
	cfg *verbs.Config
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

// Connect bootstraps against connectionString, retrying per
// bootstrap.Dial's backoff policy (spec.md §4/§6).
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
	c.qp = verbs.NewQueuePair(c.pd, conn, c.cq.SendCQ(), c.cq.RecvCQ(), c.cfg.MaxInFlight)
	bootstrap.Debugf("recv: connected")
	return nil
}

// Write SENDs payload and waits for its send completion.
func (c *Client[T]) Write(payload T) error {
	sz := transport.SizeOf[T]()
	buf := dirtmake.Bytes(sz, sz)
	transport.Encode(buf, payload)

	if err := c.qp.PostSend(&verbs.WorkRequest{ID: 1, Opcode: verbs.OpSend, Local: buf}); err != nil {
		return err
	}
	_, err := c.cq.WaitForCompletion(cqp.FilterSendOnly)
	return err
}

// Read posts a fresh RECV and waits for the server's reply (spec.md
// §4.4: "post-RECV-and-wait").
func (c *Client[T]) Read(out *T) error {
	sz := transport.SizeOf[T]()
	buf := dirtmake.Bytes(sz, sz)
	if err := c.qp.PostRecv(&verbs.WorkRequest{ID: 1, Opcode: verbs.OpRecv, Local: buf}); err != nil {
		return err
	}
	wc, err := c.cq.WaitForCompletion(cqp.FilterRecvOnly)
	if err != nil {
		return err
	}
	*out = transport.Decode[T](buf[:wc.Len])
	return nil
}

// Close tears the client's QP/PD down.
func (c *Client[T]) Close() error {
	return c.pd.Close()
}
