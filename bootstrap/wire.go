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

// Package bootstrap implements the out-of-band TCP rendezvous that
// exchanges QP connection info and MR descriptors before the hot path
// ever touches a queue pair (spec.md §4.5, §6). The wire format is a
// fixed, little-endian byte layout with no framing or length prefixes
// beyond what each record's own fields imply, in the same style as
// protocol/ttheader's explicit field-by-field encoding.
package bootstrap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// QPInfo carries the fields needed to address a peer's queue pair.
// Wire layout: 8-byte LID, 8-byte QPN, 8-byte PSN, 16-byte GID (spec.md §6.1/§6.2).
type QPInfo struct {
	LID uint64
	QPN uint64
	PSN uint64
	GID [16]byte
}

const qpInfoSize = 8 + 8 + 8 + 16

// WriteQPInfo writes info to w in the fixed wire layout.
func WriteQPInfo(w io.Writer, info QPInfo) error {
	buf := dirtmake.Bytes(qpInfoSize, qpInfoSize)
	binary.LittleEndian.PutUint64(buf[0:], info.LID)
	binary.LittleEndian.PutUint64(buf[8:], info.QPN)
	binary.LittleEndian.PutUint64(buf[16:], info.PSN)
	copy(buf[24:], info.GID[:])
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bootstrap: write QP info: %w", err)
	}
	return nil
}

// ReadQPInfo reads a QPInfo record from r.
func ReadQPInfo(r io.Reader) (QPInfo, error) {
	buf := dirtmake.Bytes(qpInfoSize, qpInfoSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return QPInfo{}, fmt.Errorf("bootstrap: read QP info: %w", err)
	}
	var info QPInfo
	info.LID = binary.LittleEndian.Uint64(buf[0:])
	info.QPN = binary.LittleEndian.Uint64(buf[8:])
	info.PSN = binary.LittleEndian.Uint64(buf[16:])
	copy(info.GID[:], buf[24:])
	return info, nil
}

// MRDescriptor is a peer's view of one of our memory regions: enough to
// target it with a one-sided WRITE/READ (spec.md §3 MR attributes).
// Wire layout: 8-byte address, 8-byte length, 4-byte rkey (spec.md §6.3).
type MRDescriptor struct {
	Addr   uint64
	Length uint64
	Rkey   uint32
}

const mrDescriptorSize = 8 + 8 + 4

// WriteMRDescriptor writes desc to w in the fixed wire layout.
func WriteMRDescriptor(w io.Writer, desc MRDescriptor) error {
	buf := dirtmake.Bytes(mrDescriptorSize, mrDescriptorSize)
	binary.LittleEndian.PutUint64(buf[0:], desc.Addr)
	binary.LittleEndian.PutUint64(buf[8:], desc.Length)
	binary.LittleEndian.PutUint32(buf[16:], desc.Rkey)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bootstrap: write MR descriptor: %w", err)
	}
	return nil
}

// ReadMRDescriptor reads an MRDescriptor record from r.
func ReadMRDescriptor(r io.Reader) (MRDescriptor, error) {
	buf := dirtmake.Bytes(mrDescriptorSize, mrDescriptorSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return MRDescriptor{}, fmt.Errorf("bootstrap: read MR descriptor: %w", err)
	}
	var desc MRDescriptor
	desc.Addr = binary.LittleEndian.Uint64(buf[0:])
	desc.Length = binary.LittleEndian.Uint64(buf[8:])
	desc.Rkey = binary.LittleEndian.Uint32(buf[16:])
	return desc, nil
}

// SlotInfo is the Doorbell/Distinct-MR-only trailer: the server's chosen
// per-client slot size and the index this client was assigned (spec.md §6.4).
type SlotInfo struct {
	SlotSize  uint32
	ClientIdx uint32
}

const slotInfoSize = 4 + 4

// WriteSlotInfo writes info to w in the fixed wire layout.
func WriteSlotInfo(w io.Writer, info SlotInfo) error {
	buf := dirtmake.Bytes(slotInfoSize, slotInfoSize)
	binary.LittleEndian.PutUint32(buf[0:], info.SlotSize)
	binary.LittleEndian.PutUint32(buf[4:], info.ClientIdx)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bootstrap: write slot info: %w", err)
	}
	return nil
}

// ReadSlotInfo reads a SlotInfo record from r.
func ReadSlotInfo(r io.Reader) (SlotInfo, error) {
	buf := dirtmake.Bytes(slotInfoSize, slotInfoSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return SlotInfo{}, fmt.Errorf("bootstrap: read slot info: %w", err)
	}
	var info SlotInfo
	info.SlotSize = binary.LittleEndian.Uint32(buf[0:])
	info.ClientIdx = binary.LittleEndian.Uint32(buf[4:])
	return info, nil
}
