// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import "encoding/binary"

// ProtocolVersion is the only IPbus transaction-header version this
// package speaks, encoded into bits [31:28] of every header.
const ProtocolVersion uint8 = 2

// TransactionType is the 4-bit type code at bits [7:4] of a transaction header.
type TransactionType uint8

const (
	TypeByteOrder       TransactionType = 0x0 // byte-order probe
	TypeReadNonInc      TransactionType = 0x2
	TypeRead            TransactionType = 0x3
	TypeWriteNonInc     TransactionType = 0x4
	TypeWrite           TransactionType = 0x5
	TypeRMWBits         TransactionType = 0x6
	TypeRMWSum          TransactionType = 0x7
	TypeReservedAddrInfo TransactionType = 0x8
)

func (t TransactionType) String() string {
	switch t {
	case TypeByteOrder:
		return "B_O_T"
	case TypeReadNonInc:
		return "NI_READ"
	case TypeRead:
		return "READ"
	case TypeWriteNonInc:
		return "NI_WRITE"
	case TypeWrite:
		return "WRITE"
	case TypeRMWBits:
		return "RMW_BITS"
	case TypeRMWSum:
		return "RMW_SUM"
	case TypeReservedAddrInfo:
		return "R_A_I"
	default:
		return "UNKNOWN"
	}
}

// idMask wraps transaction ids at 12 bits (the width of the header's id
// field, bits [27:16]); spec.md's 11-bit wrap note is the uHAL client's
// historical off-by-one and is not reproduced here (see DESIGN.md).
const idMask = 0x0fff

// header is the 32-bit transaction header of spec.md §3/§6, decoded from
// its little-endian wire encoding into host fields.
type header struct {
	version  uint8
	id       uint16
	words    uint8
	typ      TransactionType
	respGood uint8 // reply only: non-zero means device-side error
}

// sendWordCount returns the number of 32-bit words (header + payload) a
// transaction of this type occupies on the send side, per spec.md §4.3,
// given the transaction's declared word count N (block length).
func sendWordCount(t TransactionType, n int) int {
	switch t {
	case TypeByteOrder:
		return 1
	case TypeReservedAddrInfo:
		return 1
	case TypeRead, TypeReadNonInc:
		return 2
	case TypeWrite, TypeWriteNonInc:
		return 2 + n
	case TypeRMWSum:
		return 3
	case TypeRMWBits:
		return 4
	default:
		return 0
	}
}

// replyWordCount returns the number of 32-bit words a reply to a
// transaction of this type occupies, per spec.md §4.3.
func replyWordCount(t TransactionType, n int) int {
	switch t {
	case TypeByteOrder:
		return 1
	case TypeReservedAddrInfo:
		return 3
	case TypeRead, TypeReadNonInc:
		return 1 + n
	case TypeWrite, TypeWriteNonInc:
		return 1
	case TypeRMWSum, TypeRMWBits:
		return 2
	default:
		return 0
	}
}

// replySlotCount returns the number of scatter-gather reply slots
// (spec.md §4.4 step 3) a transaction of this type consumes: one for
// write-like transactions (just the header), two for read/rmw
// transactions (header, then payload).
func replySlotCount(t TransactionType) int {
	switch t {
	case TypeWrite, TypeWriteNonInc, TypeByteOrder:
		return 1
	default:
		return 2
	}
}

// encodeHeader packs a transaction header into its 4-byte little-endian
// wire form.
func encodeHeader(dst []byte, h header) {
	v := uint32(h.version&0xf) << 28
	v |= uint32(h.id&idMask) << 16
	v |= uint32(h.words) << 8
	v |= uint32(h.typ&0xf) << 4
	v |= uint32(h.respGood & 0xf)
	binary.LittleEndian.PutUint32(dst, v)
}

// decodeHeader unpacks a 4-byte little-endian transaction header. It
// never fails on an unrecognized type or version: callers that care
// about validity compare against the send-side header they expect.
func decodeHeader(src []byte) header {
	v := binary.LittleEndian.Uint32(src)
	return header{
		version:  uint8(v >> 28),
		id:       uint16((v >> 16) & idMask),
		words:    uint8((v >> 8) & 0xff),
		typ:      TransactionType((v >> 4) & 0xf),
		respGood: uint8(v & 0xf),
	}
}

// idGenerator hands out strictly increasing, wrapping transaction ids
// for one client, per spec.md §3's monotonicity invariant.
type idGenerator struct {
	next uint16
}

func (g *idGenerator) nextID() uint16 {
	id := g.next
	g.next = (g.next + 1) & idMask
	return id
}
