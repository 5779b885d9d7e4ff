// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import (
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/sirupsen/logrus"
)

// BlockMode selects whether a block operation targets consecutive
// addresses or repeats the same address, per the glossary's
// incremental-vs-non-incrementing distinction (FIFO ports use the
// latter).
type BlockMode int

const (
	// Incremental advances the address by one word per transferred word.
	Incremental BlockMode = iota
	// NonIncrementing repeats the same address for every transferred word.
	NonIncrementing
)

// Transport carries buffer pairs between the packing engine and a
// device, per spec.md §4.6/§4.7. Dispatch hands ownership of buf to the
// transport; once its reply has been received and scattered into buf's
// reply slots, the transport calls validate(buf) exactly once. In
// single-threaded mode Dispatch blocks until that has happened (or the
// deadline fires); in pipelined mode Dispatch may return first and the
// validate call happens on a worker goroutine.
type Transport interface {
	Dispatch(buf *bufferPair, validate func(*bufferPair) error) error
	Flush() error
	SetTimeout(d time.Duration)
	Close() error
}

// the byte order every header, address, and payload word is encoded in
// on the wire, per spec.md §6 ("All IPbus fields are 32-bit little-endian
// on the wire except the control-hub preamble... and TCP length prefixes").
var wireOrder binary.ByteOrder = binary.LittleEndian

// engine is the packing engine of spec.md §4.4: it accepts logical
// register operations, fills a currently-filling bufferPair, segments
// oversize block operations across packets, and validates replies.
type engine struct {
	maxSend  int
	maxReply int

	transport Transport
	hub       *hubPreamble
	metrics   *metrics
	log       *logrus.Entry

	ids idGenerator
	cur *bufferPair
}

func newEngine(maxSend, maxReply int, transport Transport, hub *hubPreamble, m *metrics, log *logrus.Entry) *engine {
	return &engine{maxSend: maxSend, maxReply: maxReply, transport: transport, hub: hub, metrics: m, log: log}
}

// emitPreamble runs once per new buffer: for plain IPbus it appends the
// byte-order probe transaction; for control-hub it reserves the routing
// preamble first, then recurses into the probe.
func (e *engine) emitPreamble(buf *bufferPair) error {
	if e.hub != nil {
		return e.hub.preamble(buf)
	}
	return e.emitByteOrderProbe(buf)
}

func (e *engine) emitByteOrderProbe(buf *bufferPair) error {
	e.appendHeaderOnly(buf, TypeByteOrder, 0)
	e.headerReplySlot(buf)
	return nil
}

func (e *engine) ensureBuffer() error {
	if e.cur != nil {
		return nil
	}
	e.cur = newBufferPair(e.maxSend, e.maxReply)
	if err := e.emitPreamble(e.cur); err != nil {
		return err
	}
	return nil
}

// flushCurrent hands the currently-filling buffer to the transport and
// clears it, so the next operation starts a fresh one.
func (e *engine) flushCurrent() error {
	if e.cur == nil {
		return nil
	}
	buf := e.cur
	e.cur = nil
	if e.hub != nil {
		e.hub.predispatch(buf)
	}
	if e.metrics != nil {
		e.metrics.packetsSent.Inc()
	}
	return e.transport.Dispatch(buf, e.makeValidator())
}

// makeValidator returns the closure the transport invokes once a
// buffer's reply has been scattered into its slots. Validation is a
// pure function of buf and the (immutable, per-client) hub target, so
// it is safe to run on a transport worker goroutine.
func (e *engine) makeValidator() func(*bufferPair) error {
	hub := e.hub
	return func(buf *bufferPair) error {
		if err := validateBuffer(buf, hub); err != nil {
			buf.markFailed(err)
			return err
		}
		buf.markValid()
		return nil
	}
}

// validateBuffer implements spec.md §4.4's validation algorithm: walk
// send and reply in lockstep, decoding headers, checking type/id/
// response-good, and requiring both streams exhaust simultaneously.
func validateBuffer(buf *bufferPair, hub *hubPreamble) error {
	sendPos := 0
	replyIdx := 0
	if hub != nil {
		n, m, err := hub.validate(buf)
		if err != nil {
			return err
		}
		sendPos += n
		replyIdx += m
	}
	for sendPos < len(buf.send) || replyIdx < len(buf.replySlots) {
		if sendPos+4 > len(buf.send) || replyIdx >= len(buf.replySlots) {
			return newError(KindValidation, "send and reply streams exhausted at mismatched offsets", nil)
		}
		sh := decodeHeader(buf.send[sendPos : sendPos+4])
		slot := buf.replySlots[replyIdx]
		if len(slot.dst) < 4 {
			return newError(KindValidation, "reply header slot shorter than one word", nil)
		}
		rh := decodeHeader(slot.dst[:4])
		if sh.typ != rh.typ {
			return newErrorf(KindValidation, nil, "transaction %d: type mismatch, sent %v received %v", sh.id, sh.typ, rh.typ)
		}
		if sh.id != rh.id {
			return newErrorf(KindValidation, nil, "transaction id mismatch: sent %d received %d", sh.id, rh.id)
		}
		if rh.respGood != 0 {
			return newErrorf(KindValidation, nil, "transaction %d (%v): device reported response-good=%d", rh.id, rh.typ, rh.respGood)
		}
		sendPos += 4 * sendWordCount(sh.typ, int(sh.words))
		replyIdx += replySlotCount(sh.typ)
	}
	return nil
}

// budget decides whether a transaction of the given fixed send/reply
// size fits the current buffer; if not it flushes and starts a fresh
// one, per spec.md §4.4 step 2 (the non-chunking path used by every
// operation except the block ones, which chunk themselves).
func (e *engine) budget(sendNeeded, replyNeeded int) error {
	if sendNeeded > e.maxSend || replyNeeded > e.maxReply {
		return newErrorf(KindBufferOverflow, nil, "transaction needs %d send / %d reply bytes, exceeds MaxSend=%d/MaxReply=%d", sendNeeded, replyNeeded, e.maxSend, e.maxReply)
	}
	if err := e.ensureBuffer(); err != nil {
		return err
	}
	if e.cur.sendRemaining() >= sendNeeded && e.cur.replyRemaining() >= replyNeeded {
		return nil
	}
	if err := e.flushCurrent(); err != nil {
		return err
	}
	return e.ensureBuffer()
}

func (e *engine) appendHeaderOnly(buf *bufferPair, typ TransactionType, words uint8) uint16 {
	id := e.ids.nextID()
	b := make([]byte, 4)
	encodeHeader(b, header{version: ProtocolVersion, id: id, words: words, typ: typ})
	buf.appendSend(b)
	return id
}

func (e *engine) appendUint32(buf *bufferPair, v uint32) {
	b := make([]byte, 4)
	wireOrder.PutUint32(b, v)
	buf.appendSend(b)
}

func (e *engine) headerReplySlot(buf *bufferPair) []byte {
	b := make([]byte, 4)
	buf.receive(b)
	return b
}

// Write issues a single-word write transaction, per spec.md §4.3/§4.4.
func (e *engine) Write(addr, word uint32, mode BlockMode) (*Header, error) {
	typ := TypeWrite
	if mode == NonIncrementing {
		typ = TypeWriteNonInc
	}
	if err := e.budget(sendWordCount(typ, 1)*4, replyWordCount(typ, 1)*4); err != nil {
		return nil, err
	}
	buf := e.cur
	e.appendHeaderOnly(buf, typ, 1)
	e.appendUint32(buf, addr)
	e.appendUint32(buf, word)
	e.headerReplySlot(buf)
	h := newHeaderHandle()
	buf.attach(h)
	return h, nil
}

// WriteBlock issues a (possibly packet-spanning) block write, splitting
// across packets per spec.md §4.4's chunking rule. The returned handle
// becomes valid once every chunk's buffer has validated.
func (e *engine) WriteBlock(addr uint32, words []uint32, mode BlockMode) (*Header, error) {
	typ := TypeWrite
	if mode == NonIncrementing {
		typ = TypeWriteNonInc
	}
	if err := e.ensureBuffer(); err != nil {
		return nil, err
	}
	remaining := words
	curAddr := addr
	var last *Header
	for len(remaining) > 0 {
		buf := e.cur
		reqspace, respspace := buf.sendRemaining(), buf.replyRemaining()
		fullSend := 8 + 4*len(remaining)
		fullReply := 4
		var n int
		switch {
		case reqspace >= fullSend && respspace >= fullReply:
			n = len(remaining)
		case reqspace >= 16 && respspace >= 16:
			n = (reqspace - 8) / 4
			if n > len(remaining) {
				n = len(remaining)
			}
		default:
			if err := e.flushCurrent(); err != nil {
				return nil, err
			}
			if err := e.ensureBuffer(); err != nil {
				return nil, err
			}
			continue
		}
		if n > 255 {
			n = 255
		}
		if n <= 0 {
			return nil, newErrorf(KindBufferOverflow, nil, "write block chunk does not fit MaxSend=%d/MaxReply=%d", e.maxSend, e.maxReply)
		}
		chunk := remaining[:n]
		e.appendHeaderOnly(buf, typ, uint8(n))
		e.appendUint32(buf, curAddr)
		for _, w := range chunk {
			e.appendUint32(buf, w)
		}
		e.headerReplySlot(buf)
		h := newHeaderHandle()
		buf.attach(h)
		last = h
		if mode == Incremental {
			curAddr += uint32(n)
		}
		remaining = remaining[n:]
	}
	return last, nil
}

// Read issues a single-word read transaction, optionally masked per
// spec.md §3/§8.
func (e *engine) Read(addr uint32, mode BlockMode, mask *uint32) (*Word, error) {
	typ := TypeRead
	if mode == NonIncrementing {
		typ = TypeReadNonInc
	}
	if err := e.budget(sendWordCount(typ, 1)*4, replyWordCount(typ, 1)*4); err != nil {
		return nil, err
	}
	buf := e.cur
	e.appendHeaderOnly(buf, typ, 1)
	e.appendUint32(buf, addr)
	e.headerReplySlot(buf)
	h := newWordHandle(wireOrder, mask)
	buf.receive(h.raw)
	buf.attach(h)
	return h, nil
}

// ReadBlock issues a (possibly packet-spanning) block read, splitting
// across packets per spec.md §4.4's chunking rule. Per spec.md §4.4, the
// handle is attached only to the final chunk's buffer so it stays alive
// until every chunk has returned.
func (e *engine) ReadBlock(addr uint32, count int, mode BlockMode) (*Vector, error) {
	typ := TypeRead
	if mode == NonIncrementing {
		typ = TypeReadNonInc
	}
	if err := e.ensureBuffer(); err != nil {
		return nil, err
	}
	v := newVectorHandle(wireOrder, count)
	remaining := count
	curAddr := addr
	rawOff := 0
	for remaining > 0 {
		buf := e.cur
		reqspace, respspace := buf.sendRemaining(), buf.replyRemaining()
		fullSend := 8
		fullReply := 4 * (remaining + 1)
		var n int
		switch {
		case reqspace >= fullSend && respspace >= fullReply:
			n = remaining
		case reqspace >= 16 && respspace >= 16:
			n = (respspace - 4) / 4
			if n > remaining {
				n = remaining
			}
		default:
			if err := e.flushCurrent(); err != nil {
				return nil, err
			}
			if err := e.ensureBuffer(); err != nil {
				return nil, err
			}
			continue
		}
		if n > 255 {
			n = 255
		}
		if n <= 0 {
			return nil, newErrorf(KindBufferOverflow, nil, "read block chunk does not fit MaxSend=%d/MaxReply=%d", e.maxSend, e.maxReply)
		}
		e.appendHeaderOnly(buf, typ, uint8(n))
		e.appendUint32(buf, curAddr)
		e.headerReplySlot(buf)
		buf.receive(v.raw[rawOff : rawOff+4*n])
		rawOff += 4 * n
		if mode == Incremental {
			curAddr += uint32(n)
		}
		remaining -= n
		if remaining == 0 {
			buf.attach(v)
		}
	}
	return v, nil
}

// RMWBits issues a read-modify-write transaction computing
// x = (x & andTerm) | orTerm, returning the device's previous value.
func (e *engine) RMWBits(addr, andTerm, orTerm uint32) (*Word, error) {
	if err := e.budget(sendWordCount(TypeRMWBits, 1)*4, replyWordCount(TypeRMWBits, 1)*4); err != nil {
		return nil, err
	}
	buf := e.cur
	e.appendHeaderOnly(buf, TypeRMWBits, 1)
	e.appendUint32(buf, addr)
	e.appendUint32(buf, andTerm)
	e.appendUint32(buf, orTerm)
	e.headerReplySlot(buf)
	h := newWordHandle(wireOrder, nil)
	buf.receive(h.raw)
	buf.attach(h)
	return h, nil
}

// RMWSum issues a read-modify-write transaction computing x += addend,
// returning the device's previous value.
func (e *engine) RMWSum(addr, addend uint32) (*Word, error) {
	if err := e.budget(sendWordCount(TypeRMWSum, 1)*4, replyWordCount(TypeRMWSum, 1)*4); err != nil {
		return nil, err
	}
	buf := e.cur
	e.appendHeaderOnly(buf, TypeRMWSum, 1)
	e.appendUint32(buf, addr)
	e.appendUint32(buf, addend)
	e.headerReplySlot(buf)
	h := newWordHandle(wireOrder, nil)
	buf.receive(h.raw)
	buf.attach(h)
	return h, nil
}

// MaskedWrite updates only the bits of mask at addr, computing the
// RMWBits and/or terms from mask and value the way the teacher's
// Register.MaskedWrite did (see SPEC_FULL.md's supplemented features).
func (e *engine) MaskedWrite(addr, mask, value uint32) (*Word, error) {
	shift := 0
	if mask != 0 {
		shift = bits.TrailingZeros32(mask)
	}
	andTerm := ^mask
	orTerm := (value << uint(shift)) & mask
	return e.RMWBits(addr, andTerm, orTerm)
}

// ReadReservedAddressInfo issues the reserved-address-info transaction
// (see SPEC_FULL.md's supplemented features). Its reply carries a
// 2-word payload, matching uHAL's readReservedAddressInfo.
func (e *engine) ReadReservedAddressInfo() (*Vector, error) {
	if err := e.budget(sendWordCount(TypeReservedAddrInfo, 0)*4, replyWordCount(TypeReservedAddrInfo, 0)*4); err != nil {
		return nil, err
	}
	buf := e.cur
	e.appendHeaderOnly(buf, TypeReservedAddrInfo, 0)
	e.headerReplySlot(buf)
	v := newVectorHandle(wireOrder, 2)
	buf.receive(v.raw)
	buf.attach(v)
	return v, nil
}

// Dispatch flushes the currently-filling buffer, if any, and blocks
// until every buffer dispatched so far (including this one) has been
// validated or has failed.
func (e *engine) Dispatch() error {
	if err := e.flushCurrent(); err != nil {
		return err
	}
	return e.transport.Flush()
}

// Flush blocks until every buffer already handed to the transport has
// been validated or has failed; it does not flush a still-filling
// current buffer.
func (e *engine) Flush() error {
	return e.transport.Flush()
}

// SetTimeout changes the deadline applied to future transport round trips.
func (e *engine) SetTimeout(d time.Duration) {
	e.transport.SetTimeout(d)
}
