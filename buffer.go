// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

// replySlot is one scatter-gather destination for a reply: dst receives
// exactly len(dst) bytes, at the position this slot occupies in the
// reply stream.
type replySlot struct {
	dst []byte
}

// bufferPair is the unit of transport: one outbound byte sequence plus
// the scatter-gather layout of its expected reply, per spec.md §3/§4.1.
// It is owned by exactly one of {packing engine, transport dispatch
// queue, transport reply queue} at any time.
type bufferPair struct {
	maxSend  int
	maxReply int

	send         []byte
	replySlots   []replySlot
	replyCounter int

	// handles keeps every deferred handle whose storage lives inside
	// this buffer's reply slots alive until validate() runs.
	handles []anyHandle

	// hub is the control-hub preamble's per-buffer bookkeeping; nil for
	// plain IPbus. See hub.go's hubRecord doc comment.
	hub *hubRecord
}

func newBufferPair(maxSend, maxReply int) *bufferPair {
	return &bufferPair{
		maxSend:  maxSend,
		maxReply: maxReply,
		send:     make([]byte, 0, maxSend),
	}
}

// sendRemaining reports how many more bytes can be appended to send.
func (b *bufferPair) sendRemaining() int { return b.maxSend - len(b.send) }

// replyRemaining reports how many more bytes can be reserved on reply.
func (b *bufferPair) replyRemaining() int { return b.maxReply - b.replyCounter }

// appendSend appends bytes already encoded by the caller (in whatever
// byte order the field needs), returning the offset they were written at so the caller can
// patch them later (used by the control-hub preamble's length fields).
func (b *bufferPair) appendSend(bytes []byte) int {
	if len(bytes) > b.sendRemaining() {
		panic("ipbus: appendSend exceeds MaxSend; caller must budget-check first")
	}
	off := len(b.send)
	b.send = append(b.send, bytes...)
	return off
}

// reserveSend appends n zero bytes to send and returns their offset, for
// callers that want to fill the region in place afterward.
func (b *bufferPair) reserveSend(n int) int {
	if n > b.sendRemaining() {
		panic("ipbus: reserveSend exceeds MaxSend; caller must budget-check first")
	}
	off := len(b.send)
	b.send = append(b.send, make([]byte, n)...)
	return off
}

// receive records a scatter-gather destination for the next len(dst)
// bytes of the reply stream.
func (b *bufferPair) receive(dst []byte) {
	if len(dst) > b.replyRemaining() {
		panic("ipbus: receive exceeds MaxReply; caller must budget-check first")
	}
	b.replySlots = append(b.replySlots, replySlot{dst: dst})
	b.replyCounter += len(dst)
}

// attach keeps h's storage alive for the lifetime of this buffer.
func (b *bufferPair) attach(h anyHandle) {
	b.handles = append(b.handles, h)
}

// scatter copies a flat reply byte stream into this buffer's reply
// slots, in order, per spec.md §4.6 step 3 / §4.7. It panics if data is
// shorter than replyCounter; callers are expected to have read exactly
// that many bytes off the wire first.
func (b *bufferPair) scatter(data []byte) {
	if len(data) < b.replyCounter {
		panic("ipbus: scatter received fewer bytes than reserved reply slots")
	}
	off := 0
	for _, slot := range b.replySlots {
		n := copy(slot.dst, data[off:off+len(slot.dst)])
		off += n
	}
}

// markValid marks every handle attached to this buffer valid. Called
// only after validate() has confirmed the reply matches the send stream.
func (b *bufferPair) markValid() {
	for _, h := range b.handles {
		h.markValid()
	}
}

// markFailed records err on every handle attached to this buffer, so a
// user reading any of them after a failed validation sees why.
func (b *bufferPair) markFailed(err error) {
	for _, h := range b.handles {
		h.markFailed(err)
	}
}
