// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import "encoding/binary"

// hubRecord is the per-buffer bookkeeping a control-hub preamble needs
// between preamble() (when the fields are reserved) and predispatch()/
// validate() (when they are patched or checked). spec.md §5 describes
// this as a deque owned by the preamble layer, one record pushed per
// buffer and popped in FIFO order; attaching the record directly to the
// bufferPair it belongs to gives the same per-buffer correlation without
// a separate shared structure to synchronize, since a bufferPair is
// never owned by two goroutines at once (see DESIGN.md).
type hubRecord struct {
	byteCountOff int
	wordCountOff int
	totalBytes   []byte
	chunkBytes   []byte
	targetIP     []byte
	targetPort   []byte
	errorCode    []byte
}

// hubPreamble wraps an inner preamble provider with the control-hub
// routing preamble of spec.md §4.5: 12 send bytes identifying the
// downstream target, 16 reply bytes confirming the gateway routed to it.
type hubPreamble struct {
	targetIP   [4]byte
	targetPort [2]byte
	inner      func(buf *bufferPair) error
}

func newHubPreamble(ip [4]byte, port [2]byte, inner func(buf *bufferPair) error) *hubPreamble {
	return &hubPreamble{targetIP: ip, targetPort: port, inner: inner}
}

// preamble reserves the send-side length fields (patched later by
// predispatch) and the reply-side confirmation fields, then recurses
// into the wrapped protocol's own preamble.
func (h *hubPreamble) preamble(buf *bufferPair) error {
	rec := &hubRecord{}
	rec.byteCountOff = buf.reserveSend(4)
	buf.appendSend(h.targetIP[:])
	buf.appendSend(h.targetPort[:])
	rec.wordCountOff = buf.reserveSend(2)

	rec.totalBytes = make([]byte, 4)
	buf.receive(rec.totalBytes)
	rec.chunkBytes = make([]byte, 4)
	buf.receive(rec.chunkBytes)
	rec.targetIP = make([]byte, 4)
	buf.receive(rec.targetIP)
	rec.targetPort = make([]byte, 2)
	buf.receive(rec.targetPort)
	rec.errorCode = make([]byte, 2)
	buf.receive(rec.errorCode)

	buf.hub = rec
	return h.inner(buf)
}

// predispatch patches the reserved length fields with the buffer's final
// send size, per spec.md §4.5: sendCounter-4 bytes, (sendCounter-12)/4 words.
func (h *hubPreamble) predispatch(buf *bufferPair) {
	rec := buf.hub
	sendCounter := len(buf.send)
	binary.BigEndian.PutUint32(buf.send[rec.byteCountOff:], uint32(sendCounter-4))
	binary.BigEndian.PutUint16(buf.send[rec.wordCountOff:], uint16((sendCounter-12)/4))
}

// validate checks the gateway's routing confirmation and returns how
// many leading send bytes and reply slots the preamble consumed, so the
// caller can continue validating the wrapped transactions from there.
func (h *hubPreamble) validate(buf *bufferPair) (sendConsumed, replySlotsConsumed int, err error) {
	rec := buf.hub
	if rec == nil {
		return 0, 0, newError(KindValidation, "control-hub buffer missing preamble record", nil)
	}
	code := binary.BigEndian.Uint16(rec.errorCode)
	if code != 0 {
		return 0, 0, newControlHubError(code, "control-hub gateway reported a routing error")
	}
	if !bytesEqual(rec.targetIP, h.targetIP[:]) || !bytesEqual(rec.targetPort, h.targetPort[:]) {
		return 0, 0, newControlHubError(0, "control-hub gateway reply targeted a different device than requested")
	}
	return 12, 5, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
