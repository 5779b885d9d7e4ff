// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import (
	"encoding/binary"
	"math/bits"
	"sync"
)

// anyHandle is the interface bufferPair uses to keep every deferred
// handle's storage alive and to flip its validity flag, regardless of
// flavor (header, word, vector).
type anyHandle interface {
	markValid()
	markFailed(err error)
}

// state is the shared, interior-mutable core of every deferred handle.
// A bufferPair holds one reference to it (via the handle), the user
// holds another; state.valid transitions false->true exactly once,
// never back, satisfying spec.md §3's invariant.
type state struct {
	mu    sync.Mutex
	valid bool
	err   error
}

func (s *state) markValid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.valid = true
	}
}

func (s *state) markFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		s.err = err
	}
}

func (s *state) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if !s.valid {
		return newError(KindNonValidatedMemory, "handle read before dispatch validated its buffer", nil)
	}
	return nil
}

// Valid reports whether the handle's buffer has completed a successful
// dispatch+validate cycle. It never blocks.
func (s *state) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// Header is a deferred handle with no payload: the result of a write or
// write-block transaction. Its only observable
// state is whether the device accepted the transaction.
type Header struct {
	s *state
}

func newHeaderHandle() *Header { return &Header{s: &state{}} }

func (h *Header) markValid()         { h.s.markValid() }
func (h *Header) markFailed(e error) { h.s.markFailed(e) }

// Valid reports whether the owning buffer has validated successfully.
func (h *Header) Valid() bool { return h.s.Valid() }

// Err returns nil once the owning buffer has validated, the validation
// failure if it failed, and a NonValidatedMemory error before either.
func (h *Header) Err() error { return h.s.check() }

// Word is a deferred handle for a single reply word (read, rmw-bits,
// rmw-sum), optionally masked per spec.md §3/§8.
type Word struct {
	s     *state
	raw   []byte // 4 bytes, shared storage scattered into by the buffer
	mask  uint32
	shift uint
	order binary.ByteOrder
}

func newWordHandle(order binary.ByteOrder, mask *uint32) *Word {
	w := &Word{s: &state{}, raw: make([]byte, 4), mask: 0xffffffff, order: order}
	if mask != nil {
		w.mask = *mask
		if *mask != 0 {
			w.shift = uint(bits.TrailingZeros32(*mask))
		}
	}
	return w
}

func (w *Word) markValid()         { w.s.markValid() }
func (w *Word) markFailed(e error) { w.s.markFailed(e) }

// Valid reports whether the owning buffer has validated successfully.
func (w *Word) Valid() bool { return w.s.Valid() }

// Uint32 returns the reply word, masked and shifted per spec.md §8's
// `(raw & mask) >> lowest_set_bit(mask)` rule. It fails with
// NonValidatedMemory if read before the owning buffer validates.
func (w *Word) Uint32() (uint32, error) {
	if err := w.s.check(); err != nil {
		return 0, err
	}
	raw := w.order.Uint32(w.raw)
	return (raw & w.mask) >> w.shift, nil
}

// Int32 returns the reply word reinterpreted as signed, with the same
// masking rule as Uint32 applied before the reinterpretation.
func (w *Word) Int32() (int32, error) {
	v, err := w.Uint32()
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// Vector is a deferred handle for a block read or reserved-address-info
// reply: N payload words plus one reply header per chunk (spec.md §3,
// §4.4's block-splitting rule).
type Vector struct {
	s     *state
	raw   []byte // 4*n bytes, shared storage scattered into by the buffer(s)
	order binary.ByteOrder
}

func newVectorHandle(order binary.ByteOrder, n int) *Vector {
	return &Vector{s: &state{}, raw: make([]byte, 4*n), order: order}
}

func (v *Vector) markValid()         { v.s.markValid() }
func (v *Vector) markFailed(e error) { v.s.markFailed(e) }

// Valid reports whether the owning buffer(s) have validated successfully.
// For a block split across packets this is only true once every chunk's
// buffer has validated (spec.md §4.4: the handle is attached only to the
// final chunk's buffer, which every earlier chunk's buffer must precede).
func (v *Vector) Valid() bool { return v.s.Valid() }

// Len returns the number of words in the vector.
func (v *Vector) Len() int { return len(v.raw) / 4 }

// Uint32s returns the reply words in order. It fails with
// NonValidatedMemory if read before validation.
func (v *Vector) Uint32s() ([]uint32, error) {
	if err := v.s.check(); err != nil {
		return nil, err
	}
	out := make([]uint32, v.Len())
	for i := range out {
		out[i] = v.order.Uint32(v.raw[i*4:])
	}
	return out, nil
}

// Int32s returns the reply words reinterpreted as signed.
func (v *Vector) Int32s() ([]int32, error) {
	us, err := v.Uint32s()
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(us))
	for i, u := range us {
		out[i] = int32(u)
	}
	return out, nil
}

// At returns the i'th reply word, for iteration without allocating the
// whole slice.
func (v *Vector) At(i int) (uint32, error) {
	if err := v.s.check(); err != nil {
		return 0, err
	}
	if i < 0 || i >= v.Len() {
		panic("ipbus: Vector.At index out of range")
	}
	return v.order.Uint32(v.raw[i*4:]), nil
}
