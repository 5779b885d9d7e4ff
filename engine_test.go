// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import (
	"errors"
	"testing"
	"time"
)

func newTestUDPEngine(t *testing.T, maxSend, maxReply int, pipelined bool) (*engine, *deviceModel, func()) {
	t.Helper()
	dev, addr, stop, err := newUDPDeviceModel()
	if err != nil {
		t.Fatalf("newUDPDeviceModel: %v", err)
	}
	transport, err := NewUDPTransport(addr, maxReply, 2*time.Second, pipelined, nil, newLogger(nil, "test"))
	if err != nil {
		stop()
		t.Fatalf("NewUDPTransport: %v", err)
	}
	eng := newEngine(maxSend, maxReply, transport, nil, nil, newLogger(nil, "test"))
	cleanup := func() {
		transport.Close()
		stop()
	}
	return eng, dev, cleanup
}

func TestEngineSingleWriteRead(t *testing.T) {
	eng, _, cleanup := newTestUDPEngine(t, 4096, 4096, false)
	defer cleanup()

	hdr, err := eng.Write(0x100, 0xDEADBEEF, Incremental)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	word, err := eng.Read(0x100, Incremental, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := eng.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !hdr.Valid() {
		t.Fatal("write header not valid after dispatch")
	}
	got, err := word.Uint32()
	if err != nil {
		t.Fatalf("Uint32: %v", err)
	}
	if got != 0xDEADBEEF {
		t.Fatalf("read back %#x, want %#x", got, 0xDEADBEEF)
	}
}

func TestEngineBlockWriteReadSplitsAcrossPackets(t *testing.T) {
	eng, dev, cleanup := newTestUDPEngine(t, 64, 64, false)
	defer cleanup()

	words := make([]uint32, 32)
	for i := range words {
		words[i] = uint32(0x1000 + i)
	}

	if _, err := eng.WriteBlock(0x200, words, Incremental); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := eng.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n := dev.packetCount(); n < 2 {
		t.Fatalf("device saw %d packets, want at least 2 for a 32-word block at MaxSend=64", n)
	}

	v, err := eng.ReadBlock(0x200, 32, Incremental)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if err := eng.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, err := v.Uint32s()
	if err != nil {
		t.Fatalf("Uint32s: %v", err)
	}
	for i, w := range words {
		if got[i] != w {
			t.Fatalf("word %d = %#x, want %#x", i, got[i], w)
		}
	}
}

func TestEngineNonIncrementingBlockRepeatsAddress(t *testing.T) {
	eng, dev, cleanup := newTestUDPEngine(t, 4096, 4096, false)
	defer cleanup()

	words := []uint32{1, 2, 3, 4}
	if _, err := eng.WriteBlock(0x300, words, NonIncrementing); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := eng.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := dev.read(0x300); got != 4 {
		t.Fatalf("device register 0x300 = %d, want 4 (last non-incrementing write wins)", got)
	}
}

func TestEngineRMWBits(t *testing.T) {
	eng, dev, cleanup := newTestUDPEngine(t, 4096, 4096, false)
	defer cleanup()

	dev.write(0x10, 0xFF00)
	y, err := eng.RMWBits(0x10, 0x0FF0, 0x00AA)
	if err != nil {
		t.Fatalf("RMWBits: %v", err)
	}
	if err := eng.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, err := y.Uint32()
	if err != nil {
		t.Fatalf("Uint32: %v", err)
	}
	if got != 0xF0AA {
		t.Fatalf("rmw_bits result = %#x, want %#x", got, 0xF0AA)
	}

	w, err := eng.Read(0x10, Incremental, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := eng.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got2, _ := w.Uint32()
	if got2 != 0xF0AA {
		t.Fatalf("subsequent read = %#x, want %#x", got2, 0xF0AA)
	}
}

func TestEngineMaskedRead(t *testing.T) {
	eng, dev, cleanup := newTestUDPEngine(t, 4096, 4096, false)
	defer cleanup()

	dev.write(0x20, 0xDEADBEEF)
	mask := uint32(0x0000FF00)
	w, err := eng.Read(0x20, Incremental, &mask)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := eng.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := w.Uint32()
	want := (uint32(0xDEADBEEF) & mask) >> 8
	if got != want {
		t.Fatalf("masked read = %#x, want %#x", got, want)
	}
}

func TestEngineResponseGoodNonZeroFailsValidation(t *testing.T) {
	eng, dev, cleanup := newTestUDPEngine(t, 4096, 4096, false)
	defer cleanup()

	dev.badRespGood = 1
	hdr, err := eng.Write(0x40, 1, Incremental)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	err = eng.Dispatch()
	if err == nil {
		t.Fatal("expected ValidationError from response-good != 0")
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if hdr.Valid() {
		t.Fatal("header handle became valid despite failed validation")
	}
}

func TestEngineTimeoutThenSubsequentDispatchFails(t *testing.T) {
	dev, addr, stop, err := newUDPDeviceModel()
	if err != nil {
		t.Fatalf("newUDPDeviceModel: %v", err)
	}
	defer stop()
	dev.silent = true

	transport, err := NewUDPTransport(addr, 4096, 50*time.Millisecond, false, nil, newLogger(nil, "test"))
	if err != nil {
		t.Fatalf("NewUDPTransport: %v", err)
	}
	defer transport.Close()
	eng := newEngine(4096, 4096, transport, nil, nil, newLogger(nil, "test"))

	if _, err := eng.Write(0x50, 1, Incremental); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err = eng.Dispatch()
	if err == nil || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}

	if _, err := eng.Write(0x51, 1, Incremental); err != nil {
		t.Fatalf("Write (second): %v", err)
	}
	err = eng.Dispatch()
	if err == nil || !errors.Is(err, ErrSocketIO) {
		t.Fatalf("expected SocketIoError on transport reused after timeout, got %v", err)
	}
}
