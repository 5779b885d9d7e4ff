// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import (
	"encoding/binary"
	"net"
	"sync"
)

// deviceModel is a pure-Go, in-process stand-in for the IPbus dummy
// hardware the teacher drove through an external C++ process
// (ipbus/dummy.go's os/exec-spawned DummyHardwareUdp.exe). It implements
// just enough of the wire protocol to exercise the packing engine and
// transports against a real register space: byte-order probe,
// read/write (incremental and non-incrementing), rmw-bits, rmw-sum, and
// reserved-address info.
type deviceModel struct {
	mu   sync.Mutex
	regs map[uint32]uint32

	// badRespGood, when set, makes every reply header in every packet
	// handled while it stays set report this non-zero response-good
	// code, for scenario 4 of
	// spec.md §8.
	badRespGood uint8
	// silent, when set, makes the device never reply, for the timeout
	// scenario.
	silent bool

	packets int
}

func (d *deviceModel) packetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.packets
}

func newDeviceModel() *deviceModel {
	return &deviceModel{regs: make(map[uint32]uint32)}
}

func (d *deviceModel) read(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[addr]
}

func (d *deviceModel) write(addr, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[addr] = v
}

// handle decodes one packet's worth of transactions from req and builds
// the corresponding reply packet, applying each transaction to the
// register map in order. It does not know about the control-hub
// preamble; tests that exercise chtcp-2.0 wrap req/reply with a fake
// gateway (see hubGatewayModel below).
func (d *deviceModel) handle(req []byte) []byte {
	d.mu.Lock()
	d.packets++
	d.mu.Unlock()

	var reply []byte
	pos := 0
	for pos+4 <= len(req) {
		h := decodeHeader(req[pos : pos+4])
		pos += 4

		rh := h
		if d.badRespGood != 0 {
			rh.respGood = d.badRespGood
		}

		switch h.typ {
		case TypeByteOrder:
			reply = append(reply, encodeReplyHeader(rh)...)

		case TypeReservedAddrInfo:
			reply = append(reply, encodeReplyHeader(rh)...)
			reply = appendUint32LE(reply, 0xcafe0001) // chipset id
			reply = appendUint32LE(reply, 0x00020001) // firmware info

		case TypeRead, TypeReadNonInc:
			addr := binary.LittleEndian.Uint32(req[pos:])
			pos += 4
			n := int(h.words)
			reply = append(reply, encodeReplyHeader(rh)...)
			for i := 0; i < n; i++ {
				a := addr
				if h.typ == TypeRead {
					a = addr + uint32(i)
				}
				reply = appendUint32LE(reply, d.read(a))
			}

		case TypeWrite, TypeWriteNonInc:
			addr := binary.LittleEndian.Uint32(req[pos:])
			pos += 4
			n := int(h.words)
			for i := 0; i < n; i++ {
				w := binary.LittleEndian.Uint32(req[pos:])
				pos += 4
				a := addr
				if h.typ == TypeWrite {
					a = addr + uint32(i)
				}
				d.write(a, w)
			}
			reply = append(reply, encodeReplyHeader(rh)...)

		case TypeRMWBits:
			addr := binary.LittleEndian.Uint32(req[pos:])
			pos += 4
			and := binary.LittleEndian.Uint32(req[pos:])
			pos += 4
			or := binary.LittleEndian.Uint32(req[pos:])
			pos += 4
			d.mu.Lock()
			prev := d.regs[addr]
			d.regs[addr] = (prev & and) | or
			d.mu.Unlock()
			reply = append(reply, encodeReplyHeader(rh)...)
			reply = appendUint32LE(reply, prev)

		case TypeRMWSum:
			addr := binary.LittleEndian.Uint32(req[pos:])
			pos += 4
			addend := binary.LittleEndian.Uint32(req[pos:])
			pos += 4
			d.mu.Lock()
			prev := d.regs[addr]
			d.regs[addr] = prev + addend
			d.mu.Unlock()
			reply = append(reply, encodeReplyHeader(rh)...)
			reply = appendUint32LE(reply, prev)
		}
	}
	return reply
}

func encodeReplyHeader(h header) []byte {
	b := make([]byte, 4)
	encodeHeader(b, h)
	return b
}

func appendUint32LE(dst []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return append(dst, b...)
}

// serveUDP runs one deviceModel as a UDP echo/compute server until conn
// is closed, handling one datagram at a time (matching the real
// device's single-packet-in-flight behavior).
func (d *deviceModel) serveUDP(conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if d.silent {
			continue
		}
		reply := d.handle(buf[:n])
		conn.WriteToUDP(reply, raddr)
	}
}

// newUDPDeviceModel starts a deviceModel listening on loopback and
// returns its model (for assertions) and dial address.
func newUDPDeviceModel() (*deviceModel, string, func(), error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, "", nil, err
	}
	d := newDeviceModel()
	go d.serveUDP(conn)
	stop := func() { conn.Close() }
	return d, conn.LocalAddr().String(), stop, nil
}

// serveTCP runs one deviceModel as a length-prefixed TCP server,
// speaking the plain (non-control-hub) framing of spec.md §4.7: a
// 4-byte big-endian length prefix on both directions, one frame per
// packet.
func (d *deviceModel) serveTCP(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go d.serveTCPConn(conn)
	}
}

func (d *deviceModel) serveTCPConn(conn net.Conn) {
	defer conn.Close()
	for {
		prefix := make([]byte, 4)
		if _, err := readFull(conn, prefix); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(prefix)
		req := make([]byte, n)
		if _, err := readFull(conn, req); err != nil {
			return
		}
		if d.silent {
			continue
		}
		reply := d.handle(req)
		out := make([]byte, 4+len(reply))
		binary.BigEndian.PutUint32(out, uint32(len(reply)))
		copy(out[4:], reply)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newTCPDeviceModel() (*deviceModel, string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", nil, err
	}
	d := newDeviceModel()
	go d.serveTCP(ln)
	stop := func() { ln.Close() }
	return d, ln.Addr().String(), stop, nil
}

// hubGatewayModel wraps a deviceModel with the control-hub routing
// preamble of spec.md §4.5, so client tests can exercise chtcp-2.0
// end to end without a real control-hub binary. mismatchReply, when
// set, makes the gateway echo back a different target IP in its reply,
// for scenario 6 of spec.md §8.
type hubGatewayModel struct {
	inner         *deviceModel
	mismatchReply bool
}

func (g *hubGatewayModel) serveTCP(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go g.serveConn(conn)
	}
}

func (g *hubGatewayModel) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		prefix := make([]byte, 4)
		if _, err := readFull(conn, prefix); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(prefix)
		frame := make([]byte, n)
		if _, err := readFull(conn, frame); err != nil {
			return
		}
		if len(frame) < 12 {
			return
		}
		targetIP := append([]byte(nil), frame[4:8]...)
		targetPort := append([]byte(nil), frame[8:10]...)
		inner := frame[12:]

		reply := g.inner.handle(inner)

		respTargetIP := targetIP
		if g.mismatchReply {
			respTargetIP = []byte{10, 0, 0, 1}
		}

		out := make([]byte, 0, 16+len(reply))
		out = appendUint32BE(out, uint32(len(reply)+12))
		out = appendUint32BE(out, uint32(len(reply)))
		out = append(out, respTargetIP...)
		out = append(out, targetPort...)
		out = append(out, 0, 0) // error code

		framed := make([]byte, 4+len(out)+len(reply))
		binary.BigEndian.PutUint32(framed, uint32(len(out)+len(reply)))
		copy(framed[4:], out)
		copy(framed[4+len(out):], reply)

		if _, err := conn.Write(framed); err != nil {
			return
		}
	}
}

func appendUint32BE(dst []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return append(dst, b...)
}

func newHubGatewayModel(mismatch bool) (*hubGatewayModel, string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", nil, err
	}
	g := &hubGatewayModel{inner: newDeviceModel(), mismatchReply: mismatch}
	go g.serveTCP(ln)
	stop := func() { ln.Close() }
	return g, ln.Addr().String(), stop, nil
}
