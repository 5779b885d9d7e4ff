// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// udpPending is one buffer handed to dispatch in pipelined mode, waiting
// for its round trip to complete.
type udpPending struct {
	buf      *bufferPair
	validate func(*bufferPair) error
	done     chan error
}

// udpTransport is the UDP datagram transport of spec.md §4.6: single
// packet send + receive with a deadline timer, optionally pipelined
// through a background worker. Only one buffer is ever in flight, since
// UDP gives no ordering guarantee across datagrams (spec.md §5: "UDP,
// enforced by the one-in-flight policy").
type udpTransport struct {
	conn     *net.UDPConn
	maxReply int

	pipelined bool

	mu      sync.Mutex
	cond    *sync.Cond
	timeout time.Duration
	queue   fifo[*udpPending]
	closed  bool
	err     error

	metrics *metrics
	log     *logrus.Entry
}

// NewUDPTransport dials a UDP socket to addr and returns a transport
// ready for use by the packing engine. pipelined selects whether
// Dispatch blocks inline (spec.md §4.6 "single-threaded mode") or hands
// the buffer to a background worker (§4.6 "pipelined mode").
func NewUDPTransport(addr string, maxReply int, timeout time.Duration, pipelined bool, m *metrics, log *logrus.Entry) (*udpTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, newErrorf(KindSocketCreation, err, "resolving UDP address %q", addr)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, newErrorf(KindSocketCreation, err, "dialing UDP address %q", addr)
	}
	t := &udpTransport{
		conn:      conn,
		maxReply:  maxReply,
		pipelined: pipelined,
		timeout:   timeout,
		metrics:   m,
		log:       log,
	}
	t.cond = sync.NewCond(&t.mu)
	if pipelined {
		go t.run()
	}
	return t, nil
}

func (t *udpTransport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
}

func (t *udpTransport) Dispatch(buf *bufferPair, validate func(*bufferPair) error) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return newErrorf(KindSocketIO, t.err, "UDP transport is unusable after a prior error")
	}

	if !t.pipelined {
		err := t.roundTrip(buf, validate)
		if err != nil {
			t.mu.Lock()
			t.err = err
			t.closed = true
			t.mu.Unlock()
		}
		return err
	}
	t.mu.Lock()
	if t.closed {
		err := newErrorf(KindSocketIO, t.err, "UDP transport is unusable after a prior error")
		t.mu.Unlock()
		return err
	}
	p := &udpPending{buf: buf, validate: validate, done: make(chan error, 1)}
	t.queue.pushBack(p)
	if t.metrics != nil {
		t.metrics.inFlight.Inc()
	}
	t.mu.Unlock()
	t.cond.Signal()
	return nil
}

// run is the background worker of pipelined mode: it drains the
// dispatch queue one buffer at a time (UDP's one-in-flight policy) and
// wakes Flush waiters whenever the queue empties.
func (t *udpTransport) run() {
	for {
		t.mu.Lock()
		for t.queue.len() == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.closed && t.queue.len() == 0 {
			t.mu.Unlock()
			return
		}
		// p stays at the front of the queue until its round trip is done,
		// so Flush keeps waiting while it is in flight.
		p := t.queue.front()
		t.mu.Unlock()

		err := t.roundTrip(p.buf, p.validate)

		t.mu.Lock()
		t.queue.popFront()
		if t.metrics != nil {
			t.metrics.inFlight.Dec()
		}
		if err != nil {
			t.err = err
			t.closed = true
		}
		t.cond.Broadcast()
		t.mu.Unlock()
		p.done <- err
	}
}

func (t *udpTransport) Flush() error {
	if !t.pipelined {
		t.mu.Lock()
		err := t.err
		t.err = nil
		t.mu.Unlock()
		return err
	}
	t.mu.Lock()
	for t.queue.len() > 0 {
		t.cond.Wait()
	}
	err := t.err
	t.err = nil
	t.mu.Unlock()
	return err
}

// roundTrip sends buf and blocks for its reply or the configured
// deadline, whichever comes first; it is used directly by
// single-threaded Dispatch and by the pipelined worker.
func (t *udpTransport) roundTrip(buf *bufferPair, validate func(*bufferPair) error) error {
	t.mu.Lock()
	timeout := t.timeout
	t.mu.Unlock()

	deadline := time.Now().Add(timeout)
	if err := t.conn.SetDeadline(deadline); err != nil {
		return newErrorf(KindSocketIO, err, "setting UDP deadline")
	}
	n, err := t.conn.Write(buf.send)
	if err != nil {
		return newErrorf(KindSocketIO, err, "writing UDP datagram")
	}
	if t.metrics != nil {
		t.metrics.bytesSent.Add(float64(n))
	}

	scratch := make([]byte, t.maxReply)
	n, err = t.conn.Read(scratch)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			if t.metrics != nil {
				t.metrics.timeouts.Inc()
			}
			return newErrorf(KindTimeout, err, "no UDP reply within %s", timeout)
		}
		return newErrorf(KindSocketIO, err, "reading UDP datagram")
	}
	if t.metrics != nil {
		t.metrics.bytesReceived.Add(float64(n))
		t.metrics.packetsReceived.Inc()
	}

	buf.scatter(scratch[:n])
	return validate(buf)
}

func (t *udpTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
	return t.conn.Close()
}
