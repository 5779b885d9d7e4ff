// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// tcpPending is one buffer handed to dispatch in pipelined mode, waiting
// for its round trip to complete. sentAt anchors the deadline applied
// while waiting for its reply, the way the teacher's hw.go tracks
// per-in-flight-packet send times to compute the next timeout.
type tcpPending struct {
	buf      *bufferPair
	validate func(*bufferPair) error
	done     chan error
	sentAt   time.Time
}

// tcpTransport is the length-prefixed control-hub stream transport of
// spec.md §4.7: each buffer is framed by a 4-byte big-endian length
// prefix on send, and the reply starts with a 4-byte big-endian total
// length. TCP preserves ordering, so multiple buffers may be in flight
// at once and are matched to their replies strictly FIFO.
type tcpTransport struct {
	conn     net.Conn
	maxReply int

	pipelined bool

	mu      sync.Mutex
	cond    *sync.Cond
	timeout time.Duration
	toSend  fifo[*tcpPending]
	flying  fifo[*tcpPending]
	closed  bool
	err     error

	metrics *metrics
	log     *logrus.Entry
}

// NewTCPTransport dials a TCP control-hub gateway at addr.
func NewTCPTransport(addr string, maxReply int, timeout time.Duration, pipelined bool, m *metrics, log *logrus.Entry) (*tcpTransport, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, newErrorf(KindSocketCreation, err, "dialing control-hub gateway %q", addr)
	}
	t := &tcpTransport{
		conn:      conn,
		maxReply:  maxReply,
		pipelined: pipelined,
		timeout:   timeout,
		metrics:   m,
		log:       log,
	}
	t.cond = sync.NewCond(&t.mu)
	if pipelined {
		go t.writeLoop()
		go t.readLoop()
	}
	return t, nil
}

func (t *tcpTransport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
}

func (t *tcpTransport) Dispatch(buf *bufferPair, validate func(*bufferPair) error) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return newErrorf(KindSocketIO, t.err, "TCP transport is unusable after a prior error")
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
		err := newErrorf(KindSocketIO, t.err, "TCP transport is unusable after a prior error")
		t.mu.Unlock()
		return err
	}
	p := &tcpPending{buf: buf, validate: validate, done: make(chan error, 1)}
	t.toSend.pushBack(p)
	if t.metrics != nil {
		t.metrics.inFlight.Inc()
	}
	t.mu.Unlock()
	t.cond.Signal()
	return nil
}

func (t *tcpTransport) Flush() error {
	if !t.pipelined {
		t.mu.Lock()
		err := t.err
		t.err = nil
		t.mu.Unlock()
		return err
	}
	t.mu.Lock()
	for t.toSend.len() > 0 || t.flying.len() > 0 {
		t.cond.Wait()
	}
	err := t.err
	t.err = nil
	t.mu.Unlock()
	return err
}

func (t *tcpTransport) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

// writeLoop drains toSend in order, framing and writing each buffer,
// then hands it to flying for readLoop to match against its reply.
func (t *tcpTransport) writeLoop() {
	for {
		t.mu.Lock()
		for t.toSend.len() == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.closed && t.toSend.len() == 0 {
			t.mu.Unlock()
			return
		}
		// p leaves toSend only when it enters flying (or fails), so
		// Flush never sees both queues empty while it is being written.
		p := t.toSend.front()
		t.mu.Unlock()

		if err := t.writeFrame(p.buf.send); err != nil {
			p.done <- err
			t.mu.Lock()
			t.toSend.popFront()
			t.mu.Unlock()
			t.fail(err)
			continue
		}
		p.sentAt = time.Now()

		t.mu.Lock()
		t.toSend.popFront()
		t.flying.pushBack(p)
		t.mu.Unlock()
		t.cond.Broadcast()
	}
}

// readLoop reads framed replies in order, matching each against the
// oldest entry in flying (TCP preserves ordering, so no id lookup is
// needed), scatters it into that buffer, and validates.
func (t *tcpTransport) readLoop() {
	for {
		t.mu.Lock()
		for t.flying.len() == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.closed && t.flying.len() == 0 {
			t.mu.Unlock()
			return
		}
		p := t.flying.front()
		timeout := t.timeout
		t.mu.Unlock()

		deadline := p.sentAt.Add(timeout)
		data, err := t.readFrame(deadline)
		var verr error
		if err == nil {
			p.buf.scatter(data)
			verr = p.validate(p.buf)
		}

		// p leaves flying only after validation, so Flush waits for it.
		t.mu.Lock()
		t.flying.popFront()
		if t.metrics != nil {
			t.metrics.inFlight.Dec()
		}
		t.mu.Unlock()

		if err != nil {
			p.done <- err
			t.fail(err)
			t.cond.Broadcast()
			continue
		}
		p.done <- verr

		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	}
}

// roundTrip performs one synchronous write-frame/read-frame cycle, used
// directly by single-threaded Dispatch.
func (t *tcpTransport) roundTrip(buf *bufferPair, validate func(*bufferPair) error) error {
	t.mu.Lock()
	timeout := t.timeout
	t.mu.Unlock()

	if err := t.writeFrame(buf.send); err != nil {
		return err
	}
	data, err := t.readFrame(time.Now().Add(timeout))
	if err != nil {
		return err
	}
	buf.scatter(data)
	return validate(buf)
}

func (t *tcpTransport) writeFrame(send []byte) error {
	t.mu.Lock()
	timeout := t.timeout
	t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return newErrorf(KindSocketIO, err, "setting TCP write deadline")
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(send)))
	n, err := t.conn.Write(prefix)
	if err == nil {
		var n2 int
		n2, err = t.conn.Write(send)
		n += n2
	}
	if err != nil {
		return newErrorf(KindSocketIO, err, "writing TCP frame")
	}
	if t.metrics != nil {
		t.metrics.bytesSent.Add(float64(n))
	}
	return nil
}

func (t *tcpTransport) readFrame(deadline time.Time) ([]byte, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, newErrorf(KindSocketIO, err, "setting TCP read deadline")
	}
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(t.conn, prefix); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			if t.metrics != nil {
				t.metrics.timeouts.Inc()
			}
			return nil, newErrorf(KindTimeout, err, "no TCP reply length prefix within deadline")
		}
		return nil, newErrorf(KindSocketIO, err, "reading TCP frame length")
	}
	n := binary.BigEndian.Uint32(prefix)
	if int(n) > t.maxReply {
		return nil, newErrorf(KindValidation, nil, "TCP reply frame of %d bytes exceeds MaxReply=%d", n, t.maxReply)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(t.conn, data); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			if t.metrics != nil {
				t.metrics.timeouts.Inc()
			}
			return nil, newErrorf(KindTimeout, err, "no TCP reply body within deadline")
		}
		return nil, newErrorf(KindSocketIO, err, "reading TCP frame body")
	}
	if t.metrics != nil {
		t.metrics.bytesReceived.Add(float64(len(data)))
		t.metrics.packetsReceived.Inc()
	}
	return data, nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
	return t.conn.Close()
}
