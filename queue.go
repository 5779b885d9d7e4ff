// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import "github.com/gammazero/deque"

// fifo is a small type-safe wrapper around gammazero/deque's ring-buffer
// deque, used by the pipelined transports for the dispatch and in-flight
// reply queues of spec.md §4.6/§4.7/§5. It replaces the teacher's
// fixed-capacity idlog/tracker ring buffers (ipbus/hw_stuff.go) with a
// deque that grows as needed instead of rejecting pushes past a
// preallocated size.
type fifo[T any] struct {
	d deque.Deque[T]
}

func (f *fifo[T]) pushBack(v T) { f.d.PushBack(v) }

func (f *fifo[T]) popFront() T {
	return f.d.PopFront()
}

func (f *fifo[T]) front() T {
	return f.d.Front()
}

func (f *fifo[T]) len() int { return f.d.Len() }
