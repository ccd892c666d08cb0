// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"errors"
	"sync/atomic"

	"github.com/alumet-dev/alumet/pkg/measurement"
)

var errQueueFull = errors.New("flush queue full")

// flushQueue carries flushed buffers from the source goroutines to the transform goroutine.
// Only the source goroutines publish, and the queue is closed once all of them have returned.
type flushQueue struct {
	policy DropPolicy
	ch     chan *measurement.Buffer

	published atomic.Uint64
	dropped   atomic.Uint64
}

func newFlushQueue(size int, policy DropPolicy) *flushQueue {
	return &flushQueue{
		policy: policy,
		ch:     make(chan *measurement.Buffer, size),
	}
}

// publish enqueues buf. With the block policy it waits for room until abort is closed.
func (q *flushQueue) publish(buf *measurement.Buffer, abort <-chan struct{}) error {
	select {
	case q.ch <- buf:
		q.published.Add(1)
		return nil
	default:
	}

	switch q.policy {
	case DropPolicyNewest:
		q.dropped.Add(1)
		return errQueueFull
	case DropPolicyOldest:
		// Make room by dropping the oldest buffer. The transform goroutine may take it first,
		// in which case nothing is dropped.
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
		select {
		case q.ch <- buf:
			q.published.Add(1)
			return nil
		default:
			q.dropped.Add(1)
			return errQueueFull
		}
	default:
		select {
		case q.ch <- buf:
			q.published.Add(1)
			return nil
		case <-abort:
			q.dropped.Add(1)
			return ErrEngineStopped
		}
	}
}

func (q *flushQueue) close() { close(q.ch) }

func (q *flushQueue) len() int { return len(q.ch) }
