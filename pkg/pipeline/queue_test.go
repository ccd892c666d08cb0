// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/pkg/measurement"
)

func bufferOfLen(n int) *measurement.Buffer {
	b := measurement.NewBuffer(n)
	for i := 0; i < n; i++ {
		_ = b.Push(measurement.Point{})
	}
	return b
}

func TestFlushQueue_DropNewest(t *testing.T) {
	q := newFlushQueue(1, DropPolicyNewest)
	require.NoError(t, q.publish(bufferOfLen(1), nil))
	assert.ErrorIs(t, q.publish(bufferOfLen(2), nil), errQueueFull)

	assert.Equal(t, 1, (<-q.ch).Len())
	assert.Equal(t, uint64(1), q.published.Load())
	assert.Equal(t, uint64(1), q.dropped.Load())
}

func TestFlushQueue_DropOldest(t *testing.T) {
	q := newFlushQueue(1, DropPolicyOldest)
	require.NoError(t, q.publish(bufferOfLen(1), nil))
	require.NoError(t, q.publish(bufferOfLen(2), nil))

	assert.Equal(t, 2, (<-q.ch).Len())
	assert.Equal(t, uint64(2), q.published.Load())
	assert.Equal(t, uint64(1), q.dropped.Load())
}

func TestFlushQueue_Block(t *testing.T) {
	q := newFlushQueue(1, DropPolicyBlock)
	require.NoError(t, q.publish(bufferOfLen(1), nil))

	published := make(chan error, 1)
	go func() { published <- q.publish(bufferOfLen(2), nil) }()

	select {
	case <-published:
		t.Fatal("publish should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, 1, (<-q.ch).Len())
	require.NoError(t, <-published)
	assert.Equal(t, 2, (<-q.ch).Len())
	assert.Zero(t, q.dropped.Load())
}

func TestFlushQueue_BlockAborted(t *testing.T) {
	q := newFlushQueue(1, DropPolicyBlock)
	require.NoError(t, q.publish(bufferOfLen(1), nil))

	abort := make(chan struct{})
	close(abort)
	assert.ErrorIs(t, q.publish(bufferOfLen(1), abort), ErrEngineStopped)
	assert.Equal(t, uint64(1), q.dropped.Load())
	assert.Equal(t, 1, q.len())
}
