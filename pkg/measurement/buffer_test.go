// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package measurement_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/resources"
	"github.com/alumet-dev/alumet/pkg/units"
)

func point(metric metrics.RawID, v measurement.Value) measurement.Point {
	return measurement.NewUntypedPoint(measurement.Now(), metric, resources.LocalMachine(),
		resources.LocalMachineConsumer(), v)
}

func TestAccumulator_PushOrder(t *testing.T) {
	const n = 50
	buf := measurement.NewBuffer(0)
	acc := measurement.NewAccumulator(buf)

	for i := 0; i < n; i++ {
		require.NoError(t, acc.Push(point(0, measurement.U64(uint64(i)))))
	}

	require.Equal(t, n, buf.Len())
	i := uint64(0)
	buf.ForEach(func(p measurement.Point) {
		v, ok := p.Value.Uint64()
		require.True(t, ok)
		assert.Equal(t, i, v)
		i++
	})
}

func TestCheckedBuffer_RejectsMismatchedType(t *testing.T) {
	r := metrics.NewRegistry()
	energy := r.Register("energy_joules", metrics.F64, units.Joule, "energy")

	buf := measurement.NewCheckedBuffer(4, r)
	acc := measurement.NewAccumulator(buf)

	err := acc.Push(point(energy, measurement.U64(10)))
	require.Error(t, err)
	assert.ErrorIs(t, err, measurement.ErrValueTypeMismatch)
	assert.Equal(t, 0, buf.Len())

	require.NoError(t, acc.Push(point(energy, measurement.F64(10))))
	assert.Equal(t, 1, buf.Len())

	err = buf.Push(point(energy+1, measurement.F64(1)))
	assert.ErrorIs(t, err, measurement.ErrUnknownMetric)

	err = buf.Push(point(energy, measurement.Value{}))
	assert.ErrorIs(t, err, measurement.ErrValueTypeMismatch)

	err = buf.Replace(0, point(energy, measurement.U64(3)))
	assert.ErrorIs(t, err, measurement.ErrValueTypeMismatch)
}

func TestBuffer_PushAfterPushDoesNotAliasCaller(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	buf := measurement.NewBuffer(0)

	var pushed []measurement.Point
	for i := 0; i < 200; i++ {
		p := point(metrics.RawID(rng.Intn(5)), measurement.U64(rng.Uint64())).
			WithAttr("i", measurement.U64Attr(uint64(i)))
		require.NoError(t, buf.Push(p))
		pushed = append(pushed, p)

		// the caller keeps playing with its copy after the push
		p.Value = measurement.F64(-1)
		p.Metric = 99
		_ = p.WithAttr("i", measurement.StringAttr("changed"))
		_ = p.WithoutAttr("i")
	}

	require.Equal(t, len(pushed), buf.Len())
	for i, want := range pushed {
		assert.Equal(t, want, buf.At(i))
	}
}

func TestBuffer_ForEachRejectsMutation(t *testing.T) {
	buf := measurement.NewBuffer(0)
	require.NoError(t, buf.Push(point(0, measurement.U64(1))))
	require.NoError(t, buf.Push(point(0, measurement.U64(2))))

	other := measurement.NewBuffer(0)
	var errs []error
	buf.ForEach(func(p measurement.Point) {
		errs = append(errs, buf.Push(p))
		errs = append(errs, buf.Replace(0, p))
		errs = append(errs, buf.Retain(func(measurement.Point) bool { return false }))
		errs = append(errs, buf.Merge(other))
	})

	require.Len(t, errs, 8)
	for _, err := range errs {
		assert.ErrorIs(t, err, measurement.ErrBufferIterating)
	}
	assert.Equal(t, 2, buf.Len())

	// traversal is restartable
	count := 0
	buf.ForEach(func(measurement.Point) { count++ })
	buf.ForEach(func(measurement.Point) { count++ })
	assert.Equal(t, 4, count)

	require.NoError(t, buf.Push(point(0, measurement.U64(3))))
}

func TestBuffer_Reserve(t *testing.T) {
	buf := measurement.NewBuffer(0)
	require.NoError(t, buf.Push(point(0, measurement.U64(1))))
	buf.Reserve(100)
	assert.Equal(t, 1, buf.Len())
	assert.Equal(t, measurement.U64(1), buf.At(0).Value)
	buf.Reserve(10)
	assert.Equal(t, 1, buf.Len())
}

func TestBuffer_RetainReplaceMergeClear(t *testing.T) {
	buf := measurement.NewBuffer(0)
	for i := 0; i < 6; i++ {
		require.NoError(t, buf.Push(point(0, measurement.U64(uint64(i)))))
	}

	require.NoError(t, buf.Retain(func(p measurement.Point) bool {
		v, _ := p.Value.Uint64()
		return v%2 == 0
	}))
	require.Equal(t, 3, buf.Len())
	assert.Equal(t, measurement.U64(0), buf.At(0).Value)
	assert.Equal(t, measurement.U64(2), buf.At(1).Value)
	assert.Equal(t, measurement.U64(4), buf.At(2).Value)

	require.NoError(t, buf.Replace(1, buf.At(1).WithValue(measurement.U64(20))))
	assert.Equal(t, measurement.U64(20), buf.At(1).Value)

	other := measurement.NewBuffer(0)
	require.NoError(t, other.Push(point(0, measurement.U64(100))))
	require.NoError(t, buf.Merge(other))
	assert.Equal(t, 4, buf.Len())
	assert.Equal(t, 0, other.Len())
	assert.Equal(t, measurement.U64(100), buf.At(3).Value)

	snapshot := buf.Points()
	buf.Clear()
	assert.True(t, buf.IsEmpty())
	assert.Len(t, snapshot, 4)
}

func TestCheckedBuffer_MergeChecksEveryPoint(t *testing.T) {
	r := metrics.NewRegistry()
	id := r.Register("power", metrics.F64, units.Watt, "")

	dst := measurement.NewCheckedBuffer(0, r)
	src := measurement.NewBuffer(0)
	require.NoError(t, src.Push(point(id, measurement.F64(1))))
	require.NoError(t, src.Push(point(id, measurement.U64(1))))

	err := dst.Merge(src)
	assert.ErrorIs(t, err, measurement.ErrValueTypeMismatch)
	assert.Equal(t, 0, dst.Len())
	assert.Equal(t, 2, src.Len())
}

func TestView_ConcurrentReaders(t *testing.T) {
	buf := measurement.NewBuffer(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, buf.Push(point(0, measurement.U64(uint64(i)))))
	}
	view := buf.View()

	var wg sync.WaitGroup
	sums := make([]uint64, 4)
	for w := range sums {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view.ForEach(func(p measurement.Point) {
				v, _ := p.Value.Uint64()
				sums[w] += v
			})
		}()
	}
	wg.Wait()

	for _, s := range sums {
		assert.Equal(t, uint64(4950), s)
	}
	assert.Equal(t, 100, view.Len())
	assert.False(t, view.IsEmpty())
	assert.Equal(t, measurement.U64(99), view.At(99).Value)
}
