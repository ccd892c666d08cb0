// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package counter turns successive readings of monotonic hardware and kernel counters into
// differences.
package counter

import "math"

// Kind tells how a difference was obtained.
type Kind uint8

const (
	// FirstTime is returned by the first update: there is no previous value to compare with.
	FirstTime Kind = iota
	// Difference is a plain difference between the new and the previous value.
	Difference
	// Corrected is a difference corrected for one overflow of the counter. It is impossible
	// to tell whether the counter overflowed more than once.
	Corrected
)

func (k Kind) String() string {
	switch k {
	case FirstTime:
		return "first"
	case Difference:
		return "difference"
	case Corrected:
		return "corrected"
	default:
		return "unknown"
	}
}

// Update is the result of Diff.Update.
type Update struct {
	Kind  Kind
	Delta uint64
}

// Value returns the difference, and false for the first update.
func (u Update) Value() (uint64, bool) {
	return u.Delta, u.Kind != FirstTime
}

// Diff computes the difference between each successive value of a counter that wraps around
// after Max.
type Diff struct {
	Max uint64

	prev    uint64
	hasPrev bool
}

// New returns a Diff for a counter whose values never exceed max.
func New(max uint64) *Diff {
	return &Diff{Max: max}
}

// NewU32 returns a Diff for a 32-bit counter.
func NewU32() *Diff { return New(math.MaxUint32) }

// NewU64 returns a Diff for a 64-bit counter.
func NewU64() *Diff { return New(math.MaxUint64) }

// Update records v and returns its difference with the previously recorded value.
func (d *Diff) Update(v uint64) Update {
	prev, had := d.prev, d.hasPrev
	d.prev, d.hasPrev = v, true
	switch {
	case !had:
		return Update{Kind: FirstTime}
	case v < prev:
		// wrapping arithmetic: (Max - prev) + v
		return Update{Kind: Corrected, Delta: v - prev + d.Max}
	default:
		return Update{Kind: Difference, Delta: v - prev}
	}
}

// Reset forgets the previous value; the next update is a FirstTime again.
func (d *Diff) Reset() {
	d.prev, d.hasPrev = 0, false
}

// Set tracks one Diff per key, for counters that exist once per CPU, zone or device.
// It is not safe for concurrent use; sources are polled by a single goroutine.
type Set[K comparable] struct {
	max   uint64
	diffs map[K]*Diff
}

// NewSet returns an empty Set whose counters wrap around after max.
func NewSet[K comparable](max uint64) *Set[K] {
	return &Set[K]{max: max, diffs: make(map[K]*Diff)}
}

// Update records v for key.
func (s *Set[K]) Update(key K, v uint64) Update {
	d, ok := s.diffs[key]
	if !ok {
		d = New(s.max)
		s.diffs[key] = d
	}
	return d.Update(v)
}

// Len returns the number of tracked keys.
func (s *Set[K]) Len() int { return len(s.diffs) }

// Forget drops the state of key.
func (s *Set[K]) Forget(key K) { delete(s.diffs, key) }
