// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package measurement

import (
	"math"
	"strconv"
	"time"

	"github.com/alumet-dev/alumet/pkg/metrics"
)

// Timestamp is a point in time, as seconds and nanoseconds since the Unix epoch.
type Timestamp struct {
	Seconds int64
	Nanos   uint32
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromTime converts t to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: uint32(t.Nanosecond())}
}

// FromUnixNano converts nanoseconds since the epoch to a Timestamp.
func FromUnixNano(ns int64) Timestamp {
	return FromTime(time.Unix(0, ns))
}

// Time returns the timestamp as a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// UnixNano returns the number of nanoseconds since the epoch.
func (t Timestamp) UnixNano() int64 {
	return t.Seconds*int64(time.Second) + int64(t.Nanos)
}

// Before reports whether t is before u.
func (t Timestamp) Before(u Timestamp) bool {
	return t.UnixNano() < u.UnixNano()
}

// Sub returns the duration t-u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(t.UnixNano() - u.UnixNano())
}

// Truncate rounds t down to a multiple of d since the epoch.
func (t Timestamp) Truncate(d time.Duration) Timestamp {
	if d <= 0 {
		return t
	}
	ns := t.UnixNano()
	return FromUnixNano(ns - ns%int64(d))
}

func (t Timestamp) String() string {
	return t.Time().Format(time.RFC3339Nano)
}

// Value is a measured value: either a float64 or an uint64.
// The zero Value has no type and is rejected by checked buffers.
type Value struct {
	typ  metrics.ValueType
	bits uint64
}

// F64 returns a float value.
func F64(v float64) Value { return Value{typ: metrics.F64, bits: math.Float64bits(v)} }

// U64 returns an unsigned integer value.
func U64(v uint64) Value { return Value{typ: metrics.U64, bits: v} }

// ValueOf wraps a typed number.
func ValueOf[T metrics.Numeric](v T) Value {
	switch x := any(v).(type) {
	case float64:
		return F64(x)
	case uint64:
		return U64(x)
	}
	panic("unreachable")
}

// Type returns the type of the value.
func (v Value) Type() metrics.ValueType { return v.typ }

// Float64 returns the value if it is a float.
func (v Value) Float64() (float64, bool) {
	if v.typ != metrics.F64 {
		return 0, false
	}
	return math.Float64frombits(v.bits), true
}

// Uint64 returns the value if it is an unsigned integer.
func (v Value) Uint64() (uint64, bool) {
	if v.typ != metrics.U64 {
		return 0, false
	}
	return v.bits, true
}

// AsFloat64 converts the value to a float64, whatever its type.
func (v Value) AsFloat64() float64 {
	if v.typ == metrics.F64 {
		return math.Float64frombits(v.bits)
	}
	return float64(v.bits)
}

func (v Value) String() string {
	switch v.typ {
	case metrics.F64:
		return strconv.FormatFloat(math.Float64frombits(v.bits), 'g', -1, 64)
	case metrics.U64:
		return strconv.FormatUint(v.bits, 10)
	default:
		return "<none>"
	}
}

// AttributeKind is the type of an attribute value.
type AttributeKind uint8

const (
	AttrU64 AttributeKind = iota + 1
	AttrF64
	AttrBool
	AttrString
)

// AttributeValue is the value of an attribute attached to a point.
type AttributeValue struct {
	kind AttributeKind
	bits uint64
	str  string
}

func U64Attr(v uint64) AttributeValue { return AttributeValue{kind: AttrU64, bits: v} }
func F64Attr(v float64) AttributeValue { return AttributeValue{kind: AttrF64, bits: math.Float64bits(v)} }
func StringAttr(v string) AttributeValue { return AttributeValue{kind: AttrString, str: v} }

func BoolAttr(v bool) AttributeValue {
	a := AttributeValue{kind: AttrBool}
	if v {
		a.bits = 1
	}
	return a
}

// Kind returns the type of the attribute value.
func (a AttributeValue) Kind() AttributeKind { return a.kind }

func (a AttributeValue) Uint64() (uint64, bool) { return a.bits, a.kind == AttrU64 }

func (a AttributeValue) Float64() (float64, bool) {
	return math.Float64frombits(a.bits), a.kind == AttrF64
}

func (a AttributeValue) Bool() (bool, bool) { return a.bits == 1, a.kind == AttrBool }

func (a AttributeValue) Str() (string, bool) { return a.str, a.kind == AttrString }

// Any returns the attribute value as a Go value, nil for the zero AttributeValue.
func (a AttributeValue) Any() any {
	switch a.kind {
	case AttrU64:
		return a.bits
	case AttrF64:
		return math.Float64frombits(a.bits)
	case AttrBool:
		return a.bits == 1
	case AttrString:
		return a.str
	default:
		return nil
	}
}

func (a AttributeValue) String() string {
	switch a.kind {
	case AttrU64:
		return strconv.FormatUint(a.bits, 10)
	case AttrF64:
		return strconv.FormatFloat(math.Float64frombits(a.bits), 'g', -1, 64)
	case AttrBool:
		return strconv.FormatBool(a.bits == 1)
	default:
		return a.str
	}
}

// Attribute is a key-value pair attached to a point.
type Attribute struct {
	Key   string
	Value AttributeValue
}
