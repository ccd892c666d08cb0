// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package units_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/pkg/units"
)

func TestUnit_Names(t *testing.T) {
	tests := []struct {
		unit    units.Unit
		unique  string
		display string
	}{
		{units.Unity, "1", ""},
		{units.Second, "s", "s"},
		{units.Watt, "W", "W"},
		{units.Joule, "J", "J"},
		{units.Volt, "V", "V"},
		{units.Ampere, "A", "A"},
		{units.Hertz, "Hz", "Hz"},
		{units.DegreeCelsius, "Cel", "°C"},
		{units.DegreeFahrenheit, "[degF]", "°F"},
		{units.WattHour, "W.h", "Wh"},
		{units.Custom("By", "B"), "By", "B"},
		{units.Joule.WithPrefix(units.Milli), "milliJ", "mJ"},
		{units.Watt.WithPrefix(units.Kilo), "kiloW", "kW"},
		{units.Second.WithPrefix(units.Micro), "micros", "μs"},
	}

	for _, tt := range tests {
		t.Run(tt.unique, func(t *testing.T) {
			assert.Equal(t, tt.unique, tt.unit.UniqueName())
			assert.Equal(t, tt.display, tt.unit.DisplayName())
			assert.Equal(t, tt.display, tt.unit.String())
		})
	}
}

func TestUnit_ZeroValueIsUnity(t *testing.T) {
	var u units.Unit
	assert.Equal(t, units.Unity, u)
	assert.Equal(t, units.KindUnity, u.Kind())
}

func TestUnit_Comparable(t *testing.T) {
	assert.Equal(t, units.Custom("By", "B"), units.Custom("By", "B"))
	assert.NotEqual(t, units.Custom("By", "B"), units.Custom("By", "byte"))
	assert.NotEqual(t, units.Joule, units.Joule.WithPrefix(units.Milli))
	assert.Equal(t, units.Joule, units.Joule.WithPrefix(units.Milli).Base())
}

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  units.Unit
	}{
		{"1", units.Unity},
		{"W.h", units.WattHour},
		{"Cel", units.DegreeCelsius},
		{"[degF]", units.DegreeFahrenheit},
		{"milliJ", units.Joule.WithPrefix(units.Milli)},
		{"mJ", units.Joule.WithPrefix(units.Milli)},
		{"MW", units.Watt.WithPrefix(units.Mega)},
		{"nanos", units.Second.WithPrefix(units.Nano)},
		{"GHz", units.Hertz.WithPrefix(units.Giga)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := units.Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "m", "bogus", "milli"} {
		_, err := units.Parse(bad)
		assert.ErrorIs(t, err, units.ErrUnknownUnit, "input %q", bad)
	}
}

func TestParse_RoundTripsUniqueNames(t *testing.T) {
	all := []units.Unit{
		units.Unity, units.Second, units.Watt, units.Joule, units.Volt, units.Ampere,
		units.Hertz, units.DegreeCelsius, units.DegreeFahrenheit, units.WattHour,
	}
	for _, u := range all {
		for _, p := range []units.Prefix{units.Plain, units.Milli, units.Kilo} {
			if u == units.Unity && p != units.Plain {
				continue
			}
			want := u.WithPrefix(p)
			got, err := units.Parse(want.UniqueName())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	}
}

func TestUnit_TextMarshaling(t *testing.T) {
	text, err := units.WattHour.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "W.h", string(text))

	var u units.Unit
	require.NoError(t, u.UnmarshalText([]byte("kiloW.h")))
	assert.Equal(t, units.WattHour.WithPrefix(units.Kilo), u)

	require.NoError(t, u.UnmarshalText([]byte("By")))
	assert.Equal(t, units.Custom("By", "By"), u)
}
