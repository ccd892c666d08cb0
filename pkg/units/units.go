// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package units defines the measurement units attached to metrics.
//
// Unique names follow the Unified Code for Units of Measure (UCUM), see https://ucum.org/ucum.
package units

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownUnit is returned by Parse for names that are neither standard units nor prefixed ones.
var ErrUnknownUnit = errors.New("unknown or non standard unit")

// Kind identifies one of the standard units.
type Kind uint8

const (
	KindUnity Kind = iota
	KindSecond
	KindWatt
	KindJoule
	KindVolt
	KindAmpere
	KindHertz
	KindDegreeCelsius
	KindDegreeFahrenheit
	KindWattHour
	KindCustom
)

var kindNames = [...]struct{ unique, display string }{
	KindUnity:            {"1", ""},
	KindSecond:           {"s", "s"},
	KindWatt:             {"W", "W"},
	KindJoule:            {"J", "J"},
	KindVolt:             {"V", "V"},
	KindAmpere:           {"A", "A"},
	KindHertz:            {"Hz", "Hz"},
	KindDegreeCelsius:    {"Cel", "°C"},
	KindDegreeFahrenheit: {"[degF]", "°F"},
	KindWattHour:         {"W.h", "Wh"},
}

// Prefix is a decimal multiple applied to a unit.
type Prefix uint8

const (
	Plain Prefix = iota
	Nano
	Micro
	Milli
	Kilo
	Mega
	Giga
)

var prefixNames = [...]struct{ unique, display string }{
	Plain: {"", ""},
	Nano:  {"nano", "n"},
	Micro: {"micro", "μ"},
	Milli: {"milli", "m"},
	Kilo:  {"kilo", "k"},
	Mega:  {"mega", "M"},
	Giga:  {"giga", "G"},
}

// UniqueName returns the UCUM name of the prefix, e.g. "milli".
func (p Prefix) UniqueName() string { return prefixNames[p].unique }

// DisplayName returns the symbol of the prefix, e.g. "m".
func (p Prefix) DisplayName() string { return prefixNames[p].display }

// Unit is an immutable measurement unit. The zero value is Unity.
//
// Unit is comparable: two units are equal if they have the same kind, prefix and,
// for custom units, the same names.
type Unit struct {
	kind    Kind
	prefix  Prefix
	unique  string
	display string
}

var (
	Unity            = Unit{kind: KindUnity}
	Second           = Unit{kind: KindSecond}
	Watt             = Unit{kind: KindWatt}
	Joule            = Unit{kind: KindJoule}
	Volt             = Unit{kind: KindVolt}
	Ampere           = Unit{kind: KindAmpere}
	Hertz            = Unit{kind: KindHertz}
	DegreeCelsius    = Unit{kind: KindDegreeCelsius}
	DegreeFahrenheit = Unit{kind: KindDegreeFahrenheit}
	WattHour         = Unit{kind: KindWattHour}
)

var standard = []Unit{Unity, Second, Watt, Joule, Volt, Ampere, Hertz, DegreeCelsius, DegreeFahrenheit, WattHour}

// Custom returns a non standard unit.
func Custom(uniqueName, displayName string) Unit {
	return Unit{kind: KindCustom, unique: uniqueName, display: displayName}
}

// WithPrefix returns the unit scaled by p.
func (u Unit) WithPrefix(p Prefix) Unit {
	u.prefix = p
	return u
}

// Kind returns the kind of the unit.
func (u Unit) Kind() Kind { return u.kind }

// Prefix returns the prefix of the unit, Plain if none.
func (u Unit) Prefix() Prefix { return u.prefix }

// Base returns the unit without its prefix.
func (u Unit) Base() Unit {
	u.prefix = Plain
	return u
}

// UniqueName returns the UCUM case-sensitive name of the unit, e.g. "W.h" or "milliJ".
func (u Unit) UniqueName() string {
	return u.prefix.UniqueName() + u.baseUnique()
}

// DisplayName returns the name used when printing the unit, e.g. "Wh" or "mJ".
func (u Unit) DisplayName() string {
	return u.prefix.DisplayName() + u.baseDisplay()
}

func (u Unit) String() string { return u.DisplayName() }

func (u Unit) baseUnique() string {
	if u.kind == KindCustom {
		return u.unique
	}
	return kindNames[u.kind].unique
}

func (u Unit) baseDisplay() string {
	if u.kind == KindCustom {
		return u.display
	}
	return kindNames[u.kind].display
}

// prefixes are ordered from the longest to the shortest so that "milli" wins over "m".
var parsePrefixes = []struct {
	text   string
	prefix Prefix
}{
	{"giga", Giga}, {"mega", Mega}, {"kilo", Kilo}, {"milli", Milli}, {"micro", Micro}, {"nano", Nano},
	{"G", Giga}, {"M", Mega}, {"k", Kilo}, {"m", Milli}, {"μ", Micro}, {"n", Nano},
}

// Parse returns the standard unit whose unique name is s, optionally preceded by a prefix
// given either by its unique name ("milliJ") or its symbol ("mJ").
func Parse(s string) (Unit, error) {
	if u, ok := parseStandard(s); ok {
		return u, nil
	}
	for _, p := range parsePrefixes {
		rest, found := strings.CutPrefix(s, p.text)
		if !found {
			continue
		}
		if u, ok := parseStandard(rest); ok {
			return u.WithPrefix(p.prefix), nil
		}
	}
	return Unit{}, fmt.Errorf("%w: %q", ErrUnknownUnit, s)
}

func parseStandard(s string) (Unit, bool) {
	for _, u := range standard {
		if u.baseUnique() == s {
			return u, true
		}
	}
	return Unit{}, false
}

// MarshalText implements encoding.TextMarshaler using the unique name.
func (u Unit) MarshalText() ([]byte, error) {
	return []byte(u.UniqueName()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names become custom units
// whose display name equals their unique name.
func (u *Unit) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		*u = Custom(string(text), string(text))
		return nil
	}
	*u = parsed
	return nil
}
