// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidName is returned for element names that are empty or contain a slash.
var ErrInvalidName = errors.New("invalid element name")

// Kind is the kind of a pipeline element.
type Kind string

const (
	KindSource    Kind = "source"
	KindTransform Kind = "transform"
	KindOutput    Kind = "output"
)

// Name identifies an element of the pipeline as kind/plugin/element.
type Name struct {
	Kind    Kind
	Plugin  string
	Element string
}

func (n Name) String() string {
	return string(n.Kind) + "/" + n.Plugin + "/" + n.Element
}

// ParseName parses the output of Name.String.
func ParseName(s string) (Name, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Name{}, fmt.Errorf("%w: %q, expected kind/plugin/element", ErrInvalidName, s)
	}
	kind := Kind(parts[0])
	switch kind {
	case KindSource, KindTransform, KindOutput:
	default:
		return Name{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidName, parts[0])
	}
	n := Name{Kind: kind, Plugin: parts[1], Element: parts[2]}
	if err := validatePart(n.Plugin); err != nil {
		return Name{}, err
	}
	if err := validatePart(n.Element); err != nil {
		return Name{}, err
	}
	return n, nil
}

func validatePart(s string) error {
	if s == "" || strings.Contains(s, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return nil
}

// Pattern selects elements by name. It is a glob over kind/plugin/element where `*` matches
// within one part and `**` across parts, e.g. "source/rapl/*" or "**/procfs/**".
type Pattern struct {
	glob string
}

// ParsePattern validates a pattern. A pattern with no slash is a shortcut for every element
// of a plugin: "rapl" is "*/rapl/*".
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrInvalidName)
	}
	if !strings.Contains(s, "/") {
		s = "*/" + s + "/*"
	}
	if !doublestar.ValidatePattern(s) {
		return Pattern{}, fmt.Errorf("%w: bad pattern %q", ErrInvalidName, s)
	}
	return Pattern{glob: s}, nil
}

// MustPattern is like ParsePattern but panics on error.
func MustPattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether the pattern selects n.
func (p Pattern) Matches(n Name) bool {
	ok, _ := doublestar.Match(p.glob, n.String())
	return ok
}

func (p Pattern) String() string { return p.glob }

// namer gives unique element names within a pipeline. A name used twice gets a numeric
// suffix: "cpu", "cpu-2", "cpu-3".
type namer struct {
	used map[Name]bool
}

func (nm *namer) assign(kind Kind, plugin, element string) (Name, error) {
	if err := validatePart(plugin); err != nil {
		return Name{}, err
	}
	if element == "" {
		element = string(kind)
	}
	if err := validatePart(element); err != nil {
		return Name{}, err
	}
	if nm.used == nil {
		nm.used = make(map[Name]bool)
	}
	n := Name{Kind: kind, Plugin: plugin, Element: element}
	for i := 2; nm.used[n]; i++ {
		n.Element = fmt.Sprintf("%s-%d", element, i)
	}
	nm.used[n] = true
	return n, nil
}
