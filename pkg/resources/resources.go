// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package resources identifies what a measurement describes (the Resource) and who it is
// attributed to (the Consumer).
//
// Both identities share the same variants and are plain comparable values: they can be used as
// map keys and compared with ==.
package resources

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidID is returned when the id of a well-known kind cannot be parsed.
var ErrInvalidID = errors.New("invalid identifier")

// Kind names of the well-known variants. Any other kind is a custom kind.
const (
	KindLocalMachine = "local_machine"
	KindProcess      = "process"
	KindControlGroup = "cgroup"
	KindCpuPackage   = "cpu_package"
	KindCpuCore      = "cpu_core"
	KindDram         = "dram"
	KindGpu          = "gpu"
)

// identity is the representation shared by Resource and Consumer.
// Numeric variants keep their id in num, the others in str. A custom identity keeps
// its id in str even when its kind is well-known, until it is normalized.
type identity struct {
	kind   string
	num    uint32
	str    string
	custom bool
}

func (i identity) isNumeric() bool {
	if i.custom {
		return false
	}
	switch i.kind {
	case KindProcess, KindCpuPackage, KindCpuCore, KindDram:
		return true
	}
	return false
}

func (i identity) id() string {
	switch {
	case i.custom:
		return i.str
	case i.kind == KindLocalMachine:
		return ""
	case i.isNumeric():
		return strconv.FormatUint(uint64(i.num), 10)
	default:
		return i.str
	}
}

func (i identity) String() string {
	if i.kind == KindLocalMachine && !i.custom {
		return i.kind
	}
	return i.kind + "/" + i.id()
}

func parseIdentity(kind, id string) (identity, error) {
	switch kind {
	case KindLocalMachine:
		if id != "" {
			return identity{}, fmt.Errorf("%w for kind %s: %q", ErrInvalidID, kind, id)
		}
		return identity{kind: kind}, nil
	case KindProcess, KindCpuPackage, KindCpuCore, KindDram:
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return identity{}, fmt.Errorf("%w for kind %s: %q", ErrInvalidID, kind, id)
		}
		return identity{kind: kind, num: uint32(n)}, nil
	case KindControlGroup, KindGpu:
		return identity{kind: kind, str: id}, nil
	default:
		return identity{kind: kind, str: id, custom: true}, nil
	}
}

// Resource is the physical or logical entity a measurement describes.
// The zero value is not valid, use the constructors.
type Resource struct{ identity }

// Consumer is the entity a measurement is attributed to. It may differ from the Resource,
// for instance the energy of a CPU package (resource) consumed by a process (consumer).
// The zero value is not valid, use the constructors.
type Consumer struct{ identity }

// Kind returns the kind of the resource, for instance "cpu_package".
func (r Resource) Kind() string { return r.kind }

// ID returns the identifier of the resource as a string. It is empty for LocalMachine.
func (r Resource) ID() string { return r.id() }

// AsConsumer returns the consumer with the same kind and id.
func (r Resource) AsConsumer() Consumer { return Consumer(r) }

// Kind returns the kind of the consumer, for instance "process".
func (c Consumer) Kind() string { return c.kind }

// ID returns the identifier of the consumer as a string. It is empty for LocalMachine.
func (c Consumer) ID() string { return c.id() }

// AsResource returns the resource with the same kind and id.
func (c Consumer) AsResource() Resource { return Resource(c) }

// LocalMachine is the whole machine the agent runs on.
func LocalMachine() Resource { return Resource{identity{kind: KindLocalMachine}} }

func Process(pid uint32) Resource { return Resource{identity{kind: KindProcess, num: pid}} }

func ControlGroup(path string) Resource { return Resource{identity{kind: KindControlGroup, str: path}} }

// CpuPackage is a physical CPU socket.
func CpuPackage(id uint32) Resource { return Resource{identity{kind: KindCpuPackage, num: id}} }

func CpuCore(id uint32) Resource { return Resource{identity{kind: KindCpuCore, num: id}} }

// Dram is the memory attached to the CPU package pkgID.
func Dram(pkgID uint32) Resource { return Resource{identity{kind: KindDram, num: pkgID}} }

// Gpu is identified by its PCI bus id.
func Gpu(busID string) Resource { return Resource{identity{kind: KindGpu, str: busID}} }

// CustomResource returns a resource of an arbitrary kind. Use ParseResource to map
// well-known kinds to their variant.
func CustomResource(kind, id string) Resource {
	return Resource{identity{kind: kind, str: id, custom: true}}
}

func LocalMachineConsumer() Consumer { return LocalMachine().AsConsumer() }

func ProcessConsumer(pid uint32) Consumer { return Process(pid).AsConsumer() }

func ControlGroupConsumer(path string) Consumer { return ControlGroup(path).AsConsumer() }

func CustomConsumer(kind, id string) Consumer { return CustomResource(kind, id).AsConsumer() }

// ParseResource builds a Resource from its kind and id strings.
// Well-known kinds are normalized to their variant; other kinds become custom resources.
func ParseResource(kind, id string) (Resource, error) {
	i, err := parseIdentity(kind, id)
	if err != nil {
		return Resource{}, fmt.Errorf("parse resource: %w", err)
	}
	return Resource{i}, nil
}

// ParseConsumer builds a Consumer from its kind and id strings, like ParseResource.
func ParseConsumer(kind, id string) (Consumer, error) {
	i, err := parseIdentity(kind, id)
	if err != nil {
		return Consumer{}, fmt.Errorf("parse consumer: %w", err)
	}
	return Consumer{i}, nil
}

// IsCustom reports whether the resource is a custom (not normalized) variant.
func (r Resource) IsCustom() bool { return r.custom }

// Normalize converts a custom resource whose kind is well-known into the matching variant.
func (r Resource) Normalize() (Resource, error) {
	if !r.custom {
		return r, nil
	}
	return ParseResource(r.kind, r.str)
}

// Normalize converts a custom consumer whose kind is well-known into the matching variant.
func (c Consumer) Normalize() (Consumer, error) {
	r, err := c.AsResource().Normalize()
	return r.AsConsumer(), err
}
