// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rapl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/alumet-dev/alumet/pkg/resources"
)

const zonePrefix = "intel-rapl:"

// Domain is a RAPL power domain.
type Domain string

const (
	DomainPackage  Domain = "package"
	DomainPP0      Domain = "pp0"
	DomainPP1      Domain = "pp1"
	DomainDram     Domain = "dram"
	DomainPlatform Domain = "platform"
)

// domainOf maps a powercap zone name to its domain.
func domainOf(name string) (Domain, bool) {
	switch {
	case name == "psys":
		return DomainPlatform, true
	case name == "core":
		return DomainPP0, true
	case name == "uncore":
		return DomainPP1, true
	case name == "dram":
		return DomainDram, true
	case strings.HasPrefix(name, "package-"):
		return DomainPackage, true
	default:
		return "", false
	}
}

// Resource returns the measured resource of a zone of the given socket.
func (d Domain) Resource(socket uint32) resources.Resource {
	switch d {
	case DomainDram:
		return resources.Dram(socket)
	case DomainPlatform:
		return resources.LocalMachine()
	default:
		// pp0 and pp1 cover every core of the package.
		return resources.CpuPackage(socket)
	}
}

// Zone is a powercap zone, for instance intel-rapl:0:1.
type Zone struct {
	Path   string
	Name   string
	Domain Domain
	Socket uint32
}

func (z Zone) energyPath() string { return filepath.Join(z.Path, "energy_uj") }
func (z Zone) maxEnergyPath() string { return filepath.Join(z.Path, "max_energy_range_uj") }

// DiscoverZones lists the zones under root, parents before their children.
func DiscoverZones(root string) ([]Zone, error) {
	var zones []Zone
	if err := walkZones(root, nil, &zones); err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("no RAPL power zone found in %s", root)
	}
	return zones, nil
}

func walkZones(dir string, parent *Zone, zones *[]Zone) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list power zones: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), zonePrefix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		z, err := readZone(path, parent)
		if err != nil {
			return err
		}
		*zones = append(*zones, z)
		if err := walkZones(path, &z, zones); err != nil {
			return err
		}
	}
	return nil
}

func readZone(path string, parent *Zone) (Zone, error) {
	data, err := os.ReadFile(filepath.Join(path, "name"))
	if err != nil {
		return Zone{}, fmt.Errorf("failed to read zone name: %w", err)
	}
	name := strings.TrimSpace(string(data))
	domain, ok := domainOf(name)
	if !ok {
		return Zone{}, fmt.Errorf("unknown RAPL powercap zone %q in %s", name, path)
	}

	z := Zone{Path: path, Name: name, Domain: domain}
	if id, found := strings.CutPrefix(name, "package-"); found {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return Zone{}, fmt.Errorf("failed to extract package id from %q: %w", name, err)
		}
		z.Socket = uint32(n)
	} else if parent != nil {
		z.Socket = parent.Socket
	}
	// psys has no socket and stays in socket 0
	return z, nil
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return v, nil
}

var errPermission = errors.New("the agent is not allowed to read the RAPL counters; run it as root or grant read access to energy_uj")
