// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package environment provides utilities for extracting configuration from environment variables
package environment

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvNodeName = "NODE_NAME"
	EnvHostProc = "HOST_PROC"
	EnvHostSys  = "HOST_SYS"
)

// NodeName returns the node name from the NODE_NAME environment variable,
// falling back to the hostname if not set.
func NodeName() (string, error) {
	if name := os.Getenv(EnvNodeName); name != "" {
		return name, nil
	}
	return os.Hostname()
}

// HostPaths locates the host's pseudo filesystems. They differ from /proc and /sys when the
// agent runs in a container with the host's filesystems mounted elsewhere.
type HostPaths struct {
	Proc string
	Sys  string
}

// DefaultHostPaths returns the paths used on a bare host.
func DefaultHostPaths() HostPaths {
	return HostPaths{Proc: "/proc", Sys: "/sys"}
}

// HostPathsFromEnv returns the default paths overridden by HOST_PROC and HOST_SYS.
func HostPathsFromEnv() HostPaths {
	paths := DefaultHostPaths()
	if p := strings.TrimSpace(os.Getenv(EnvHostProc)); p != "" {
		paths.Proc = p
	}
	if p := strings.TrimSpace(os.Getenv(EnvHostSys)); p != "" {
		paths.Sys = p
	}
	return paths
}

// ProcFile joins elem under the proc root.
func (p HostPaths) ProcFile(elem ...string) string {
	return filepath.Join(append([]string{p.Proc}, elem...)...)
}

// SysFile joins elem under the sys root.
func (p HostPaths) SysFile(elem ...string) string {
	return filepath.Join(append([]string{p.Sys}, elem...)...)
}
