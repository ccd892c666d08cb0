// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package environment

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CheckReadable reports an error when the agent is not allowed to read path.
func CheckReadable(path string) error {
	if err := unix.Access(path, unix.R_OK); err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	return nil
}
