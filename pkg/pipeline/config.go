// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"fmt"
	"time"
)

// Config configures the pipeline engine
type Config struct {
	// QueueSize is the number of flushed buffers that can wait for the transforms
	QueueSize int

	// OutputQueueSize is the number of transformed buffers that can wait for each output
	OutputQueueSize int

	// DropPolicy determines what to do when the flush queue is full
	DropPolicy DropPolicy

	// ErrorLogInterval limits how often the repeated errors of one element are logged.
	// Zero logs every error.
	ErrorLogInterval time.Duration
}

// DropPolicy determines behavior when the flush queue is full
type DropPolicy string

const (
	DropPolicyBlock  DropPolicy = "block"  // Block the source until space is available (default)
	DropPolicyOldest DropPolicy = "oldest" // Drop the oldest flushed buffer
	DropPolicyNewest DropPolicy = "newest" // Drop the buffer being flushed
)

// DefaultConfig returns the configuration used by the agent when nothing is set.
func DefaultConfig() Config {
	return Config{
		QueueSize:        64,
		OutputQueueSize:  16,
		DropPolicy:       DropPolicyBlock,
		ErrorLogInterval: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.OutputQueueSize <= 0 {
		return fmt.Errorf("output queue size must be positive, got %d", c.OutputQueueSize)
	}
	switch c.DropPolicy {
	case DropPolicyBlock, DropPolicyOldest, DropPolicyNewest:
	default:
		return fmt.Errorf("unknown drop policy %q", c.DropPolicy)
	}
	if c.ErrorLogInterval < 0 {
		return fmt.Errorf("error log interval must not be negative, got %s", c.ErrorLogInterval)
	}
	return nil
}
