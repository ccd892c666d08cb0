// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import "time"

// Ticker delivers the ticks that trigger source polls.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker with the given period.
type TickerFactory func(period time.Duration) Ticker

// NewTimeTicker is the TickerFactory backed by time.Ticker.
func NewTimeTicker(period time.Duration) Ticker {
	return timeTicker{time.NewTicker(period)}
}

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }

func (t timeTicker) Stop() { t.t.Stop() }
