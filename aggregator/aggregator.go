//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package aggregator combines the statistics of many polls into
// aggregation periods. On period boundaries, the aggregator passes
// the finalized record to a RecordQueuer (e.g. a serde or graphite
// sink). The aggregator only aggregates the data, it does not concern
// itself with the periodic polling, that is the job of its user.
package aggregator

import (
	"fmt"

	"github.com/tgres/dishstat/history"
	"github.com/tgres/dishstat/stats"
)

type RecordQueuer interface {
	QueueRecord(*stats.Record)
}

// Policy decides what happens to an open period when the dish
// reboots.
type Policy int

const (
	// Finalize the open period early and start a new one with the
	// first poll after the reboot.
	SplitOnReboot Policy = iota
	// Keep folding into the open period. Runs in progress are ended
	// at the reboot.
	BridgeReboots
)

func (p Policy) String() string {
	switch p {
	case SplitOnReboot:
		return "split"
	case BridgeReboots:
		return "bridge"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses "split" or "bridge", an empty string is
// SplitOnReboot.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "split":
		return SplitOnReboot, nil
	case "bridge":
		return BridgeReboots, nil
	}
	return SplitOnReboot, fmt.Errorf("invalid reboot policy: %q (must be split or bridge)", s)
}

// Accumulator is the state of an open aggregation period.
type Accumulator struct {
	partial *stats.Partial
}

// Fold merges p into acc, which may be nil, and returns the
// accumulator. The accumulator takes ownership of p, which must not
// be used by the caller afterwards.
func Fold(acc *Accumulator, p *stats.Partial) *Accumulator {
	if acc == nil {
		return &Accumulator{partial: p}
	}
	acc.partial.Merge(p)
	return acc
}

// Polls is the number of polls folded so far.
func (acc *Accumulator) Polls() int { return acc.partial.Polls() }

// Window is the absolute range covered so far, gaps included.
func (acc *Accumulator) Window() history.Window { return acc.partial.Window() }

// Finalize computes the record of the period.
func (acc *Accumulator) Finalize() *stats.Record { return acc.partial.Finalize() }

// The State keeps the open period of one poll stream. It is not safe
// for concurrent use, every stream needs its own.
type State struct {
	q      RecordQueuer
	Polls  int    // polls per period, anything less than 2 means every poll is a period
	Policy Policy // what to do on reboot
	acc    *Accumulator
	carry  *stats.Partial
}

// Returns a new aggregator. The first argument needs to provide a
// QueueRecord() method which is what the aggregator will use to queue
// the finalized records.
func NewAggregator(q RecordQueuer, polls int, policy Policy) *State {
	return &State{
		q:      q,
		Polls:  polls,
		Policy: policy,
	}
}

// Process one poll. res is the resolution of the window p was computed
// over.
func (a *State) Process(res history.Resolution, p *stats.Partial) {
	if a.acc != nil && res.Discontinuity && a.Policy == SplitOnReboot {
		a.finish()
	}
	if a.acc == nil && a.carry != nil {
		// Runs in progress at the end of the previous period go
		// first, so that they are joined with their continuation
		// (or ended, if there is a gap).
		a.acc = Fold(nil, a.carry)
		a.carry = nil
	}
	a.acc = Fold(a.acc, p)
	if a.acc.Polls() >= a.Polls {
		a.finish()
	}
}

// Open tells whether there is a period in progress.
func (a *State) Open() bool { return a.acc != nil && a.acc.Polls() > 0 }

// Flush finalizes the open period, if any, regardless of how many
// polls it has. Used on shutdown.
func (a *State) Flush() {
	if a.Open() {
		a.finish()
	}
}

func (a *State) finish() {
	rec := a.acc.Finalize()
	a.carry = a.acc.partial.Carry()
	a.acc = nil
	a.q.QueueRecord(rec)
}
