//
// Copyright 2017 Gregory Trubetskoy. All Rights Reserved.
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

package history

import "fmt"

// Cursor remembers the last consumed write offset. The zero value is
// an empty cursor, i.e. nothing has been consumed yet.
type Cursor struct {
	LastIndex int64
	Valid     bool
}

// NewCursor returns a cursor positioned at index i.
func NewCursor(i int64) Cursor { return Cursor{LastIndex: i, Valid: true} }

// Window is a half-open range [Start, End) of absolute sample
// indexes.
type Window struct {
	Start, End int64
}

// Len is the number of samples in the window.
func (w Window) Len() int64 { return w.End - w.Start }

// Empty is true if there are no samples in the window.
func (w Window) Empty() bool { return w.End <= w.Start }

// Contiguous tells whether next begins exactly where w ends.
func (w Window) Contiguous(next Window) bool { return w.End == next.Start }

func (w Window) String() string { return fmt.Sprintf("[%d,%d)", w.Start, w.End) }

// Resolution is the result of resolving a snapshot against a cursor.
type Resolution struct {
	Window Window
	// Cursor to use for the next poll.
	Cursor Cursor
	// Discontinuity is set when the write offset went backwards,
	// which means the dish rebooted since the last poll.
	Discontinuity bool
	// Lost is the number of samples that were overwritten in the
	// ring buffer before we could read them.
	Lost int64
}

// Special InitialSamples values.
const (
	Latest int64 = 1  // only the most recent sample
	All    int64 = -1 // everything the buffer holds
)

// Windower resolves windows. InitialSamples decides how much of the
// buffer the first poll (empty cursor) covers, see Latest and All, any
// other positive value means that many most recent samples. The zero
// value behaves as Latest.
type Windower struct {
	InitialSamples int64
	// NoCounter makes every poll behave as the first one, the
	// cursor passed in is ignored.
	NoCounter bool
}

func (wr *Windower) initialLen(snap *Snapshot) int64 {
	valid := snap.Valid()
	n := wr.InitialSamples
	if n == 0 {
		n = Latest
	}
	if n < 0 || n > valid {
		n = valid
	}
	return n
}

// Resolve computes the window of samples in snap which are new since
// cursor. The returned cursor always points at snap.WriteOffset().
func (wr *Windower) Resolve(snap *Snapshot, cursor Cursor) Resolution {
	end := snap.WriteOffset()
	res := Resolution{Cursor: NewCursor(end)}

	if !cursor.Valid || wr.NoCounter {
		res.Window = Window{Start: end - wr.initialLen(snap), End: end}
		return res
	}

	delta := end - cursor.LastIndex
	switch {
	case delta < 0:
		// The counter went backwards, the dish rebooted. Everything
		// since the reboot is new.
		res.Discontinuity = true
		res.Window = Window{Start: end - snap.Valid(), End: end}
	case delta <= snap.Size():
		res.Window = Window{Start: cursor.LastIndex, End: end}
	default:
		res.Window = Window{Start: end - snap.Size(), End: end}
		res.Lost = delta - snap.Size()
	}
	return res
}
