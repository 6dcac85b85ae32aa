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

// Package bulk emits the raw samples of a window one row at a time,
// each with its own timestamp, instead of computing statistics over
// them.
package bulk

import (
	"fmt"
	"time"

	"github.com/tgres/dishstat/history"
)

// Row is one sample. Values has every field of the snapshot, booleans
// as 0 or 1.
type Row struct {
	Index  int64
	Time   time.Time
	Values map[string]float64
}

// Rows iterates over the rows of a window. It can only be consumed
// once, call Next() before every Row().
type Rows struct {
	snap   *history.Snapshot
	window history.Window
	end    time.Time
	fields []string
	pos    int64
	row    *Row
}

// Emit returns the rows of window w. Every ring buffer slot is one
// second, so sample i gets the time observedAt - (WriteOffset - i)
// seconds. The window must have been resolved against snap.
func Emit(snap *history.Snapshot, w history.Window, observedAt time.Time) (*Rows, error) {
	if w.End != snap.WriteOffset() {
		return nil, fmt.Errorf("bulk: window %v does not end at write offset %d", w, snap.WriteOffset())
	}
	if w.Len() > snap.Size() || w.Start < 0 {
		return nil, fmt.Errorf("bulk: window %v does not fit buffer of %d", w, snap.Size())
	}
	return &Rows{
		snap:   snap,
		window: w,
		end:    observedAt,
		fields: snap.FieldNames(),
		pos:    w.Start - 1,
	}, nil
}

// Next advances to the next row, false means there are no more.
func (r *Rows) Next() bool {
	if r.pos >= r.window.End {
		return false
	}
	r.pos++
	if r.pos >= r.window.End {
		r.row = nil
		return false
	}
	row := &Row{
		Index:  r.pos,
		Time:   r.end.Add(-time.Duration(r.window.End-r.pos) * time.Second),
		Values: make(map[string]float64, len(r.fields)),
	}
	for _, name := range r.fields {
		row.Values[name] = r.snap.At(name, r.pos)
	}
	r.row = row
	return true
}

// Row returns the current row.
func (r *Rows) Row() *Row { return r.row }

// Fields lists the names in Row.Values, sorted.
func (r *Rows) Fields() []string { return r.fields }

// Len is the total number of rows.
func (r *Rows) Len() int64 { return r.window.Len() }

// Window being emitted.
func (r *Rows) Window() history.Window { return r.window }
