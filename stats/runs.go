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

package stats

import "github.com/tgres/dishstat/history"

// runs tracks lengths of consecutive runs of samples matching some
// condition (full ping drop, obstructed) in a way that can be merged.
//
// A run that is cut by the end of the window is provisional (trailing)
// and is not counted, because it may continue into the next window. A
// run at the start of the window is counted as closed, but remembered
// (leading) so that it can be joined with the trailing run of the
// preceding window on merge.
//
//  window 1: . . D D | window 2: D . D D D
//                ^^^              ^
//          trailing (2)      leading (1)   => one closed run of 3
type runs struct {
	seen     bool
	span     history.Window
	all      bool            // every sample so far is in a run (or there are none)
	leading  int64           // closed run starting at span.Start
	trailing int64           // provisional run ending at span.End
	closed   map[int64]int64 // run length -> number of runs
}

func (r *runs) addClosed(n int64) {
	if n <= 0 {
		return
	}
	if r.closed == nil {
		r.closed = make(map[int64]int64)
	}
	r.closed[n]++
}

func (r *runs) removeClosed(n int64) {
	if n <= 0 || r.closed == nil {
		return
	}
	if r.closed[n]--; r.closed[n] <= 0 {
		delete(r.closed, n)
	}
}

// scan the samples in w; match tells whether a sample is part of a run.
func scanRuns(w history.Window, samples []history.Sample, match func(*history.Sample) bool) runs {
	r := runs{seen: true, span: w, all: true}
	var run int64
	for i := range samples {
		if match(&samples[i]) {
			run++
			continue
		}
		if run > 0 {
			r.addClosed(run)
			if r.all {
				r.leading = run
			}
		}
		run = 0
		r.all = false
	}
	r.trailing = run
	return r
}

// carry returns only the provisional part of r, to be merged into
// whatever comes next.
func (r *runs) carry() runs {
	if !r.seen {
		return runs{}
	}
	return runs{
		seen:     true,
		span:     history.Window{Start: r.span.End - r.trailing, End: r.span.End},
		all:      true,
		trailing: r.trailing,
	}
}

func (r *runs) copy() runs {
	c := *r
	c.closed = nil
	for n, cnt := range r.closed {
		if c.closed == nil {
			c.closed = make(map[int64]int64, len(r.closed))
		}
		c.closed[n] = cnt
	}
	return c
}

// merge o, which must come after r in time, into r.
func (r *runs) merge(o *runs) {
	if !o.seen {
		return
	}
	if !r.seen {
		*r = o.copy()
		return
	}

	if !r.span.Contiguous(o.span) {
		// A gap (lost samples or a reboot) ends whatever run was
		// in progress.
		if r.trailing > 0 {
			r.addClosed(r.trailing)
			if r.all {
				r.leading = r.trailing
			}
			r.trailing = 0
			r.all = false
		}
		if r.all {
			// nothing was seen before the gap
			r.leading, r.all = o.leading, o.all
		}
		for n, cnt := range o.closed {
			for ; cnt > 0; cnt-- {
				r.addClosed(n)
			}
		}
		r.trailing = o.trailing
		r.span.End = o.span.End
		return
	}

	switch {
	case o.all:
		r.trailing += o.trailing
	default:
		// The leading run of o continues our trailing run.
		joined := r.trailing + o.leading
		for n, cnt := range o.closed {
			for ; cnt > 0; cnt-- {
				r.addClosed(n)
			}
		}
		r.removeClosed(o.leading)
		r.addClosed(joined)
		if r.all {
			r.leading = joined
		}
		r.all = false
		r.trailing = o.trailing
	}
	r.span.End = o.span.End
}

// finalize buckets the closed runs.
func (r *runs) finalize(b RunBuckets) Runs {
	result := Runs{
		Labels:  make([]string, b.Len()),
		Keys:    make([]string, b.Len()),
		Count:   make([]int64, b.Len()),
		Seconds: make([]int64, b.Len()),
	}
	for k := range result.Labels {
		result.Labels[k] = b.Label(k)
		result.Keys[k] = b.Key(k)
	}
	for n, cnt := range r.closed {
		k := b.Index(n)
		result.Count[k] += cnt
		result.Seconds[k] += n * cnt
	}
	result.InitFragment = r.leading
	result.FinalFragment = r.trailing
	return result
}
