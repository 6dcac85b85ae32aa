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

package bulk

import (
	"time"

	"github.com/tgres/dishstat/history"
)

// DefaultDrift is how far the time base may wander from the clock
// before it is re-established. Scheduler timing alone can account for
// a second either way.
const DefaultDrift = 2 * time.Second

// Timebase keeps sample timestamps stable across polls. As long as
// windows are contiguous and the clock agrees within Drift,
// timestamps continue from where the previous window ended, so no
// second is emitted twice or skipped at window boundaries.
//
// The zero value is ready to use.
type Timebase struct {
	Drift time.Duration

	valid   bool
	end     int64     // absolute index one past the last sample
	endTime time.Time // time corresponding to end
}

// Sync returns the time to pass to Emit as observedAt for window w,
// fetched between before and after. resynced is true when a new time
// base had to be established.
func (tb *Timebase) Sync(w history.Window, before, after time.Time) (observedAt time.Time, resynced bool) {
	drift := tb.Drift
	if drift == 0 {
		drift = DefaultDrift
	}

	if tb.valid && w.Start == tb.end {
		expected := tb.endTime.Add(time.Duration(w.Len()) * time.Second)
		if !expected.Before(before.Add(-drift)) && !expected.After(after.Add(drift)) {
			tb.end, tb.endTime = w.End, expected
			return expected, false
		}
	}

	tb.valid = true
	tb.end = w.End
	tb.endTime = before.Truncate(time.Second)
	return tb.endTime, true
}

// Reset forgets the time base.
func (tb *Timebase) Reset() { tb.valid = false }
