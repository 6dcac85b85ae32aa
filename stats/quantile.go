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

import (
	"math"
	"sort"
)

// weighted is a value with a weight, e.g. a latency of a sample which
// only partially dropped pings.
type weighted struct {
	v, w float64
}

// weightedQuantiles sorts data by value and returns the weighted mean
// and n+1 quantiles, the first and last of which are the min and the
// max. For each boundary the value reported is the first one at which
// the accumulated weight reaches the boundary.
func weightedQuantiles(data []weighted, n int) (mean float64, q []float64) {
	q = make([]float64, n+1)
	if len(data) == 0 {
		for i := range q {
			q[i] = NoData()
		}
		return NoData(), q
	}

	sorted := make([]weighted, len(data))
	copy(sorted, data)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].v < sorted[j].v })

	var total, sum float64
	for _, d := range sorted {
		total += d.w
		sum += d.v * d.w
	}
	if total <= 0 {
		for i := range q {
			q[i] = NoData()
		}
		return NoData(), q
	}

	pos := 0
	acc := sorted[0].w
	for k := 0; k < n; k++ {
		boundary := total * float64(k) / float64(n)
		for acc < boundary && pos < len(sorted)-1 {
			pos++
			acc += sorted[pos].w
		}
		q[k] = sorted[pos].v
	}
	q[n] = sorted[len(sorted)-1].v
	return sum / total, q
}

func unweighted(vals []float64) []weighted {
	result := make([]weighted, len(vals))
	for i, v := range vals {
		result[i] = weighted{v, 1}
	}
	return result
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return NoData()
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Population standard deviation.
func pstdev(vals []float64) float64 {
	if len(vals) == 0 {
		return NoData()
	}
	m := mean(vals)
	var ss float64
	for _, v := range vals {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(vals)))
}

// median of vals, the mean of the two middle values when the length
// is even.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return NoData()
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func minMax(vals []float64) (lo, hi float64) {
	if len(vals) == 0 {
		return NoData(), NoData()
	}
	lo, hi = vals[0], vals[0]
	for _, v := range vals[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}
