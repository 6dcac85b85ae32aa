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

// Package stats computes statistics groups over windows of history
// samples.
//
// Computation happens in two steps. Compute() turns a window of
// samples into a Partial, which keeps sums and counts (and raw latency
// values where quantiles are needed) rather than ratios. Partials of
// many windows can be merged with Merge(), and only Finalize() divides
// anything. This way a period made of many polls produces exactly the
// same Record as a single poll over the same samples would.
//
// A ratio or mean with nothing to divide by is NoData, which is a
// NaN. Zero is a perfectly valid statistic, so it is never used to
// mean "unknown".
package stats

import (
	"fmt"
	"math"
	"strconv"
)

// NoData returns the value used for statistics which could not be
// computed.
func NoData() float64 { return math.NaN() }

// IsNoData tells whether v is NoData.
func IsNoData(v float64) bool { return math.IsNaN(v) }

// Number of load buckets in LoadedLatency.
const LoadBuckets = 15

// Number of quantiles in the deciles arrays, min and max included.
const Deciles = 11

// Config for statistics computation.
type Config struct {
	// Total throughput (bps) above which a sample is "loaded".
	LoadThreshold float64
	// Throughput (bps) of the first log2 load bucket.
	LoadBucketBase float64
	// Run length bucket boundaries, see RunBuckets.
	RunBuckets RunBuckets
}

// DefaultConfig returns a Config with defaults filled in.
func DefaultConfig() Config {
	return Config{
		LoadThreshold:  1e6,
		LoadBucketBase: 500000,
		RunBuckets:     DefaultRunBuckets(),
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.LoadThreshold < 0 {
		return fmt.Errorf("negative load threshold: %v", c.LoadThreshold)
	}
	if c.LoadBucketBase <= 0 {
		return fmt.Errorf("load bucket base must be positive: %v", c.LoadBucketBase)
	}
	return c.RunBuckets.Validate()
}

// RunBuckets are boundaries for bucketing run lengths (in samples,
// i.e. seconds). Bucket 0 covers [1, b[1]], bucket k covers
// [b[k]+1, b[k+1]] and the last bucket covers everything longer than
// the last boundary. The first boundary only labels bucket 0. So
// {1, 3, 6} makes the buckets "1-3", "4-6" and "7+".
type RunBuckets []int64

// DefaultRunBuckets returns exponentially growing buckets capped at
// one hour.
func DefaultRunBuckets() RunBuckets {
	return RunBuckets{1, 1, 4, 16, 64, 256, 1024, 3600}
}

// Validate checks that the boundaries make sense.
func (b RunBuckets) Validate() error {
	if len(b) < 2 {
		return fmt.Errorf("run buckets need at least 2 boundaries, got %d", len(b))
	}
	if b[0] < 1 || b[1] < b[0] {
		return fmt.Errorf("invalid first run bucket: %d-%d", b[0], b[1])
	}
	for i := 2; i < len(b); i++ {
		if b[i] <= b[i-1] {
			return fmt.Errorf("run bucket boundaries must be increasing: %v", []int64(b))
		}
	}
	return nil
}

// Len is the number of buckets.
func (b RunBuckets) Len() int { return len(b) }

// Index returns the bucket a run of length n falls into.
func (b RunBuckets) Index(n int64) int {
	for k := 1; k < len(b); k++ {
		if n <= b[k] {
			return k - 1
		}
	}
	return len(b) - 1
}

// Label is a human readable name of bucket k, e.g. "4-6" or "7+".
func (b RunBuckets) Label(k int) string {
	lo, hi := b.bounds(k)
	if hi < 0 {
		return strconv.FormatInt(lo, 10) + "+"
	}
	return strconv.FormatInt(lo, 10) + "-" + strconv.FormatInt(hi, 10)
}

// Key is like Label, but usable in metric names, e.g. "4_6" or
// "7_up".
func (b RunBuckets) Key(k int) string {
	lo, hi := b.bounds(k)
	if hi < 0 {
		return strconv.FormatInt(lo, 10) + "_up"
	}
	return strconv.FormatInt(lo, 10) + "_" + strconv.FormatInt(hi, 10)
}

// bounds of bucket k, hi is -1 for the last (open) bucket.
func (b RunBuckets) bounds(k int) (lo, hi int64) {
	if k == len(b)-1 {
		return b[len(b)-1] + 1, -1
	}
	if k == 0 {
		return b[0], b[1]
	}
	return b[k] + 1, b[k+1]
}
