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
	"time"
)

// Record is the finalized statistics of a window or an aggregation
// period. Ratios and means that could not be computed are NoData.
type Record struct {
	General       General
	PingDrop      PingDrop
	RunLength     Runs
	Latency       Latency
	LoadedLatency LoadedLatency
	Usage         Usage
	Obstruction   Obstruction
}

type General struct {
	Time    time.Time // when the last sample was observed
	Samples int64
	// Absolute counter range covered, End is the device "end_counter".
	Start, End      int64
	Lost            int64
	Polls           int
	Discontinuities int
}

type PingDrop struct {
	Success     int64
	Drops       int64
	Unscheduled int64
	// Drops / (Success + Drops)
	LossRatio float64

	TotalPingDrop     float64 // sum of per sample drop rates
	DropRatio         float64 // TotalPingDrop / Samples
	CountFullPingDrop int64

	CountObstructed             int64
	TotalObstructedPingDrop     float64
	CountFullObstructedPingDrop int64

	TotalUnscheduledPingDrop     float64
	CountFullUnscheduledPingDrop int64
}

// Runs is a histogram of run lengths. Count[k] is the number of runs
// in bucket k, Seconds[k] their total length. The fragments are the
// runs touching the edges of the range; InitFragment is included in
// the histogram, FinalFragment is not (yet).
type Runs struct {
	Labels        []string
	Keys          []string
	Count         []int64
	Seconds       []int64
	InitFragment  int64
	FinalFragment int64
}

// Latency of samples with no ping drop ("full") and of all samples
// with less than total ping drop, the latter weighted by success
// ratio.
type Latency struct {
	SamplesAll  int64
	MeanAll     float64
	DecilesAll  [Deciles]float64
	SamplesFull int64
	MeanFull    float64
	DecilesFull [Deciles]float64
	StdevFull   float64
}

// LatencySummary of a set of latency values.
type LatencySummary struct {
	Samples          int64
	Mean             float64
	Min, Median, Max float64
}

type LoadedLatency struct {
	Loaded   LatencySummary
	Unloaded LatencySummary
	Buckets  [LoadBuckets]LatencySummary
}

// Usage in bytes.
type Usage struct {
	DownloadBytes, UploadBytes                 int64
	LoadedDownloadBytes, LoadedUploadBytes     int64
	UnloadedDownloadBytes, UnloadedUploadBytes int64
}

type Obstruction struct {
	Samples    int64 // samples carrying the obstructed flag
	Obstructed int64
	Fraction   float64
	Episodes   Runs
}

func ratio(n, d float64) float64 {
	if d == 0 {
		return NoData()
	}
	return n / d
}

func toBytes(bits float64) int64 { return int64(math.Round(bits / 8)) }

func summarize(vals []float64) LatencySummary {
	s := LatencySummary{
		Samples: int64(len(vals)),
		Mean:    mean(vals),
		Median:  median(vals),
	}
	s.Min, s.Max = minMax(vals)
	return s
}

// Finalize computes the Record. It does not modify p, so more can be
// merged into p afterwards.
func (p *Partial) Finalize() *Record {
	rec := &Record{}

	rec.General = General{
		Time:            p.observed,
		Samples:         p.samples,
		Start:           p.span.Start,
		End:             p.span.End,
		Lost:            p.lost,
		Polls:           p.polls,
		Discontinuities: p.discontinuities,
	}

	rec.PingDrop = PingDrop{
		Success:                      p.success,
		Drops:                        p.drops,
		Unscheduled:                  p.unscheduled,
		LossRatio:                    ratio(float64(p.drops), float64(p.success+p.drops)),
		TotalPingDrop:                p.totalDrop,
		DropRatio:                    ratio(p.totalDrop, float64(p.samples)),
		CountFullPingDrop:            p.fullDrop,
		CountObstructed:              p.obstructedDrop,
		TotalObstructedPingDrop:      p.totalObstructedDrop,
		CountFullObstructedPingDrop:  p.fullObstructedDrop,
		TotalUnscheduledPingDrop:     p.totalUnschedDrop,
		CountFullUnscheduledPingDrop: p.fullUnschedDrop,
	}

	buckets := p.cfg.RunBuckets
	if buckets == nil {
		buckets = DefaultRunBuckets()
	}
	rec.RunLength = p.dropRuns.finalize(buckets)

	lat := &rec.Latency
	lat.SamplesAll = int64(len(p.latAll))
	meanAll, qAll := weightedQuantiles(p.latAll, Deciles-1)
	lat.MeanAll = meanAll
	copy(lat.DecilesAll[:], qAll)
	lat.SamplesFull = int64(len(p.latFull))
	meanFull, qFull := weightedQuantiles(unweighted(p.latFull), Deciles-1)
	lat.MeanFull = meanFull
	copy(lat.DecilesFull[:], qFull)
	lat.StdevFull = pstdev(p.latFull)

	rec.LoadedLatency.Loaded = summarize(p.loaded)
	rec.LoadedLatency.Unloaded = summarize(p.unloaded)
	for k := range p.buckets {
		rec.LoadedLatency.Buckets[k] = summarize(p.buckets[k])
	}

	rec.Usage = Usage{
		DownloadBytes:         toBytes(p.down),
		UploadBytes:           toBytes(p.up),
		LoadedDownloadBytes:   toBytes(p.loadedDown),
		LoadedUploadBytes:     toBytes(p.loadedUp),
		UnloadedDownloadBytes: toBytes(p.unloadedDown),
		UnloadedUploadBytes:   toBytes(p.unloadedUp),
	}

	rec.Obstruction = Obstruction{
		Samples:    p.flagged,
		Obstructed: p.obstructed,
		Fraction:   ratio(float64(p.obstructed), float64(p.flagged)),
		Episodes:   p.episodes.finalize(buckets),
	}

	return rec
}
