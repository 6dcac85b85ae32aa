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

	"github.com/tgres/dishstat/history"
)

// Partial is the mergeable state of all the stat groups over one or
// more windows. It is not safe for concurrent use.
type Partial struct {
	cfg Config

	hasSpan         bool
	span            history.Window
	observed        time.Time
	samples         int64
	lost            int64
	polls           int
	discontinuities int

	// ping_drop
	success, drops, unscheduled int64
	totalDrop                   float64
	fullDrop                    int64
	obstructedDrop              int64
	totalObstructedDrop         float64
	fullObstructedDrop          int64
	totalUnschedDrop            float64
	fullUnschedDrop             int64

	// ping_run_length
	dropRuns runs

	// ping_latency
	latFull []float64
	latAll  []weighted

	// ping_loaded_latency
	loaded, unloaded []float64
	buckets          [LoadBuckets][]float64

	// usage, in bits (i.e. bps * 1s)
	down, up                 float64
	loadedDown, loadedUp     float64
	unloadedDown, unloadedUp float64

	// obstruction
	flagged, obstructed int64
	episodes            runs
}

// Compute runs all the stat groups over the samples of one resolved
// window. The samples must be exactly those of res.Window, oldest
// first, as returned by history.Snapshot.Samples().
func Compute(cfg Config, res history.Resolution, samples []history.Sample, observedAt time.Time) *Partial {
	p := &Partial{
		cfg:      cfg,
		hasSpan:  true,
		span:     res.Window,
		observed: observedAt,
		samples:  int64(len(samples)),
		lost:     res.Lost,
		polls:    1,
	}
	if res.Discontinuity {
		p.discontinuities = 1
	}

	for i := range samples {
		p.add(&samples[i])
	}

	p.dropRuns = scanRuns(res.Window, samples, fullDrop)
	p.episodes = scanRuns(res.Window, samples, obstructed)
	return p
}

func fullDrop(s *history.Sample) bool { return s.PingDropRate >= 1 }

func obstructed(s *history.Sample) bool { return s.HasObstructed && s.Obstructed }

func (p *Partial) add(s *history.Sample) {
	d := s.PingDropRate
	if d >= 1 {
		d = 1
	}
	if math.IsNaN(d) || d < 0 {
		d = 0
	}
	full := d >= 1

	p.totalDrop += d
	if full {
		p.fullDrop++
	}

	switch {
	case s.HasScheduled && !s.Scheduled:
		p.unscheduled++
		p.totalUnschedDrop += d
		if full {
			p.fullUnschedDrop++
		}
	case full:
		p.drops++
	default:
		p.success++
	}
	if s.HasScheduled && s.Scheduled && s.HasObstructed && s.Obstructed {
		p.obstructedDrop++
		p.totalObstructedDrop += d
		if full {
			p.fullObstructedDrop++
		}
	}

	load := s.Load()
	isLoaded := load > p.cfg.LoadThreshold

	rtt := s.PingLatencyMs
	if d == 0 {
		p.latFull = append(p.latFull, rtt)
		if load > 0 || rtt > 0 {
			if isLoaded {
				p.loaded = append(p.loaded, rtt)
			} else {
				p.unloaded = append(p.unloaded, rtt)
			}
			k := p.loadBucket(load)
			p.buckets[k] = append(p.buckets[k], rtt)
		}
	}
	if d < 1 {
		p.latAll = append(p.latAll, weighted{rtt, 1 - d})
	}

	p.down += s.DownlinkBps
	p.up += s.UplinkBps
	if isLoaded {
		p.loadedDown += s.DownlinkBps
		p.loadedUp += s.UplinkBps
	} else {
		p.unloadedDown += s.DownlinkBps
		p.unloadedUp += s.UplinkBps
	}

	if s.HasObstructed {
		p.flagged++
		if s.Obstructed {
			p.obstructed++
		}
	}
}

// Buckets are log2 scaled starting at LoadBucketBase, everything up
// to twice the base is bucket 0.
func (p *Partial) loadBucket(load float64) int {
	if load <= p.cfg.LoadBucketBase {
		return 0
	}
	k := int(math.Log2(load / p.cfg.LoadBucketBase))
	if k > LoadBuckets-1 {
		k = LoadBuckets - 1
	}
	return k
}

// Merge adds o, which must describe samples following those of p, to
// p. Windows need not be contiguous; a gap between them ends any run
// that was in progress.
func (p *Partial) Merge(o *Partial) {
	if o == nil {
		return
	}
	if p.cfg.RunBuckets == nil {
		p.cfg = o.cfg
	}
	if o.hasSpan {
		if !p.hasSpan {
			p.hasSpan = true
			p.span = o.span
		} else {
			p.span.End = o.span.End
		}
		p.observed = o.observed
	}
	p.samples += o.samples
	p.lost += o.lost
	p.polls += o.polls
	p.discontinuities += o.discontinuities

	p.success += o.success
	p.drops += o.drops
	p.unscheduled += o.unscheduled
	p.totalDrop += o.totalDrop
	p.fullDrop += o.fullDrop
	p.obstructedDrop += o.obstructedDrop
	p.totalObstructedDrop += o.totalObstructedDrop
	p.fullObstructedDrop += o.fullObstructedDrop
	p.totalUnschedDrop += o.totalUnschedDrop
	p.fullUnschedDrop += o.fullUnschedDrop

	p.dropRuns.merge(&o.dropRuns)

	p.latFull = append(p.latFull, o.latFull...)
	p.latAll = append(p.latAll, o.latAll...)

	p.loaded = append(p.loaded, o.loaded...)
	p.unloaded = append(p.unloaded, o.unloaded...)
	for k := range p.buckets {
		p.buckets[k] = append(p.buckets[k], o.buckets[k]...)
	}

	p.down += o.down
	p.up += o.up
	p.loadedDown += o.loadedDown
	p.loadedUp += o.loadedUp
	p.unloadedDown += o.unloadedDown
	p.unloadedUp += o.unloadedUp

	p.flagged += o.flagged
	p.obstructed += o.obstructed
	p.episodes.merge(&o.episodes)
}

// Carry returns a Partial holding only the runs that were still in
// progress at the end of p. Merged in front of whatever follows, it
// lets a run which spans two aggregation periods be counted once, in
// the period where it ends. Everything else in the result is empty.
func (p *Partial) Carry() *Partial {
	return &Partial{
		cfg:      p.cfg,
		dropRuns: p.dropRuns.carry(),
		episodes: p.episodes.carry(),
	}
}

// Window is the range covered, from the start of the first window to
// the end of the last one. It may include gaps.
func (p *Partial) Window() history.Window { return p.span }

// Polls is the number of polls merged into p.
func (p *Partial) Polls() int { return p.polls }

// Samples is the number of samples seen.
func (p *Partial) Samples() int64 { return p.samples }
