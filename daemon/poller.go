//
// Copyright 2015 Gregory Trubetskoy. All Rights Reserved.
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

package daemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tgres/dishstat/aggregator"
	"github.com/tgres/dishstat/bulk"
	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/history"
	h "github.com/tgres/dishstat/http"
	"github.com/tgres/dishstat/obstruction"
	"github.com/tgres/dishstat/stats"
)

// poller is one poll stream: it owns the cursors, the aggregator and
// the obstruction grid of a single dish.
type poller struct {
	fetcher dish.Fetcher

	// status
	status bool

	// history stats
	groups   []string
	statsCfg stats.Config
	windower history.Windower
	cursor   history.Cursor
	agg      *aggregator.State

	// bulk history
	bulk         bool
	bulkWindower history.Windower
	bulkCursor   history.Cursor
	timebase     bulk.Timebase

	// obstruction map
	obstruction bool
	threshold   float64
	gridMu      sync.Mutex
	grid        *obstruction.Grid

	sinks   *sinks
	limiter *rate.Limiter
	exp     *h.Exporter
}

func newPoller(cfg *Config, fetcher dish.Fetcher, s *sinks, exp *h.Exporter) *poller {
	p := &poller{
		fetcher:      fetcher,
		status:       len(cfg.statusGroups) > 0,
		groups:       cfg.groups,
		statsCfg:     cfg.statsConfig(),
		windower:     history.Windower{InitialSamples: cfg.statsSamples(), NoCounter: cfg.NoCounter},
		bulk:         cfg.bulk,
		bulkWindower: history.Windower{InitialSamples: cfg.bulkSamples()},
		obstruction:  cfg.obstruction,
		threshold:    cfg.threshold,
		sinks:        s,
		exp:          exp,
	}
	if cfg.PollInterval.Duration > 0 {
		p.limiter = rate.NewLimiter(rate.Every(cfg.PollInterval.Duration), 1)
	} else {
		p.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if len(p.groups) > 0 {
		p.agg = aggregator.NewAggregator(s, cfg.PollLoops, cfg.policy)
	}
	if p.exp != nil {
		s.failed = p.fail
	}
	return p
}

func (p *poller) fail(stage string) {
	if p.exp != nil {
		p.exp.PollErrors.WithLabelValues(stage).Inc()
	}
}

// run polls until ctx is done, or just once. Whatever is left in the
// aggregator is flushed before returning.
func (p *poller) run(ctx context.Context, once bool) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}
		if err := p.pollOnce(ctx); err != nil {
			log.Printf("poll: %v", err)
		}
		if once || ctx.Err() != nil {
			break
		}
	}
	if p.agg != nil {
		p.agg.Flush()
	}
}

func (p *poller) pollOnce(ctx context.Context) error {
	if p.exp != nil {
		p.exp.Polls.Inc()
	}

	if p.status {
		p.pollStatus(ctx)
	}

	if len(p.groups) > 0 || p.bulk {
		before := timeNow()
		snap, err := p.fetcher.History(ctx)
		after := timeNow()
		if err != nil {
			p.fail("fetch")
			return fmt.Errorf("fetching history: %v", err)
		}

		if len(p.groups) > 0 {
			p.pollStats(snap, after)
		}
		if p.bulk {
			if err := p.pollBulk(snap, before, after); err != nil {
				return fmt.Errorf("bulk history: %v", err)
			}
		}
	}
	if p.obstruction {
		if err := p.pollObstruction(ctx); err != nil {
			p.fail("obstruction")
			return fmt.Errorf("obstruction map: %v", err)
		}
	}
	return nil
}

// pollStatus queues the current status. A dish that cannot be reached
// is recorded as such rather than skipped.
func (p *poller) pollStatus(ctx context.Context) {
	st, err := p.fetcher.Status(ctx)
	if err != nil {
		log.Printf("pollStatus(): %v", err)
		p.fail("status")
		st = dish.UnreachableStatus(timeNow())
	}
	p.sinks.QueueStatus(st)
}

func (p *poller) pollStats(snap *history.Snapshot, observedAt time.Time) {
	res := p.windower.Resolve(snap, p.cursor)
	p.cursor = res.Cursor
	if res.Discontinuity {
		log.Printf("pollStats(): dish reboot detected, counter now %d.", snap.WriteOffset())
	}
	if res.Lost > 0 {
		log.Printf("pollStats(): %d samples lost, the poll interval is too long for the buffer of %d.", res.Lost, snap.Size())
	}
	p.agg.Process(res, stats.Compute(p.statsCfg, res, snap.Samples(res.Window), observedAt))
}

// pollBulk hands the new samples to the bulk sinks. The cursor only
// advances when all sinks succeeded, so a failed write is retried on
// the next poll (as long as the buffer still has the samples).
func (p *poller) pollBulk(snap *history.Snapshot, before, after time.Time) error {
	res := p.bulkWindower.Resolve(snap, p.bulkCursor)
	if res.Discontinuity || res.Lost > 0 {
		p.timebase.Reset()
	}
	if res.Lost > 0 {
		log.Printf("pollBulk(): %d samples lost.", res.Lost)
	}
	if res.Window.Empty() {
		p.bulkCursor = res.Cursor
		return nil
	}
	observedAt, resynced := p.timebase.Sync(res.Window, before, after)
	if resynced && p.bulkCursor.Valid {
		log.Printf("pollBulk(): time base re-established at %v.", observedAt)
	}
	err := p.sinks.writeRows(func() (*bulk.Rows, error) {
		return bulk.Emit(snap, res.Window, observedAt)
	})
	if err != nil {
		p.timebase.Reset()
		return err
	}
	p.bulkCursor = res.Cursor
	return nil
}

func (p *poller) pollObstruction(ctx context.Context) error {
	m, err := p.fetcher.ObstructionMap(ctx)
	if err != nil {
		return err
	}
	p.gridMu.Lock()
	defer p.gridMu.Unlock()
	if p.grid == nil || p.grid.Rows() != m.Rows || p.grid.Cols() != m.Cols {
		if p.grid != nil {
			log.Printf("pollObstruction(): map is now %dx%d, was %dx%d, starting over.", m.Rows, m.Cols, p.grid.Rows(), p.grid.Cols())
		}
		p.grid = obstruction.NewGrid(m.Rows, m.Cols)
		p.grid.Threshold = p.threshold
	}
	return p.grid.Accumulate(m)
}

// Grid returns a copy of the obstruction grid, nil before the first
// map.
func (p *poller) Grid() *obstruction.Grid {
	p.gridMu.Lock()
	defer p.gridMu.Unlock()
	if p.grid == nil {
		return nil
	}
	return p.grid.Copy()
}
