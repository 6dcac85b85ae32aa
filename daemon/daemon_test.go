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
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tgres/dishstat/aggregator"
	"github.com/tgres/dishstat/bulk"
	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/history"
	"github.com/tgres/dishstat/obstruction"
	"github.com/tgres/dishstat/serde"
	"github.com/tgres/dishstat/stats"
)

// snapshot of size n with write offset off, every sample a success
// except those listed in drops
func snapshot(t *testing.T, off, n int64, drops ...int64) *history.Snapshot {
	fields := make(map[string][]float64)
	for _, name := range history.RequiredFields {
		fields[name] = make([]float64, n)
	}
	for i := int64(0); i < n; i++ {
		fields[history.PingLatency][i] = 30
	}
	for _, d := range drops {
		fields[history.PingDropRate][history.SlotIndex(d, n)] = 1
	}
	snap, err := history.NewSnapshot(off, fields)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

type fakeFetcher struct {
	snaps     []*history.Snapshot
	maps      []*obstruction.Map
	n, m      int
	histErr   error
	status    *dish.Status
	statusErr error
	histCalls int
}

func (f *fakeFetcher) History(_ context.Context) (*history.Snapshot, error) {
	f.histCalls++
	if f.histErr != nil {
		return nil, f.histErr
	}
	s := f.snaps[f.n]
	if f.n < len(f.snaps)-1 {
		f.n++
	}
	return s, nil
}

func (f *fakeFetcher) ObstructionMap(_ context.Context) (*obstruction.Map, error) {
	if len(f.maps) == 0 {
		return nil, errors.New("no map")
	}
	m := f.maps[f.m]
	if f.m < len(f.maps)-1 {
		f.m++
	}
	return m, nil
}

func (f *fakeFetcher) Status(_ context.Context) (*dish.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

type fakeSink struct {
	recs     []*stats.Record
	rows     []int64
	rowsErr  error
	statuses []*dish.Status
	groups   []string
}

func (f *fakeSink) WriteStatus(st *dish.Status, groups []string) error {
	f.statuses = append(f.statuses, st)
	f.groups = groups
	return nil
}

func (f *fakeSink) WriteRecord(rec *stats.Record, _ []string) error {
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeSink) WriteRows(rows *bulk.Rows) error {
	if f.rowsErr != nil {
		return f.rowsErr
	}
	for rows.Next() {
		f.rows = append(f.rows, rows.Row().Index)
	}
	return nil
}

func testConfig(t *testing.T, cfg *Config) *Config {
	for _, fn := range []func() error{
		cfg.processPolling, cfg.processModes, cfg.processSamples,
		cfg.processStatsConfig, cfg.processRebootPolicy,
	} {
		if err := fn(); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func TestPoller_Stats(t *testing.T) {
	cfg := testConfig(t, &Config{PollLoops: 2, Samples: -1, Modes: []string{stats.GroupGeneral, stats.GroupPingDrop}})
	f := &fakeFetcher{snaps: []*history.Snapshot{
		snapshot(t, 10, 10, 9),
		snapshot(t, 15, 10, 10, 11),
		snapshot(t, 20, 10),
		snapshot(t, 3, 10), // reboot
	}}
	sink := &fakeSink{}
	s := &sinks{groups: cfg.groups}
	s.addRecordWriter(sink)
	p := newPoller(cfg, f, s, nil)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := p.pollOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}
	p.agg.Flush()

	if len(sink.recs) != 3 {
		t.Fatalf("%d records, expected 3", len(sink.recs))
	}
	for i, exp := range []struct{ samples, start, end int64 }{
		{15, 0, 15},
		{5, 15, 20},
		{3, 0, 3},
	} {
		g := sink.recs[i].General
		if g.Samples != exp.samples || g.Start != exp.start || g.End != exp.end {
			t.Errorf("record %d: %+v, expected %+v", i, g, exp)
		}
	}
	// the run 9..11 spans two polls and is one run of 3
	if n := sink.recs[0].PingDrop.Drops; n != 3 {
		t.Errorf("drops = %d", n)
	}
	if p.cursor != history.NewCursor(3) {
		t.Errorf("cursor = %v", p.cursor)
	}
}

func TestPoller_FetchError(t *testing.T) {
	cfg := testConfig(t, &Config{})
	s := &sinks{groups: cfg.groups}
	p := newPoller(cfg, &fakeFetcher{histErr: errors.New("boom")}, s, nil)
	if err := p.pollOnce(context.Background()); err == nil {
		t.Errorf("expected an error")
	}
	if p.cursor.Valid {
		t.Errorf("cursor advanced on error")
	}
}

func TestPoller_Bulk(t *testing.T) {
	cfg := testConfig(t, &Config{Modes: []string{ModeBulkHistory}})
	f := &fakeFetcher{snaps: []*history.Snapshot{
		snapshot(t, 1005, 900),
		snapshot(t, 1010, 900),
		snapshot(t, 1012, 900),
	}}
	sink := &fakeSink{}
	s := &sinks{}
	s.addBulkWriter(sink)
	p := newPoller(cfg, f, s, nil)
	if p.agg != nil {
		t.Errorf("aggregator created without stats modes")
	}

	save := timeNow
	defer func() { timeNow = save }()
	now := time.Unix(1600000000, 0)
	timeNow = func() time.Time { return now }

	ctx := context.Background()
	if err := p.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sink.rows) != 900 || sink.rows[0] != 105 || sink.rows[899] != 1004 {
		t.Fatalf("first bulk poll: %d rows", len(sink.rows))
	}

	// a failing write does not advance the cursor
	sink.rowsErr = errors.New("db down")
	now = now.Add(5 * time.Second)
	if err := p.pollOnce(ctx); err == nil {
		t.Errorf("expected an error")
	}
	if p.bulkCursor != history.NewCursor(1005) {
		t.Errorf("cursor moved on failure: %v", p.bulkCursor)
	}

	sink.rowsErr = nil
	now = now.Add(2 * time.Second)
	if err := p.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	rows := sink.rows[900:]
	if len(rows) != 7 || rows[0] != 1005 || rows[6] != 1011 {
		t.Errorf("retried rows: %v", rows)
	}
}

func TestPoller_Obstruction(t *testing.T) {
	cfg := testConfig(t, &Config{Modes: []string{ModeObstructionMap}})
	f := &fakeFetcher{
		snaps: []*history.Snapshot{snapshot(t, 10, 10)},
		maps: []*obstruction.Map{
			{Rows: 1, Cols: 2, SNR: []float64{0, 1}},
			{Rows: 1, Cols: 2, SNR: []float64{1, 1}},
			{Rows: 2, Cols: 1, SNR: []float64{0, -1}},
		},
	}
	p := newPoller(cfg, f, &sinks{}, nil)
	if p.Grid() != nil {
		t.Errorf("grid before the first map")
	}
	ctx := context.Background()
	p.pollOnce(ctx)
	p.pollOnce(ctx)
	g := p.Grid()
	if g.Maps() != 2 || g.Fraction(0, 0) != 0.5 || g.Fraction(0, 1) != 0 {
		t.Errorf("grid: maps %d, fractions %v", g.Maps(), g.Fractions())
	}
	p.pollOnce(ctx)
	if g := p.Grid(); g.Rows() != 2 || g.Maps() != 1 {
		t.Errorf("grid not restarted on dimension change")
	}
}

func TestPoller_Run(t *testing.T) {
	cfg := testConfig(t, &Config{PollInterval: duration{time.Millisecond}, PollLoops: 3})
	f := &fakeFetcher{snaps: []*history.Snapshot{snapshot(t, 10, 10)}}
	sink := &fakeSink{}
	s := &sinks{groups: cfg.groups}
	s.addRecordWriter(sink)
	p := newPoller(cfg, f, s, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.run(ctx, false)
	if len(sink.recs) == 0 {
		t.Errorf("no records after running for a while")
	}
	if p.agg.Open() {
		t.Errorf("period left open after run()")
	}
}

func TestConfig(t *testing.T) {
	cfg := &Config{}
	_, err := toml.Decode(`
dish-id = "roof"
poll-interval = "1min"
poll-loops = 5
modes = ["ping_drop", "bulk_history"]
run-buckets = "1,3,6"
reboot-policy = "bridge"
`, cfg)
	if err != nil {
		t.Fatal(err)
	}
	testConfig(t, cfg)
	if cfg.PollInterval.Duration != time.Minute {
		t.Errorf("poll-interval = %v", cfg.PollInterval.Duration)
	}
	if len(cfg.groups) != 1 || !cfg.bulk || cfg.obstruction {
		t.Errorf("modes: %v %v %v", cfg.groups, cfg.bulk, cfg.obstruction)
	}
	if cfg.policy != aggregator.BridgeReboots {
		t.Errorf("policy = %v", cfg.policy)
	}
	sc := cfg.statsConfig()
	if len(sc.RunBuckets) != 3 || sc.RunBuckets[2] != 6 {
		t.Errorf("run buckets = %v", sc.RunBuckets)
	}
	if n := cfg.statsSamples(); n != 300 {
		t.Errorf("statsSamples() = %d, expected 300", n)
	}
	if n := cfg.bulkSamples(); n != -1 {
		t.Errorf("bulkSamples() = %d", n)
	}

	if _, err := toml.Decode(`run-buckets = "3,1"`, &Config{}); err == nil {
		t.Errorf("decreasing run buckets accepted")
	}
	tooHigh := 2.0
	for _, bad := range []*Config{
		{PollLoops: 1},
		{Modes: []string{"bogus"}},
		{RebootPolicy: "maybe"},
		{Samples: -5},
		{ObstructionThreshold: &tooHigh},
	} {
		if err := processConfig(configer(bad), "/tmp"); err == nil {
			t.Errorf("config %+v accepted", bad)
		}
	}
	if err := (&Config{DbConnectString: "x", DbDriver: "mysql"}).processDbConnectString(); err == nil {
		t.Errorf("mysql accepted")
	}
	empty := &Config{}
	if err := processConfig(configer(empty), "/tmp"); err != nil {
		t.Errorf("empty config: %v", err)
	}
	if len(empty.groups) != len(stats.Groups) || empty.DishTarget != dish.DefaultTarget || empty.StatsNamePrefix != "starlink" {
		t.Errorf("defaults not applied: %+v", empty)
	}
}

func TestConfig_ObstructionThreshold(t *testing.T) {
	for doc, exp := range map[string]float64{
		"":                            obstruction.DefaultThreshold,
		"obstruction-threshold = 0":   0,
		"obstruction-threshold = 0.5": 0.5,
	} {
		cfg := &Config{}
		if _, err := toml.Decode(doc, cfg); err != nil {
			t.Fatal(err)
		}
		testConfig(t, cfg)
		if cfg.threshold != exp {
			t.Errorf("%q: threshold = %v, expected %v", doc, cfg.threshold, exp)
		}
		if p := newPoller(cfg, &fakeFetcher{}, &sinks{}, nil); p.threshold != exp {
			t.Errorf("%q: poller threshold = %v", doc, p.threshold)
		}
	}
}

func TestConfig_StatusModes(t *testing.T) {
	cfg := testConfig(t, &Config{Modes: []string{dish.GroupStatus, dish.GroupAlertDetail, stats.GroupUsage}})
	if len(cfg.statusGroups) != 2 || cfg.statusGroups[1] != dish.GroupAlertDetail {
		t.Errorf("status groups = %v", cfg.statusGroups)
	}
	if len(cfg.groups) != 1 || cfg.groups[0] != stats.GroupUsage {
		t.Errorf("groups = %v", cfg.groups)
	}

	cfg = &Config{StatusFile: "status.json"}
	if err := cfg.processDish(); err != nil {
		t.Fatal(err)
	}
	if _, ok := newFetcher(cfg).(*dish.FileFetcher); !ok {
		t.Errorf("status-file does not select the file fetcher")
	}
}

func TestPoller_Status(t *testing.T) {
	cfg := testConfig(t, &Config{Modes: []string{dish.GroupStatus}})
	st := &dish.Status{Time: time.Unix(1600000000, 0), State: "CONNECTED", Uptime: 10}
	f := &fakeFetcher{status: st}
	sink := &fakeSink{}
	s := &sinks{statusGroups: cfg.statusGroups}
	s.addStatusWriter(sink)
	p := newPoller(cfg, f, s, nil)

	ctx := context.Background()
	if err := p.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sink.statuses) != 1 || sink.statuses[0] != st {
		t.Fatalf("status not written: %v", sink.statuses)
	}
	if len(sink.groups) != 1 || sink.groups[0] != dish.GroupStatus {
		t.Errorf("groups = %v", sink.groups)
	}
	if f.histCalls != 0 {
		t.Errorf("history fetched %d times without history modes", f.histCalls)
	}

	save := timeNow
	defer func() { timeNow = save }()
	now := time.Unix(1600000100, 0)
	timeNow = func() time.Time { return now }

	f.statusErr = errors.New("unreachable")
	if err := p.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sink.statuses) != 2 {
		t.Fatalf("%d statuses", len(sink.statuses))
	}
	if got := sink.statuses[1]; got.State != dish.StateUnreachable || !got.Time.Equal(now) || !math.IsNaN(got.Uptime) {
		t.Errorf("unreachable status: %+v", got)
	}
}

func TestTextWriter(t *testing.T) {
	var buf bytes.Buffer
	tw := newTextWriter(&buf)
	res := history.Resolution{Window: history.Window{Start: 0, End: 2}}
	samples := []history.Sample{{Index: 0, PingLatencyMs: 20}, {Index: 1, PingDropRate: 1}}
	rec := stats.Compute(stats.DefaultConfig(), res, samples, time.Unix(0, 0)).Finalize()
	tw.WriteRecord(rec, []string{stats.GroupGeneral})
	tw.WriteRecord(rec, []string{stats.GroupGeneral})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("%d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "datetimestamp_utc,samples,") {
		t.Errorf("header: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "1970-01-01T00:00:00,2,") {
		t.Errorf("values: %q", lines[1])
	}
}

func TestTextWriter_Rows(t *testing.T) {
	var buf bytes.Buffer
	tw := newTextWriter(&buf)
	snap := snapshot(t, 10, 10)
	rows, err := bulk.Emit(snap, history.Window{Start: 8, End: 10}, time.Unix(100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if err := tw.WriteRows(rows); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("%d lines:\n%s", len(lines), buf.String())
	}
	header := strings.Split(lines[0], ",")
	if len(header) != 2+len(history.AllFields()) || header[len(header)-1] != history.OptionalFields[len(history.OptionalFields)-1] {
		t.Errorf("header: %q", lines[0])
	}
	// optional fields are not in the snapshot and are left empty
	vals := strings.Split(lines[1], ",")
	if len(vals) != len(header) {
		t.Errorf("%d values, %d columns", len(vals), len(header))
	}
	if vals[1] != "8" || vals[len(vals)-1] != "" {
		t.Errorf("values: %q", lines[1])
	}
}

func TestTextWriter_Status(t *testing.T) {
	var buf bytes.Buffer
	tw := newTextWriter(&buf)
	st := &dish.Status{
		Time: time.Unix(0, 0), ID: "ut01", State: "CONNECTED",
		Alerts: map[string]bool{"motors_stuck": true, "thermal_throttle": false},
	}
	tw.WriteStatus(st, []string{dish.GroupAlertDetail})
	st2 := &dish.Status{Time: time.Unix(1, 0), ID: "ut01", State: "SEARCHING", Alerts: map[string]bool{"thermal_throttle": true}}
	tw.WriteStatus(st2, []string{dish.GroupAlertDetail})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("%d lines:\n%s", len(lines), buf.String())
	}
	if lines[0] != "datetimestamp_utc,id,hardware_version,software_version,state,alert_motors_stuck,alert_thermal_throttle" {
		t.Errorf("header: %q", lines[0])
	}
	if lines[1] != "1970-01-01T00:00:00,ut01,,,CONNECTED,1,0" {
		t.Errorf("first status: %q", lines[1])
	}
	if lines[2] != "1970-01-01T00:00:01,ut01,,,SEARCHING,,1" {
		t.Errorf("second status: %q", lines[2])
	}
}

func TestPromNamespace(t *testing.T) {
	for in, out := range map[string]string{
		"starlink":  "starlink",
		"my.dish-1": "my_dish_1",
		"1dish":     "_1dish",
		"":          "",
	} {
		if got := promNamespace(in); got != out {
			t.Errorf("promNamespace(%q) = %q, expected %q", in, got, out)
		}
	}
}

func Test_Init(t *testing.T) {
	save_readConfig := readConfig
	readConfig = func(cfgPath string) (*Config, error) {
		return &Config{HistoryFile: "fake", HttpListenSpec: "127.0.0.1:0", Modes: []string{stats.GroupGeneral, dish.GroupStatus, ModeObstructionMap}}, nil
	}
	save_savePid := savePid
	savePid = func(pidPath string) error { return nil }

	f := &fakeFetcher{
		snaps:  []*history.Snapshot{snapshot(t, 100, 50)},
		maps:   []*obstruction.Map{{Rows: 1, Cols: 1, SNR: []float64{1}}},
		status: &dish.Status{Time: time.Unix(1600000000, 0), State: "CONNECTED"},
	}
	save_newFetcher := newFetcher
	newFetcher = func(cfg *Config) dish.Fetcher { return f }

	var st *stack
	save_initStack := initStack
	initStack = func(cfg *Config, once bool) (*stack, error) {
		var err error
		st, err = save_initStack(cfg, once)
		return st, err
	}

	defer func() {
		readConfig = save_readConfig
		savePid = save_savePid
		newFetcher = save_newFetcher
		initStack = save_initStack
	}()

	cfg := Init("", true)
	if cfg == nil || st == nil {
		t.Fatalf("Init() failed")
	}
	if !st.poller.cursor.Valid || st.poller.cursor.LastIndex != 100 {
		t.Errorf("cursor = %v", st.poller.cursor)
	}
	if st.poller.Grid() == nil {
		t.Errorf("obstruction map not polled")
	}
	// memory store and exporter
	if len(st.sinks.records) != 2 {
		t.Errorf("%d record sinks", len(st.sinks.records))
	}
	rs, ok := st.sinks.records[0].(interface{ Records() []*stats.Record })
	if !ok || len(rs.Records()) != 1 {
		t.Errorf("record not stored in memory")
	}
	// memory store, exporter
	if len(st.sinks.statuses) != 2 || len(st.sinks.rows) != 1 {
		t.Errorf("%d status sinks, %d bulk sinks", len(st.sinks.statuses), len(st.sinks.rows))
	}
	ss, ok := st.sinks.statuses[0].(interface{ Status() *dish.Status })
	if !ok || ss.Status() != f.status {
		t.Errorf("status not stored in memory")
	}
}

func TestServeMux(t *testing.T) {
	mem, err := serde.NewMemSerDe(10)
	if err != nil {
		t.Fatal(err)
	}
	mem.WriteStatus(&dish.Status{Time: time.Unix(0, 0), State: "CONNECTED"}, nil)
	mux := newServeMux(nil, mem, mem, mem, nil)
	for path, code := range map[string]int{
		"/ping":        http.StatusOK,
		"/records":     http.StatusOK,
		"/status":      http.StatusOK,
		"/history":     http.StatusOK,
		"/obstruction": http.StatusNotFound,
		"/metrics":     http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != code {
			t.Errorf("%s: %d, expected %d", path, rec.Code, code)
		}
	}
}
