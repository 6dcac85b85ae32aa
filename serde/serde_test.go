//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
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

package serde

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kisielk/whisper-go/whisper"

	"github.com/tgres/dishstat/bulk"
	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/history"
	"github.com/tgres/dishstat/stats"
)

func testRecord(t *testing.T, at time.Time, start, end int64) *stats.Record {
	var samples []history.Sample
	for i := start; i < end; i++ {
		s := history.Sample{Index: i, PingLatencyMs: 30, DownlinkBps: 8000, UplinkBps: 800, Scheduled: true}
		if i%4 == 0 {
			s.PingDropRate = 1
		}
		samples = append(samples, s)
	}
	res := history.Resolution{Window: history.Window{Start: start, End: end}}
	return stats.Compute(stats.DefaultConfig(), res, samples, at).Finalize()
}

func testRows(t *testing.T, offset, n int64, at time.Time) *bulk.Rows {
	fields := make(map[string][]float64)
	for _, name := range history.RequiredFields {
		fields[name] = make([]float64, 900)
		for i := range fields[name] {
			fields[name][i] = float64(i)
		}
	}
	snap, err := history.NewSnapshot(offset, fields)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := bulk.Emit(snap, history.Window{Start: offset - n, End: offset}, at)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestMemSerDe(t *testing.T) {
	m, err := NewMemSerDe(2)
	if err != nil {
		t.Fatal(err)
	}
	var _ RecordWriter = m
	var _ BulkWriter = m
	var _ StatusWriter = m

	if len(m.Records()) != 0 || m.Status() != nil {
		t.Errorf("empty store is not empty")
	}

	now := time.Unix(1600000000, 0)
	for i := int64(0); i < 3; i++ {
		if err := m.WriteRecord(testRecord(t, now.Add(time.Duration(i)*time.Minute), i*10, i*10+10), nil); err != nil {
			t.Fatal(err)
		}
	}
	recs := m.Records()
	if len(recs) != 2 {
		t.Fatalf("%d records, expected 2", len(recs))
	}
	if recs[0].General.End != 20 || recs[1].General.End != 30 {
		t.Errorf("wrong records kept or wrong order: %d %d", recs[0].General.End, recs[1].General.End)
	}
	if m.Evictions() != 1 {
		t.Errorf("Evictions() = %d", m.Evictions())
	}

	if err := m.WriteRows(testRows(t, 1000, 5, now)); err != nil {
		t.Fatal(err)
	}
	if rows := m.Rows(); len(rows) != 2 || rows[1].Index != 999 || !rows[1].Time.Equal(now.Add(-time.Second)) {
		t.Errorf("Rows() kept %d", len(rows))
	}

	st := testStatus(now)
	if err := m.WriteStatus(st, nil); err != nil {
		t.Fatal(err)
	}
	if m.Status() != st {
		t.Errorf("Status() not the one written")
	}
}

func testStatus(at time.Time) *dish.Status {
	st := dish.UnreachableStatus(at)
	st.State = "CONNECTED"
	st.Uptime = 3600
	st.PingDropRate = 0.5
	st.Alerts = map[string]bool{"roaming": true}
	return st
}

// latestStats returns the most recent value of each field stored in
// the stats table.
func latestStats(t *testing.T, p *sqlSerDe) map[string]float64 {
	rows, err := p.dbConn.Query(fmt.Sprintf(
		"SELECT s.name, s.value FROM %[1]sstats s WHERE s.dish_id = %[2]s "+
			"AND s.ts = (SELECT max(t.ts) FROM %[1]sstats t WHERE t.dish_id = s.dish_id)",
		p.prefix, p.placeholders(1)), p.dishId)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	result := make(map[string]float64)
	for rows.Next() {
		var (
			name  string
			value sql.NullFloat64
		)
		if err := rows.Scan(&name, &value); err != nil {
			t.Fatal(err)
		}
		if value.Valid {
			result[name] = value.Float64
		} else {
			result[name] = math.NaN()
		}
	}
	return result
}

func TestSqlSerDe_Sqlite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dish.db")
	db, err := InitDb(DriverSqlite, path, "test_", "dish1")
	if err != nil {
		t.Fatalf("InitDb: %v", err)
	}
	defer db.Close()

	if cur, _, err := db.LastCounter(); err != nil || cur.Valid {
		t.Errorf("LastCounter() on empty db: %v %v", cur, err)
	}

	now := time.Unix(1600000000, 0)
	rec := testRecord(t, now, 0, 0) // empty window, lots of NoData
	if err := db.WriteRecord(rec, nil); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	rec = testRecord(t, now.Add(time.Minute), 0, 12)
	if err := db.WriteRecord(rec, []string{stats.GroupGeneral, stats.GroupPingDrop}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	latest := latestStats(t, db)
	if latest["samples"] != 12 || latest["count_drop"] != 3 {
		t.Errorf("latest stats: %v", latest)
	}
	if _, ok := latest["download_usage"]; ok {
		t.Errorf("group filter not applied")
	}

	if err := db.WriteStatus(testStatus(now.Add(2*time.Minute)), []string{dish.GroupStatus}); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	latest = latestStats(t, db)
	if latest["uptime"] != 3600 || !math.IsNaN(latest["pop_ping_latency_ms"]) {
		t.Errorf("latest status: %v", latest)
	}
	if _, ok := latest["alert_roaming"]; ok {
		t.Errorf("status group filter not applied")
	}

	if err := db.WriteRows(testRows(t, 1000, 10, now)); err != nil {
		t.Fatalf("WriteRows: %v", err)
	}
	cur, at, err := db.LastCounter()
	if err != nil {
		t.Fatal(err)
	}
	if cur != history.NewCursor(1000) || !at.Equal(now) {
		t.Errorf("LastCounter() = %v %v", cur, at)
	}

	// reopening keeps the data
	db2, err := InitDb(DriverSqlite, path, "test_", "dish1")
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	if cur, _, _ := db2.LastCounter(); cur.LastIndex != 1000 {
		t.Errorf("counter not persisted: %v", cur)
	}
	// a different dish has nothing
	db3, _ := InitDb(DriverSqlite, path, "test_", "dish2")
	defer db3.Close()
	if cur, _, _ := db3.LastCounter(); cur.Valid {
		t.Errorf("dish_id not respected")
	}

	if _, err := InitDb("mysql", "", "", ""); err == nil {
		t.Errorf("unsupported driver accepted")
	}
}

func TestNullable(t *testing.T) {
	if nullable(math.NaN()).Valid || nullable(math.Inf(1)).Valid || !nullable(0).Valid {
		t.Errorf("nullable broken")
	}
}

func TestWhisperSerDe(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewWhisperSerDe(dir, "", time.Millisecond, time.Hour); err == nil {
		t.Errorf("sub-second step accepted")
	}
	w, err := NewWhisperSerDe(dir, "my dish", time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().Truncate(time.Minute)
	rec := testRecord(t, now, 0, 60)
	if err := w.WriteRecord(rec, []string{stats.GroupPingDrop}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	path := filepath.Join(dir, "my_dish", "ping_drop", "count_drop.wsp")
	fd, err := os.Open(path)
	if err != nil {
		t.Fatalf("whisper file not created: %v", err)
	}
	defer fd.Close()
	wsp, err := whisper.OpenWhisper(fd)
	if err != nil {
		t.Fatal(err)
	}
	if len(wsp.Header.Archives) != 1 || wsp.Header.Archives[0].SecondsPerPoint != 60 || wsp.Header.Archives[0].Points != 1440 {
		t.Errorf("archives: %+v", wsp.Header.Archives)
	}
	points, err := wsp.DumpArchive(0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range points {
		if p.Timestamp == uint32(now.Unix()) {
			found = true
			if p.Value != 15 {
				t.Errorf("count_drop = %v, expected 15", p.Value)
			}
		}
	}
	if !found {
		t.Errorf("point not written")
	}

	if err := w.WriteStatus(testStatus(now), nil); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "my_dish", "status", "uptime.wsp")); err != nil {
		t.Errorf("status file not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "my_dish", "status", "pop_ping_latency_ms.wsp")); err == nil {
		t.Errorf("NoData status field written")
	}

	// NoData fields are not written at all
	if err := w.WriteRecord(testRecord(t, now, 0, 0), []string{stats.GroupPingDrop}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "my_dish", "ping_drop", "loss_ratio.wsp")); err != nil {
		t.Errorf("loss_ratio.wsp should exist from the first record: %v", err)
	}
}
