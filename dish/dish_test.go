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

package dish

import (
	"context"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tgres/dishstat/history"
	"github.com/tgres/dishstat/obstruction"
)

const historyJSON = `{
  "apiVersion": "5",
  "dishGetHistory": {
    "current": "1004",
    "popPingDropRate": [0, 1, 0.5, 0],
    "popPingLatencyMs": [31.5, 0, 40, 22],
    "downlinkThroughputBps": [1000, 0, 25000.5, 7],
    "uplinkThroughputBps": [500, 0, 100, 0],
    "obstructed": [false, true, false, false]
  }
}`

const mapJSON = `{
  "dishGetObstructionMap": {
    "numRows": 2,
    "numCols": 3,
    "snr": [1, 1, -1, 0.5, 0, 1]
  }
}`

func TestParseHistory(t *testing.T) {
	snap, err := ParseHistory([]byte(historyJSON))
	if err != nil {
		t.Fatal(err)
	}
	if snap.WriteOffset() != 1004 || snap.Size() != 4 {
		t.Errorf("offset %d size %d", snap.WriteOffset(), snap.Size())
	}
	// 1004 mod 4 == 0, so index 1001 is slot 1
	if v := snap.At(history.PingDropRate, 1001); v != 1 {
		t.Errorf("drop rate at 1001 = %v", v)
	}
	if v := snap.At(history.Downlink, 1002); v != 25000.5 {
		t.Errorf("downlink at 1002 = %v", v)
	}
	s := snap.Sample(1001)
	if !s.HasObstructed || !s.Obstructed || s.HasScheduled {
		t.Errorf("flags: %+v", s)
	}
	if snap.Has(history.SNR) {
		t.Errorf("snr should be absent")
	}

	// just the inner object works too
	inner := `{"current": "2", "popPingDropRate": [0], "popPingLatencyMs": [1],
	           "downlinkThroughputBps": [2], "uplinkThroughputBps": [3]}`
	if snap, err = ParseHistory([]byte(inner)); err != nil || snap.WriteOffset() != 2 {
		t.Errorf("inner object: %v %v", snap, err)
	}
}

func TestParseHistory_Invalid(t *testing.T) {
	for _, data := range []string{
		`not json`,
		`{"dishGetHistory": {"current": "5", "popPingDropRate": [0]}}`,
		`{"dishGetHistory": {"current": "5", "popPingDropRate": 7, "popPingLatencyMs": [1],
		  "downlinkThroughputBps": [2], "uplinkThroughputBps": [3]}}`,
		`{"dishGetHistory": {"current": "5", "popPingDropRate": [0, 0], "popPingLatencyMs": [1],
		  "downlinkThroughputBps": [2], "uplinkThroughputBps": [3]}}`,
	} {
		if _, err := ParseHistory([]byte(data)); err == nil {
			t.Errorf("no error for %s", data)
		}
	}
}

func TestParseObstructionMap(t *testing.T) {
	m, err := ParseObstructionMap([]byte(mapJSON))
	if err != nil {
		t.Fatal(err)
	}
	if m.Rows != 2 || m.Cols != 3 || m.At(1, 0) != 0.5 || m.At(0, 2) != -1 {
		t.Errorf("map %+v", m)
	}
	if _, err := ParseObstructionMap([]byte(`{"numRows": 2, "numCols": 2, "snr": [1]}`)); err == nil {
		t.Errorf("short map accepted")
	}
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	hpath, mpath := filepath.Join(dir, "history.json"), filepath.Join(dir, "map.json")
	if err := ioutil.WriteFile(hpath, []byte(historyJSON), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(mpath, []byte(mapJSON), 0644); err != nil {
		t.Fatal(err)
	}

	var f Fetcher = &FileFetcher{HistoryPath: hpath, MapPath: mpath}
	snap, err := f.History(context.Background())
	if err != nil || snap.WriteOffset() != 1004 {
		t.Errorf("History: %v", err)
	}
	m, err := f.ObstructionMap(context.Background())
	if err != nil {
		t.Fatalf("ObstructionMap: %v", err)
	}
	g := obstruction.NewGrid(m.Rows, m.Cols)
	if err := g.Accumulate(m); err != nil {
		t.Errorf("Accumulate: %v", err)
	}

	if _, err := (&FileFetcher{HistoryPath: filepath.Join(dir, "nope")}).History(context.Background()); err == nil {
		t.Errorf("missing file did not cause an error")
	}
	if _, err := (&FileFetcher{HistoryPath: hpath}).ObstructionMap(context.Background()); err == nil {
		t.Errorf("unconfigured map file did not cause an error")
	}
}

func TestCommandFetcher_Args(t *testing.T) {
	f := &CommandFetcher{}
	args := f.args(historyRequest)
	exp := []string{"-plaintext", "-emit-defaults", "-d", `{"get_history":{}}`, "192.168.100.1:9200", HandleMethod}
	if len(args) != len(exp) {
		t.Fatalf("args %v", args)
	}
	for i := range exp {
		if args[i] != exp[i] {
			t.Errorf("arg %d: %q, expected %q", i, args[i], exp[i])
		}
	}
	f.Target = "dish:9201"
	if args := f.args(mapRequest); args[4] != "dish:9201" {
		t.Errorf("target not used: %v", args)
	}

	f.Grpcurl = filepath.Join(t.TempDir(), "no-such-grpcurl")
	if _, err := f.History(context.Background()); err == nil {
		t.Errorf("missing binary did not cause an error")
	}
}

const statusJSON = `{
  "apiVersion": "5",
  "dishGetStatus": {
    "deviceInfo": {"id": "ut01000000-00000000-00000000", "hardwareVersion": "rev2_proto3", "softwareVersion": "abc.uterm.release"},
    "deviceState": {"uptimeS": "86400"},
    "secondsToFirstNonemptySlot": 0.5,
    "popPingDropRate": 0.25,
    "downlinkThroughputBps": 12345.5,
    "uplinkThroughputBps": 678,
    "popPingLatencyMs": 31.25,
    "alerts": {"motorsStuck": false, "thermalThrottle": true, "roaming": false},
    "obstructionStats": {
      "fractionObstructed": 0.1,
      "wedgeFractionObstructed": [0, 0.5, 1],
      "wedgeAbsFractionObstructed": [0, 0.05, 0.1],
      "validS": 3600,
      "avgProlongedObstructionIntervalS": "NaN"
    },
    "boresightAzimuthDeg": -12.5,
    "boresightElevationDeg": 65,
    "isSnrAboveNoiseFloor": true
  }
}`

func TestParseStatus(t *testing.T) {
	at := time.Unix(1600000000, 0)
	s, err := ParseStatus([]byte(statusJSON), at)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "ut01000000-00000000-00000000" || s.HardwareVersion != "rev2_proto3" || s.State != "CONNECTED" || !s.Time.Equal(at) {
		t.Errorf("strings: %+v", s)
	}
	if s.Uptime != 86400 || s.PingDropRate != 0.25 || s.DownlinkBps != 12345.5 || s.SnrAboveNoiseFloor != 1 {
		t.Errorf("values: %+v", s)
	}
	// zero values are omitted by proto3 JSON
	if s.CurrentlyObstructed != 0 {
		t.Errorf("currently_obstructed = %v", s.CurrentlyObstructed)
	}
	// no prolonged obstruction seen
	if !math.IsNaN(s.ObstructionDuration) || !math.IsNaN(s.ObstructionInterval) {
		t.Errorf("obstruction duration/interval = %v/%v", s.ObstructionDuration, s.ObstructionInterval)
	}
	if s.ActiveAlerts != 1 || len(s.Alerts) != 3 || !s.Alerts["thermal_throttle"] {
		t.Errorf("alerts: %v %v", s.ActiveAlerts, s.Alerts)
	}
	if len(s.WedgeFractions) != 3 || s.WedgeFractions[2] != 0.1 || s.RawWedgeFractions[1] != 0.5 {
		t.Errorf("wedges: %v %v", s.WedgeFractions, s.RawWedgeFractions)
	}

	for outage, state := range map[string]string{
		`{"cause": "NO_SCHEDULE"}`: "SEARCHING",
		`{"cause": "OBSTRUCTED"}`:  "OBSTRUCTED",
		`{}`:                       "UNKNOWN",
	} {
		s, err := ParseStatus([]byte(`{"outage": `+outage+`}`), at)
		if err != nil {
			t.Errorf("outage %s: %v", outage, err)
			continue
		}
		if s.State != state {
			t.Errorf("outage %s: state %q, expected %q", outage, s.State, state)
		}
	}

	s, _ = ParseStatus([]byte(`{"obstructionStats": {"avgProlongedObstructionDurationS": 2.5, "avgProlongedObstructionIntervalS": 600}}`), at)
	if s.ObstructionDuration != 2.5 || s.ObstructionInterval != 600 {
		t.Errorf("prolonged obstruction: %v %v", s.ObstructionDuration, s.ObstructionInterval)
	}

	for _, data := range []string{`nope`, `[1,2]`} {
		if _, err := ParseStatus([]byte(data), at); err == nil {
			t.Errorf("%s accepted", data)
		}
	}
}

func TestStatus_Fields(t *testing.T) {
	s, err := ParseStatus([]byte(statusJSON), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	all := s.Fields()
	// 14 status, 3+3+1 obstruction detail, 3 alerts
	if len(all) != 24 {
		t.Errorf("%d fields", len(all))
	}
	byName := make(map[string]float64)
	for _, f := range s.Fields(GroupAlertDetail, GroupObstructionDetail) {
		if f.Group == GroupStatus {
			t.Errorf("status group not filtered out: %v", f)
		}
		byName[f.Name] = f.Value
	}
	if byName["alert_thermal_throttle"] != 1 || byName["alert_motors_stuck"] != 0 || byName["raw_wedges_fraction_obstructed_1"] != 0.5 || byName["valid_s"] != 3600 {
		t.Errorf("fields: %v", byName)
	}
	if names := s.AlertNames(); len(names) != 3 || names[0] != "motors_stuck" {
		t.Errorf("AlertNames() = %v", names)
	}

	u := UnreachableStatus(time.Now())
	if u.State != StateUnreachable {
		t.Errorf("state %q", u.State)
	}
	for _, f := range u.Fields() {
		if !math.IsNaN(f.Value) {
			t.Errorf("unreachable %s = %v", f.Name, f.Value)
		}
	}
}

func TestSnakeCase(t *testing.T) {
	for in, out := range map[string]string{
		"motorsStuck":                "motors_stuck",
		"roaming":                    "roaming",
		"powerSupplyThermalThrottle": "power_supply_thermal_throttle",
	} {
		if got := snakeCase(in); got != out {
			t.Errorf("snakeCase(%q) = %q, expected %q", in, got, out)
		}
	}
}

func TestFileFetcher_Status(t *testing.T) {
	spath := filepath.Join(t.TempDir(), "status.json")
	if err := ioutil.WriteFile(spath, []byte(statusJSON), 0644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Unix(1600000000, 0)
	if err := os.Chtimes(spath, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	var f Fetcher = &FileFetcher{StatusPath: spath}
	s, err := f.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !s.Time.Equal(mtime) || s.Uptime != 86400 {
		t.Errorf("status %v %v", s.Time, s.Uptime)
	}
	if _, err := (&FileFetcher{}).Status(context.Background()); err == nil {
		t.Errorf("unconfigured status file did not cause an error")
	}
}
