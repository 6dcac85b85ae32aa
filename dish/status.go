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

package dish

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/tgres/dishstat/stats"
)

// Status groups, these are also modes in the config file.
const (
	GroupStatus            = "status"
	GroupObstructionDetail = "obstruction_detail"
	GroupAlertDetail       = "alert_detail"
)

var StatusGroups = []string{GroupStatus, GroupObstructionDetail, GroupAlertDetail}

func ValidStatusGroup(name string) bool {
	for _, g := range StatusGroups {
		if g == name {
			return true
		}
	}
	return false
}

// State reported when the status could not be fetched.
const StateUnreachable = "DISH_UNREACHABLE"

// Status is the current state of the dish, as opposed to its
// history. Values the dish did not report are NoData.
type Status struct {
	Time time.Time

	ID              string
	HardwareVersion string
	SoftwareVersion string
	State           string // CONNECTED, SEARCHING or the outage cause

	Uptime                     float64
	SecondsToFirstNonemptySlot float64
	PingDropRate               float64
	DownlinkBps                float64
	UplinkBps                  float64
	PingLatencyMs              float64
	ActiveAlerts               float64
	FractionObstructed         float64
	CurrentlyObstructed        float64
	ObstructionDuration        float64
	ObstructionInterval        float64
	Azimuth                    float64
	Elevation                  float64
	SnrAboveNoiseFloor         float64

	// obstruction_detail
	WedgeFractions    []float64 // wedge_abs_fraction_obstructed
	RawWedgeFractions []float64 // wedge_fraction_obstructed
	ValidSeconds      float64

	// alert_detail, alert name (snake case) to whether it is active
	Alerts map[string]bool
}

// UnreachableStatus is what gets recorded when the dish does not
// respond.
func UnreachableStatus(at time.Time) *Status {
	nan := stats.NoData()
	return &Status{
		Time:  at,
		State: StateUnreachable,

		Uptime: nan, SecondsToFirstNonemptySlot: nan, PingDropRate: nan,
		DownlinkBps: nan, UplinkBps: nan, PingLatencyMs: nan, ActiveAlerts: nan,
		FractionObstructed: nan, CurrentlyObstructed: nan,
		ObstructionDuration: nan, ObstructionInterval: nan,
		Azimuth: nan, Elevation: nan, SnrAboveNoiseFloor: nan,
		ValidSeconds: nan,
	}
}

// AlertNames returns the names of the alerts reported, sorted.
func (s *Status) AlertNames() []string {
	names := make([]string, 0, len(s.Alerts))
	for name := range s.Alerts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Fields flattens the numeric part of the status, in the same form as
// stats.Record.Fields(), so that it can go to the same sinks. If
// groups is empty, all status groups are included.
func (s *Status) Fields(groups ...string) []stats.Field {
	want := func(g string) bool {
		if len(groups) == 0 {
			return true
		}
		for _, w := range groups {
			if w == g {
				return true
			}
		}
		return false
	}

	var result []stats.Field
	add := func(group, name string, v float64) {
		result = append(result, stats.Field{Group: group, Name: name, Value: v})
	}

	if want(GroupStatus) {
		g := GroupStatus
		add(g, "uptime", s.Uptime)
		add(g, "seconds_to_first_nonempty_slot", s.SecondsToFirstNonemptySlot)
		add(g, "pop_ping_drop_rate", s.PingDropRate)
		add(g, "downlink_throughput_bps", s.DownlinkBps)
		add(g, "uplink_throughput_bps", s.UplinkBps)
		add(g, "pop_ping_latency_ms", s.PingLatencyMs)
		add(g, "alerts", s.ActiveAlerts)
		add(g, "fraction_obstructed", s.FractionObstructed)
		add(g, "currently_obstructed", s.CurrentlyObstructed)
		add(g, "obstruction_duration", s.ObstructionDuration)
		add(g, "obstruction_interval", s.ObstructionInterval)
		add(g, "direction_azimuth", s.Azimuth)
		add(g, "direction_elevation", s.Elevation)
		add(g, "is_snr_above_noise_floor", s.SnrAboveNoiseFloor)
	}

	if want(GroupObstructionDetail) {
		g := GroupObstructionDetail
		for i, v := range s.WedgeFractions {
			add(g, "wedges_fraction_obstructed_"+strconv.Itoa(i), v)
		}
		for i, v := range s.RawWedgeFractions {
			add(g, "raw_wedges_fraction_obstructed_"+strconv.Itoa(i), v)
		}
		add(g, "valid_s", s.ValidSeconds)
	}

	if want(GroupAlertDetail) {
		for _, name := range s.AlertNames() {
			add(GroupAlertDetail, "alert_"+name, boolValue(s.Alerts[name]))
		}
	}
	return result
}

// snakeCase turns a proto3 JSON name into the proto field name,
// "motorsStuck" -> "motors_stuck".
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func floats(v gjson.Result) []float64 {
	var result []float64
	for _, x := range v.Array() {
		result = append(result, number(x))
	}
	return result
}

// ParseStatus parses a get_status response, whole or just the
// dishGetStatus object. at is the time the status was fetched.
func ParseStatus(data []byte, at time.Time) (*Status, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("status: invalid JSON")
	}
	st := gjson.ParseBytes(data)
	if inner := st.Get("dishGetStatus"); inner.Exists() {
		st = inner
	}
	if !st.IsObject() {
		return nil, fmt.Errorf("status: not an object")
	}

	s := &Status{
		Time:            at,
		ID:              st.Get("deviceInfo.id").String(),
		HardwareVersion: st.Get("deviceInfo.hardwareVersion").String(),
		SoftwareVersion: st.Get("deviceInfo.softwareVersion").String(),
		State:           "CONNECTED",

		// proto3 JSON omits zero values, Float() of a missing
		// value is 0, which is what it was.
		Uptime:                     st.Get("deviceState.uptimeS").Float(),
		SecondsToFirstNonemptySlot: st.Get("secondsToFirstNonemptySlot").Float(),
		PingDropRate:               st.Get("popPingDropRate").Float(),
		DownlinkBps:                st.Get("downlinkThroughputBps").Float(),
		UplinkBps:                  st.Get("uplinkThroughputBps").Float(),
		PingLatencyMs:              st.Get("popPingLatencyMs").Float(),
		FractionObstructed:         st.Get("obstructionStats.fractionObstructed").Float(),
		CurrentlyObstructed:        number(st.Get("obstructionStats.currentlyObstructed")),
		Azimuth:                    st.Get("boresightAzimuthDeg").Float(),
		Elevation:                  st.Get("boresightElevationDeg").Float(),
		SnrAboveNoiseFloor:         number(st.Get("isSnrAboveNoiseFloor")),

		WedgeFractions:    floats(st.Get("obstructionStats.wedgeAbsFractionObstructed")),
		RawWedgeFractions: floats(st.Get("obstructionStats.wedgeFractionObstructed")),
		ValidSeconds:      st.Get("obstructionStats.validS").Float(),

		Alerts: make(map[string]bool),
	}

	if outage := st.Get("outage"); outage.Exists() {
		switch cause := outage.Get("cause").String(); cause {
		case "NO_SCHEDULE":
			s.State = "SEARCHING"
		case "":
			s.State = "UNKNOWN"
		default:
			s.State = cause
		}
	}

	// Prolonged obstruction averages are meaningless until one
	// was seen.
	duration := st.Get("obstructionStats.avgProlongedObstructionDurationS").Float()
	interval := st.Get("obstructionStats.avgProlongedObstructionIntervalS").Float()
	if duration > 0 && !math.IsNaN(interval) {
		s.ObstructionDuration, s.ObstructionInterval = duration, interval
	} else {
		s.ObstructionDuration, s.ObstructionInterval = stats.NoData(), stats.NoData()
	}

	st.Get("alerts").ForEach(func(k, v gjson.Result) bool {
		active := v.Bool()
		s.Alerts[snakeCase(k.String())] = active
		if active {
			s.ActiveAlerts++
		}
		return true
	})
	return s, nil
}
