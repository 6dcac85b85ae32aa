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
	"fmt"
	"strconv"
)

// Stat group names, these are also the names of the "modes" in the
// config file.
const (
	GroupGeneral       = "general"
	GroupPingDrop      = "ping_drop"
	GroupRunLength     = "ping_run_length"
	GroupLatency       = "ping_latency"
	GroupLoadedLatency = "ping_loaded_latency"
	GroupUsage         = "usage"
	GroupObstruction   = "obstruction"
)

// Groups lists all groups in the order Fields() emits them.
var Groups = []string{
	GroupGeneral, GroupPingDrop, GroupRunLength, GroupLatency,
	GroupLoadedLatency, GroupUsage, GroupObstruction,
}

// ValidGroup tells whether name is a known group.
func ValidGroup(name string) bool {
	for _, g := range Groups {
		if g == name {
			return true
		}
	}
	return false
}

// Field is a single named value of a Record.
type Field struct {
	Group string
	Name  string
	Value float64
}

// Fields flattens the record into a list of fields in a stable
// order. If groups is empty, all groups are included.
func (r *Record) Fields(groups ...string) []Field {
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

	var result []Field
	add := func(group, name string, v float64) {
		result = append(result, Field{Group: group, Name: name, Value: v})
	}
	addInt := func(group, name string, v int64) { add(group, name, float64(v)) }

	if want(GroupGeneral) {
		g := GroupGeneral
		addInt(g, "samples", r.General.Samples)
		addInt(g, "start_counter", r.General.Start)
		addInt(g, "end_counter", r.General.End)
		addInt(g, "lost_samples", r.General.Lost)
		addInt(g, "polls", int64(r.General.Polls))
		addInt(g, "discontinuities", int64(r.General.Discontinuities))
	}

	if want(GroupPingDrop) {
		g, pd := GroupPingDrop, &r.PingDrop
		addInt(g, "count_success", pd.Success)
		addInt(g, "count_drop", pd.Drops)
		addInt(g, "count_unscheduled", pd.Unscheduled)
		add(g, "loss_ratio", pd.LossRatio)
		add(g, "total_ping_drop", pd.TotalPingDrop)
		add(g, "drop_ratio", pd.DropRatio)
		addInt(g, "count_full_ping_drop", pd.CountFullPingDrop)
		addInt(g, "count_obstructed", pd.CountObstructed)
		add(g, "total_obstructed_ping_drop", pd.TotalObstructedPingDrop)
		addInt(g, "count_full_obstructed_ping_drop", pd.CountFullObstructedPingDrop)
		add(g, "total_unscheduled_ping_drop", pd.TotalUnscheduledPingDrop)
		addInt(g, "count_full_unscheduled_ping_drop", pd.CountFullUnscheduledPingDrop)
	}

	if want(GroupRunLength) {
		runFields(GroupRunLength, "run", &r.RunLength, add)
	}

	if want(GroupLatency) {
		g, l := GroupLatency, &r.Latency
		addInt(g, "samples_all_ping_latency", l.SamplesAll)
		add(g, "mean_all_ping_latency", l.MeanAll)
		for k, v := range l.DecilesAll {
			add(g, "deciles_all_ping_latency_"+strconv.Itoa(k), v)
		}
		addInt(g, "samples_full_ping_latency", l.SamplesFull)
		add(g, "mean_full_ping_latency", l.MeanFull)
		for k, v := range l.DecilesFull {
			add(g, "deciles_full_ping_latency_"+strconv.Itoa(k), v)
		}
		add(g, "stdev_full_ping_latency", l.StdevFull)
	}

	if want(GroupLoadedLatency) {
		g, ll := GroupLoadedLatency, &r.LoadedLatency
		summaryFields := func(prefix string, s *LatencySummary) {
			addInt(g, prefix+"_samples", s.Samples)
			add(g, prefix+"_mean_ping_latency", s.Mean)
			add(g, prefix+"_min_ping_latency", s.Min)
			add(g, prefix+"_median_ping_latency", s.Median)
			add(g, prefix+"_max_ping_latency", s.Max)
		}
		summaryFields("loaded", &ll.Loaded)
		summaryFields("unloaded", &ll.Unloaded)
		for k := range ll.Buckets {
			b := &ll.Buckets[k]
			addInt(g, fmt.Sprintf("load_bucket_samples_%d", k), b.Samples)
			add(g, fmt.Sprintf("load_bucket_min_latency_%d", k), b.Min)
			add(g, fmt.Sprintf("load_bucket_median_latency_%d", k), b.Median)
			add(g, fmt.Sprintf("load_bucket_max_latency_%d", k), b.Max)
		}
	}

	if want(GroupUsage) {
		g, u := GroupUsage, &r.Usage
		addInt(g, "download_usage", u.DownloadBytes)
		addInt(g, "upload_usage", u.UploadBytes)
		addInt(g, "loaded_download_usage", u.LoadedDownloadBytes)
		addInt(g, "loaded_upload_usage", u.LoadedUploadBytes)
		addInt(g, "unloaded_download_usage", u.UnloadedDownloadBytes)
		addInt(g, "unloaded_upload_usage", u.UnloadedUploadBytes)
	}

	if want(GroupObstruction) {
		g, o := GroupObstruction, &r.Obstruction
		addInt(g, "flagged_samples", o.Samples)
		addInt(g, "obstructed_samples", o.Obstructed)
		add(g, "obstructed_fraction", o.Fraction)
		runFields(g, "episode", &o.Episodes, add)
	}

	return result
}

func runFields(group, prefix string, r *Runs, add func(string, string, float64)) {
	add(group, "init_"+prefix+"_fragment", float64(r.InitFragment))
	add(group, "final_"+prefix+"_fragment", float64(r.FinalFragment))
	for k, key := range r.Keys {
		add(group, prefix+"_count_"+key, float64(r.Count[k]))
		add(group, prefix+"_seconds_"+key, float64(r.Seconds[k]))
	}
}

// Map returns the fields as a name to value map.
func (r *Record) Map(groups ...string) map[string]float64 {
	fields := r.Fields(groups...)
	result := make(map[string]float64, len(fields))
	for _, f := range fields {
		result[f.Name] = f.Value
	}
	return result
}
