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

// Package http serves the statistics over HTTP: JSON for the recent
// records, bulk rows, dish status and the obstruction grid, and a
// Prometheus scrape endpoint.
package http

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/pretty"

	"github.com/tgres/dishstat/bulk"
	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/obstruction"
	"github.com/tgres/dishstat/stats"
)

// RecordSource provides the recent records, oldest first.
type RecordSource interface {
	Records() []*stats.Record
}

// StatusSource provides the most recent dish status, nil if there is
// none yet.
type StatusSource interface {
	Status() *dish.Status
}

// BulkSource provides the recent bulk history rows, oldest first.
type BulkSource interface {
	Rows() []*bulk.Row
}

// GridSource provides a snapshot of the obstruction grid, nil if no
// map was accumulated yet.
type GridSource interface {
	Grid() *obstruction.Grid
}

// value is a float64 which is null in JSON when NoData.
type value float64

func (v value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

type recordJson struct {
	Time   int64                       `json:"time"`
	Start  int64                       `json:"start_counter"`
	End    int64                       `json:"end_counter"`
	Groups map[string]map[string]value `json:"groups"`
}

func toRecordJson(rec *stats.Record, groups []string) recordJson {
	return recordJson{
		Time:   rec.General.Time.Unix(),
		Start:  rec.General.Start,
		End:    rec.General.End,
		Groups: groupsJson(rec.Fields(groups...)),
	}
}

func groupsJson(fields []stats.Field) map[string]map[string]value {
	result := make(map[string]map[string]value)
	for _, f := range fields {
		g := result[f.Group]
		if g == nil {
			g = make(map[string]value)
			result[f.Group] = g
		}
		g[f.Name] = value(f.Value)
	}
	return result
}

func writeJson(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("writeJson(): %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if r.FormValue("pretty") != "" {
		data = pretty.Pretty(data)
	}
	w.Write(data)
}

// RecordsHandler serves the recent records as a JSON list. The
// optional "group" parameter (comma separated, may repeat) limits the
// groups included, "last" limits the number of records.
func RecordsHandler(src RecordSource) http.HandlerFunc {
	return makeGzipHandler(func(w http.ResponseWriter, r *http.Request) {
		var groups []string
		for _, g := range r.Form["group"] {
			for _, name := range strings.Split(g, ",") {
				if !stats.ValidGroup(name) {
					http.Error(w, "unknown group: "+name, http.StatusBadRequest)
					return
				}
				groups = append(groups, name)
			}
		}
		recs := src.Records()
		n, ok := lastParam(w, r, len(recs))
		if !ok {
			return
		}
		recs = recs[len(recs)-n:]
		result := make([]recordJson, 0, len(recs))
		for _, rec := range recs {
			result = append(result, toRecordJson(rec, groups))
		}
		writeJson(w, r, result)
	})
}

// lastParam parses the "last" parameter, the number of most recent
// items wanted out of total. On error a 400 is sent and ok is false.
func lastParam(w http.ResponseWriter, r *http.Request, total int) (n int, ok bool) {
	s := r.FormValue("last")
	if s == "" {
		return total, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		http.Error(w, "invalid last: "+s, http.StatusBadRequest)
		return 0, false
	}
	if n > total {
		n = total
	}
	return n, true
}

type statusJson struct {
	Time            int64                       `json:"time"`
	ID              string                      `json:"id"`
	HardwareVersion string                      `json:"hardware_version"`
	SoftwareVersion string                      `json:"software_version"`
	State           string                      `json:"state"`
	Groups          map[string]map[string]value `json:"groups"`
}

// StatusHandler serves the most recent dish status. The "group"
// parameter works as for records, with the status group names.
func StatusHandler(src StatusSource) http.HandlerFunc {
	return makeGzipHandler(func(w http.ResponseWriter, r *http.Request) {
		var groups []string
		for _, g := range r.Form["group"] {
			for _, name := range strings.Split(g, ",") {
				if !dish.ValidStatusGroup(name) {
					http.Error(w, "unknown group: "+name, http.StatusBadRequest)
					return
				}
				groups = append(groups, name)
			}
		}
		st := src.Status()
		if st == nil {
			http.Error(w, "no status yet", http.StatusNotFound)
			return
		}
		writeJson(w, r, statusJson{
			Time:            st.Time.Unix(),
			ID:              st.ID,
			HardwareVersion: st.HardwareVersion,
			SoftwareVersion: st.SoftwareVersion,
			State:           st.State,
			Groups:          groupsJson(st.Fields(groups...)),
		})
	})
}

type rowJson struct {
	Time    int64            `json:"time"`
	Counter int64            `json:"counter"`
	Values  map[string]value `json:"values"`
}

// HistoryHandler serves the recent bulk history rows, "last" limits
// the number of rows.
func HistoryHandler(src BulkSource) http.HandlerFunc {
	return makeGzipHandler(func(w http.ResponseWriter, r *http.Request) {
		rows := src.Rows()
		n, ok := lastParam(w, r, len(rows))
		if !ok {
			return
		}
		rows = rows[len(rows)-n:]
		result := make([]rowJson, 0, len(rows))
		for _, row := range rows {
			rj := rowJson{Time: row.Time.Unix(), Counter: row.Index, Values: make(map[string]value, len(row.Values))}
			for name, v := range row.Values {
				rj.Values[name] = value(v)
			}
			result = append(result, rj)
		}
		writeJson(w, r, result)
	})
}

type gridJson struct {
	Rows      int       `json:"rows"`
	Cols      int       `json:"cols"`
	Maps      int64     `json:"maps"`
	Fractions [][]value `json:"fractions"`
	MeanSNR   [][]value `json:"mean_snr"`
}

// ObstructionHandler serves the accumulated obstruction grid: the
// fraction of maps in which each cell was obstructed and its mean
// SNR. Cells without data are null.
func ObstructionHandler(src GridSource) http.HandlerFunc {
	return makeGzipHandler(func(w http.ResponseWriter, r *http.Request) {
		g := src.Grid()
		if g == nil {
			http.Error(w, "no obstruction map yet", http.StatusNotFound)
			return
		}
		gj := gridJson{Rows: g.Rows(), Cols: g.Cols(), Maps: g.Maps()}
		for row, fractions := range g.Fractions() {
			frow, srow := make([]value, len(fractions)), make([]value, len(fractions))
			for col, f := range fractions {
				cell := g.Cell(row, col)
				frow[col], srow[col] = value(f), value(cell.MeanSNR())
			}
			gj.Fractions = append(gj.Fractions, frow)
			gj.MeanSNR = append(gj.MeanSNR, srow)
		}
		writeJson(w, r, gj)
	})
}

// Gzip Compression
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func makeGzipHandler(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			fn(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gzr := gzipResponseWriter{Writer: gz, ResponseWriter: w}
		fn(gzr, r)
	}
}
