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
	"bufio"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/tgres/dishstat/bulk"
	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/history"
	"github.com/tgres/dishstat/serde"
	"github.com/tgres/dishstat/stats"
)

// sinks fans records, status and bulk rows out to every configured
// destination. It is the RecordQueuer of the aggregator.
type sinks struct {
	groups       []string
	statusGroups []string
	records      []serde.RecordWriter
	statuses     []serde.StatusWriter
	rows         []serde.BulkWriter
	closers      []io.Closer
	failed       func(stage string)
}

func (s *sinks) addRecordWriter(w serde.RecordWriter) {
	s.records = append(s.records, w)
	if c, ok := w.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
}

func (s *sinks) addStatusWriter(w serde.StatusWriter) {
	s.statuses = append(s.statuses, w)
}

func (s *sinks) addBulkWriter(w serde.BulkWriter) {
	s.rows = append(s.rows, w)
}

func (s *sinks) fail(stage string) {
	if s.failed != nil {
		s.failed(stage)
	}
}

// QueueRecord writes the record to every sink. A failing sink does
// not prevent the others from getting the record.
func (s *sinks) QueueRecord(rec *stats.Record) {
	for _, w := range s.records {
		if err := w.WriteRecord(rec, s.groups); err != nil {
			log.Printf("QueueRecord(): %T: %v", w, err)
			s.fail("record")
		}
	}
}

// QueueStatus writes the status to every status sink.
func (s *sinks) QueueStatus(st *dish.Status) {
	for _, w := range s.statuses {
		if err := w.WriteStatus(st, s.statusGroups); err != nil {
			log.Printf("QueueStatus(): %T: %v", w, err)
			s.fail("status")
		}
	}
}

// writeRows gives every bulk sink its own pass over the rows, since a
// bulk.Rows can only be consumed once. The error is that of the last
// failing sink.
func (s *sinks) writeRows(emit func() (*bulk.Rows, error)) error {
	var lastErr error
	for _, w := range s.rows {
		rows, err := emit()
		if err != nil {
			return err
		}
		if err := w.WriteRows(rows); err != nil {
			log.Printf("writeRows(): %T: %v", w, err)
			s.fail("bulk")
			lastErr = err
		}
	}
	return lastErr
}

func (s *sinks) close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			log.Printf("close(): %T: %v", c, err)
		}
	}
}

// textWriter prints records, status and bulk rows as CSV, one line
// per record, status or row. It is what -once uses when nothing else
// is configured. Each kind gets its header once, columns stay as in
// the header.
type textWriter struct {
	mu         sync.Mutex
	w          *bufio.Writer
	recHeader  bool
	statusCols []string // nil until the header is written
	rowHeader  bool
}

const textTimeFormat = "2006-01-02T15:04:05"

func newTextWriter(w io.Writer) *textWriter {
	return &textWriter{w: bufio.NewWriter(w)}
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (t *textWriter) WriteRecord(rec *stats.Record, groups []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fields := rec.Fields(groups...)
	if !t.recHeader {
		names := []string{"datetimestamp_utc"}
		for _, f := range fields {
			names = append(names, f.Name)
		}
		fmt.Fprintln(t.w, strings.Join(names, ","))
		t.recHeader = true
	}
	vals := []string{rec.General.Time.UTC().Format(textTimeFormat)}
	for _, f := range fields {
		vals = append(vals, formatValue(f.Value))
	}
	fmt.Fprintln(t.w, strings.Join(vals, ","))
	return t.w.Flush()
}

// WriteStatus prints the identity and state of the dish followed by
// the numeric fields. The set of alerts depends on the firmware, the
// columns are those of the first status, alerts showing up later are
// left out and missing ones left empty.
func (t *textWriter) WriteStatus(st *dish.Status, groups []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fields := st.Fields(groups...)
	if t.statusCols == nil {
		t.statusCols = make([]string, 0, len(fields))
		for _, f := range fields {
			t.statusCols = append(t.statusCols, f.Name)
		}
		fmt.Fprintln(t.w, "datetimestamp_utc,id,hardware_version,software_version,state,"+strings.Join(t.statusCols, ","))
	}
	byName := make(map[string]float64, len(fields))
	for _, f := range fields {
		byName[f.Name] = f.Value
	}
	vals := []string{st.Time.UTC().Format(textTimeFormat), st.ID, st.HardwareVersion, st.SoftwareVersion, st.State}
	for _, name := range t.statusCols {
		if v, ok := byName[name]; ok {
			vals = append(vals, formatValue(v))
		} else {
			vals = append(vals, "")
		}
	}
	fmt.Fprintln(t.w, strings.Join(vals, ","))
	return t.w.Flush()
}

// WriteRows prints every known history field, whether or not the dish
// sends it, so that the columns do not shift when optional fields
// come and go.
func (t *textWriter) WriteRows(rows *bulk.Rows) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cols := history.AllFields()
	if !t.rowHeader {
		fmt.Fprintln(t.w, "datetimestamp_utc,counter,"+strings.Join(cols, ","))
		t.rowHeader = true
	}
	for rows.Next() {
		row := rows.Row()
		vals := []string{row.Time.UTC().Format(textTimeFormat), strconv.FormatInt(row.Index, 10)}
		for _, name := range cols {
			if v, ok := row.Values[name]; ok {
				vals = append(vals, formatValue(v))
			} else {
				vals = append(vals, "")
			}
		}
		fmt.Fprintln(t.w, strings.Join(vals, ","))
	}
	return t.w.Flush()
}
