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

// Package graphite sends statistics records and dish status to a
// carbon server, either in the plaintext or in the pickle protocol.
package graphite

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	pickle "github.com/hydrogen18/stalecucumber"

	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/misc"
	"github.com/tgres/dishstat/stats"
)

// DefaultTimeout applies to both connecting and writing.
const DefaultTimeout = 10 * time.Second

// Sender is a connection to carbon. The connection is established
// lazily and re-established on the next write after an error.
type Sender struct {
	addr    string
	prefix  string
	pickle  bool
	Timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTextSender returns a Sender using the plaintext protocol,
// "<path> <value> <timestamp>\n" per metric.
func NewTextSender(addr, prefix string) *Sender {
	return &Sender{addr: addr, prefix: prefix, Timeout: DefaultTimeout}
}

// NewPickleSender returns a Sender using the pickle protocol, which
// sends all metrics of a record in a single length-prefixed message.
func NewPickleSender(addr, prefix string) *Sender {
	return &Sender{addr: addr, prefix: prefix, pickle: true, Timeout: DefaultTimeout}
}

type metric struct {
	path  string
	ts    int64
	value float64
}

// Graphite has no notion of NULL, so NoData is skipped.
func (s *Sender) metrics(ts int64, fields []stats.Field) []metric {
	var result []metric
	for _, f := range fields {
		if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
			continue
		}
		result = append(result, metric{path: s.path(f.Group, f.Name), ts: ts, value: f.Value})
	}
	return result
}

func (s *Sender) path(group, name string) string {
	parts := make([]string, 0, 3)
	if s.prefix != "" {
		parts = append(parts, misc.SanitizeName(s.prefix))
	}
	return strings.Join(append(parts, misc.SanitizeName(group), misc.SanitizeName(name)), ".")
}

func encodeText(metrics []metric) []byte {
	var buf bytes.Buffer
	for _, m := range metrics {
		fmt.Fprintf(&buf, "%s %s %d\n", m.path, strconv.FormatFloat(m.value, 'f', -1, 64), m.ts)
	}
	return buf.Bytes()
}

func encodePickle(metrics []metric) ([]byte, error) {
	items := make([]interface{}, len(metrics))
	for i, m := range metrics {
		items[i] = []interface{}{m.path, []interface{}{m.ts, m.value}}
	}
	var body bytes.Buffer
	if _, err := pickle.NewPickler(&body).Pickle(items); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(body.Len()))
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

// WriteRecord sends the fields of the record in groups (all groups if
// empty).
func (s *Sender) WriteRecord(rec *stats.Record, groups []string) error {
	return s.send(s.metrics(rec.General.Time.Unix(), rec.Fields(groups...)))
}

// WriteStatus sends the numeric status fields, e.g.
// <prefix>.status.uptime.
func (s *Sender) WriteStatus(st *dish.Status, groups []string) error {
	return s.send(s.metrics(st.Time.Unix(), st.Fields(groups...)))
}

func (s *Sender) send(metrics []metric) error {
	if len(metrics) == 0 {
		return nil
	}

	var (
		data []byte
		err  error
	)
	if s.pickle {
		if data, err = encodePickle(metrics); err != nil {
			return err
		}
	} else {
		data = encodeText(metrics)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		if s.conn, err = net.DialTimeout("tcp", s.addr, s.Timeout); err != nil {
			s.conn = nil
			return fmt.Errorf("graphite: connecting to %s: %v", s.addr, err)
		}
		log.Printf("graphite: connected to %s (pickle: %v)", s.addr, s.pickle)
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.Timeout))
	if _, err = s.conn.Write(data); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("graphite: writing to %s: %v", s.addr, err)
	}
	return nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
