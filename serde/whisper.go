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
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kisielk/whisper-go/whisper"

	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/misc"
	"github.com/tgres/dishstat/stats"
)

// whisperSerDe keeps one whisper file per record field, laid out the
// way graphite does it: <dir>/<prefix>/<group>/<name>.wsp.
type whisperSerDe struct {
	*sync.Mutex
	dir      string
	prefix   string
	archives []whisper.ArchiveInfo
}

// NewWhisperSerDe returns a SerDe writing whisper files under dir. New
// files are created with a single archive of the given resolution and
// retention.
func NewWhisperSerDe(dir, prefix string, step, retention time.Duration) (*whisperSerDe, error) {
	if step < time.Second {
		return nil, fmt.Errorf("whisper step must be at least 1s, got %v", step)
	}
	if retention < step {
		return nil, fmt.Errorf("whisper retention %v is shorter than step %v", retention, step)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	spp := uint32(step / time.Second)
	return &whisperSerDe{
		Mutex:  &sync.Mutex{},
		dir:    dir,
		prefix: prefix,
		archives: []whisper.ArchiveInfo{
			{SecondsPerPoint: spp, Points: uint32(retention/time.Second) / spp},
		},
	}, nil
}

func (w *whisperSerDe) path(group, name string) string {
	parts := []string{w.dir}
	if w.prefix != "" {
		parts = append(parts, misc.SanitizeName(w.prefix))
	}
	parts = append(parts, misc.SanitizeName(group), misc.SanitizeName(name)+".wsp")
	return filepath.Join(parts...)
}

func (w *whisperSerDe) open(path string) (*whisper.Whisper, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		return whisper.Create(path, w.archives, whisper.CreateOptions{
			XFilesFactor:      0.5,
			AggregationMethod: whisper.AggregationAverage,
		})
	}
	return whisper.Open(path)
}

// WriteRecord updates one file per field. Whisper has no notion of
// NULL, NoData values are simply not written.
func (w *whisperSerDe) WriteRecord(rec *stats.Record, groups []string) error {
	return w.writeFields(uint32(rec.General.Time.Unix()), rec.Fields(groups...))
}

// WriteStatus writes the numeric status fields, status/<name>.wsp
// and so on.
func (w *whisperSerDe) WriteStatus(st *dish.Status, groups []string) error {
	return w.writeFields(uint32(st.Time.Unix()), st.Fields(groups...))
}

func (w *whisperSerDe) writeFields(ts uint32, fields []stats.Field) error {
	w.Lock()
	defer w.Unlock()

	for _, f := range fields {
		if math.IsNaN(f.Value) {
			continue
		}
		wsp, err := w.open(w.path(f.Group, f.Name))
		if err != nil {
			return err
		}
		err = wsp.UpdateMany([]whisper.Point{{Timestamp: ts, Value: f.Value}})
		wsp.Close()
		if err != nil {
			return fmt.Errorf("whisper %s: %v", f.Name, err)
		}
	}
	return nil
}
