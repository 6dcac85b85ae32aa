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
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tgres/dishstat/bulk"
	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/stats"
)

type memSerDe struct {
	*sync.RWMutex
	records   *lru.Cache // sequence -> *stats.Record
	rows      *lru.Cache // sample time -> *bulk.Row
	status    *dish.Status
	seq       int64
	evictions int
}

// Returns a SerDe which keeps the most recent records and bulk rows
// in memory, at most size of each, and the latest status.
func NewMemSerDe(size int) (*memSerDe, error) {
	m := &memSerDe{RWMutex: &sync.RWMutex{}}
	var err error
	if m.records, err = lru.NewWithEvict(size, m.evicted); err != nil {
		return nil, fmt.Errorf("memory serde: %v", err)
	}
	if m.rows, err = lru.New(size); err != nil {
		return nil, fmt.Errorf("memory serde: %v", err)
	}
	return m, nil
}

func (m *memSerDe) evicted(_, _ interface{}) {
	// called from within Add(), which we do with the lock held
	m.evictions++
}

func (m *memSerDe) WriteRecord(rec *stats.Record, _ []string) error {
	m.Lock()
	defer m.Unlock()
	// Counters restart on reboot, so they cannot be the key.
	m.seq++
	m.records.Add(m.seq, rec)
	return nil
}

func (m *memSerDe) WriteRows(rows *bulk.Rows) error {
	m.Lock()
	defer m.Unlock()
	for rows.Next() {
		row := rows.Row()
		m.rows.Add(row.Time.UnixNano(), row)
	}
	return nil
}

// WriteStatus replaces the kept status. The groups only matter to
// readers, so the whole status is kept.
func (m *memSerDe) WriteStatus(st *dish.Status, _ []string) error {
	m.Lock()
	defer m.Unlock()
	m.status = st
	return nil
}

// Status returns the most recent status, or nil.
func (m *memSerDe) Status() *dish.Status {
	m.RLock()
	defer m.RUnlock()
	return m.status
}

// Records returns the stored records, oldest first.
func (m *memSerDe) Records() []*stats.Record {
	m.RLock()
	defer m.RUnlock()
	keys := m.records.Keys()
	result := make([]*stats.Record, 0, len(keys))
	for _, k := range keys {
		if v, ok := m.records.Peek(k); ok {
			result = append(result, v.(*stats.Record))
		}
	}
	return result
}

// Rows returns the stored bulk rows, oldest first.
func (m *memSerDe) Rows() []*bulk.Row {
	m.RLock()
	defer m.RUnlock()
	keys := m.rows.Keys()
	result := make([]*bulk.Row, 0, len(keys))
	for _, k := range keys {
		if v, ok := m.rows.Peek(k); ok {
			result = append(result, v.(*bulk.Row))
		}
	}
	return result
}

// Evictions is the number of records pushed out by newer ones.
func (m *memSerDe) Evictions() int {
	m.RLock()
	defer m.RUnlock()
	return m.evictions
}
