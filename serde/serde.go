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

// Package serde stores statistics records, dish status and bulk
// history rows. A
// SerDe may support only some of the interfaces, e.g. whisper files
// cannot hold bulk rows.
package serde

import (
	"time"

	"github.com/tgres/dishstat/bulk"
	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/history"
	"github.com/tgres/dishstat/stats"
)

// RecordWriter stores finalized statistics records. Only the listed
// groups are stored, all of them if groups is empty.
type RecordWriter interface {
	WriteRecord(rec *stats.Record, groups []string) error
}

// StatusWriter stores dish status. Only the listed status groups are
// stored, all of them if groups is empty.
type StatusWriter interface {
	WriteStatus(st *dish.Status, groups []string) error
}

// BulkWriter stores the rows of a bulk window.
type BulkWriter interface {
	WriteRows(rows *bulk.Rows) error
}

// CounterReader knows the last sample counter stored, so that a
// restarted poller can pick up where it left off. An empty cursor
// means nothing was stored yet.
type CounterReader interface {
	LastCounter() (history.Cursor, time.Time, error)
}

// historyColumns are the bulk fields stored, in column order.
func historyColumns() []string { return history.AllFields() }
