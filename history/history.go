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

// Package history contains the logic for reconciling successive
// copies of the dish history ring buffer into windows of samples that
// are new since the last time we looked.
//
// Throughout documentation and code the following terms are used:
//
// Snapshot: One fetched copy of the ring buffer. Every field is an
// array of the same length N, the buffer capacity. N is whatever the
// dish sent, it is never assumed.
//
// Write Offset: The absolute number of samples the dish has written
// since it booted, irrespective of buffer wrap. Sample with absolute
// index i lives in slot i mod N. The most recent sample is at
// WriteOffset-1. One sample is one second.
//
// Cursor: The last write offset consumed. It belongs to the caller,
// who passes it in and gets an updated one back.
//
// Window: The half-open range [Start, End) of absolute indexes that
// are new since the cursor.
//
//  abs index:  ... 898 899 | 900 901 902 ...
//  slot:       ... 898 899 |   0   1   2 ...
//                          ^ wrap (N = 900)
//
// All the modulo arithmetic lives in this package, everything
// downstream works with absolute indexes and unwound samples.
package history

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Field names as they appear in the history data.
const (
	PingDropRate = "pop_ping_drop_rate"
	PingLatency  = "pop_ping_latency_ms"
	Downlink     = "downlink_throughput_bps"
	Uplink       = "uplink_throughput_bps"
	SNR          = "snr"
	Scheduled    = "scheduled"
	Obstructed   = "obstructed"
)

// RequiredFields must be present in every snapshot.
var RequiredFields = []string{PingDropRate, PingLatency, Downlink, Uplink}

// OptionalFields are no longer sent by current dish firmware, but are
// used when present.
var OptionalFields = []string{SNR, Scheduled, Obstructed}

// AllFields returns the required fields followed by the optional
// ones, the column order used by sinks with a fixed layout.
func AllFields() []string {
	all := make([]string, 0, len(RequiredFields)+len(OptionalFields))
	all = append(all, RequiredFields...)
	return append(all, OptionalFields...)
}

// InvalidSnapshotError is returned when a snapshot cannot be used for
// computing anything. The whole poll should be skipped.
type InvalidSnapshotError struct {
	Reason string
}

func (e *InvalidSnapshotError) Error() string {
	return "invalid snapshot: " + e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &InvalidSnapshotError{Reason: fmt.Sprintf(format, args...)}
}

// Snapshot is one copy of the dish ring buffer. Use NewSnapshot() to
// create one. A Snapshot is never modified after creation.
type Snapshot struct {
	writeOffset int64
	size        int64
	fields      map[string][]float64
}

// NewSnapshot validates the fields and returns a Snapshot. All field
// arrays must have the same non-zero length, which becomes the buffer
// size. The fields map is used as is and must not be modified by the
// caller afterwards.
func NewSnapshot(writeOffset int64, fields map[string][]float64) (*Snapshot, error) {
	if writeOffset < 0 {
		return nil, invalid("negative write offset %d", writeOffset)
	}
	for _, name := range RequiredFields {
		if _, ok := fields[name]; !ok {
			return nil, invalid("missing field %q", name)
		}
	}
	size := int64(-1)
	for _, name := range sortedNames(fields) {
		n := int64(len(fields[name]))
		if size == -1 {
			size = n
		} else if n != size {
			return nil, invalid("field %q has %d samples, expected %d", name, n, size)
		}
	}
	if size <= 0 {
		return nil, invalid("buffer length %d", size)
	}
	return &Snapshot{writeOffset: writeOffset, size: size, fields: fields}, nil
}

func sortedNames(fields map[string][]float64) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteOffset is the absolute counter one past the most recent sample.
func (s *Snapshot) WriteOffset() int64 { return s.writeOffset }

// Size is the ring buffer capacity N.
func (s *Snapshot) Size() int64 { return s.size }

// Valid returns the number of samples actually present in the
// buffer. This is less than Size() shortly after a reboot.
func (s *Snapshot) Valid() int64 {
	if s.writeOffset < s.size {
		return s.writeOffset
	}
	return s.size
}

// Has tells whether the snapshot carries the named field.
func (s *Snapshot) Has(field string) bool {
	_, ok := s.fields[field]
	return ok
}

// FieldNames returns the names of all fields in sorted order.
func (s *Snapshot) FieldNames() []string {
	return sortedNames(s.fields)
}

// At returns the value of field at absolute index i, or NaN if the
// field is not present.
func (s *Snapshot) At(field string, i int64) float64 {
	arr, ok := s.fields[field]
	if !ok {
		return math.NaN()
	}
	return arr[SlotIndex(i, s.size)]
}

// String is for debugging.
func (s *Snapshot) String() string {
	return fmt.Sprintf("Snapshot{offset: %d, size: %d, fields: %s}",
		s.writeOffset, s.size, strings.Join(s.FieldNames(), ","))
}

// SlotIndex returns the slot in a ring buffer of size n where the
// sample with absolute index i is stored. Size of zero causes a
// division by zero panic.
func SlotIndex(i, n int64) int64 {
	return ((i % n) + n) % n
}
