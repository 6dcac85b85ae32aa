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

package history

import "math"

// Sample is a single slot of the ring buffer, unwound. Optional fields
// that the snapshot did not carry are reported as unknown: SNR is NaN,
// HasScheduled and HasObstructed are false.
type Sample struct {
	Index         int64
	PingDropRate  float64
	PingLatencyMs float64
	DownlinkBps   float64
	UplinkBps     float64
	SNR           float64
	Scheduled     bool
	HasScheduled  bool
	Obstructed    bool
	HasObstructed bool
}

// Load is total throughput (down + up) in bits per second.
func (s *Sample) Load() float64 { return s.DownlinkBps + s.UplinkBps }

// Sample returns the sample at absolute index i.
func (s *Snapshot) Sample(i int64) Sample {
	slot := SlotIndex(i, s.size)
	smp := Sample{
		Index:         i,
		PingDropRate:  s.fields[PingDropRate][slot],
		PingLatencyMs: s.fields[PingLatency][slot],
		DownlinkBps:   s.fields[Downlink][slot],
		UplinkBps:     s.fields[Uplink][slot],
		SNR:           math.NaN(),
		Scheduled:     true,
	}
	if arr, ok := s.fields[SNR]; ok {
		smp.SNR = arr[slot]
	}
	if arr, ok := s.fields[Scheduled]; ok {
		smp.Scheduled, smp.HasScheduled = arr[slot] != 0, true
	}
	if arr, ok := s.fields[Obstructed]; ok {
		smp.Obstructed, smp.HasObstructed = arr[slot] != 0, true
	}
	return smp
}

// Samples unwinds the window into a slice ordered oldest to
// newest. The window must have been resolved against this snapshot,
// otherwise the result is garbage (but there is no panic as long as
// the window is no larger than Size()).
func (s *Snapshot) Samples(w Window) []Sample {
	if w.Empty() {
		return nil
	}
	result := make([]Sample, 0, w.Len())
	for i := w.Start; i < w.End; i++ {
		result = append(result, s.Sample(i))
	}
	return result
}
