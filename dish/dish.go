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

// Package dish fetches history, status and obstruction map data from
// the dish. The dish speaks gRPC with server reflection, rather than
// compiling its protocol in, the data is obtained in JSON form, as
// produced by grpcurl, either by running grpcurl or by reading its
// saved output.
package dish

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/tgres/dishstat/history"
	"github.com/tgres/dishstat/obstruction"
)

// Fetcher gets data from the dish.
type Fetcher interface {
	History(ctx context.Context) (*history.Snapshot, error)
	ObstructionMap(ctx context.Context) (*obstruction.Map, error)
	Status(ctx context.Context) (*Status, error)
}

// JSON (camel case) names of the history fields.
var jsonFields = map[string]string{
	"popPingDropRate":       history.PingDropRate,
	"popPingLatencyMs":      history.PingLatency,
	"downlinkThroughputBps": history.Downlink,
	"uplinkThroughputBps":   history.Uplink,
	"snr":                   history.SNR,
	"scheduled":             history.Scheduled,
	"obstructed":            history.Obstructed,
}

// ParseHistory parses a get_history response. The response may be
// the whole grpcurl output, or just the dishGetHistory object.
func ParseHistory(data []byte) (*history.Snapshot, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("history: invalid JSON")
	}
	h := gjson.ParseBytes(data)
	if inner := h.Get("dishGetHistory"); inner.Exists() {
		h = inner
	}
	if !h.IsObject() {
		return nil, fmt.Errorf("history: not an object")
	}

	// Proto3 JSON omits zero values and encodes 64 bit integers as
	// strings, Int() takes care of both.
	current := h.Get("current").Int()

	fields := make(map[string][]float64)
	for jname, name := range jsonFields {
		arr := h.Get(jname)
		if !arr.Exists() {
			continue
		}
		if !arr.IsArray() {
			return nil, fmt.Errorf("history: %s is not an array", jname)
		}
		vals := arr.Array()
		values := make([]float64, len(vals))
		for i, v := range vals {
			values[i] = number(v)
		}
		fields[name] = values
	}
	return history.NewSnapshot(current, fields)
}

func number(v gjson.Result) float64 {
	switch v.Type {
	case gjson.True:
		return 1
	case gjson.False:
		return 0
	}
	return v.Float()
}

// ParseObstructionMap parses a dish_get_obstruction_map response,
// whole or just the dishGetObstructionMap object.
func ParseObstructionMap(data []byte) (*obstruction.Map, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("obstruction map: invalid JSON")
	}
	om := gjson.ParseBytes(data)
	if inner := om.Get("dishGetObstructionMap"); inner.Exists() {
		om = inner
	}
	m := &obstruction.Map{
		Rows: int(om.Get("numRows").Int()),
		Cols: int(om.Get("numCols").Int()),
	}
	for _, v := range om.Get("snr").Array() {
		m.SNR = append(m.SNR, v.Float())
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
