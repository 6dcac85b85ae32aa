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

package http

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/cpu"
)

// Some rudimentary runtime stats of our own process.

func runtimeMemory() float64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return float64(mem.Alloc)
}

func runtimeCpuPercent() float64 {
	ps, _ := cpu.Percent(0, false)
	if len(ps) > 0 {
		return ps[0]
	}
	return 0
}

// RegisterRuntime adds cpu and memory gauges to the exporter registry.
func (e *Exporter) RegisterRuntime(namespace string) error {
	if err := e.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "cpu_percent",
		Help:      "System wide cpu utilization.",
	}, runtimeCpuPercent)); err != nil {
		return err
	}
	return e.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "mem_alloc_bytes",
		Help:      "Bytes of allocated heap objects.",
	}, runtimeMemory))
}
