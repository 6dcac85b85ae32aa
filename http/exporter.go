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
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/stats"
)

// Exporter is a prometheus.Collector exposing the fields of the most
// recent record and status as gauges, one metric family per group with
// the field name as a label. It is also a RecordWriter and a
// StatusWriter, so it can be used as a sink.
type Exporter struct {
	mu           sync.RWMutex
	latest       *stats.Record
	groups       []string
	status       *dish.Status
	statusGroups []string

	descs      map[string]*prometheus.Desc
	recorded   *prometheus.Desc
	statusInfo *prometheus.Desc

	Polls      prometheus.Counter
	PollErrors *prometheus.CounterVec
	Records    prometheus.Counter

	registry *prometheus.Registry
}

func NewExporter(namespace, dishId string) *Exporter {
	labels := prometheus.Labels{"dish_id": dishId}
	e := &Exporter{
		descs: make(map[string]*prometheus.Desc, len(stats.Groups)+len(dish.StatusGroups)),
		recorded: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "record_timestamp_seconds"),
			"Time of the most recent statistics record.", nil, labels),
		statusInfo: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "status_info"),
			"Identity and state of the dish, always 1.",
			[]string{"id", "hardware_version", "software_version", "state"}, labels),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "polls_total",
			Help:        "Total number of dish polls.",
			ConstLabels: labels,
		}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "poll_errors_total",
			Help:        "Total number of failed dish polls or sink writes.",
			ConstLabels: labels,
		}, []string{"stage"}),
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "records_total",
			Help:        "Total number of statistics records produced.",
			ConstLabels: labels,
		}),
		registry: prometheus.NewRegistry(),
	}
	for _, g := range stats.Groups {
		e.descs[g] = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", g),
			"Most recent value of the "+g+" statistics.", []string{"field"}, labels)
	}
	for _, g := range dish.StatusGroups {
		e.descs[g] = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", g),
			"Most recent value of the dish "+g+".", []string{"field"}, labels)
	}
	e.registry.MustRegister(e)
	return e
}

// Registry is where the exporter and anything else to be scraped
// along with it is registered.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range e.descs {
		ch <- d
	}
	ch <- e.recorded
	ch <- e.statusInfo
	e.Polls.Describe(ch)
	e.PollErrors.Describe(ch)
	e.Records.Describe(ch)
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.Polls.Collect(ch)
	e.PollErrors.Collect(ch)
	e.Records.Collect(ch)

	e.mu.RLock()
	rec, groups := e.latest, e.groups
	st, statusGroups := e.status, e.statusGroups
	e.mu.RUnlock()

	if rec != nil {
		ch <- prometheus.MustNewConstMetric(e.recorded, prometheus.GaugeValue, float64(rec.General.Time.Unix()))
		e.collectFields(ch, rec.Fields(groups...))
	}
	if st != nil {
		ch <- prometheus.MustNewConstMetric(e.statusInfo, prometheus.GaugeValue, 1,
			st.ID, st.HardwareVersion, st.SoftwareVersion, st.State)
		e.collectFields(ch, st.Fields(statusGroups...))
	}
}

func (e *Exporter) collectFields(ch chan<- prometheus.Metric, fields []stats.Field) {
	for _, f := range fields {
		if stats.IsNoData(f.Value) {
			continue
		}
		ch <- prometheus.MustNewConstMetric(e.descs[f.Group], prometheus.GaugeValue, f.Value, f.Name)
	}
}

// WriteRecord replaces the record being exported.
func (e *Exporter) WriteRecord(rec *stats.Record, groups []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latest, e.groups = rec, groups
	e.Records.Inc()
	return nil
}

// WriteStatus replaces the status being exported.
func (e *Exporter) WriteStatus(st *dish.Status, groups []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status, e.statusGroups = st, groups
	return nil
}

// EvictionCounter is a store that drops its oldest records when full.
type EvictionCounter interface {
	Evictions() int
}

// RegisterEvictions exports the eviction count of the in-memory
// store, a steadily growing count means memory-size is what limits
// /records.
func (e *Exporter) RegisterEvictions(namespace string, src EvictionCounter) error {
	return e.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "memory",
		Name:      "evictions_total",
		Help:      "Records dropped from the in-memory store to make room for new ones.",
	}, func() float64 { return float64(src.Evictions()) }))
}
