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

// Package daemon is the dishstat poller: it reads the config, sets up
// the sinks and runs the poll loop until signalled to stop.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"regexp"
	"sync/atomic"
	"syscall"

	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/graphite"
	h "github.com/tgres/dishstat/http"
	"github.com/tgres/dishstat/serde"
)

var getCwd = func() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Printf("Unable to determine working directory: %v", err)
	}
	return wd
}

var savePid = func(pidPath string) error {
	f, err := os.Create(pidPath)
	if err != nil {
		return fmt.Errorf("Unable to create pid file '%s': (%v)", pidPath, err)
	}
	defer f.Close()
	fmt.Fprintf(f, "%d\n", os.Getpid())
	log.Printf("Pid saved in %s.", pidPath)
	return nil
}

var newFetcher = func(cfg *Config) dish.Fetcher {
	if cfg.HistoryFile != "" || cfg.StatusFile != "" {
		return &dish.FileFetcher{HistoryPath: cfg.HistoryFile, StatusPath: cfg.StatusFile, MapPath: cfg.MapFile}
	}
	return &dish.CommandFetcher{Grpcurl: cfg.Grpcurl, Target: cfg.DishTarget}
}

var initDb = func(cfg *Config) (serdeDb, error) {
	return serde.InitDb(cfg.DbDriver, cfg.DbConnectString, cfg.DbTablePrefix, cfg.DishId)
}

// what we need of the database
type serdeDb interface {
	serde.RecordWriter
	serde.BulkWriter
	serde.StatusWriter
	serde.CounterReader
	Close() error
}

// stack is everything Init wires together.
type stack struct {
	sinks  *sinks
	poller *poller
	exp    *h.Exporter
	www    *serviceManager
}

// initStack creates the sinks, in the order records are written to
// them, and the poller feeding them.
var initStack = func(cfg *Config, once bool) (*stack, error) {
	st := &stack{sinks: &sinks{groups: cfg.groups, statusGroups: cfg.statusGroups}}

	mem, err := serde.NewMemSerDe(cfg.MemorySize)
	if err != nil {
		return nil, err
	}
	st.sinks.addRecordWriter(mem)
	st.sinks.addStatusWriter(mem)
	st.sinks.addBulkWriter(mem)

	if cfg.HttpListenSpec != "" {
		ns := promNamespace(cfg.StatsNamePrefix)
		st.exp = h.NewExporter(ns, cfg.DishId)
		if err := st.exp.RegisterRuntime(ns); err != nil {
			return nil, err
		}
		if err := st.exp.RegisterEvictions(ns, mem); err != nil {
			return nil, err
		}
		st.sinks.addRecordWriter(st.exp)
		st.sinks.addStatusWriter(st.exp)
	}

	var bulkCursorDb serde.CounterReader
	if cfg.DbConnectString != "" {
		db, err := initDb(cfg)
		if err != nil {
			return nil, fmt.Errorf("Error connecting to the DB: %v", err)
		}
		log.Printf("Initialized DB connection (%s).", cfg.DbDriver)
		st.sinks.addRecordWriter(db)
		st.sinks.addStatusWriter(db)
		st.sinks.addBulkWriter(db)
		bulkCursorDb = db
	}

	if cfg.WhisperDir != "" {
		w, err := serde.NewWhisperSerDe(cfg.WhisperDir, cfg.StatsNamePrefix, cfg.WhisperStep.Duration, cfg.WhisperRetention.Duration)
		if err != nil {
			return nil, err
		}
		log.Printf("Writing whisper files to %s.", cfg.WhisperDir)
		st.sinks.addRecordWriter(w)
		st.sinks.addStatusWriter(w)
	}
	if cfg.GraphiteTextAddr != "" {
		gs := graphite.NewTextSender(cfg.GraphiteTextAddr, cfg.StatsNamePrefix)
		st.sinks.addRecordWriter(gs)
		st.sinks.addStatusWriter(gs)
	}
	if cfg.GraphitePickleAddr != "" {
		gs := graphite.NewPickleSender(cfg.GraphitePickleAddr, cfg.StatsNamePrefix)
		st.sinks.addRecordWriter(gs)
		st.sinks.addStatusWriter(gs)
	}

	if once && len(st.sinks.records) == 1 && len(st.sinks.rows) == 1 {
		// nothing but memory, print to stdout
		tw := newTextWriter(os.Stdout)
		st.sinks.addRecordWriter(tw)
		st.sinks.addStatusWriter(tw)
		st.sinks.addBulkWriter(tw)
	}

	st.poller = newPoller(cfg, newFetcher(cfg), st.sinks, st.exp)

	if bulkCursorDb != nil && cfg.bulk {
		cur, at, err := bulkCursorDb.LastCounter()
		if err != nil {
			return nil, fmt.Errorf("Error reading bulk counter from the DB: %v", err)
		}
		if cur.Valid {
			log.Printf("Resuming bulk history at counter %d (%v).", cur.LastIndex, at)
			st.poller.bulkCursor = cur
		}
	}

	var grid h.GridSource
	if cfg.obstruction {
		grid = st.poller
	}
	st.www = newServiceManager(&wwwServer{mux: newServeMux(st.exp, mem, mem, mem, grid), listenSpec: cfg.HttpListenSpec})
	return st, nil
}

var promNamespaceRegex = regexp.MustCompile("[^a-zA-Z0-9_]")

// promNamespace turns the stats name prefix into something usable as
// a Prometheus metric name prefix.
func promNamespace(prefix string) string {
	ns := promNamespaceRegex.ReplaceAllString(prefix, "_")
	if ns != "" && ns[0] >= '0' && ns[0] <= '9' {
		ns = "_" + ns
	}
	return ns
}

// waitForSignal cancels the poll loop on SIGINT or SIGTERM, SIGHUP
// cycles the log.
var waitForSignal = func(ctx context.Context, cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			log.Printf("Got signal: %v", s)
			if s == syscall.SIGHUP {
				if logFile != nil {
					cycleLogCh <- 1
				}
				continue
			}
			cancel()
			return
		}
	}
}

// Init runs the daemon until it is signalled to stop, or for a single
// poll if once is set. The config is returned for Finish, nil means
// startup failed.
func Init(cfgPath string, once bool) *Config { // not to be confused with init()

	log.Printf("Dishstat starting.")

	cfg, err := readConfig(cfgPath)
	if err != nil {
		log.Printf("Error reading config %s: %v", cfgPath, err)
		return nil
	}

	if err := processConfig(configer(cfg), getCwd()); err != nil { // This validates the config
		log.Printf("Error in config file %s: %v", cfgPath, err)
		return nil
	}

	if cfg.PidPath != "" {
		if err := savePid(cfg.PidPath); err != nil {
			log.Printf("%v", err)
			return nil
		}
	}

	st, err := initStack(cfg, once)
	if err != nil {
		log.Printf("%v", err)
		return cfg
	}
	defer st.sinks.close()

	if err := st.www.run(); err != nil {
		log.Printf("Could not run the service manager: %v", err)
		return cfg
	}
	defer st.www.closeListeners(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(ctx, cancel)

	st.poller.run(ctx, once || cfg.PollInterval.Duration == 0)
	log.Printf("Poller stopped.")
	return cfg
}

func Finish(cfg *Config) {
	atomic.StoreInt32(&quitting, 1)
	log.Println("main: All goroutines finished, exiting.")

	// Close log
	log.SetOutput(os.Stderr)
	if logFile != nil {
		logFile.Close()
	}

	if cfg.PidPath != "" {
		os.Remove(cfg.PidPath)
	}
}
