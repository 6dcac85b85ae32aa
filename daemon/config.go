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

package daemon

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tgres/dishstat/aggregator"
	"github.com/tgres/dishstat/dish"
	"github.com/tgres/dishstat/misc"
	"github.com/tgres/dishstat/obstruction"
	"github.com/tgres/dishstat/serde"
	"github.com/tgres/dishstat/stats"
)

// Modes besides the stats groups.
const (
	ModeBulkHistory    = "bulk_history"
	ModeObstructionMap = "obstruction_map"
)

// default number of samples for the first stats poll when the poll
// interval is too short to derive it from
const defaultSamples = 3600

type Config struct { // Needs to be exported for TOML to work
	PidPath              string     `toml:"pid-file"`
	LogPath              string     `toml:"log-file"`
	LogCycle             duration   `toml:"log-cycle-interval"`
	DishId               string     `toml:"dish-id"`
	DishTarget           string     `toml:"dish-target"`
	Grpcurl              string     `toml:"grpcurl"`
	HistoryFile          string     `toml:"history-file"`
	MapFile              string     `toml:"map-file"`
	StatusFile           string     `toml:"status-file"`
	PollInterval         duration   `toml:"poll-interval"`
	PollLoops            int        `toml:"poll-loops"`
	Samples              int64      `toml:"samples"`
	NoCounter            bool       `toml:"no-counter"`
	Modes                []string   `toml:"modes"`
	LoadThreshold        float64    `toml:"load-threshold"`
	LoadBucketBase       float64    `toml:"load-bucket-base"`
	RebootPolicy         string     `toml:"reboot-policy"`
	RunBuckets           runBuckets `toml:"run-buckets"`
	ObstructionThreshold *float64   `toml:"obstruction-threshold"` // nil means the default
	DbDriver             string     `toml:"db-driver"`
	DbConnectString      string     `toml:"db-connect-string"`
	DbTablePrefix        string     `toml:"db-table-prefix"`
	GraphiteTextAddr     string     `toml:"graphite-text-addr"`
	GraphitePickleAddr   string     `toml:"graphite-pickle-addr"`
	WhisperDir           string     `toml:"whisper-dir"`
	WhisperStep          duration   `toml:"whisper-step"`
	WhisperRetention     duration   `toml:"whisper-retention"`
	HttpListenSpec       string     `toml:"http-listen-spec"`
	StatsNamePrefix      string     `toml:"stats-name-prefix"`
	MemorySize           int        `toml:"memory-size"`

	// derived
	groups       []string
	statusGroups []string
	bulk         bool
	obstruction  bool
	threshold    float64
	policy       aggregator.Policy
}

type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = misc.BetterParseDuration(string(text))
	return err
}

// runBuckets is a comma separated list of run length bucket
// boundaries in seconds, e.g. "1,3,6".
type runBuckets struct{ stats.RunBuckets }

func (r *runBuckets) UnmarshalText(text []byte) error {
	list, err := misc.ParseInt64List(string(text))
	if err != nil {
		return err
	}
	r.RunBuckets = stats.RunBuckets(list)
	return r.RunBuckets.Validate()
}

var readConfig = func(cfgPath string) (*Config, error) {
	cfg := &Config{}
	_, err := toml.DecodeFile(cfgPath, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) processConfigPidFile(wd string) error {
	if c.PidPath == "" {
		log.Printf("pid-file setting empty, not saving pid.")
		return nil
	}
	if !filepath.IsAbs(c.PidPath) {
		if wd == "" {
			return fmt.Errorf("pid-file must be absolute path if working directory cannot be determined")
		}
		c.PidPath = filepath.Join(wd, c.PidPath)
	}
	pidDir, _ := filepath.Split(c.PidPath)
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		return errors.New(fmt.Sprintf("Unable to create directory: '%s' (%v).", pidDir, err))
	}
	return nil
}

func (c *Config) processConfigLogFile(wd string) error {
	if os.Getenv("DISHSTAT_LOG") != "" {
		c.LogPath = os.Getenv("DISHSTAT_LOG")
	}
	if c.LogPath == "" {
		log.Printf("log-file setting empty, logging to stderr.")
		return nil
	}
	if !filepath.IsAbs(c.LogPath) {
		if wd == "" {
			return fmt.Errorf("log-file must be absolute path if working directory cannot be determined")
		}
		c.LogPath = filepath.Join(wd, c.LogPath)
	}
	logDir, _ := filepath.Split(c.LogPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return errors.New(fmt.Sprintf("Unable to create directory: '%s' (%v).", logDir, err))
	}

	log.Printf("Logs will be written to '%s'.", c.LogPath)
	return nil
}

func (c *Config) processConfigLogCycleInterval() error {
	if c.LogPath == "" {
		return nil
	}
	if c.LogCycle.Duration == 0 {
		return fmt.Errorf("log-cycle-interval setting empty")
	}
	log.Printf("Will cycle logs every %v (log-cycle-interval).", c.LogCycle.Duration)

	logDir, _ := filepath.Split(c.LogPath)
	log.Printf("All further status messages will be written to log file(s) in '%s'.", logDir)
	if err := logFileCycler(c.LogPath, c.LogCycle.Duration); err != nil {
		return err
	}
	log.Print("Server starting.")

	return nil
}

func (c *Config) processDish() error {
	if c.DishId == "" {
		c.DishId = "dish"
	}
	log.SetPrefix(logPrefix(c.DishId))
	if c.HistoryFile != "" || c.StatusFile != "" {
		log.Printf("Reading saved responses instead of polling the dish (history-file %q, status-file %q).", c.HistoryFile, c.StatusFile)
		return nil
	}
	if c.DishTarget == "" {
		c.DishTarget = dish.DefaultTarget
	}
	if c.Grpcurl == "" {
		c.Grpcurl = dish.DefaultGrpcurl
	}
	log.Printf("Dish %q at %s (dish-target).", c.DishId, c.DishTarget)
	return nil
}

func (c *Config) processPolling() error {
	if c.PollInterval.Duration < 0 {
		return fmt.Errorf("poll-interval must not be negative")
	}
	if c.PollInterval.Duration == 0 {
		log.Printf("poll-interval unspecified, polling once.")
	} else {
		log.Printf("Polling every %v (poll-interval).", c.PollInterval.Duration)
	}
	if c.PollLoops < 0 {
		return fmt.Errorf("poll-loops must not be negative")
	}
	if c.PollLoops == 1 {
		return fmt.Errorf("poll-loops must be 2 or greater to be meaningful")
	}
	if c.PollLoops > 1 {
		log.Printf("Statistics will be aggregated over %d polls (poll-loops).", c.PollLoops)
	}
	return nil
}

func (c *Config) processModes() error {
	c.groups, c.statusGroups, c.bulk, c.obstruction = nil, nil, false, false
	if len(c.Modes) == 0 {
		c.groups = append(c.groups, stats.Groups...)
		return nil
	}
	for _, m := range c.Modes {
		switch {
		case m == ModeBulkHistory:
			c.bulk = true
		case m == ModeObstructionMap:
			c.obstruction = true
		case stats.ValidGroup(m):
			c.groups = append(c.groups, m)
		case dish.ValidStatusGroup(m):
			c.statusGroups = append(c.statusGroups, m)
		default:
			return fmt.Errorf("invalid mode: %q (valid modes: %s, %s, %s, %s)", m,
				strings.Join(dish.StatusGroups, ", "), strings.Join(stats.Groups, ", "), ModeBulkHistory, ModeObstructionMap)
		}
	}
	log.Printf("Modes: %s.", strings.Join(c.Modes, ", "))
	return nil
}

func (c *Config) processSamples() error {
	if c.Samples < -1 {
		return fmt.Errorf("samples must be -1 (all) or greater")
	}
	return nil
}

// statsSamples is how much of the buffer the first stats poll covers.
func (c *Config) statsSamples() int64 {
	if c.Samples != 0 {
		return c.Samples
	}
	if c.PollInterval.Duration >= time.Second {
		loops := c.PollLoops
		if loops < 1 {
			loops = 1
		}
		return int64(c.PollInterval.Seconds()) * int64(loops)
	}
	return defaultSamples
}

// bulkSamples is how much of the buffer the first bulk poll covers.
func (c *Config) bulkSamples() int64 {
	if c.Samples != 0 {
		return c.Samples
	}
	return -1
}

func (c *Config) processStatsConfig() error {
	sc := c.statsConfig()
	if err := sc.Validate(); err != nil {
		return err
	}
	c.threshold = obstruction.DefaultThreshold
	if c.ObstructionThreshold != nil {
		c.threshold = *c.ObstructionThreshold
	}
	if c.threshold < 0 || c.threshold > 1 {
		return fmt.Errorf("obstruction-threshold must be between 0 and 1")
	}
	return nil
}

// statsConfig returns the stats.Config, defaults filled in for
// anything unset.
func (c *Config) statsConfig() stats.Config {
	sc := stats.DefaultConfig()
	if c.LoadThreshold != 0 {
		sc.LoadThreshold = c.LoadThreshold
	}
	if c.LoadBucketBase != 0 {
		sc.LoadBucketBase = c.LoadBucketBase
	}
	if len(c.RunBuckets.RunBuckets) > 0 {
		sc.RunBuckets = c.RunBuckets.RunBuckets
	}
	return sc
}

func (c *Config) processRebootPolicy() error {
	var err error
	if c.policy, err = aggregator.ParsePolicy(c.RebootPolicy); err != nil {
		return err
	}
	log.Printf("Reboot policy: %v (reboot-policy).", c.policy)
	return nil
}

func (c *Config) processDbConnectString() error {
	if os.Getenv("DISHSTAT_DB_CONNECT") != "" {
		c.DbConnectString = os.Getenv("DISHSTAT_DB_CONNECT")
	}
	if c.DbConnectString == "" {
		return nil
	}
	if c.DbDriver == "" {
		c.DbDriver = serde.DriverPostgres
	}
	if c.DbDriver != serde.DriverPostgres && c.DbDriver != serde.DriverSqlite {
		return fmt.Errorf("invalid db-driver: %q (valid: %s, %s)", c.DbDriver, serde.DriverPostgres, serde.DriverSqlite)
	}
	return nil
}

func (c *Config) processWhisper() error {
	if c.WhisperDir == "" {
		return nil
	}
	if c.WhisperStep.Duration == 0 {
		c.WhisperStep.Duration = time.Minute
	}
	if c.WhisperRetention.Duration == 0 {
		c.WhisperRetention.Duration = 30 * 24 * time.Hour
	}
	if c.WhisperStep.Duration < time.Second || c.WhisperRetention.Duration < c.WhisperStep.Duration {
		return fmt.Errorf("invalid whisper-step %v / whisper-retention %v", c.WhisperStep.Duration, c.WhisperRetention.Duration)
	}
	return nil
}

func (c *Config) processStatsNamePrefix() error {
	if c.StatsNamePrefix == "" {
		log.Printf("stats-name-prefix is empty, defaulting to 'starlink'")
		c.StatsNamePrefix = "starlink"
	}
	return nil
}

func (c *Config) processMemorySize() error {
	if c.MemorySize < 0 {
		return fmt.Errorf("memory-size must not be negative")
	}
	if c.MemorySize == 0 {
		c.MemorySize = 1000
	}
	return nil
}

type configer interface {
	processConfigPidFile(string) error
	processConfigLogFile(string) error
	processConfigLogCycleInterval() error
	processDish() error
	processPolling() error
	processModes() error
	processSamples() error
	processStatsConfig() error
	processRebootPolicy() error
	processDbConnectString() error
	processWhisper() error
	processStatsNamePrefix() error
	processMemorySize() error
}

var processConfig = func(c configer, wd string) error {

	if err := c.processConfigPidFile(wd); err != nil {
		return err
	}
	if err := c.processConfigLogFile(wd); err != nil {
		return err
	}
	if err := c.processConfigLogCycleInterval(); err != nil {
		return err
	}
	if err := c.processDish(); err != nil {
		return err
	}
	if err := c.processPolling(); err != nil {
		return err
	}
	if err := c.processModes(); err != nil {
		return err
	}
	if err := c.processSamples(); err != nil {
		return err
	}
	if err := c.processStatsConfig(); err != nil {
		return err
	}
	if err := c.processRebootPolicy(); err != nil {
		return err
	}
	if err := c.processDbConnectString(); err != nil {
		return err
	}
	if err := c.processWhisper(); err != nil {
		return err
	}
	if err := c.processStatsNamePrefix(); err != nil {
		return err
	}
	if err := c.processMemorySize(); err != nil {
		return err
	}
	return nil
}
