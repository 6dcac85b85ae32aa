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
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

func init() {
	log.SetPrefix(logPrefix(""))
}

// logPrefix is the pid, followed by the dish id once it is known, so
// that logs of several pollers sharing a file can be told apart.
func logPrefix(dishId string) string {
	if dishId == "" {
		return fmt.Sprintf("[%d] ", os.Getpid())
	}
	return fmt.Sprintf("[%d] %s: ", os.Getpid(), dishId)
}

var (
	logFile    *os.File
	cycleLogCh = make(chan int)
	quitting   int32
)

func isQuitting() bool { return atomic.LoadInt32(&quitting) != 0 }

var timeNow = func() time.Time {
	return time.Now()
}

var osRename = func(a, b string) error {
	return os.Rename(a, b)
}

// archivedLogName is where the log at logPath goes when cycled at t.
func archivedLogName(logPath string, t time.Time) string {
	dir, name := filepath.Split(logPath)
	return filepath.Join(dir, t.Format(name+"-20060102_150405"))
}

var renameLogFile = func(logPath string) {
	archived := archivedLogName(logPath, timeNow())
	log.Printf("Starting new log file, current log archived as: '%s'", archived)
	if err := osRename(logPath, archived); err != nil {
		log.Printf("Unable to archive log file: %v", err)
	}
}

var cycleLogFile = func(logPath string) error {
	if logFile != nil {
		renameLogFile(logPath)
	}

	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_SYNC, 0666)
	if err != nil {
		return fmt.Errorf("Unable to open log file '%s': %v", logPath, err)
	}

	log.SetOutput(file)
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	return nil
}

// logFileCycler opens the log and cycles it every logCycle, or on
// SIGHUP via cycleLogCh. A log that cannot be reopened later keeps
// going to the old file.
var logFileCycler = func(logPath string, logCycle time.Duration) error {
	if err := cycleLogFile(logPath); err != nil {
		return err
	}

	go func() {
		for range cycleLogCh {
			if isQuitting() {
				return
			}
			if err := cycleLogFile(logPath); err != nil {
				log.Printf("%v", err)
			}
		}
	}()

	go func() {
		tick := time.NewTicker(logCycle)
		defer tick.Stop()
		for range tick.C {
			if isQuitting() {
				return
			}
			cycleLogCh <- 1
		}
	}()
	return nil
}
