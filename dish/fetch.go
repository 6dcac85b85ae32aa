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

package dish

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tgres/dishstat/history"
	"github.com/tgres/dishstat/obstruction"
)

const (
	DefaultTarget  = "192.168.100.1:9200"
	DefaultGrpcurl = "grpcurl"
	HandleMethod   = "SpaceX.API.Device.Device/Handle"

	historyRequest = `{"get_history":{}}`
	mapRequest     = `{"dish_get_obstruction_map":{}}`
	statusRequest  = `{"get_status":{}}`
)

// CommandFetcher runs grpcurl against the dish.
type CommandFetcher struct {
	Grpcurl string // path to grpcurl, DefaultGrpcurl if blank
	Target  string // host:port, DefaultTarget if blank
}

func (f *CommandFetcher) args(request string) []string {
	target := f.Target
	if target == "" {
		target = DefaultTarget
	}
	// without -emit-defaults inactive alerts would be left out
	return []string{"-plaintext", "-emit-defaults", "-d", request, target, HandleMethod}
}

func (f *CommandFetcher) run(ctx context.Context, request string) ([]byte, error) {
	bin := f.Grpcurl
	if bin == "" {
		bin = DefaultGrpcurl
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, f.args(request)...)
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %v: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (f *CommandFetcher) History(ctx context.Context) (*history.Snapshot, error) {
	data, err := f.run(ctx, historyRequest)
	if err != nil {
		return nil, err
	}
	return ParseHistory(data)
}

func (f *CommandFetcher) ObstructionMap(ctx context.Context) (*obstruction.Map, error) {
	data, err := f.run(ctx, mapRequest)
	if err != nil {
		return nil, err
	}
	return ParseObstructionMap(data)
}

func (f *CommandFetcher) Status(ctx context.Context) (*Status, error) {
	data, err := f.run(ctx, statusRequest)
	if err != nil {
		return nil, err
	}
	return ParseStatus(data, time.Now())
}

// FileFetcher reads previously saved grpcurl output. The files are
// re-read on every call, so something else may keep updating them.
type FileFetcher struct {
	HistoryPath string
	MapPath     string
	StatusPath  string
}

func (f *FileFetcher) History(_ context.Context) (*history.Snapshot, error) {
	data, err := ioutil.ReadFile(f.HistoryPath)
	if err != nil {
		return nil, err
	}
	return ParseHistory(data)
}

func (f *FileFetcher) ObstructionMap(_ context.Context) (*obstruction.Map, error) {
	if f.MapPath == "" {
		return nil, fmt.Errorf("no obstruction map file configured")
	}
	data, err := ioutil.ReadFile(f.MapPath)
	if err != nil {
		return nil, err
	}
	return ParseObstructionMap(data)
}

// Status uses the modification time of the file as the time of the
// status.
func (f *FileFetcher) Status(_ context.Context) (*Status, error) {
	if f.StatusPath == "" {
		return nil, fmt.Errorf("no status file configured")
	}
	fi, err := os.Stat(f.StatusPath)
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadFile(f.StatusPath)
	if err != nil {
		return nil, err
	}
	return ParseStatus(data, fi.ModTime())
}
