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
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tgres/dishstat/graceful"
	h "github.com/tgres/dishstat/http"
)

func newServeMux(exp *h.Exporter, records h.RecordSource, status h.StatusSource, rows h.BulkSource, grid h.GridSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintf(w, "OK\n") })
	if exp != nil {
		mux.Handle("/metrics", exp.Handler())
	}
	if records != nil {
		mux.HandleFunc("/records", h.RecordsHandler(records))
	}
	if status != nil {
		mux.HandleFunc("/status", h.StatusHandler(status))
	}
	if rows != nil {
		mux.HandleFunc("/history", h.HistoryHandler(rows))
	}
	if grid != nil {
		mux.HandleFunc("/obstruction", h.ObstructionHandler(grid))
	}
	return mux
}

type wwwServer struct {
	mux        *http.ServeMux
	server     *http.Server
	listener   *graceful.Listener
	listenSpec string
	stop       int32
}

// Stop closes the listener and idle connections, waiting a little
// for the active ones.
func (g *wwwServer) Stop() {
	if g.stopped() {
		return
	}
	atomic.StoreInt32(&(g.stop), 1)
	if g.server != nil {
		log.Printf("Closing listener %s\n", g.listenSpec)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("wwwServer.Stop(): %v", err)
		}
	}
}

func (g *wwwServer) stopped() bool {
	return atomic.LoadInt32(&(g.stop)) != 0
}

func (g *wwwServer) Start() error {
	if g.listenSpec == "" {
		log.Printf("Not starting HTTP server because http-listen-spec is blank.")
		return nil
	}

	gl, err := net.Listen("tcp", processListenSpec(g.listenSpec))
	if err != nil {
		return fmt.Errorf("Error starting HTTP protocol: %v", err)
	}

	g.listener = graceful.NewListener(gl)
	g.server = &http.Server{
		Addr:           g.listenSpec,
		Handler:        g.mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 16}

	log.Printf("HTTP protocol Listening on %s\n", g.listener.Addr())

	go g.server.Serve(g.listener)

	return nil
}
