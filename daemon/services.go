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
	"log"
	"os"
	"strings"

	"github.com/tgres/dishstat/graceful"
)

type trService interface {
	Start() error
	Stop()
}

type serviceMap map[string]trService
type serviceManager struct {
	services serviceMap
}

func newServiceManager(www *wwwServer) *serviceManager {
	return &serviceManager{
		services: serviceMap{
			"www": www,
		},
	}
}

func processListenSpec(listenSpec string) string {
	if os.Getenv("DISHSTAT_BIND") != "" {
		return strings.Replace(listenSpec, "0.0.0.0", os.Getenv("DISHSTAT_BIND"), 1)
	}
	return listenSpec
}

func (r *serviceManager) run() error {
	for _, service := range r.services {
		if err := service.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (r *serviceManager) closeListeners(wait bool) {
	for _, service := range r.services {
		service.Stop()
	}
	if wait {
		log.Printf("Waiting for graceful.TcpWg...")
		graceful.TcpWg.Wait()
	}
}
