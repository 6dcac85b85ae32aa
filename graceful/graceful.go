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

// Package graceful keeps count of open TCP connections so that
// shutdown can wait for them.
package graceful

import (
	"net"
	"sync"
	"syscall"
)

var (
	TcpWg sync.WaitGroup
)

type gracefulConn struct {
	net.Conn
	once sync.Once
}

// Close marks the connection done exactly once, even when closing
// fails or is repeated.
func (w *gracefulConn) Close() error {
	err := w.Conn.Close()
	w.once.Do(TcpWg.Done)
	return err
}

// Listener counts accepted connections in TcpWg, a connection is
// done when it is closed. Closing the listener more than once is
// harmless, subsequent calls return EINVAL.
type Listener struct {
	net.Listener
	once sync.Once
}

func NewListener(l net.Listener) *Listener {
	return &Listener{Listener: l}
}

func (gl *Listener) Close() error {
	err := error(syscall.EINVAL)
	gl.once.Do(func() {
		err = gl.Listener.Close()
	})
	return err
}

func (gl *Listener) Accept() (net.Conn, error) {
	c, err := gl.Listener.Accept()
	if err != nil {
		return nil, err
	}
	TcpWg.Add(1)
	return &gracefulConn{Conn: c}, nil
}
