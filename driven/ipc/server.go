// Copyright 2022 Board of Trustees of the University of Illinois.
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

package ipc

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
	"golang.org/x/sync/errgroup"
)

// MethodPing is the liveness probe the master broadcasts to workers
const MethodPing string = "system/ping"

// Server is the master's end of the IPC fabric. It accepts worker
// connections on a unix socket, serves the registered handlers and can fan a
// call out to every connected worker.
type Server struct {
	socketPath string

	handlersMutex sync.RWMutex
	handlers      map[string]Handler

	channelsMutex sync.Mutex
	channels      map[*Channel]bool

	listener net.Listener
	logger   *logs.Logger
}

// NewServer creates an IPC server bound to the given socket path
func NewServer(socketPath string, logger *logs.Logger) *Server {
	return &Server{socketPath: socketPath, handlers: make(map[string]Handler),
		channels: make(map[*Channel]bool), logger: logger}
}

// RegisterHandler binds a handler to a method name. Registration must finish
// before Start.
func (s *Server) RegisterHandler(method string, handler Handler) {
	s.handlersMutex.Lock()
	defer s.handlersMutex.Unlock()

	s.handlers[method] = handler
}

// Start listens on the socket and accepts worker connections
func (s *Server) Start() error {
	//a previous run may have left the socket file behind
	err := os.Remove(s.socketPath)
	if err != nil && !os.IsNotExist(err) {
		return errors.WrapErrorAction(logutils.ActionDelete, "stale ipc socket", logutils.StringArgs(s.socketPath), err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionStart, "ipc listener", logutils.StringArgs(s.socketPath), err)
	}
	s.listener = listener

	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every worker connection
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}

	s.channelsMutex.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for channel := range s.channels {
		channels = append(channels, channel)
	}
	s.channelsMutex.Unlock()

	for _, channel := range channels {
		channel.Close()
	}
}

// Broadcast fans the call out to every connected worker and waits for all of
// them. The first failure is returned but does not cancel the other calls'
// effect - they have already been sent.
func (s *Server) Broadcast(ctx context.Context, method string, params interface{}) error {
	s.channelsMutex.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for channel := range s.channels {
		channels = append(channels, channel)
	}
	s.channelsMutex.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, channel := range channels {
		channel := channel
		group.Go(func() error {
			return channel.Call(groupCtx, method, params, nil)
		})
	}
	return group.Wait()
}

// ConnectionCount returns the number of connected workers
func (s *Server) ConnectionCount() int {
	s.channelsMutex.Lock()
	defer s.channelsMutex.Unlock()

	return len(s.channels)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			//listener closed on Stop
			return
		}

		channel := newChannel(conn, s.snapshotHandlers(), s.dropChannel, s.logger)

		s.channelsMutex.Lock()
		s.channels[channel] = true
		s.channelsMutex.Unlock()

		go channel.run()
	}
}

func (s *Server) snapshotHandlers() map[string]Handler {
	s.handlersMutex.RLock()
	defer s.handlersMutex.RUnlock()

	handlers := make(map[string]Handler, len(s.handlers))
	for method, handler := range s.handlers {
		handlers[method] = handler
	}
	return handlers
}

func (s *Server) dropChannel(channel *Channel) {
	s.channelsMutex.Lock()
	delete(s.channels, channel)
	s.channelsMutex.Unlock()
}
