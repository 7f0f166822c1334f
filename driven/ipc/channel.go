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

// Package ipc carries requests between the master and worker processes over
// a unix socket, as newline-delimited JSON envelopes correlated by ID. The
// services that must have a single writer - rate limiter, nonce registry,
// challenge cache, token keys - live in the master; workers reach them
// through RPC-backed implementations of the same interfaces.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"auth-building-block/core/model"

	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

// Handler serves one RPC method
type Handler func(params json.RawMessage) (interface{}, error)

// envelope is both the request and the response frame. A frame with a method
// is a request, anything else is a response to the frame with the same ID.
type envelope struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  *model.APIError `json:"error,omitempty"`
}

// Channel is one end of a peer connection. Both ends can issue calls and
// serve handlers, which is how the master broadcasts to workers over the
// same sockets the workers call in on.
type Channel struct {
	conn net.Conn

	writeMutex sync.Mutex
	nextID     uint64

	pendingMutex sync.Mutex
	pending      map[uint64]chan envelope
	closed       bool

	handlers map[string]Handler

	onClose func(c *Channel)
	logger  *logs.Logger
}

func newChannel(conn net.Conn, handlers map[string]Handler, onClose func(c *Channel), logger *logs.Logger) *Channel {
	return &Channel{conn: conn, pending: make(map[uint64]chan envelope), handlers: handlers,
		onClose: onClose, logger: logger}
}

// Connect dials the master's socket and starts the read loop. The handlers
// map serves calls initiated by the master.
func Connect(socketPath string, handlers map[string]Handler, logger *logs.Logger) (*Channel, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errors.WrapErrorAction("dialing", "ipc socket", logutils.StringArgs(socketPath), err)
	}

	if handlers == nil {
		handlers = make(map[string]Handler)
	}
	if _, ok := handlers[MethodPing]; !ok {
		handlers[MethodPing] = func(params json.RawMessage) (interface{}, error) { return "pong", nil }
	}

	channel := newChannel(conn, handlers, nil, logger)
	go channel.run()
	return channel, nil
}

// Call issues a request and decodes the peer's result into result (which may
// be nil when the caller only cares about success). It honors ctx for
// cancellation and timeout.
func (c *Channel) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return errors.WrapErrorAction(logutils.ActionMarshal, "rpc params", logutils.StringArgs(method), err)
		}
		rawParams = encoded
	}

	id := atomic.AddUint64(&c.nextID, 1)
	response := make(chan envelope, 1)

	c.pendingMutex.Lock()
	if c.closed {
		c.pendingMutex.Unlock()
		return errors.ErrorData(logutils.StatusInvalid, "ipc channel", logutils.StringArgs("closed"))
	}
	c.pending[id] = response
	c.pendingMutex.Unlock()

	err := c.write(envelope{ID: id, Method: method, Params: rawParams})
	if err != nil {
		c.removePending(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.removePending(id)
		return errors.WrapErrorAction(logutils.ActionSend, "rpc request", logutils.StringArgs(method), ctx.Err())
	case reply, ok := <-response:
		if !ok {
			return errors.ErrorData(logutils.StatusInvalid, "ipc channel", logutils.StringArgs("closed"))
		}
		if reply.Error != nil {
			return reply.Error
		}
		if result != nil && reply.Result != nil {
			err = json.Unmarshal(reply.Result, result)
			if err != nil {
				return errors.WrapErrorAction(logutils.ActionUnmarshal, "rpc result", logutils.StringArgs(method), err)
			}
		}
		return nil
	}
}

// Close tears the connection down and fails every in-flight call
func (c *Channel) Close() error {
	return c.conn.Close()
}

// run reads frames until the connection dies. Requests are dispatched on
// their own goroutines so a slow handler cannot stall unrelated traffic.
func (c *Channel) run() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var frame envelope
		err := json.Unmarshal(scanner.Bytes(), &frame)
		if err != nil {
			c.logger.Warnf("dropping malformed ipc frame: %v", err)
			continue
		}

		if frame.Method != "" {
			go c.serve(frame)
			continue
		}
		c.deliver(frame)
	}

	c.teardown()
}

func (c *Channel) serve(frame envelope) {
	handler := c.handlers[frame.Method]

	var reply envelope
	reply.ID = frame.ID

	if handler == nil {
		reply.Error = model.NewAPIError(model.CodeMethodNotFound, "method not found: "+frame.Method)
	} else {
		result, err := handler(frame.Params)
		if err != nil {
			reply.Error = asAPIError(err)
		} else if result != nil {
			encoded, err := json.Marshal(result)
			if err != nil {
				reply.Error = model.NewAPIError(model.CodeInternalError, "internal error")
				c.logger.Errorf("error marshalling result of %s: %v", frame.Method, err)
			} else {
				reply.Result = encoded
			}
		}
	}

	err := c.write(reply)
	if err != nil {
		c.logger.Warnf("error writing ipc response for %s: %v", frame.Method, err)
	}
}

func (c *Channel) deliver(frame envelope) {
	c.pendingMutex.Lock()
	response := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.pendingMutex.Unlock()

	if response == nil {
		//the caller may have timed out and abandoned the call already
		c.logger.Warnf("dropping ipc reply with no pending call: id %d", frame.ID)
		return
	}
	response <- frame
}

func (c *Channel) write(frame envelope) error {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionMarshal, "ipc frame", nil, err)
	}
	encoded = append(encoded, '\n')

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	_, err = c.conn.Write(encoded)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionSend, "ipc frame", nil, err)
	}
	return nil
}

func (c *Channel) removePending(id uint64) {
	c.pendingMutex.Lock()
	delete(c.pending, id)
	c.pendingMutex.Unlock()
}

func (c *Channel) teardown() {
	c.conn.Close()

	c.pendingMutex.Lock()
	c.closed = true
	for id, response := range c.pending {
		close(response)
		delete(c.pending, id)
	}
	c.pendingMutex.Unlock()

	if c.onClose != nil {
		c.onClose(c)
	}
}

// asAPIError keeps policy errors intact across the process boundary and
// hides everything else behind an opaque internal error
func asAPIError(err error) *model.APIError {
	if apiErr, ok := err.(*model.APIError); ok {
		return apiErr
	}
	return model.NewAPIError(model.CodeInternalError, err.Error())
}
