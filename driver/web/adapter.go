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

package web

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"auth-building-block/core"
	"auth-building-block/core/interfaces"
	"auth-building-block/core/model"

	"github.com/gorilla/mux"
	"github.com/rokwire/logging-library-go/v2/logs"
)

const maxRequestBodyBytes int64 = 1 << 20 //1MB

// Adapter is the web driver. It exposes the RPC endpoint and a version probe.
type Adapter struct {
	port string

	coreAPIs    *core.APIs
	dispatcher  *Dispatcher
	rateLimiter interfaces.RateLimiter

	logger *logs.Logger
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  *model.APIError `json:"error,omitempty"`
}

// Start registers the routes and serves until the process exits
func (we Adapter) Start() {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/rpc", we.wrapFunc(we.serveRPC)).Methods("POST")
	router.HandleFunc("/version", we.serveVersion).Methods("GET")

	we.logger.Infof("listening on port %s", we.port)
	err := http.ListenAndServe(":"+we.port, router)
	if err != nil {
		we.logger.Fatalf("error serving: %v", err)
	}
}

func (we Adapter) wrapFunc(handler func(l *logs.Log, w http.ResponseWriter, req *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		logObj := we.logger.NewRequestLog(req)
		logObj.RequestReceived()

		handler(logObj, w, req)

		logObj.RequestComplete()
	}
}

func (we Adapter) serveRPC(l *logs.Log, w http.ResponseWriter, req *http.Request) {
	ip := clientIP(req)

	//the base per-request cost gates everything, including parse failures
	allowed, err := we.rateLimiter.CanPerformRequest(ip)
	if err != nil {
		l.Errorf("rate limiter unavailable: %v", err)
		we.writeResponse(l, w, http.StatusInternalServerError,
			rpcResponse{Error: model.NewAPIError(model.CodeInternalError, "internal error")})
		return
	}
	if !allowed {
		we.writeTooManyRequests(l, w, nil)
		return
	}

	var request rpcRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBodyBytes))
	err = decoder.Decode(&request)
	if err != nil {
		we.writeResponse(l, w, http.StatusOK,
			rpcResponse{Error: model.NewAPIError(model.CodeParseError, "parse error")})
		return
	}
	if request.Method == "" {
		we.writeResponse(l, w, http.StatusOK,
			rpcResponse{ID: request.ID, Error: model.NewAPIError(model.CodeInvalidRequest, "method is required")})
		return
	}

	result, err := we.dispatcher.Dispatch(request.Method, request.Params, ip, l)
	if err != nil {
		switch typed := err.(type) {
		case *model.SecondFactorRequired:
			//not a failure: the caller retries the same request with the
			//challenge answer attached
			we.writeResponse(l, w, http.StatusOK, rpcResponse{ID: request.ID,
				Result: map[string]interface{}{"secondFactorRequired": true,
					"challenge": typed.ChallengeID, "secondFactorInfo": typed.Info}})
		case *model.TooManyRequestsError:
			we.writeTooManyRequests(l, w, request.ID)
		case *model.APIError:
			we.writeResponse(l, w, http.StatusOK, rpcResponse{ID: request.ID, Error: typed})
		default:
			l.Errorf("error handling %s: %v", request.Method, err)
			we.writeResponse(l, w, http.StatusOK,
				rpcResponse{ID: request.ID, Error: model.NewAPIError(model.CodeInternalError, "internal error")})
		}
		return
	}

	we.writeResponse(l, w, http.StatusOK, rpcResponse{ID: request.ID, Result: result})
}

func (we Adapter) serveVersion(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(we.coreAPIs.GetVersion()))
}

func (we Adapter) writeTooManyRequests(l *logs.Log, w http.ResponseWriter, id json.RawMessage) {
	we.writeResponse(l, w, http.StatusTooManyRequests,
		rpcResponse{ID: id, Error: model.NewAPIError(model.CodeTooManyRequests, "too many requests")})
}

func (we Adapter) writeResponse(l *logs.Log, w http.ResponseWriter, status int, response rpcResponse) {
	body, err := json.Marshal(response)
	if err != nil {
		l.Errorf("error marshalling response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// clientIP prefers the first X-Forwarded-For hop the proxy appended, falling
// back to the peer address
func clientIP(req *http.Request) string {
	forwarded := req.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// NewWebAdapter creates a web adapter serving the given core APIs
func NewWebAdapter(port string, coreAPIs *core.APIs, rateLimiter interfaces.RateLimiter, logger *logs.Logger) Adapter {
	adapter := Adapter{port: port, coreAPIs: coreAPIs, rateLimiter: rateLimiter, logger: logger}
	adapter.dispatcher = NewDispatcher(coreAPIs, rateLimiter)
	return adapter
}
