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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"auth-building-block/core/auth"
	"auth-building-block/core/model"
	"auth-building-block/core/ratelimit"

	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ipcFixture runs a real master server on a unix socket with the real
// master-resident services behind it
type ipcFixture struct {
	server  *Server
	limiter *ratelimit.Service

	nonces     *auth.NonceRegistry
	challenges *auth.ChallengeCache
	keys       *auth.KeyProvider

	socketPath string
	logger     *logs.Logger
}

func newIPCFixture(t *testing.T) *ipcFixture {
	logger := logs.NewLogger("ipc_test", nil)
	config := model.DefaultConfig()

	limiter := ratelimit.NewService(config, logger)
	nonces := auth.NewNonceRegistry()
	challenges := auth.NewChallengeCache(config)
	keys := auth.NewKeyProvider(config, logger)

	socketPath := filepath.Join(t.TempDir(), "ipc.sock")
	server := NewServer(socketPath, logger)
	RegisterMasterServices(server, limiter, nonces, challenges, keys)

	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	return &ipcFixture{server: server, limiter: limiter, nonces: nonces, challenges: challenges,
		keys: keys, socketPath: socketPath, logger: logger}
}

// connectWorker dials the fixture's socket and waits until the master sees
// the connection
func (f *ipcFixture) connectWorker(t *testing.T, handlers map[string]Handler) *Channel {
	before := f.server.ConnectionCount()

	channel, err := Connect(f.socketPath, handlers, f.logger)
	require.NoError(t, err)
	t.Cleanup(func() { channel.Close() })

	waitFor(t, func() bool { return f.server.ConnectionCount() > before })
	return channel
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRemoteRateLimiter(t *testing.T) {
	f := newIPCFixture(t)
	remote := NewRemoteRateLimiter(f.connectWorker(t, nil))
	ip := "10.0.0.1"

	allowed, err := remote.CanPerformRequest(ip)
	require.NoError(t, err)
	assert.True(t, allowed)

	//the debit happened on the master's copy of the state
	f.limiter.SetCredits(ip, 0)
	allowed, err = remote.CanPerformRequest(ip)
	require.NoError(t, err)
	assert.False(t, allowed)

	f.limiter.SetCredits(ip, 100)
	allowed, err = remote.PayAdditionalCostIfPossible(ip, 70)
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, err = remote.PayAdditionalCostIfPossible(ip, 70)
	require.NoError(t, err)
	assert.False(t, allowed)

	//login counters
	count, err := remote.IncreaseLoginCount(ip, "user1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = remote.IncreaseLoginCount(ip, "user1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	count, err = remote.GetLoginCount(ip, "user1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.NoError(t, remote.ResetLoginCount(ip, "user1"))
	count, err = remote.GetLoginCount(ip, "user1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	//totp counters
	count, err = remote.IncreaseTotpCount(ip, "user1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, remote.ResetTotpCount(ip, "user1"))
	count, err = remote.IncreaseTotpCount(ip, "user1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	//bans gate everything regardless of credits
	f.limiter.SetCredits(ip, 100)
	require.NoError(t, remote.BanIPAddress(ip, time.Hour))
	allowed, err = remote.CanPerformRequest(ip)
	require.NoError(t, err)
	assert.False(t, allowed)
	require.NoError(t, remote.UnbanIPAddress(ip))
	allowed, err = remote.CanPerformRequest(ip)
	require.NoError(t, err)
	assert.True(t, allowed)

	//the attack target flag reports whether it was already set
	already, err := remote.MarkPossibleAttackTarget("user1", time.Hour)
	require.NoError(t, err)
	assert.False(t, already)
	already, err = remote.MarkPossibleAttackTarget("user1", time.Hour)
	require.NoError(t, err)
	assert.True(t, already)
}

func TestRemoteNonceRegistry(t *testing.T) {
	f := newIPCFixture(t)
	remote := NewRemoteNonceRegistry(f.connectWorker(t, nil))

	expires := time.Now().Add(time.Hour)
	fresh, err := remote.Use("nonce-1", expires)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = remote.Use("nonce-1", expires)
	require.NoError(t, err)
	assert.False(t, fresh)

	//the nonce landed in the master's registry, not the worker's
	localFresh, err := f.nonces.Use("nonce-1", expires)
	require.NoError(t, err)
	assert.False(t, localFresh)
}

func TestRemoteChallengeStore(t *testing.T) {
	f := newIPCFixture(t)
	remote := NewRemoteChallengeStore(f.connectWorker(t, nil))

	created := time.Now().UTC().Round(time.Millisecond)
	challenge := model.Challenge{ID: "ch1", UserID: "user1", Type: model.SecondFactorTypeEmail,
		RequestHash: "hash-1", Code: "1234", DateCreated: created, Expires: created.Add(5 * time.Minute)}
	require.NoError(t, remote.SaveChallenge(challenge))

	found, err := remote.GetChallenge("user1", "ch1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, challenge.Code, found.Code)
	assert.Equal(t, challenge.RequestHash, found.RequestHash)
	assert.True(t, challenge.Expires.Equal(found.Expires))

	//an absent challenge is nil on both sides of the hop
	found, err = remote.GetChallenge("user1", "ch9")
	require.NoError(t, err)
	assert.Nil(t, found)

	challenge.Attempts = 3
	require.NoError(t, remote.ModifyChallenge(challenge))
	found, err = remote.GetChallenge("user1", "ch1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 3, found.Attempts)

	//modifying an absent challenge surfaces as an error
	missing := challenge
	missing.ID = "ch9"
	assert.Error(t, remote.ModifyChallenge(missing))

	require.NoError(t, remote.DeleteChallenge("user1", "ch1"))
	found, err = remote.GetChallenge("user1", "ch1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestRemoteTokenKeys(t *testing.T) {
	f := newIPCFixture(t)
	channel := f.connectWorker(t, nil)
	remote := NewRemoteTokenKeys(channel)

	current, err := remote.CurrentKey()
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Len(t, current.Key, 32)

	//the master minted it - both sides agree on the current key
	masterCurrent, err := f.keys.CurrentKey()
	require.NoError(t, err)
	assert.Equal(t, masterCurrent.ID, current.ID)

	found, err := remote.FindKey(current.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, current.Key, found.Key)

	unknown, err := remote.FindKey("no-such-key")
	require.NoError(t, err)
	assert.Nil(t, unknown)

	//keys are cached locally - a dead channel still serves known keys
	channel.Close()
	waitFor(t, func() bool { return f.server.ConnectionCount() == 0 })

	found, err = remote.FindKey(current.ID)
	require.NoError(t, err)
	require.NotNil(t, found)

	cachedCurrent, err := remote.CurrentKey()
	require.NoError(t, err)
	assert.Equal(t, current.ID, cachedCurrent.ID)

	//an uncached key needs the hop and fails
	_, err = remote.FindKey("never-fetched")
	assert.Error(t, err)
}

func TestCallErrorMapping(t *testing.T) {
	f := newIPCFixture(t)
	f.server.RegisterHandler("test/policy", func(params json.RawMessage) (interface{}, error) {
		return nil, model.NewAPIError(model.CodeInvalidToken, "token is invalid")
	})
	f.server.RegisterHandler("test/boom", func(params json.RawMessage) (interface{}, error) {
		return nil, fmt.Errorf("disk on fire")
	})
	channel := f.connectWorker(t, nil)
	ctx := context.Background()

	//policy errors keep their code across the process boundary
	err := channel.Call(ctx, "test/policy", nil, nil)
	apiErr, ok := err.(*model.APIError)
	require.True(t, ok, "expected *model.APIError, got %T: %v", err, err)
	assert.Equal(t, model.CodeInvalidToken, apiErr.Code)
	assert.Equal(t, "token is invalid", apiErr.Message)

	//everything else degrades to an internal error
	err = channel.Call(ctx, "test/boom", nil, nil)
	apiErr, ok = err.(*model.APIError)
	require.True(t, ok, "expected *model.APIError, got %T: %v", err, err)
	assert.Equal(t, model.CodeInternalError, apiErr.Code)

	//unknown methods are rejected, not dropped
	err = channel.Call(ctx, "no/such/method", nil, nil)
	apiErr, ok = err.(*model.APIError)
	require.True(t, ok, "expected *model.APIError, got %T: %v", err, err)
	assert.Equal(t, model.CodeMethodNotFound, apiErr.Code)
}

func TestCallContextCancellation(t *testing.T) {
	f := newIPCFixture(t)
	block := make(chan struct{})
	f.server.RegisterHandler("test/stall", func(params json.RawMessage) (interface{}, error) {
		<-block
		return nil, nil
	})
	defer close(block)
	channel := f.connectWorker(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := channel.Call(ctx, "test/stall", nil, nil)
	assert.Error(t, err)
}

func TestStrayReplyDropped(t *testing.T) {
	f := newIPCFixture(t)

	//a raw client can hand the master a reply frame nothing asked for
	conn, err := net.Dial("unix", f.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"id":999,"result":{}}` + "\n"))
	require.NoError(t, err)

	//the stray reply is dropped and the connection keeps serving
	_, err = conn.Write([]byte(`{"id":1,"method":"no/such/method"}` + "\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	var frame envelope
	require.NoError(t, json.Unmarshal(reply, &frame))
	assert.Equal(t, uint64(1), frame.ID)
	require.NotNil(t, frame.Error)
	assert.Equal(t, model.CodeMethodNotFound, frame.Error.Code)
}

func TestBroadcast(t *testing.T) {
	f := newIPCFixture(t)

	echoed := make(chan string, 2)
	handlers := func() map[string]Handler {
		return map[string]Handler{
			"workers/echo": func(params json.RawMessage) (interface{}, error) {
				var message string
				if err := json.Unmarshal(params, &message); err != nil {
					return nil, err
				}
				echoed <- message
				return message, nil
			},
		}
	}

	first := f.connectWorker(t, handlers())
	f.connectWorker(t, handlers())
	assert.Equal(t, 2, f.server.ConnectionCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	//the built-in liveness probe answers on every worker
	require.NoError(t, f.server.Broadcast(ctx, MethodPing, nil))

	//a custom handler fans out the same way
	require.NoError(t, f.server.Broadcast(ctx, "workers/echo", "hello"))
	assert.Equal(t, "hello", <-echoed)
	assert.Equal(t, "hello", <-echoed)

	//a worker that went away leaves the fabric
	first.Close()
	waitFor(t, func() bool { return f.server.ConnectionCount() == 1 })
	require.NoError(t, f.server.Broadcast(ctx, MethodPing, nil))
}
