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

package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"auth-building-block/core"
	"auth-building-block/core/auth"
	"auth-building-block/core/interfaces"
	"auth-building-block/core/model"
	"auth-building-block/core/ratelimit"
	"auth-building-block/driven/emailer"
	"auth-building-block/driven/ipc"
	"auth-building-block/driven/storage"
	"auth-building-block/driver/web"
	"auth-building-block/utils"

	"github.com/rokwire/core-auth-library-go/v3/envloader"
	"github.com/rokwire/logging-library-go/v2/logs"
)

var (
	// Version : version of this executable
	Version string
	// Build : build date of this executable
	Build string
)

const sweepInterval = time.Minute

func main() {
	if len(Version) == 0 {
		Version = "dev"
	}

	serviceID := "auth"

	loggerOpts := logs.LoggerOpts{SuppressRequests: logs.NewStandardHealthCheckHTTPRequestProperties(serviceID + "/version")}
	logger := logs.NewLogger(serviceID, &loggerOpts)
	envLoader := envloader.NewEnvLoader(Version, logger)

	level := envLoader.GetAndLogEnvVar("AUTH_LOG_LEVEL", false, false)
	logLevel := logs.LogLevelFromString(level)
	if logLevel != nil {
		logger.SetLevel(*logLevel)
	}

	err := utils.SetRandomSeed()
	if err != nil {
		logger.Error(err.Error())
	}

	env := envLoader.GetAndLogEnvVar("AUTH_ENVIRONMENT", true, false) //local, dev, staging, prod
	port := envLoader.GetAndLogEnvVar("AUTH_PORT", false, false)
	if port == "" {
		port = "80"
	}
	host := envLoader.GetAndLogEnvVar("AUTH_HOST", true, false)

	//the master process owns the shared singletons, workers reach them over IPC
	role := envLoader.GetAndLogEnvVar("AUTH_ROLE", false, false) //master, worker
	if role == "" {
		role = "master"
	}
	socketPath := envLoader.GetAndLogEnvVar("AUTH_IPC_SOCKET", false, false)
	if socketPath == "" {
		socketPath = "/tmp/auth-bb.sock"
	}

	config := model.DefaultConfig()
	whitelisted := envLoader.GetAndLogEnvVar("AUTH_WHITELISTED_IPS", false, false)
	if whitelisted != "" {
		config.WhitelistedIPs = strings.Split(whitelisted, ",")
	}

	// mongoDB adapter
	mongoDBAuth := envLoader.GetAndLogEnvVar("AUTH_MONGO_AUTH", true, true)
	mongoDBName := envLoader.GetAndLogEnvVar("AUTH_MONGO_DATABASE", true, false)
	mongoTimeout := envLoader.GetAndLogEnvVar("AUTH_MONGO_TIMEOUT", false, false)
	storageAdapter := storage.NewStorageAdapter(mongoDBAuth, mongoDBName, mongoTimeout, logger)
	err = storageAdapter.Start()
	if err != nil {
		logger.Fatalf("Cannot start the mongoDB adapter: %v", err)
	}

	// emailer adapter
	smtpHost := envLoader.GetAndLogEnvVar("AUTH_SMTP_HOST", false, false)
	smtpPort := envLoader.GetAndLogEnvVar("AUTH_SMTP_PORT", false, false)
	smtpUser := envLoader.GetAndLogEnvVar("AUTH_SMTP_USER", false, true)
	smtpPassword := envLoader.GetAndLogEnvVar("AUTH_SMTP_PASSWORD", false, true)
	smtpFrom := envLoader.GetAndLogEnvVar("AUTH_SMTP_EMAIL_FROM", false, false)
	smtpPortNum, _ := strconv.Atoi(smtpPort)
	emailerAdapter := emailer.NewEmailerAdapter(smtpHost, smtpPortNum, smtpUser, smtpPassword, smtpFrom)

	var rateLimiter interfaces.RateLimiter
	var nonces interfaces.NonceRegistry
	var challenges interfaces.ChallengeStore
	var keys interfaces.TokenKeys

	switch role {
	case "master":
		localRateLimiter := ratelimit.NewService(config, logger)
		localNonces := auth.NewNonceRegistry()
		localChallenges := auth.NewChallengeCache(config)
		localKeys := auth.NewKeyProvider(config, logger)

		server := ipc.NewServer(socketPath, logger)
		ipc.RegisterMasterServices(server, localRateLimiter, localNonces, localChallenges, localKeys)
		err = server.Start()
		if err != nil {
			logger.Fatalf("Cannot start the IPC server: %v", err)
		}

		go runMasterJobs(config, server, localRateLimiter, localNonces, localChallenges, localKeys, logger)

		rateLimiter = localRateLimiter
		nonces = localNonces
		challenges = localChallenges
		keys = localKeys
	case "worker":
		channel, err := ipc.Connect(socketPath, nil, logger)
		if err != nil {
			logger.Fatalf("Cannot connect to the master process: %v", err)
		}

		rateLimiter = ipc.NewRemoteRateLimiter(channel)
		nonces = ipc.NewRemoteNonceRegistry(channel)
		challenges = ipc.NewRemoteChallengeStore(channel)
		keys = ipc.NewRemoteTokenKeys(channel)
	default:
		logger.Fatalf("Unknown role %s", role)
	}

	//auth
	authService, err := auth.NewAuth(host, config, storageAdapter, emailerAdapter, rateLimiter, nonces, challenges, keys, logger)
	if err != nil {
		logger.Fatalf("Error initializing auth: %v", err)
	}

	//core
	coreAPIs := core.NewCoreAPIs(env, Version, Build, storageAdapter, authService, logger)
	coreAPIs.Start()

	//web adapter
	webAdapter := web.NewWebAdapter(port, coreAPIs, rateLimiter, logger)
	webAdapter.Start()
}

// runMasterJobs drives the periodic maintenance of the master-resident
// singletons: credit refills, expiry sweeps and worker liveness pings
func runMasterJobs(config model.Config, server *ipc.Server, rateLimiter *ratelimit.Service,
	nonces *auth.NonceRegistry, challenges *auth.ChallengeCache, keys *auth.KeyProvider, logger *logs.Logger) {

	refill := time.NewTicker(config.RateLimitRefillInterval)
	sweep := time.NewTicker(sweepInterval)
	defer refill.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-refill.C:
			rateLimiter.AddCreditsAndRemoveInactive()
		case <-sweep.C:
			nonces.DeleteExpired()
			challenges.DeleteExpired()
			keys.DeleteExpiredKeys()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := server.Broadcast(ctx, ipc.MethodPing, nil)
			cancel()
			if err != nil {
				logger.Warnf("worker ping failed: %v", err)
			}
		}
	}
}
