// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch implements the match dispatcher: an HTTP service
// that assigns incoming matches to worker VMs and keeps a pool of
// backup VMs running via the worker package's reconciler.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/versusmen/matchfleet/lib/cloud"
	"github.com/versusmen/matchfleet/lib/config"
	"github.com/versusmen/matchfleet/lib/dispatch/worker"
	"github.com/versusmen/matchfleet/sdk/go/ctxlog"
	"github.com/versusmen/matchfleet/sdk/go/httpserver"
)

type pool interface {
	CheckHealth() error
	GetAvailableVM(context.Context) (worker.VMView, bool)
	IncrementMatchCount(cloud.InstanceID)
	Instances() []worker.VMView
	Protected() cloud.InstanceID
	Stop()
}

type dispatcher struct {
	Config   *config.Config
	Context  context.Context
	Registry *prometheus.Registry

	logger      logrus.FieldLogger
	instanceSet cloud.InstanceSet
	agent       worker.Agent
	pool        pool
	matches     *matchStore
	httpHandler http.Handler

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the dispatcher. Start can be called multiple times
// with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	return disp.pool.CheckHealth()
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops the reconciler and releases resources. Typically used
// in tests.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

func (disp *dispatcher) setup() {
	disp.initialize()
	go disp.run()
}

func (disp *dispatcher) initialize() {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})
	disp.matches = newMatchStore()
	if disp.Registry != nil {
		disp.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "matchfleet",
			Subsystem: "dispatch",
			Name:      "matches_active",
			Help:      "Number of match records currently tracked.",
		}, func() float64 { return float64(disp.matches.count()) }))
	}

	if disp.instanceSet == nil {
		instanceSet, err := newInstanceSet(disp.Config, disp.logger)
		if err != nil {
			disp.logger.Fatalf("error initializing cloud driver: %s", err)
		}
		disp.instanceSet = instanceSet
	}
	if disp.agent == nil {
		disp.agent = &worker.AgentClient{
			Port:          disp.Config.WorkerPort,
			StatusTimeout: disp.Config.StatusTimeout,
		}
	}
	if disp.pool == nil {
		disp.pool = worker.NewPool(disp.Context, disp.logger, disp.Registry, disp.instanceSet, disp.agent, disp.Config)
	}

	mux := httprouter.New()
	mux.HandlerFunc("POST", "/api/request-public-match", disp.apiRequestPublicMatch)
	mux.HandlerFunc("POST", "/api/request-private-match", disp.apiRequestPrivateMatch)
	mux.Handle("GET", "/api/match-details/:matchId", disp.apiMatchDetails)
	mux.HandlerFunc("GET", "/api/debug/vms", disp.apiDebugVMs)
	if disp.Registry != nil {
		mux.Handler("GET", "/metrics", promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
			ErrorLog: disp.logger,
		}))
	}
	mux.HandlerFunc("GET", "/_health/ping", disp.apiHealthPing)
	disp.httpHandler = mux
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	defer disp.instanceSet.Stop()
	defer disp.pool.Stop()

	if !disp.Config.MatchGC {
		<-disp.stop
		return
	}
	ticker := time.NewTicker(disp.Config.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-disp.stop:
			return
		case <-ticker.C:
			disp.gcMatches()
		}
	}
}

// gcMatches drops match records whose VM has left the pool. A record
// surviving here can still be stale for up to one reconciler period
// after its VM disappears.
func (disp *dispatcher) gcMatches() {
	live := map[cloud.InstanceID]bool{}
	for _, vm := range disp.pool.Instances() {
		live[vm.InstanceID] = true
	}
	if dropped := disp.matches.dropOrphans(live); dropped > 0 {
		disp.logger.WithField("Dropped", dropped).Info("removed stale match records")
	}
}

// matchRequest is the body of both allocation endpoints.
type matchRequest struct {
	MatchID   string `json:"matchId"`
	GameMode  string `json:"gameMode"`
	TickRate  int    `json:"tickRate"`
	MatchType string `json:"matchType"`
}

func (disp *dispatcher) apiRequestPublicMatch(w http.ResponseWriter, r *http.Request) {
	disp.apiRequestMatch(w, r, "Public")
}

func (disp *dispatcher) apiRequestPrivateMatch(w http.ResponseWriter, r *http.Request) {
	disp.apiRequestMatch(w, r, "Private")
}

func (disp *dispatcher) apiRequestMatch(w http.ResponseWriter, r *http.Request, privacy string) {
	logger := httpserver.Logger(r)
	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.MatchID == "" || req.GameMode == "" {
		httpserver.Error(w, "matchId and gameMode are required", http.StatusBadRequest)
		return
	}
	if _, ok := sceneForGameMode[req.GameMode]; !ok {
		httpserver.Error(w, "unrecognized gameMode "+req.GameMode, http.StatusBadRequest)
		return
	}
	if req.MatchType == "" {
		if privacy == "Private" {
			req.MatchType = "CustomPrivate"
		} else {
			req.MatchType = "QuickPlay"
		}
	}

	vm, ok := disp.pool.GetAvailableVM(r.Context())
	if !ok {
		httpserver.Error(w, "no VM available", http.StatusServiceUnavailable)
		return
	}
	logger = logger.WithFields(logrus.Fields{
		"MatchID":    req.MatchID,
		"InstanceID": vm.InstanceID,
	})
	resp, err := disp.agent.StartMatch(r.Context(), vm.IP, worker.StartMatchRequest{
		MatchID:          req.MatchID,
		GameMode:         req.GameMode,
		MatchPrivacy:     privacy,
		TickRate:         req.TickRate,
		MatchType:        req.MatchType,
		PlayfabSecretKey: disp.Config.PlayFabSecretKey,
	})
	if err != nil {
		logger.WithError(err).Error("start-match failed")
		httpserver.Error(w, "error starting match: "+err.Error(), http.StatusInternalServerError)
		return
	}
	disp.pool.IncrementMatchCount(vm.InstanceID)
	match := Match{
		MatchID:      req.MatchID,
		GameMode:     req.GameMode,
		MatchPrivacy: privacy,
		TickRate:     req.TickRate,
		MatchType:    req.MatchType,
		ServerIP:     vm.IP,
		ServerPort:   resp.ServerPort,
		ContainerID:  resp.ContainerID,
		VMInstanceID: vm.InstanceID,
		StartedAt:    time.Now(),
	}
	disp.matches.add(match)
	logger.WithField("ServerPort", match.ServerPort).Info("match allocated")
	json.NewEncoder(w).Encode(match)
}

func (disp *dispatcher) apiMatchDetails(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	matchID := params.ByName("matchId")
	if matchID == "" {
		httpserver.Error(w, "matchId is required", http.StatusBadRequest)
		return
	}
	match, ok := disp.matches.get(matchID)
	if !ok {
		httpserver.Error(w, "match not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(match)
}

func (disp *dispatcher) apiDebugVMs(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		ProtectedVM cloud.InstanceID `json:"protectedVM"`
		VMPool      []worker.VMView  `json:"vmPool"`
		Matches     []Match          `json:"matches"`
	}
	resp.ProtectedVM = disp.pool.Protected()
	resp.VMPool = disp.pool.Instances()
	resp.Matches = disp.matches.all()
	json.NewEncoder(w).Encode(resp)
}

func (disp *dispatcher) apiHealthPing(w http.ResponseWriter, r *http.Request) {
	if err := disp.CheckHealth(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"health": "ERROR", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"health": "OK"})
}
