// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/versusmen/matchfleet/lib/cloud"
	"github.com/versusmen/matchfleet/lib/config"
	"github.com/versusmen/matchfleet/lib/dispatch/test"
	"github.com/versusmen/matchfleet/lib/dispatch/worker"
	"github.com/versusmen/matchfleet/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&DispatcherSuite{})

type DispatcherSuite struct {
	disp  *dispatcher
	pool  *stubPool
	agent *stubAgent
}

// stubPool implements the pool interface with a fixed VM list.
type stubPool struct {
	mtx         sync.Mutex
	vms         []worker.VMView
	protected   cloud.InstanceID
	healthy     bool
	incremented map[cloud.InstanceID]int
}

func (sp *stubPool) CheckHealth() error {
	if !sp.healthy {
		return errors.New("not yet synced")
	}
	return nil
}

func (sp *stubPool) GetAvailableVM(ctx context.Context) (worker.VMView, bool) {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	if len(sp.vms) == 0 {
		return worker.VMView{}, false
	}
	return sp.vms[0], true
}

func (sp *stubPool) IncrementMatchCount(id cloud.InstanceID) {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	if sp.incremented == nil {
		sp.incremented = map[cloud.InstanceID]int{}
	}
	sp.incremented[id]++
}

func (sp *stubPool) Instances() []worker.VMView {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	return append([]worker.VMView(nil), sp.vms...)
}

func (sp *stubPool) Protected() cloud.InstanceID { return sp.protected }
func (sp *stubPool) Stop()                       {}

// stubAgent implements worker.Agent for the allocation path.
type stubAgent struct {
	mtx      sync.Mutex
	startErr error
	started  []worker.StartMatchRequest
}

func (sa *stubAgent) Status(ctx context.Context, ip string) (int, error) {
	return 0, nil
}

func (sa *stubAgent) StartMatch(ctx context.Context, ip string, req worker.StartMatchRequest) (*worker.StartMatchResponse, error) {
	sa.mtx.Lock()
	defer sa.mtx.Unlock()
	if sa.startErr != nil {
		return nil, sa.startErr
	}
	sa.started = append(sa.started, req)
	return &worker.StartMatchResponse{Success: true, ServerPort: 9100, ContainerID: "ctr-" + req.MatchID}, nil
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	cfg := config.Default()
	cfg.UpdateInterval = time.Hour
	cfg.StatusTimeout = time.Second
	cfg.PlayFabSecretKey = "test-secret"
	s.pool = &stubPool{
		healthy: true,
		vms: []worker.VMView{{
			InstanceID: "vm-1",
			IP:         "10.0.0.1",
			MatchCount: 0,
		}},
		protected: "vm-1",
	}
	s.agent = &stubAgent{}
	s.disp = &dispatcher{
		Config:      cfg,
		Context:     ctxlog.Context(context.Background(), ctxlog.TestLogger(c)),
		Registry:    prometheus.NewRegistry(),
		instanceSet: &test.StubInstanceSet{},
		agent:       s.agent,
		pool:        s.pool,
	}
}

func (s *DispatcherSuite) TearDownTest(c *check.C) {
	s.disp.Close()
}

func (s *DispatcherSuite) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, bytes.NewBufferString(body))
	resp := httptest.NewRecorder()
	s.disp.ServeHTTP(resp, req)
	return resp
}

func (s *DispatcherSuite) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	resp := httptest.NewRecorder()
	s.disp.ServeHTTP(resp, req)
	return resp
}

func (s *DispatcherSuite) TestRequestPublicMatch(c *check.C) {
	resp := s.post("/api/request-public-match", `{"matchId":"m1","gameMode":"VersusMen_Online","tickRate":60}`)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var match Match
	c.Assert(json.NewDecoder(resp.Body).Decode(&match), check.IsNil)
	c.Check(match.MatchID, check.Equals, "m1")
	c.Check(match.ServerIP, check.Equals, "10.0.0.1")
	c.Check(match.ServerPort, check.Equals, 9100)
	c.Check(match.ContainerID, check.Equals, "ctr-m1")
	c.Check(match.MatchPrivacy, check.Equals, "Public")
	c.Check(match.MatchType, check.Equals, "QuickPlay")
	c.Check(s.pool.incremented["vm-1"], check.Equals, 1)

	c.Assert(s.agent.started, check.HasLen, 1)
	c.Check(s.agent.started[0].PlayfabSecretKey, check.Equals, "test-secret")
	c.Check(s.agent.started[0].TickRate, check.Equals, 60)
}

func (s *DispatcherSuite) TestRequestPrivateMatchDefaults(c *check.C) {
	resp := s.post("/api/request-private-match", `{"matchId":"m2","gameMode":"VersusMen_Duel"}`)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var match Match
	c.Assert(json.NewDecoder(resp.Body).Decode(&match), check.IsNil)
	c.Check(match.MatchPrivacy, check.Equals, "Private")
	c.Check(match.MatchType, check.Equals, "CustomPrivate")
}

func (s *DispatcherSuite) TestRequestMatchExplicitType(c *check.C) {
	resp := s.post("/api/request-private-match", `{"matchId":"m3","gameMode":"VersusMen_Duel","matchType":"Scrim"}`)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var match Match
	c.Assert(json.NewDecoder(resp.Body).Decode(&match), check.IsNil)
	c.Check(match.MatchType, check.Equals, "Scrim")
}

func (s *DispatcherSuite) TestInvalidRequests(c *check.C) {
	for _, body := range []string{
		`{"gameMode":"VersusMen_Online"}`,
		`{"matchId":"m1"}`,
		`{"matchId":"m1","gameMode":"Bogus"}`,
		`not json`,
	} {
		resp := s.post("/api/request-public-match", body)
		c.Check(resp.Code, check.Equals, http.StatusBadRequest, check.Commentf("body %s", body))
	}
	c.Check(s.agent.started, check.HasLen, 0)
	c.Check(s.pool.incremented, check.HasLen, 0)
}

func (s *DispatcherSuite) TestNoVMAvailable(c *check.C) {
	s.pool.mtx.Lock()
	s.pool.vms = nil
	s.pool.mtx.Unlock()
	resp := s.post("/api/request-public-match", `{"matchId":"m1","gameMode":"VersusMen_Online"}`)
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)
}

func (s *DispatcherSuite) TestStartMatchFailure(c *check.C) {
	s.agent.startErr = errors.New("worker exploded")
	resp := s.post("/api/request-public-match", `{"matchId":"m1","gameMode":"VersusMen_Online"}`)
	c.Check(resp.Code, check.Equals, http.StatusInternalServerError)
	c.Check(s.pool.incremented, check.HasLen, 0)

	// No match record was stored.
	resp = s.get("/api/match-details/m1")
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestMatchDetails(c *check.C) {
	resp := s.post("/api/request-public-match", `{"matchId":"m1","gameMode":"VersusMen_Online"}`)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	created := resp.Body.String()

	resp = s.get("/api/match-details/m1")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	first := resp.Body.String()
	c.Check(first, check.Equals, created)

	resp = s.get("/api/match-details/m1")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, first)

	resp = s.get("/api/match-details/nope")
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestDebugVMs(c *check.C) {
	resp := s.post("/api/request-public-match", `{"matchId":"m1","gameMode":"VersusMen_Online"}`)
	c.Assert(resp.Code, check.Equals, http.StatusOK)

	resp = s.get("/api/debug/vms")
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var body struct {
		ProtectedVM cloud.InstanceID `json:"protectedVM"`
		VMPool      []worker.VMView  `json:"vmPool"`
		Matches     []Match          `json:"matches"`
	}
	c.Assert(json.NewDecoder(resp.Body).Decode(&body), check.IsNil)
	c.Check(body.ProtectedVM, check.Equals, cloud.InstanceID("vm-1"))
	c.Assert(body.VMPool, check.HasLen, 1)
	c.Check(body.VMPool[0].InstanceID, check.Equals, cloud.InstanceID("vm-1"))
	c.Assert(body.Matches, check.HasLen, 1)
	c.Check(body.Matches[0].MatchID, check.Equals, "m1")
}

func (s *DispatcherSuite) TestHealthPing(c *check.C) {
	resp := s.get("/_health/ping")
	c.Check(resp.Code, check.Equals, http.StatusOK)

	s.pool.healthy = false
	resp = s.get("/_health/ping")
	c.Check(resp.Code, check.Equals, http.StatusInternalServerError)
}

func (s *DispatcherSuite) TestMetrics(c *check.C) {
	resp := s.get("/metrics")
	c.Check(resp.Code, check.Equals, http.StatusOK)
}

func (s *DispatcherSuite) TestMatchGC(c *check.C) {
	resp := s.post("/api/request-public-match", `{"matchId":"m1","gameMode":"VersusMen_Online"}`)
	c.Assert(resp.Code, check.Equals, http.StatusOK)

	// While vm-1 is tracked, the record stays.
	s.disp.gcMatches()
	_, ok := s.disp.matches.get("m1")
	c.Check(ok, check.Equals, true)

	// After its VM disappears, the record goes.
	s.pool.mtx.Lock()
	s.pool.vms = nil
	s.pool.mtx.Unlock()
	s.disp.gcMatches()
	_, ok = s.disp.matches.get("m1")
	c.Check(ok, check.Equals, false)
}
