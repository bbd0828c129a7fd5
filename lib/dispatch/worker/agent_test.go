// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&AgentSuite{})

type AgentSuite struct{}

// client returns an AgentClient pointed at srv.
func (suite *AgentSuite) client(c *check.C, srv *httptest.Server) (*AgentClient, string) {
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	c.Assert(err, check.IsNil)
	portNum, err := strconv.Atoi(port)
	c.Assert(err, check.IsNil)
	return &AgentClient{Port: portNum, StatusTimeout: time.Second}, host
}

func (suite *AgentSuite) TestStatus(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.Method, check.Equals, "GET")
		c.Check(r.URL.Path, check.Equals, "/status")
		json.NewEncoder(w).Encode(map[string]interface{}{"activeMatches": 3})
	}))
	defer srv.Close()
	ac, host := suite.client(c, srv)
	n, err := ac.Status(context.Background(), host)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 3)
}

func (suite *AgentSuite) TestStatusOddValues(c *check.C) {
	for _, trial := range []struct {
		body  string
		count int
	}{
		{`{"activeMatches": "4"}`, 4},
		{`{"activeMatches": -2}`, 0},
		{`{"activeMatches": null}`, 0},
		{`{"activeMatches": "junk"}`, 0},
		{`{}`, 0},
	} {
		body := trial.body
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		ac, host := suite.client(c, srv)
		n, err := ac.Status(context.Background(), host)
		c.Check(err, check.IsNil)
		c.Check(n, check.Equals, trial.count, check.Commentf("body %s", trial.body))
		srv.Close()
	}
}

func (suite *AgentSuite) TestStatusHTTPError(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	ac, host := suite.client(c, srv)
	_, err := ac.Status(context.Background(), host)
	c.Assert(err, check.FitsTypeOf, &AgentError{})
	c.Check(err.(*AgentError).Kind, check.Equals, AgentStatus)
}

func (suite *AgentSuite) TestStatusConnectionRefused(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ac, host := suite.client(c, srv)
	srv.Close()
	_, err := ac.Status(context.Background(), host)
	c.Assert(err, check.FitsTypeOf, &AgentError{})
	c.Check(err.(*AgentError).Kind, check.Equals, AgentRefused)
}

func (suite *AgentSuite) TestStatusTimeout(c *check.C) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)
	ac, host := suite.client(c, srv)
	ac.StatusTimeout = 50 * time.Millisecond
	_, err := ac.Status(context.Background(), host)
	c.Assert(err, check.FitsTypeOf, &AgentError{})
	c.Check(err.(*AgentError).Kind, check.Equals, AgentTimeout)
}

func (suite *AgentSuite) TestStartMatch(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.Method, check.Equals, "POST")
		c.Check(r.URL.Path, check.Equals, "/start-match")
		var req StartMatchRequest
		c.Assert(json.NewDecoder(r.Body).Decode(&req), check.IsNil)
		c.Check(req.MatchID, check.Equals, "m1")
		c.Check(req.MatchPrivacy, check.Equals, "Public")
		json.NewEncoder(w).Encode(StartMatchResponse{
			Success:     true,
			ServerPort:  9500,
			ContainerID: "abc123",
		})
	}))
	defer srv.Close()
	ac, host := suite.client(c, srv)
	resp, err := ac.StartMatch(context.Background(), host, StartMatchRequest{
		MatchID:      "m1",
		GameMode:     "VersusMen_Online",
		MatchPrivacy: "Public",
		TickRate:     60,
		MatchType:    "QuickPlay",
	})
	c.Assert(err, check.IsNil)
	c.Check(resp.ServerPort, check.Equals, 9500)
	c.Check(resp.ContainerID, check.Equals, "abc123")
}

func (suite *AgentSuite) TestStartMatchRejected(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StartMatchResponse{Success: false, Message: "out of ports"})
	}))
	defer srv.Close()
	ac, host := suite.client(c, srv)
	_, err := ac.StartMatch(context.Background(), host, StartMatchRequest{MatchID: "m1"})
	c.Assert(err, check.FitsTypeOf, &AgentError{})
	c.Check(err.(*AgentError).Kind, check.Equals, AgentRejected)
	c.Check(err.Error(), check.Matches, `.*out of ports.*`)
}
