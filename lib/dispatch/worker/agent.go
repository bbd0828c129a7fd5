// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// An Agent performs bounded-timeout calls against the worker agent
// running on a VM.
type Agent interface {
	// Status returns the number of active matches the worker
	// reports. The result is never negative.
	Status(ctx context.Context, ip string) (int, error)

	// StartMatch asks the worker to launch a game-server process
	// for the given match.
	StartMatch(ctx context.Context, ip string, req StartMatchRequest) (*StartMatchResponse, error)
}

// StartMatchRequest is the payload of POST /start-match on a worker
// agent.
type StartMatchRequest struct {
	MatchID          string `json:"matchId"`
	GameMode         string `json:"gameMode"`
	MatchPrivacy     string `json:"matchPrivacy"`
	TickRate         int    `json:"tickRate"`
	MatchType        string `json:"matchType"`
	PlayfabSecretKey string `json:"playfabSecretKey"`
}

// StartMatchResponse is the worker agent's answer to /start-match.
// Unknown fields are tolerated on input.
type StartMatchResponse struct {
	Success     bool   `json:"success"`
	ServerPort  int    `json:"serverPort"`
	ContainerID string `json:"containerId"`
	Message     string `json:"message,omitempty"`
}

const startMatchTimeout = 15 * time.Second

// AgentErrorKind distinguishes the ways a worker agent call can fail.
type AgentErrorKind string

const (
	AgentTimeout    AgentErrorKind = "timeout"
	AgentRefused    AgentErrorKind = "refused"
	AgentConnection AgentErrorKind = "connection"
	AgentStatus     AgentErrorKind = "status"    // non-2xx HTTP response
	AgentMalformed  AgentErrorKind = "malformed" // undecodable response body
	AgentRejected   AgentErrorKind = "rejected"  // worker answered success=false
)

// AgentError is the error type for all worker agent failures.
type AgentError struct {
	Kind       AgentErrorKind
	StatusCode int
	Message    string
	wrapped    error
}

func (e *AgentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("worker agent %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("worker agent %s: %v", e.Kind, e.wrapped)
}

func (e *AgentError) Unwrap() error { return e.wrapped }

func agentError(err error) *AgentError {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AgentError{Kind: AgentTimeout, wrapped: err}
	case errors.As(err, &ne) && ne.Timeout():
		return &AgentError{Kind: AgentTimeout, wrapped: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &AgentError{Kind: AgentRefused, wrapped: err}
	default:
		return &AgentError{Kind: AgentConnection, wrapped: err}
	}
}

// AgentClient is the HTTP implementation of Agent.
type AgentClient struct {
	// Port the worker agent listens on.
	Port int

	// Bound on each Status call.
	StatusTimeout time.Duration

	// HTTPClient is used for all requests. Leave nil to use a
	// client with no transport-level timeout (per-call contexts
	// bound every request already).
	HTTPClient *http.Client
}

func (ac *AgentClient) httpClient() *http.Client {
	if ac.HTTPClient != nil {
		return ac.HTTPClient
	}
	return http.DefaultClient
}

func (ac *AgentClient) url(ip, path string) string {
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(ac.Port)) + path
}

// Status implements Agent.
func (ac *AgentClient) Status(ctx context.Context, ip string) (int, error) {
	timeout := ac.StatusTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ac.url(ip, "/status"), nil)
	if err != nil {
		return 0, err
	}
	resp, err := ac.httpClient().Do(req)
	if err != nil {
		return 0, agentError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &AgentError{Kind: AgentStatus, StatusCode: resp.StatusCode, Message: resp.Status}
	}
	var body struct {
		ActiveMatches interface{} `json:"activeMatches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, &AgentError{Kind: AgentMalformed, wrapped: err}
	}
	return coerceCount(body.ActiveMatches), nil
}

// coerceCount normalizes whatever the worker put in activeMatches to
// a non-negative integer. Non-numeric values count as zero.
func coerceCount(v interface{}) int {
	var n int
	switch v := v.(type) {
	case float64:
		n = int(v)
	case string:
		n, _ = strconv.Atoi(v)
	case json.Number:
		f, _ := v.Float64()
		n = int(f)
	}
	if n < 0 {
		n = 0
	}
	return n
}

// StartMatch implements Agent.
func (ac *AgentClient) StartMatch(ctx context.Context, ip string, smr StartMatchRequest) (*StartMatchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, startMatchTimeout)
	defer cancel()
	buf, err := json.Marshal(smr)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ac.url(ip, "/start-match"), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ac.httpClient().Do(req)
	if err != nil {
		return nil, agentError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AgentError{Kind: AgentStatus, StatusCode: resp.StatusCode, Message: resp.Status}
	}
	var out StartMatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &AgentError{Kind: AgentMalformed, wrapped: err}
	}
	if !out.Success {
		return nil, &AgentError{Kind: AgentRejected, Message: out.Message}
	}
	return &out, nil
}
