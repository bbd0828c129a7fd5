// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"sync"
	"time"

	"github.com/versusmen/matchfleet/lib/cloud"
)

// A Match is the record of one allocated match. Records are created
// after a successful start-match call and never mutated afterwards.
type Match struct {
	MatchID      string           `json:"matchId"`
	GameMode     string           `json:"gameMode"`
	MatchPrivacy string           `json:"matchPrivacy"`
	TickRate     int              `json:"tickRate"`
	MatchType    string           `json:"matchType"`
	ServerIP     string           `json:"serverIP"`
	ServerPort   int              `json:"serverPort"`
	ContainerID  string           `json:"containerId"`
	VMInstanceID cloud.InstanceID `json:"vmInstanceId"`
	StartedAt    time.Time        `json:"startedAt"`
}

// matchStore holds the active-match map. It is safe for concurrent
// use.
type matchStore struct {
	mtx     sync.RWMutex
	matches map[string]Match
}

func newMatchStore() *matchStore {
	return &matchStore{matches: map[string]Match{}}
}

func (ms *matchStore) add(m Match) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.matches[m.MatchID] = m
}

func (ms *matchStore) count() int {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return len(ms.matches)
}

func (ms *matchStore) get(matchID string) (Match, bool) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	m, ok := ms.matches[matchID]
	return m, ok
}

func (ms *matchStore) all() []Match {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	out := make([]Match, 0, len(ms.matches))
	for _, m := range ms.matches {
		out = append(out, m)
	}
	return out
}

// dropOrphans removes records whose VM is no longer tracked, and
// returns how many were removed. live must contain every tracked
// instance ID.
func (ms *matchStore) dropOrphans(live map[cloud.InstanceID]bool) int {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var dropped int
	for id, m := range ms.matches {
		if !live[m.VMInstanceID] {
			delete(ms.matches, id)
			dropped++
		}
	}
	return dropped
}
