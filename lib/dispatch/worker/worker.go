// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"time"

	"github.com/versusmen/matchfleet/lib/cloud"
)

// vm is the pool's in-memory record of one tracked worker VM. All
// fields are guarded by the pool's mutex.
type vm struct {
	instanceID cloud.InstanceID

	// current public address; never empty for a tracked record
	ip string

	// active matches last reported by the worker, or an
	// optimistic increment after a successful allocation
	matchCount int

	// consecutive failed status probes; reset on any success
	unreachableCount int

	// first tracked (launch completion or sync discovery)
	launchedAt time.Time

	// most recent successful status probe; equals launchedAt if
	// never probed successfully
	lastSeen time.Time
}

func (w *vm) freeSlots(limit int) int {
	free := limit - w.matchCount
	if free < 0 {
		free = 0
	}
	return free
}

// A VMView shows one tracked VM's current state. It is the unit of
// the debug API and of allocator snapshots.
type VMView struct {
	InstanceID       cloud.InstanceID `json:"instanceId"`
	IP               string           `json:"ip"`
	MatchCount       int              `json:"matchCount"`
	UnreachableCount int              `json:"unreachableCount"`
	LaunchedAt       time.Time        `json:"launchedAt"`
	LastSeen         time.Time        `json:"lastSeen"`
}

func (w *vm) view() VMView {
	return VMView{
		InstanceID:       w.instanceID,
		IP:               w.ip,
		MatchCount:       w.matchCount,
		UnreachableCount: w.unreachableCount,
		LaunchedAt:       w.launchedAt,
		LastSeen:         w.lastSeen,
	}
}

// probeResult carries the outcome of one status probe from the
// unlocked I/O phase back into the locked apply phase.
type probeResult struct {
	instanceID cloud.InstanceID
	count      int
	err        error
}
