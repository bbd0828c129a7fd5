// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides stubs for testing dispatch components
// without a real cloud provider or worker fleet.
package test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/versusmen/matchfleet/lib/cloud"
)

// A StubInstanceSet implements cloud.InstanceSet with an in-memory
// fleet whose instance states the test controls directly.
type StubInstanceSet struct {
	// Next Create call fails with this error, if non-nil.
	CreateErr error

	// All Instances calls fail with this error, if non-nil.
	DescribeErr error

	// All Terminate calls fail with this error, if non-nil.
	TerminateErr error

	// If true, Create returns instances already in the running
	// state with an address assigned.
	AutoRun bool

	mtx        sync.Mutex
	instances  map[cloud.InstanceID]*StubVM
	terminated []cloud.InstanceID
	nextID     int
	stopped    bool
}

// A StubVM is one instance tracked by a StubInstanceSet. Use
// SetState and SetIP to simulate cloud-side transitions.
type StubVM struct {
	sis   *StubInstanceSet
	id    cloud.InstanceID
	state cloud.InstanceState
	ip    string
}

func (svm *StubVM) ID() cloud.InstanceID { return svm.id }

func (svm *StubVM) IP() string {
	svm.sis.mtx.Lock()
	defer svm.sis.mtx.Unlock()
	return svm.ip
}

func (svm *StubVM) SetState(state cloud.InstanceState) {
	svm.sis.mtx.Lock()
	defer svm.sis.mtx.Unlock()
	svm.state = state
}

func (svm *StubVM) SetIP(ip string) {
	svm.sis.mtx.Lock()
	defer svm.sis.mtx.Unlock()
	svm.ip = ip
}

func (sis *StubInstanceSet) setup() {
	if sis.instances == nil {
		sis.instances = map[cloud.InstanceID]*StubVM{}
	}
}

// AddRunning seeds a running instance with the given address, as if
// it had been discovered in the cloud.
func (sis *StubInstanceSet) AddRunning(ip string) *StubVM {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	sis.setup()
	sis.nextID++
	svm := &StubVM{
		sis:   sis,
		id:    cloud.InstanceID(fmt.Sprintf("stub-%d", sis.nextID)),
		state: cloud.StateRunning,
		ip:    ip,
	}
	sis.instances[svm.id] = svm
	return svm
}

// VM returns the tracked instance with the given ID, or nil.
func (sis *StubInstanceSet) VM(id cloud.InstanceID) *StubVM {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	return sis.instances[id]
}

// Terminated returns the IDs passed to Terminate so far, in call
// order.
func (sis *StubInstanceSet) Terminated() []cloud.InstanceID {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	return append([]cloud.InstanceID(nil), sis.terminated...)
}

// Create implements cloud.InstanceSet.
func (sis *StubInstanceSet) Create(ctx context.Context, tmpl cloud.VMTemplate, name string) (cloud.InstanceID, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	sis.setup()
	if sis.stopped {
		return "", errors.New("StubInstanceSet: Create called after Stop")
	}
	if sis.CreateErr != nil {
		err := sis.CreateErr
		sis.CreateErr = nil
		return "", err
	}
	sis.nextID++
	svm := &StubVM{
		sis:   sis,
		id:    cloud.InstanceID(fmt.Sprintf("stub-%d", sis.nextID)),
		state: cloud.StatePending,
	}
	if sis.AutoRun {
		svm.state = cloud.StateRunning
		svm.ip = fmt.Sprintf("10.0.0.%d", sis.nextID)
	}
	sis.instances[svm.id] = svm
	return svm.id, nil
}

// Instances implements cloud.InstanceSet.
func (sis *StubInstanceSet) Instances(ctx context.Context) ([]cloud.Instance, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.DescribeErr != nil {
		return nil, sis.DescribeErr
	}
	var out []cloud.Instance
	for _, svm := range sis.instances {
		out = append(out, cloud.Instance{
			ID:         svm.id,
			State:      svm.state,
			PublicIP:   svm.ip,
			LaunchedAt: time.Now(),
		})
	}
	return out, nil
}

// Terminate implements cloud.InstanceSet.
func (sis *StubInstanceSet) Terminate(ctx context.Context, ids []cloud.InstanceID) error {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.TerminateErr != nil {
		return sis.TerminateErr
	}
	for _, id := range ids {
		sis.terminated = append(sis.terminated, id)
		delete(sis.instances, id)
	}
	return nil
}

// Stop implements cloud.InstanceSet.
func (sis *StubInstanceSet) Stop() {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	sis.stopped = true
}
