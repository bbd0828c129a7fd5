// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback provides a cloud driver that runs the entire
// fleet on the local host. Every "instance" has IP 127.0.0.1, so a
// worker agent listening on the configured worker port serves all of
// them. Intended for development and integration testing without
// cloud credentials.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/versusmen/matchfleet/lib/cloud"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newLoopbackInstanceSet)

type instanceSetConfig struct {
	// Creates beyond this count are rejected, imitating a provider
	// capacity error. Zero means no limit.
	MaxInstances int
}

type instanceSet struct {
	conf    instanceSetConfig
	fleetID cloud.FleetID
	logger  logrus.FieldLogger

	mtx       sync.Mutex
	instances map[cloud.InstanceID]cloud.Instance
	nextID    int
}

func newLoopbackInstanceSet(confJSON json.RawMessage, fleetID cloud.FleetID, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &instanceSet{
		fleetID:   fleetID,
		logger:    logger,
		instances: map[cloud.InstanceID]cloud.Instance{},
	}
	if len(confJSON) > 0 {
		if err := json.Unmarshal(confJSON, &is.conf); err != nil {
			return nil, err
		}
	}
	return is, nil
}

type capacityError struct{ error }

func (capacityError) IsTransient() bool { return true }

func (is *instanceSet) Create(ctx context.Context, tmpl cloud.VMTemplate, name string) (cloud.InstanceID, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	if is.conf.MaxInstances > 0 && len(is.instances) >= is.conf.MaxInstances {
		return "", capacityError{fmt.Errorf("loopback: instance limit %d reached", is.conf.MaxInstances)}
	}
	is.nextID++
	id := cloud.InstanceID(fmt.Sprintf("loopback-%d", is.nextID))
	is.instances[id] = cloud.Instance{
		ID:         id,
		State:      cloud.StateRunning,
		PublicIP:   "127.0.0.1",
		LaunchedAt: time.Now(),
	}
	is.logger.WithFields(logrus.Fields{
		"InstanceID": id,
		"Name":       name,
	}).Info("created loopback instance")
	return id, nil
}

func (is *instanceSet) Instances(ctx context.Context) ([]cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	var out []cloud.Instance
	for _, inst := range is.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (is *instanceSet) Terminate(ctx context.Context, ids []cloud.InstanceID) error {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	for _, id := range ids {
		delete(is.instances, id)
	}
	return nil
}

func (is *instanceSet) Stop() {
}
