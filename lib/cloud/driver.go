// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// FleetID identifies the set of cloud resources managed by one
// dispatcher. The driver must only list/terminate instances tagged
// with it, so two fleets in one account stay out of each other's way.
type FleetID string

// A Driver returns an InstanceSet configured from the given
// driver-dependent parameters.
type Driver interface {
	InstanceSet(config json.RawMessage, id FleetID, logger logrus.FieldLogger) (InstanceSet, error)
}

// DriverFunc makes a Driver using the provided function as its
// InstanceSet method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(config json.RawMessage, id FleetID, logger logrus.FieldLogger) (InstanceSet, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, id FleetID, logger logrus.FieldLogger) (InstanceSet, error)

func (df driverFunc) InstanceSet(config json.RawMessage, id FleetID, logger logrus.FieldLogger) (InstanceSet, error) {
	return df(config, id, logger)
}
