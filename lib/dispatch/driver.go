// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/versusmen/matchfleet/lib/cloud"
	"github.com/versusmen/matchfleet/lib/cloud/ec2"
	"github.com/versusmen/matchfleet/lib/cloud/loopback"
	"github.com/versusmen/matchfleet/lib/config"
)

var drivers = map[string]cloud.Driver{
	"ec2":      ec2.Driver,
	"loopback": loopback.Driver,
}

func newInstanceSet(cfg *config.Config, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	driver, ok := drivers[cfg.CloudDriver]
	if !ok {
		return nil, fmt.Errorf("unsupported cloud driver %q", cfg.CloudDriver)
	}
	return driver.InstanceSet(cfg.CloudDriverParameters, cloud.FleetID(cfg.FleetID), logger)
}
