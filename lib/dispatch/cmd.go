// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/versusmen/matchfleet/lib/cmd"
	"github.com/versusmen/matchfleet/lib/config"
	"github.com/versusmen/matchfleet/lib/service"
)

var Command cmd.Handler = service.Command("match-dispatcher", newHandler)

func newHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) service.Handler {
	disp := &dispatcher{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
	}
	go disp.Start()
	return disp
}
