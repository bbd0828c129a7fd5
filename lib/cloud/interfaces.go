// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"time"
)

// A TransientError should be returned by an InstanceSet when the
// cloud service rejected a call for a reason that is expected to
// clear on its own (throttling, 5xx, network trouble). Callers retry
// by waiting for the next reconcile tick, never inline.
type TransientError interface {
	IsTransient() bool
	error
}

// IsTransient reports whether err is a cloud error the next reconcile
// tick can be expected to recover from. Any other error is treated as
// permanent and needs operator attention.
func IsTransient(err error) bool {
	te, ok := err.(TransientError)
	return ok && te.IsTransient()
}

type InstanceID string

// InstanceState is the provider's lifecycle state for an instance,
// normalized to lowercase. Only StateRunning has meaning to the
// dispatcher; all other states are passed through for logging.
type InstanceState string

const (
	StatePending    InstanceState = "pending"
	StateRunning    InstanceState = "running"
	StateStopping   InstanceState = "stopping"
	StateStopped    InstanceState = "stopped"
	StateTerminated InstanceState = "terminated"
)

// Instance is a normalized view of one cloud VM. The driver returns
// plain records, not provider payloads.
type Instance struct {
	ID         InstanceID
	State      InstanceState
	PublicIP   string // empty until the provider assigns one
	LaunchedAt time.Time
}

// VMTemplate is the fixed launch configuration for worker VMs, read
// from site config at startup.
type VMTemplate struct {
	ImageID          string  `json:"ImageID"`
	InstanceType     string  `json:"InstanceType"`
	AvailabilityZone string  `json:"AvailabilityZone"`
	SubnetID         string  `json:"SubnetID"`
	SecurityGroupID  string  `json:"SecurityGroupID"`
	KeyPairName      string  `json:"KeyPairName"`
	SpotPrice        float64 `json:"SpotPrice"`
	BandwidthMbps    int     `json:"BandwidthMbps"`
	NamePrefix       string  `json:"NamePrefix"`
}

// An InstanceSet manages the pool's VM instances at an elastic cloud
// provider.
//
// All methods are goroutine safe. All methods accept a context; the
// caller bounds each call with a deadline.
type InstanceSet interface {
	// Create submits a launch of one instance from the template,
	// tagged/named with the given unique name. The launch is
	// spot-priced when the template sets a SpotPrice above zero,
	// and on-demand otherwise. It
	// returns the provider-assigned instance ID as soon as the
	// provider accepts the request, which is normally before the
	// instance reaches StateRunning.
	Create(ctx context.Context, tmpl VMTemplate, name string) (InstanceID, error)

	// Instances returns all instances the provider ascribes to
	// this fleet, in any state.
	Instances(ctx context.Context) ([]Instance, error)

	// Terminate requests termination of the given instances.
	// Best effort: the caller logs errors and does not retry.
	Terminate(ctx context.Context, ids []InstanceID) error

	// Stop releases driver resources. No other method may be
	// called after Stop.
	Stop()
}
