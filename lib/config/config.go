// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the dispatcher's site configuration: an
// optional YAML file, with environment variables taking precedence
// over anything the file says. A dispatcher with no config file and
// no environment runs with the documented defaults (minus cloud
// credentials, which the EC2 driver needs to do anything useful).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ghodss/yaml"
	"github.com/versusmen/matchfleet/lib/cloud"
)

// Config is the root of the site configuration.
type Config struct {
	// HTTP listen port for the dispatcher's own API.
	Port int `json:"Port"`

	LogLevel  string `json:"LogLevel"`
	LogFormat string `json:"LogFormat"`

	// Port the worker agent listens on, on every VM.
	WorkerPort int `json:"WorkerPort"`

	// Per-VM active match capacity.
	FullMatchLimit int `json:"FullMatchLimit"`

	// Pool ceiling / floor.
	MaxBackupVMs int `json:"MaxBackupVMs"`
	MinBackupVMs int `json:"MinBackupVMs"`

	// Free-slot total at or below which the reconciler launches
	// another VM.
	NearCapacityThreshold int `json:"NearCapacityThreshold"`

	// Consecutive failed status probes before a VM is eligible
	// for termination.
	VMUnreachableTerminateThreshold int `json:"VMUnreachableTerminateThreshold"`

	// Minimum VM age before it is eligible for idle/unreachable
	// termination.
	VMAgeTerminate time.Duration `json:"-"`

	// Bound on each worker status probe.
	StatusTimeout time.Duration `json:"-"`

	// Reconciler period.
	UpdateInterval time.Duration `json:"-"`

	// Idle window after which the protected VM rotates to the
	// oldest non-protected VM.
	ProtectRotate time.Duration `json:"-"`

	// Drop match records whose VM has disappeared.
	MatchGC bool `json:"MatchGC"`

	// Passed through to every start-match call.
	PlayFabSecretKey string `json:"PlayFabSecretKey"`

	// Tag value isolating this fleet's cloud resources.
	FleetID string `json:"FleetID"`

	// Cloud driver selection and driver-specific parameters
	// (credentials, region).
	CloudDriver           string          `json:"CloudDriver"`
	CloudDriverParameters json.RawMessage `json:"CloudDriverParameters"`

	// Fixed launch template for worker VMs.
	VMTemplate cloud.VMTemplate `json:"VMTemplate"`

	// Same fields, in file-friendly integer units. Env overrides
	// land here too, then Load converts.
	VMAgeTerminateMinutes int `json:"VMAgeTerminateMinutes"`
	StatusTimeoutMS       int `json:"StatusTimeoutMS"`
	UpdateIntervalMS      int `json:"UpdateIntervalMS"`
	ProtectRotateMinutes  int `json:"ProtectRotateMinutes"`
}

// Default returns a Config with all documented defaults filled in.
func Default() *Config {
	return &Config{
		Port:                            7777,
		LogLevel:                        "info",
		LogFormat:                       "json",
		WorkerPort:                      7777,
		FullMatchLimit:                  5,
		MaxBackupVMs:                    10,
		MinBackupVMs:                    1,
		NearCapacityThreshold:           1,
		VMUnreachableTerminateThreshold: 2,
		VMAgeTerminateMinutes:           5,
		StatusTimeoutMS:                 5000,
		UpdateIntervalMS:                30000,
		ProtectRotateMinutes:            60,
		MatchGC:                         true,
		FleetID:                         "matchfleet",
		CloudDriver:                     "ec2",
	}
}

// Load reads the YAML config file at path (if path is non-empty),
// applies environment overrides, and converts integer units to
// durations.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.VMAgeTerminate = time.Duration(cfg.VMAgeTerminateMinutes) * time.Minute
	cfg.StatusTimeout = time.Duration(cfg.StatusTimeoutMS) * time.Millisecond
	cfg.UpdateInterval = time.Duration(cfg.UpdateIntervalMS) * time.Millisecond
	cfg.ProtectRotate = time.Duration(cfg.ProtectRotateMinutes) * time.Minute
	if cfg.MinBackupVMs > cfg.MaxBackupVMs {
		return nil, fmt.Errorf("MIN_BACKUP_VMS (%d) exceeds MAX_BACKUP_VMS (%d)", cfg.MinBackupVMs, cfg.MaxBackupVMs)
	}
	if cfg.CloudDriver == "ec2" && len(cfg.CloudDriverParameters) == 0 {
		params := map[string]string{
			"AccessKeyID":     os.Getenv("AWS_ACCESS_KEY_ID"),
			"SecretAccessKey": os.Getenv("AWS_SECRET_ACCESS_KEY"),
			"Region":          os.Getenv("AWS_REGION"),
		}
		buf, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		cfg.CloudDriverParameters = buf
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"PORT", &cfg.Port},
		{"WORKER_PORT", &cfg.WorkerPort},
		{"FULL_MATCH_LIMIT", &cfg.FullMatchLimit},
		{"MAX_BACKUP_VMS", &cfg.MaxBackupVMs},
		{"MIN_BACKUP_VMS", &cfg.MinBackupVMs},
		{"NEAR_CAPACITY_THRESHOLD", &cfg.NearCapacityThreshold},
		{"VM_UNREACHABLE_TERMINATE_THRESHOLD", &cfg.VMUnreachableTerminateThreshold},
		{"VM_AGE_TERMINATE_MINUTES", &cfg.VMAgeTerminateMinutes},
		{"STATUS_TIMEOUT_MS", &cfg.StatusTimeoutMS},
		{"UPDATE_INTERVAL_MS", &cfg.UpdateIntervalMS},
		{"PROTECT_ROTATE_MINUTES", &cfg.ProtectRotateMinutes},
	} {
		s, ok := os.LookupEnv(v.name)
		if !ok || s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("error parsing %s=%q: %w", v.name, s, err)
		}
		if n < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", v.name, n)
		}
		*v.dst = n
	}
	for _, v := range []struct {
		name string
		dst  *string
	}{
		{"LOG_LEVEL", &cfg.LogLevel},
		{"LOG_FORMAT", &cfg.LogFormat},
		{"PLAYFAB_SECRET_KEY", &cfg.PlayFabSecretKey},
		{"FLEET_ID", &cfg.FleetID},
		{"CLOUD_DRIVER", &cfg.CloudDriver},
		{"VM_IMAGE_ID", &cfg.VMTemplate.ImageID},
		{"VM_INSTANCE_TYPE", &cfg.VMTemplate.InstanceType},
		{"VM_AVAILABILITY_ZONE", &cfg.VMTemplate.AvailabilityZone},
		{"VM_SUBNET_ID", &cfg.VMTemplate.SubnetID},
		{"VM_SECURITY_GROUP_ID", &cfg.VMTemplate.SecurityGroupID},
		{"VM_KEY_PAIR_NAME", &cfg.VMTemplate.KeyPairName},
		{"VM_NAME_PREFIX", &cfg.VMTemplate.NamePrefix},
	} {
		if s, ok := os.LookupEnv(v.name); ok && s != "" {
			*v.dst = s
		}
	}
	if s, ok := os.LookupEnv("VM_SPOT_PRICE"); ok && s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("error parsing VM_SPOT_PRICE=%q: %w", s, err)
		}
		cfg.VMTemplate.SpotPrice = f
	}
	if s, ok := os.LookupEnv("MATCH_GC"); ok && s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("error parsing MATCH_GC=%q: %w", s, err)
		}
		cfg.MatchGC = b
	}
	if cfg.VMTemplate.NamePrefix == "" {
		cfg.VMTemplate.NamePrefix = "matchfleet-vm-"
	}
	return nil
}
