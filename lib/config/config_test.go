// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ConfigSuite{})

type ConfigSuite struct {
	saved map[string]string
}

var configEnvVars = []string{
	"PORT", "WORKER_PORT", "FULL_MATCH_LIMIT", "MAX_BACKUP_VMS",
	"MIN_BACKUP_VMS", "NEAR_CAPACITY_THRESHOLD",
	"VM_UNREACHABLE_TERMINATE_THRESHOLD", "VM_AGE_TERMINATE_MINUTES",
	"STATUS_TIMEOUT_MS", "UPDATE_INTERVAL_MS", "PROTECT_ROTATE_MINUTES",
	"LOG_LEVEL", "LOG_FORMAT", "PLAYFAB_SECRET_KEY", "FLEET_ID",
	"CLOUD_DRIVER", "VM_IMAGE_ID", "VM_INSTANCE_TYPE",
	"VM_AVAILABILITY_ZONE", "VM_SUBNET_ID", "VM_SECURITY_GROUP_ID",
	"VM_KEY_PAIR_NAME", "VM_NAME_PREFIX", "VM_SPOT_PRICE", "MATCH_GC",
}

func (s *ConfigSuite) SetUpTest(c *check.C) {
	s.saved = map[string]string{}
	for _, name := range configEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			s.saved[name] = v
			os.Unsetenv(name)
		}
	}
}

func (s *ConfigSuite) TearDownTest(c *check.C) {
	for _, name := range configEnvVars {
		os.Unsetenv(name)
	}
	for name, v := range s.saved {
		os.Setenv(name, v)
	}
}

func (s *ConfigSuite) TestDefaults(c *check.C) {
	cfg, err := Load("")
	c.Assert(err, check.IsNil)
	c.Check(cfg.Port, check.Equals, 7777)
	c.Check(cfg.WorkerPort, check.Equals, 7777)
	c.Check(cfg.FullMatchLimit, check.Equals, 5)
	c.Check(cfg.MaxBackupVMs, check.Equals, 10)
	c.Check(cfg.MinBackupVMs, check.Equals, 1)
	c.Check(cfg.NearCapacityThreshold, check.Equals, 1)
	c.Check(cfg.VMUnreachableTerminateThreshold, check.Equals, 2)
	c.Check(cfg.VMAgeTerminate, check.Equals, 5*time.Minute)
	c.Check(cfg.StatusTimeout, check.Equals, 5*time.Second)
	c.Check(cfg.UpdateInterval, check.Equals, 30*time.Second)
	c.Check(cfg.ProtectRotate, check.Equals, time.Hour)
	c.Check(cfg.MatchGC, check.Equals, true)
	c.Check(cfg.CloudDriver, check.Equals, "ec2")
	c.Check(cfg.VMTemplate.NamePrefix, check.Equals, "matchfleet-vm-")
}

func (s *ConfigSuite) TestEnvOverrides(c *check.C) {
	os.Setenv("PORT", "8080")
	os.Setenv("FULL_MATCH_LIMIT", "8")
	os.Setenv("STATUS_TIMEOUT_MS", "1500")
	os.Setenv("VM_IMAGE_ID", "ami-12345")
	os.Setenv("VM_SPOT_PRICE", "0.25")
	os.Setenv("MATCH_GC", "false")
	cfg, err := Load("")
	c.Assert(err, check.IsNil)
	c.Check(cfg.Port, check.Equals, 8080)
	c.Check(cfg.FullMatchLimit, check.Equals, 8)
	c.Check(cfg.StatusTimeout, check.Equals, 1500*time.Millisecond)
	c.Check(cfg.VMTemplate.ImageID, check.Equals, "ami-12345")
	c.Check(cfg.VMTemplate.SpotPrice, check.Equals, 0.25)
	c.Check(cfg.MatchGC, check.Equals, false)
}

func (s *ConfigSuite) TestConfigFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	err := os.WriteFile(path, []byte(`
Port: 9999
FullMatchLimit: 3
FleetID: staging
VMTemplate:
  ImageID: ami-file
  InstanceType: c5.large
`), 0o644)
	c.Assert(err, check.IsNil)

	cfg, err := Load(path)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Port, check.Equals, 9999)
	c.Check(cfg.FullMatchLimit, check.Equals, 3)
	c.Check(cfg.FleetID, check.Equals, "staging")
	c.Check(cfg.VMTemplate.ImageID, check.Equals, "ami-file")
	c.Check(cfg.VMTemplate.InstanceType, check.Equals, "c5.large")
	// Unset values keep their defaults.
	c.Check(cfg.MaxBackupVMs, check.Equals, 10)
}

func (s *ConfigSuite) TestEnvBeatsFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	err := os.WriteFile(path, []byte("Port: 9999\n"), 0o644)
	c.Assert(err, check.IsNil)
	os.Setenv("PORT", "8088")

	cfg, err := Load(path)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Port, check.Equals, 8088)
}

func (s *ConfigSuite) TestInvalidValues(c *check.C) {
	os.Setenv("PORT", "not-a-number")
	_, err := Load("")
	c.Check(err, check.NotNil)
	os.Unsetenv("PORT")

	os.Setenv("MAX_BACKUP_VMS", "-3")
	_, err = Load("")
	c.Check(err, check.NotNil)
	os.Unsetenv("MAX_BACKUP_VMS")

	os.Setenv("MIN_BACKUP_VMS", "5")
	os.Setenv("MAX_BACKUP_VMS", "2")
	_, err = Load("")
	c.Check(err, check.ErrorMatches, `MIN_BACKUP_VMS .* exceeds MAX_BACKUP_VMS .*`)
}

func (s *ConfigSuite) TestMissingFile(c *check.C) {
	_, err := Load(filepath.Join(c.MkDir(), "nope.yml"))
	c.Check(err, check.ErrorMatches, `error reading config file.*`)
}
