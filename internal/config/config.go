/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads kcored's YAML configuration, the same
// read-file/UnmarshalStrict/EvalAndValidate shape as fbclock/daemon's
// Config.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// MCFGSegmentConfig is one configured ACPI MCFG allocation entry.
type MCFGSegmentConfig struct {
	BasePAddr uint64 `yaml:"base_paddr"`
	Segment   uint16 `yaml:"segment"`
	StartBus  uint8  `yaml:"start_bus"`
	EndBus    uint8  `yaml:"end_bus"`
}

// Config is kcored's top-level configuration.
type Config struct {
	TickHz          uint32              `yaml:"tick_hz"`           // nominal TIMER_HZ
	BootTimestamp   int64               `yaml:"boot_timestamp"`    // seconds since epoch, from HW RTC at boot
	DriftLoopDelay  time.Duration       `yaml:"drift_loop_delay"`  // phase C re-measurement period
	UseECAM         bool                `yaml:"use_ecam"`          // ECAM toggle; EvalAndValidate requires mcfg_segments when set (kcorectl picks ECAM from its --ecam flag)
	MCFGSegments    []MCFGSegmentConfig `yaml:"mcfg_segments"`      // static MCFG table, when not probed from firmware
	MetricsAddr     string              `yaml:"metrics_addr"`      // Prometheus HTTP listener, empty disables it
}

// EvalAndValidate checks the loaded config for internal consistency.
func (c *Config) EvalAndValidate() error {
	if c.TickHz == 0 {
		return fmt.Errorf("bad config: 'tick_hz' must be >0")
	}
	if c.DriftLoopDelay <= 0 {
		return fmt.Errorf("bad config: 'drift_loop_delay' must be >0")
	}
	if c.UseECAM && len(c.MCFGSegments) == 0 {
		return fmt.Errorf("bad config: 'use_ecam' requires at least one entry in 'mcfg_segments'")
	}
	for i, s := range c.MCFGSegments {
		if s.StartBus > s.EndBus {
			return fmt.Errorf("bad config: mcfg_segments[%d]: start_bus %d > end_bus %d", i, s.StartBus, s.EndBus)
		}
	}
	return nil
}

// ReadConfig reads config and unmarshals it from YAML into Config.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Config{
		TickHz:         1000,
		DriftLoopDelay: time.Hour,
	}
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
