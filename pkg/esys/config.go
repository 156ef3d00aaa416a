// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-esapi.
//
// go-esapi is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package esys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-esapi/pkg/raw/gotpm"
)

// Config selects the TPM a Context connects to.
type Config struct {
	// Device is the TPM character device or a unix socket path ending in
	// ".sock". Common values: /dev/tpmrm0 (resource manager), /dev/tpm0.
	// Required when UseSimulator is false.
	Device string `json:"device" yaml:"device"`

	// UseSimulator connects to a simulator instead of Device.
	UseSimulator bool `json:"use_simulator" yaml:"use_simulator"`

	// SimulatorType is "embedded" (in-process, requires the tpm_simulator
	// build tag) or "swtpm" (TCP). Default: "swtpm"
	SimulatorType string `json:"simulator_type,omitempty" yaml:"simulator_type,omitempty"`

	// SimulatorHost and SimulatorPort locate an swtpm command port.
	// The platform port is SimulatorPort+1. Common values: localhost, 2321
	SimulatorHost string `json:"simulator_host,omitempty" yaml:"simulator_host,omitempty"`
	SimulatorPort int    `json:"simulator_port,omitempty" yaml:"simulator_port,omitempty"`

	// MaxObjects and MaxSessions bound the transient objects and sessions a
	// Context registers. Zero means unbounded, leaving the limit to the TPM.
	MaxObjects  int `json:"max_objects,omitempty" yaml:"max_objects,omitempty"`
	MaxSessions int `json:"max_sessions,omitempty" yaml:"max_sessions,omitempty"`

	// Debug enables per-command debug logging.
	Debug bool `json:"debug" yaml:"debug"`
}

// DefaultConfig returns a Config for the kernel resource manager.
func DefaultConfig() *Config {
	return &Config{
		Device:        "/dev/tpmrm0",
		SimulatorType: gotpm.SimulatorSWTPM,
		SimulatorHost: "localhost",
		SimulatorPort: 2321,
	}
}

// Validate checks the configuration for completeness and correctness.
func (c *Config) Validate() error {
	if c.UseSimulator {
		if c.SimulatorType == "" {
			c.SimulatorType = gotpm.SimulatorSWTPM
		}
		switch c.SimulatorType {
		case gotpm.SimulatorEmbedded, gotpm.SimulatorSWTPM:
		default:
			return fmt.Errorf("esys: invalid SimulatorType %q, must be 'embedded' or 'swtpm'", c.SimulatorType)
		}
		if c.SimulatorType == gotpm.SimulatorSWTPM {
			if c.SimulatorHost == "" {
				return errors.New("esys: SimulatorHost is required when SimulatorType is 'swtpm'")
			}
			if c.SimulatorPort <= 0 || c.SimulatorPort >= 65535 {
				return fmt.Errorf("esys: SimulatorPort %d out of range", c.SimulatorPort)
			}
		}
	} else if strings.TrimSpace(c.Device) == "" {
		return errors.New("esys: Device is required when UseSimulator is false")
	}
	if c.MaxObjects < 0 {
		return errors.New("esys: MaxObjects must not be negative")
	}
	if c.MaxSessions < 0 {
		return errors.New("esys: MaxSessions must not be negative")
	}
	return nil
}

func (c *Config) target() gotpm.Target {
	return gotpm.Target{
		Device:        c.Device,
		UseSimulator:  c.UseSimulator,
		SimulatorType: c.SimulatorType,
		SimulatorHost: c.SimulatorHost,
		SimulatorPort: c.SimulatorPort,
	}
}
