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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-esapi/pkg/esys"
	"github.com/jeremyhahn/go-esapi/pkg/logging"
)

// Config represents the complete esapi CLI configuration
type Config struct {
	TPM      TPMConfig      `yaml:"tpm"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	KeyStore KeyStoreConfig `yaml:"keystore"`
}

// TPMConfig selects the TPM and bounds the handles a context registers
type TPMConfig struct {
	Device        string `yaml:"device"`
	UseSimulator  bool   `yaml:"use_simulator"`
	SimulatorType string `yaml:"simulator_type"` // embedded, swtpm
	SimulatorHost string `yaml:"simulator_host"`
	SimulatorPort int    `yaml:"simulator_port"`
	MaxObjects    int    `yaml:"max_objects"`
	MaxSessions   int    `yaml:"max_sessions"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// MetricsConfig controls Prometheus instrumentation of the esys layer
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// KeyStoreConfig locates the saved contexts of keys created by the CLI
type KeyStoreConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	tpm := esys.DefaultConfig()
	return &Config{
		TPM: TPMConfig{
			Device:        tpm.Device,
			SimulatorType: tpm.SimulatorType,
			SimulatorHost: tpm.SimulatorHost,
			SimulatorPort: tpm.SimulatorPort,
		},
		KeyStore: KeyStoreConfig{Path: defaultKeyStore()},
	}
}

func defaultKeyStore() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".esapi", "contexts")
	}
	return filepath.Join(os.TempDir(), "esapi", "contexts")
}

// Load reads configuration from a YAML file on top of the defaults and
// applies environment variable overrides. An empty path loads only the
// defaults and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 - Config file path is provided by the user
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies ESAPI_* environment variable overrides
func applyEnvOverrides(cfg *Config) {
	logger := logging.DefaultLogger()

	if device := os.Getenv("ESAPI_DEVICE"); device != "" {
		cfg.TPM.Device = device
	}
	if sim := os.Getenv("ESAPI_SIMULATOR"); sim != "" {
		v, err := strconv.ParseBool(sim)
		if err != nil {
			logger.Warnf("invalid ESAPI_SIMULATOR value %q, keeping %t: %v", sim, cfg.TPM.UseSimulator, err)
		} else {
			cfg.TPM.UseSimulator = v
		}
	}
	if simType := os.Getenv("ESAPI_SIMULATOR_TYPE"); simType != "" {
		cfg.TPM.SimulatorType = strings.ToLower(simType)
	}
	if host := os.Getenv("ESAPI_SIMULATOR_HOST"); host != "" {
		cfg.TPM.SimulatorHost = host
	}
	if port := os.Getenv("ESAPI_SIMULATOR_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			logger.Warnf("invalid ESAPI_SIMULATOR_PORT value %q, keeping %d: %v", port, cfg.TPM.SimulatorPort, err)
		} else if p < 1 || p > 65534 {
			logger.Warnf("invalid ESAPI_SIMULATOR_PORT value %q (out of range 1-65534), keeping %d", port, cfg.TPM.SimulatorPort)
		} else {
			cfg.TPM.SimulatorPort = p
		}
	}
	if debug := os.Getenv("ESAPI_DEBUG"); debug != "" {
		if v, err := strconv.ParseBool(debug); err == nil {
			cfg.Logging.Debug = v
		}
	}
	if ks := os.Getenv("ESAPI_KEYSTORE"); ks != "" {
		cfg.KeyStore.Path = ks
	}
}

// Validate checks the configuration for completeness and correctness.
func (c *Config) Validate() error {
	if err := c.ESYS().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.KeyStore.Path) == "" {
		return errors.New("keystore path is required")
	}
	return nil
}

// ESYS returns the esys connection settings.
func (c *Config) ESYS() *esys.Config {
	return &esys.Config{
		Device:        c.TPM.Device,
		UseSimulator:  c.TPM.UseSimulator,
		SimulatorType: c.TPM.SimulatorType,
		SimulatorHost: c.TPM.SimulatorHost,
		SimulatorPort: c.TPM.SimulatorPort,
		MaxObjects:    c.TPM.MaxObjects,
		MaxSessions:   c.TPM.MaxSessions,
		Debug:         c.Logging.Debug,
	}
}
