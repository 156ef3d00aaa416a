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

//go:build tpm_simulator

package gotpm

import (
	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2/transport"
)

// simulatorTransport adapts the embedded simulator to transport.TPMCloser.
type simulatorTransport struct {
	transport.TPM
	sim *simulator.Simulator
}

func (s *simulatorTransport) Close() error {
	return s.sim.Close()
}

// openSimulator starts the embedded simulator with a fixed seed so
// primary keys are reproducible across runs.
func openSimulator() (transport.TPMCloser, error) {
	sim, err := simulator.GetWithFixedSeedInsecure(1234567890)
	if err != nil {
		return nil, err
	}
	return &simulatorTransport{TPM: transport.FromReadWriter(sim), sim: sim}, nil
}

func init() {
	simulatorOpener = openSimulator
}
