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

package metrics

// HandleSampler reports how many handles of each class the TPM has loaded.
// esys.Context implements it through GetCapability.
type HandleSampler interface {
	LoadedHandles() (map[string]int, error)
}

// CollectOnce samples s and sets the loaded handle gauges, so a gap
// between LoadedHandles and RegisteredHandles shows a leak.
func CollectOnce(s HandleSampler) error {
	if !IsEnabled() {
		return nil
	}
	counts, err := s.LoadedHandles()
	if err != nil {
		return err
	}
	for class, n := range counts {
		SetLoadedHandles(class, float64(n))
	}
	return nil
}
