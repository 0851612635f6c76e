// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package featuregates

import (
	"fmt"
	"sort"

	cliflag "k8s.io/component-base/cli/flag"

	"github.com/kaito-project/finetune/pkg/utils/consts"
)

var (
	// FeatureGates is a map that holds the feature gates and their default values.
	FeatureGates = map[string]bool{
		consts.FeatureFlagTokenCache:       true,
		consts.FeatureFlagGPUCapacityCheck: false,
	}
)

// ParseAndValidateFeatureGates parses the feature gates flag and updates FeatureGates.
// Unknown gates are rejected and leave FeatureGates untouched.
func ParseAndValidateFeatureGates(featureGates string) error {
	gateMap := map[string]bool{}
	if err := cliflag.NewMapStringBool(&gateMap).Set(featureGates); err != nil {
		return err
	}
	if len(gateMap) == 0 {
		// no feature gates set
		return nil
	}

	var invalid []string
	for key := range gateMap {
		if _, ok := FeatureGates[key]; !ok {
			invalid = append(invalid, key)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("invalid feature gate(s) %v", invalid)
	}

	for key, val := range gateMap {
		FeatureGates[key] = val
	}
	return nil
}

// Enabled reports whether the named gate is on.
func Enabled(name string) bool {
	return FeatureGates[name]
}
