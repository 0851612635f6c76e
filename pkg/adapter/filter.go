// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package adapter

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// BiasMode selects which bias parameters travel with the adapter.
type BiasMode string

const (
	BiasNone     BiasMode = "none"
	BiasAll      BiasMode = "all"
	BiasLoraOnly BiasMode = "lora_only"

	DefaultAdapterName = "default"

	loraMarker = "lora_"
)

type FilterConfig struct {
	Bias BiasMode
	// ModulesToSave are fully trained modules saved next to the LoRA weights.
	ModulesToSave []string
	// AdapterName is the name segment the trainer inserts into parameter
	// names. Empty means DefaultAdapterName.
	AdapterName string
}

func isBias(name string) bool {
	return strings.HasSuffix(name, "bias")
}

// FilterStateDict keeps the adapter parameters of a full model state dict and
// strips the adapter name segment from their names. The input is not
// modified and tensor data is shared.
func FilterStateDict(tensors map[string]Tensor, cfg FilterConfig) (map[string]Tensor, error) {
	adapterName := cfg.AdapterName
	if adapterName == "" {
		adapterName = DefaultAdapterName
	}
	if cfg.Bias == "" {
		cfg.Bias = BiasNone
	}

	keep := map[string]bool{}
	switch cfg.Bias {
	case BiasNone:
		for name := range tensors {
			if strings.Contains(name, loraMarker) {
				keep[name] = true
			}
		}
	case BiasAll:
		for name := range tensors {
			if strings.Contains(name, loraMarker) || isBias(name) {
				keep[name] = true
			}
		}
	case BiasLoraOnly:
		for name := range tensors {
			if !strings.Contains(name, loraMarker) {
				continue
			}
			keep[name] = true
			prefix, _, _ := strings.Cut(name, loraMarker)
			if bias := prefix + "bias"; lo.HasKey(tensors, bias) {
				keep[bias] = true
			}
		}
	default:
		return nil, fmt.Errorf("unsupported bias mode %q", cfg.Bias)
	}

	// Parameters of other adapters stay behind.
	for name := range keep {
		if strings.Contains(name, loraMarker) && !strings.Contains(name, "."+adapterName) {
			delete(keep, name)
		}
	}

	out := make(map[string]Tensor, len(keep))
	segment := "." + adapterName
	for name := range keep {
		out[strings.Replace(name, segment, "", 1)] = tensors[name]
	}

	for _, module := range cfg.ModulesToSave {
		marker := module + ".modules_to_save." + adapterName
		for name, t := range tensors {
			if !strings.Contains(name, marker) {
				continue
			}
			renamed := strings.Replace(name, "modules_to_save."+adapterName+".", "", 1)
			out[renamed] = t
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no %s adapter parameters found among %d tensors", adapterName, len(tensors))
	}
	return out, nil
}
