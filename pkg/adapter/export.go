// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
	"k8s.io/utils/pointer"

	"github.com/kaito-project/finetune/pkg/config"
	"github.com/kaito-project/finetune/pkg/utils/consts"
)

// AdapterConfig is adapter_config.json, the file that lets the adapter be
// reloaded on top of its base model.
type AdapterConfig struct {
	BaseModelNameOrPath string   `json:"base_model_name_or_path"`
	PeftType            string   `json:"peft_type"`
	TaskType            string   `json:"task_type"`
	InferenceMode       bool     `json:"inference_mode"`
	R                   int      `json:"r"`
	LoraAlpha           int      `json:"lora_alpha"`
	LoraDropout         float64  `json:"lora_dropout"`
	FanInFanOut         bool     `json:"fan_in_fan_out"`
	Bias                string   `json:"bias"`
	TargetModules       []string `json:"target_modules"`
	ModulesToSave       []string `json:"modules_to_save"`
}

// NewAdapterConfig describes the adapter produced by a run with lora.
func NewAdapterConfig(baseModel string, lora *config.LoraConfig) AdapterConfig {
	c := AdapterConfig{
		BaseModelNameOrPath: baseModel,
		PeftType:            "LORA",
		TaskType:            "CAUSAL_LM",
		InferenceMode:       true,
		Bias:                string(BiasNone),
	}
	if lora == nil {
		return c
	}
	c.R = pointer.IntDeref(lora.R, 0)
	c.LoraAlpha = pointer.IntDeref(lora.LoraAlpha, 0)
	c.LoraDropout = pointer.Float64Deref(lora.LoraDropout, 0)
	c.FanInFanOut = pointer.BoolDeref(lora.FanInFanOut, false)
	c.Bias = pointer.StringDeref(lora.Bias, c.Bias)
	c.TaskType = pointer.StringDeref(lora.TaskType, c.TaskType)
	if lora.TargetModules != nil {
		c.TargetModules = *lora.TargetModules
	}
	if lora.ModulesToSave != nil {
		c.ModulesToSave = *lora.ModulesToSave
	}
	return c
}

func (c AdapterConfig) filterConfig() FilterConfig {
	return FilterConfig{Bias: BiasMode(c.Bias), ModulesToSave: c.ModulesToSave}
}

type ExportResult struct {
	WeightsFile string
	ConfigFile  string
	Tensors     int
}

// ExportAdapter extracts the adapter weights of the state dict in src and
// writes them, with their adapter_config.json, into dstDir.
func ExportAdapter(src, dstDir string, cfg AdapterConfig) (*ExportResult, error) {
	sd, err := ReadSafetensors(src)
	if err != nil {
		return nil, err
	}
	filtered, err := FilterStateDict(sd.Tensors, cfg.filterConfig())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create adapter dir: %w", err)
	}
	res := &ExportResult{
		WeightsFile: filepath.Join(dstDir, consts.AdapterSafetensorsFile),
		ConfigFile:  filepath.Join(dstDir, consts.AdapterConfigFile),
		Tensors:     len(filtered),
	}

	out := &StateDict{Tensors: filtered, Metadata: map[string]string{"format": "pt"}}
	if err := WriteSafetensors(res.WeightsFile, out); err != nil {
		return nil, fmt.Errorf("failed to write adapter weights: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(res.ConfigFile, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write adapter config: %w", err)
	}
	klog.InfoS("Exported adapter", "source", src, "dir", dstDir, "tensors", res.Tensors, "of", len(sd.Tensors))
	return res, nil
}
