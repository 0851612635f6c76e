// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package qwen

import (
	"time"

	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/tuning"
	"github.com/kaito-project/finetune/pkg/utils/plugin"
)

func init() {
	plugin.KaitoModelRegister.Register(&plugin.Registration{
		Name:     PresetQwenModel,
		Instance: &qwenA,
	})
}

var (
	PresetQwenModel = "qwen"

	PresetTagMap = map[string]string{
		"QwenTuning": "0.0.1",
	}

	baseCommandPresetQwenTuning = "accelerate launch"
)

var qwenA qwen

type qwen struct{}

// Qwen (v1) tokenizers ship without a pad token; the end-of-document token
// doubles as pad and eos.
func (*qwen) GetTuningParameters() *model.PresetParam {
	return &model.PresetParam{
		ModelFamilyName:         "Qwen",
		ArchitecturePrefixes:    []string{"QWen"},
		TargetModules:           []string{"c_attn", "c_proj", "w1", "w2"},
		PadToken:                model.PadWithEOD,
		EODToken:                "<|endoftext|>",
		DiskStorageRequirement:  "100Gi",
		GPUCountRequirement:     "1",
		PerGPUMemoryRequirement: "24Gi",
		TorchRunParams:          tuning.DefaultAccelerateParams,
		BaseCommand:             baseCommandPresetQwenTuning,
		ReadinessTimeout:        time.Duration(30) * time.Minute,
		Tag:                     PresetTagMap["QwenTuning"],
	}
}

func (*qwen) SupportTuning() bool {
	return true
}
