// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package llama

import (
	"time"

	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/tuning"
	"github.com/kaito-project/finetune/pkg/utils/plugin"
)

func init() {
	plugin.KaitoModelRegister.Register(&plugin.Registration{
		Name:     PresetLlamaModel,
		Instance: &llamaA,
	})
}

var (
	PresetLlamaModel = "llama"

	PresetLlamaTagMap = map[string]string{
		"LlamaTuning": "0.0.3",
	}

	baseCommandPresetLlama = "accelerate launch"

	// LlamaTargetModules covers every attention and MLP projection.
	LlamaTargetModules = []string{
		"q_proj",
		"v_proj",
		"k_proj",
		"o_proj",
		"gate_proj",
		"down_proj",
		"up_proj",
	}
)

var llamaA llama

type llama struct{}

func (*llama) GetTuningParameters() *model.PresetParam {
	return &model.PresetParam{
		ModelFamilyName:         "Llama",
		ArchitecturePrefixes:    []string{"Llama"},
		TargetModules:           LlamaTargetModules,
		PadToken:                model.PadWithEOS,
		DiskStorageRequirement:  "100Gi",
		GPUCountRequirement:     "1",
		PerGPUMemoryRequirement: "16Gi",
		TorchRunParams:          tuning.DefaultAccelerateParams,
		BaseCommand:             baseCommandPresetLlama,
		ReadinessTimeout:        time.Duration(30) * time.Minute,
		Tag:                     PresetLlamaTagMap["LlamaTuning"],
	}
}

func (*llama) SupportTuning() bool {
	return true
}
