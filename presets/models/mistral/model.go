// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package mistral

import (
	"time"

	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/tuning"
	"github.com/kaito-project/finetune/pkg/utils/plugin"
)

func init() {
	plugin.KaitoModelRegister.Register(&plugin.Registration{
		Name:     PresetMistralModel,
		Instance: &mistralA,
	})
}

var (
	PresetMistralModel = "mistral"

	PresetMistralTagMap = map[string]string{
		"MistralTuning": "0.0.1",
	}

	baseCommandPresetMistral = "accelerate launch"
)

var mistralA mistral

type mistral struct{}

func (*mistral) GetTuningParameters() *model.PresetParam {
	return &model.PresetParam{
		ModelFamilyName:         "Mistral",
		ArchitecturePrefixes:    []string{"Mistral", "Mixtral"},
		TargetModules:           []string{"q_proj", "k_proj", "v_proj", "o_proj"},
		PadToken:                model.PadWithEOS,
		DiskStorageRequirement:  "100Gi",
		GPUCountRequirement:     "1",
		PerGPUMemoryRequirement: "16Gi",
		TorchRunParams:          tuning.DefaultAccelerateParams,
		ReadinessTimeout:        time.Duration(30) * time.Minute,
		BaseCommand:             baseCommandPresetMistral,
		Tag:                     PresetMistralTagMap["MistralTuning"],
	}
}

func (*mistral) SupportTuning() bool {
	return true
}
