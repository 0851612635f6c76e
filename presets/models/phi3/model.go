// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package phi3

import (
	"time"

	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/tuning"
	"github.com/kaito-project/finetune/pkg/utils/plugin"
)

func init() {
	plugin.KaitoModelRegister.Register(&plugin.Registration{
		Name:     PresetPhi3Model,
		Instance: &phi3A,
	})
}

var (
	PresetPhi3Model = "phi3"

	PresetPhiTagMap = map[string]string{
		"Phi3Tuning": "0.0.1",
	}

	baseCommandPresetPhi = "accelerate launch"
)

var phi3A phi3

type phi3 struct{}

func (*phi3) GetTuningParameters() *model.PresetParam {
	return &model.PresetParam{
		ModelFamilyName:         "Phi3",
		ArchitecturePrefixes:    []string{"Phi3"},
		TargetModules:           []string{"qkv_proj", "o_proj", "gate_up_proj", "down_proj"},
		PadToken:                model.PadWithEOS,
		DiskStorageRequirement:  "50Gi",
		GPUCountRequirement:     "1",
		PerGPUMemoryRequirement: "16Gi",
		TorchRunParams:          tuning.DefaultAccelerateParams,
		ReadinessTimeout:        time.Duration(30) * time.Minute,
		BaseCommand:             baseCommandPresetPhi,
		Tag:                     PresetPhiTagMap["Phi3Tuning"],
	}
}

func (*phi3) SupportTuning() bool {
	return true
}
