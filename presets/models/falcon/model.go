// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package falcon

import (
	"time"

	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/tuning"
	"github.com/kaito-project/finetune/pkg/utils/plugin"
)

func init() {
	plugin.KaitoModelRegister.Register(&plugin.Registration{
		Name:     PresetFalconModel,
		Instance: &falconA,
	})
	plugin.KaitoModelRegister.Register(&plugin.Registration{
		Name:     PresetFalconInstructModel,
		Instance: &falconB,
	})
}

var (
	PresetFalconModel         = "falcon"
	PresetFalconInstructModel = PresetFalconModel + "-instruct"

	PresetFalconTagMap = map[string]string{
		"FalconTuning": "0.0.2",
	}

	baseCommandPresetFalcon = "accelerate launch"
)

var falconA falcon

type falcon struct{}

func (*falcon) GetTuningParameters() *model.PresetParam {
	return &model.PresetParam{
		ModelFamilyName:         "Falcon",
		ArchitecturePrefixes:    []string{"Falcon", "RW"},
		TargetModules:           []string{"query_key_value"},
		PadToken:                model.PadWithEOS,
		DiskStorageRequirement:  "50Gi",
		GPUCountRequirement:     "2",
		PerGPUMemoryRequirement: "16Gi",
		TorchRunParams:          tuning.DefaultAccelerateParams,
		ReadinessTimeout:        time.Duration(30) * time.Minute,
		BaseCommand:             baseCommandPresetFalcon,
		Tag:                     PresetFalconTagMap["FalconTuning"],
	}
}

func (*falcon) SupportTuning() bool {
	return true
}

var falconB falconInst

type falconInst struct{}

func (*falconInst) GetTuningParameters() *model.PresetParam {
	return nil // It is not recommended/ideal to further fine-tune instruct models - Already been fine-tuned
}

func (*falconInst) SupportTuning() bool {
	return false
}
