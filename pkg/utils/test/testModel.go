// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package test

import (
	"time"

	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/utils/plugin"
)

type baseTestModel struct{}

func (*baseTestModel) GetTuningParameters() *model.PresetParam {
	return &model.PresetParam{
		ModelFamilyName:      "Test",
		ArchitecturePrefixes: []string{"TestForCausalLM"},
		TargetModules:        []string{"q_proj", "v_proj"},
		PadToken:             model.PadWithEOS,
		GPUCountRequirement:  "1",
		TorchRunParams: map[string]string{
			"num_machines": "1",
		},
		BaseCommand:      "accelerate launch",
		ReadinessTimeout: time.Duration(30) * time.Minute,
		Tag:              "0.0.1",
	}
}

func (*baseTestModel) SupportTuning() bool {
	return true
}

type testNoTuningModel struct{}

func (*testNoTuningModel) GetTuningParameters() *model.PresetParam {
	return nil
}

func (*testNoTuningModel) SupportTuning() bool {
	return false
}

func RegisterTestModel() {
	var test baseTestModel
	plugin.KaitoModelRegister.Register(&plugin.Registration{
		Name:     "test-model",
		Instance: &test,
	})

	var testNoTuning testNoTuningModel
	plugin.KaitoModelRegister.Register(&plugin.Registration{
		Name:     "test-no-tuning-model",
		Instance: &testNoTuning,
	})
}
