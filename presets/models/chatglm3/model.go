// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package chatglm3

import (
	"time"

	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/tuning"
	"github.com/kaito-project/finetune/pkg/utils/plugin"
)

func init() {
	plugin.KaitoModelRegister.Register(&plugin.Registration{
		Name:     PresetChatGLM3Model,
		Instance: &chatglm3A,
	})
}

var (
	PresetChatGLM3Model = "chatglm3"

	PresetTagMap = map[string]string{
		"ChatGLM3Tuning": "0.0.1",
	}
)

var chatglm3A chatglm3

type chatglm3 struct{}

func (*chatglm3) GetTuningParameters() *model.PresetParam {
	return &model.PresetParam{
		ModelFamilyName:         "ChatGLM3",
		ArchitecturePrefixes:    []string{"ChatGLM"},
		TargetModules:           []string{"query_key_value"},
		PadToken:                model.PadWithUnk,
		UnkToken:                "<unk>",
		DiskStorageRequirement:  "50Gi",
		GPUCountRequirement:     "1",
		PerGPUMemoryRequirement: "16Gi",
		TorchRunParams:          tuning.DefaultAccelerateParams,
		BaseCommand:             "accelerate launch",
		ReadinessTimeout:        time.Duration(30) * time.Minute,
		Tag:                     PresetTagMap["ChatGLM3Tuning"],
	}
}

func (*chatglm3) SupportTuning() bool {
	return true
}
