// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package model

import (
	"time"
)

type Model interface {
	GetTuningParameters() *PresetParam
	SupportTuning() bool
}

// PadTokenStrategy tells the tokenizer setup how to derive a padding token
// when the checkpoint does not define one.
type PadTokenStrategy string

const (
	// PadWithEOS reuses the end-of-sequence token for padding.
	PadWithEOS PadTokenStrategy = "eos"
	// PadWithEOD uses the family's end-of-document token for both padding and
	// end-of-sequence (Qwen).
	PadWithEOD PadTokenStrategy = "eod"
	// PadWithUnk pads with the unknown token (ChatGLM3).
	PadWithUnk PadTokenStrategy = "unk"
)

// PresetParam defines the preset tuning parameters for a model family.
type PresetParam struct {
	ModelFamilyName      string           // The name of the model family.
	ArchitecturePrefixes []string         // Prefixes of config.json architectures[0] that belong to the family.
	TargetModules        []string         // Default LoRA target modules, matched by name suffix.
	PadToken             PadTokenStrategy // How to fill in a missing pad token.
	EODToken             string           // End-of-document token, used with PadWithEOD.
	UnkToken             string           // Unknown token, used with PadWithUnk.

	DiskStorageRequirement  string            // Disk storage requirements for the model.
	GPUCountRequirement     string            // Number of GPUs required for tuning.
	PerGPUMemoryRequirement string            // GPU memory required per GPU.
	TorchRunParams          map[string]string // Parameters for configuring the accelerate command.
	BaseCommand             string            // The initial command (e.g., 'accelerate launch') used in the command line.
	ModelRunParams          map[string]string // Parameters appended to the trainer entrypoint.
	// ReadinessTimeout defines the maximum duration for the tuning workload to start.
	ReadinessTimeout time.Duration
	Tag              string // The tuning image tag
}
