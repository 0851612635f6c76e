// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package consts

const (
	// IgnoreIndex is the label value the trainer's loss skips.
	IgnoreIndex = -100

	// PadToMultipleOf is the collator padding multiple handed to the trainer.
	PadToMultipleOf = 8

	DefaultPromptTemplate = "alpaca"
	DefaultModelFamily    = "llama"
	DefaultOutputFormat   = "parquet"

	TrainingConfigFileName = "training_config.yaml"
	TrainSplitName         = "train"
	EvalSplitName          = "eval"

	// Files written by the trainer and read back when resuming or exporting.
	FullCheckpointFile      = "pytorch_model.bin"
	AdapterWeightsFile      = "adapter_model.bin"
	AdapterSafetensorsFile  = "adapter_model.safetensors"
	AdapterConfigFile       = "adapter_config.json"
	TrainingCompletedMarker = "fine_tuning_completed.txt"

	// Environment variables read at process entry.
	EnvLocalRank     = "LOCAL_RANK"
	EnvWorldSize     = "WORLD_SIZE"
	EnvWandbProject  = "WANDB_PROJECT"
	EnvWandbWatch    = "WANDB_WATCH"
	EnvWandbLogModel = "WANDB_LOG_MODEL"
	EnvPrefix        = "FINETUNE"

	// Feature gates toggled with --feature-gates.
	FeatureFlagTokenCache       = "TokenCache"
	FeatureFlagGPUCapacityCheck = "GPUCapacityCheck"

	GPUString = "gpu"
	SKUString = "sku"
	NvidiaGPU = "nvidia.com/gpu"
)
