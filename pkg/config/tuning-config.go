// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package config describes training_config.yaml, the file the external
// trainer reads to load the model, attach the adapter and run the loop.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
	"k8s.io/utils/pointer"

	"github.com/kaito-project/finetune/api/v1alpha1"
	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/utils"
	"github.com/kaito-project/finetune/pkg/utils/consts"
)

type Config struct {
	TrainingConfig TrainingConfig `yaml:"training_config"`
}

type TrainingConfig struct {
	ModelConfig        *ModelConfig        `yaml:"ModelConfig"`
	QuantizationConfig *QuantizationConfig `yaml:"QuantizationConfig,omitempty"`
	LoraConfig         *LoraConfig         `yaml:"LoraConfig"`
	TrainingArguments  *TrainingArguments  `yaml:"TrainingArguments"`
	DatasetConfig      *DatasetConfig      `yaml:"DatasetConfig"`
	DataCollator       *DataCollator       `yaml:"DataCollator"`
}

// DatasetConfig points the trainer at the preprocessed splits.
type DatasetConfig struct {
	TrainFile *string `yaml:"train_file,omitempty"`
	EvalFile  *string `yaml:"eval_file,omitempty"`
	Format    *string `yaml:"format,omitempty"`
}

type ModelConfig struct {
	PretrainedModelNameOrPath *string `yaml:"pretrained_model_name_or_path,omitempty"`
	CacheDir                  *string `yaml:"cache_dir,omitempty"`
	LocalFilesOnly            *bool   `yaml:"local_files_only,omitempty"`
	Revision                  *string `yaml:"revision,omitempty"`
	TrustRemoteCode           *bool   `yaml:"trust_remote_code,omitempty"`
	LoadIn4bit                *bool   `yaml:"load_in_4bit,omitempty"`
	LoadIn8bit                *bool   `yaml:"load_in_8bit,omitempty"`
	TorchDtype                *string `yaml:"torch_dtype,omitempty"`
	// DeviceMap is "auto", a module to device index map, or a module to
	// environment variable map the trainer resolves per rank.
	DeviceMap  interface{} `yaml:"device_map,omitempty"`
	PadTokenID *int        `yaml:"pad_token_id,omitempty"`
	EOSTokenID *int        `yaml:"eos_token_id,omitempty"`
	UseCache   *bool       `yaml:"use_cache,omitempty"`
}

type QuantizationConfig struct {
	QuantMethod                 *string   `yaml:"quant_method,omitempty"`
	LoadIn8bit                  *bool     `yaml:"load_in_8bit,omitempty"`
	LoadIn4bit                  *bool     `yaml:"load_in_4bit,omitempty"`
	LLMInt8Threshold            *float64  `yaml:"llm_int8_threshold,omitempty"`
	LLMInt8SkipModules          *[]string `yaml:"llm_int8_skip_modules,omitempty"`
	LLMInt8EnableFP32CPUOffload *bool     `yaml:"llm_int8_enable_fp32_cpu_offload,omitempty"`
	BNB4bitComputeDtype         *string   `yaml:"bnb_4bit_compute_dtype,omitempty"`
	BNB4bitQuantType            *string   `yaml:"bnb_4bit_quant_type,omitempty"`
}

// LoraConfig represents the LoRA adapter attached to the base model.
type LoraConfig struct {
	R               *int      `yaml:"r,omitempty"`
	LoraAlpha       *int      `yaml:"lora_alpha,omitempty"`
	LoraDropout     *float64  `yaml:"lora_dropout,omitempty"`
	FanInFanOut     *bool     `yaml:"fan_in_fan_out,omitempty"`
	Bias            *string   `yaml:"bias,omitempty"`
	TaskType        *string   `yaml:"task_type,omitempty"`
	ModulesToSave   *[]string `yaml:"modules_to_save,omitempty"`
	InitLoraWeights *bool     `yaml:"init_lora_weights,omitempty"`
	TargetModules   *[]string `yaml:"target_modules,omitempty"`
	// ResumeAdapterWeights is an adapter weight file loaded before training.
	// The trainer's own state is not restored from it.
	ResumeAdapterWeights *string `yaml:"resume_adapter_weights,omitempty"`
}

// TrainingArguments represents the training arguments for a model.
type TrainingArguments struct {
	OutputDir                 string   `yaml:"output_dir"`
	PerDeviceTrainBatchSize   *int     `yaml:"per_device_train_batch_size"`
	GradientAccumulationSteps *int     `yaml:"gradient_accumulation_steps"`
	WarmupRatio               *float64 `yaml:"warmup_ratio"`
	NumTrainEpochs            *float64 `yaml:"num_train_epochs"`
	LearningRate              *float64 `yaml:"learning_rate"`
	Fp16                      *bool    `yaml:"fp16"`
	LoggingSteps              *float64 `yaml:"logging_steps"`
	Optim                     *string  `yaml:"optim,omitempty"`
	EvaluationStrategy        *string  `yaml:"evaluation_strategy"`
	SaveStrategy              *string  `yaml:"save_strategy"`
	EvalSteps                 *float64 `yaml:"eval_steps,omitempty"`
	SaveSteps                 *float64 `yaml:"save_steps"`
	SaveTotalLimit            *int     `yaml:"save_total_limit,omitempty"`
	LoadBestModelAtEnd        *bool    `yaml:"load_best_model_at_end"`
	DdpFindUnusedParameters   *bool    `yaml:"ddp_find_unused_parameters,omitempty"`
	GroupByLength             *bool    `yaml:"group_by_length"`
	ReportTo                  *string  `yaml:"report_to,omitempty"`
	RunName                   *string  `yaml:"run_name,omitempty"`
	Seed                      *int64   `yaml:"seed"`
	DataloaderNumWorkers      *int     `yaml:"dataloader_num_workers,omitempty"`
	ResumeFromCheckpoint      *string  `yaml:"resume_from_checkpoint,omitempty"`
	GradientCheckpointing     *bool    `yaml:"gradient_checkpointing,omitempty"`
}

type DataCollator struct {
	PadToMultipleOf *int    `yaml:"pad_to_multiple_of,omitempty"`
	ReturnTensors   *string `yaml:"return_tensors,omitempty"`
	LabelPadTokenID *int    `yaml:"label_pad_token_id,omitempty"`
	Padding         *bool   `yaml:"padding,omitempty"`
}

// DataFiles names the preprocessed splits. EvalFile is empty when there is
// no validation split.
type DataFiles struct {
	TrainFile string
	EvalFile  string
	Format    string
}

// Resume tells the trainer how to restart a run.
type Resume struct {
	// FullCheckpoint is a checkpoint directory whose trainer state is restored.
	FullCheckpoint string
	// AdapterWeights only seeds the adapter; training state starts fresh.
	AdapterWeights string
}

// BuildTrainingConfig derives the trainer configuration from the tuning
// parameters, the process environment and the model family preset.
func BuildTrainingConfig(params *v1alpha1.TuningParams, env v1alpha1.RuntimeEnv, preset *model.PresetParam, data DataFiles, resume Resume) (*TrainingConfig, error) {
	if params == nil || preset == nil {
		return nil, utils.NewConfigurationError("preset", "tuning params and model preset are required")
	}

	gradientAccumulationSteps := params.GradientAccumulationSteps()
	deviceMap := interface{}("auto")
	var ddpFindUnusedParameters *bool
	if env.DDP() {
		if env.WorldSize < 1 {
			return nil, utils.NewConfigurationError(consts.EnvWorldSize, "world size must be positive, got %d", env.WorldSize)
		}
		if env.RankFromLauncher {
			deviceMap = map[string]string{"": consts.EnvLocalRank}
		} else {
			deviceMap = map[string]int{"": env.LocalRank}
		}
		gradientAccumulationSteps /= env.WorldSize
		ddpFindUnusedParameters = pointer.Bool(false)
	}
	if gradientAccumulationSteps < 1 {
		return nil, utils.NewConfigurationError("batch_size",
			"batch size %d is smaller than micro batch size %d times world size %d", params.BatchSize, params.MicroBatchSize, env.WorldSize)
	}

	targetModules := params.LoraTargetModules
	if len(targetModules) == 0 {
		targetModules = preset.TargetModules
	}
	if len(targetModules) == 0 {
		return nil, utils.NewConfigurationError("lora_target_modules", "no target modules given and model family %s has no default", preset.ModelFamilyName)
	}
	targetModules = append([]string(nil), targetModules...)

	evaluate := params.ValSetRatio > 0
	evaluationStrategy := "no"
	var evalSteps *float64
	if evaluate {
		evaluationStrategy = "steps"
		evalSteps = pointer.Float64(float64(params.EvalSteps))
	}

	reportTo := "none"
	var runName *string
	if params.UseWandb(env) {
		reportTo = "wandb"
		if params.WandbRunName != "" {
			runName = pointer.String(params.WandbRunName)
		}
	}

	var resumeFromCheckpoint, resumeAdapterWeights *string
	if resume.FullCheckpoint != "" {
		resumeFromCheckpoint = pointer.String(resume.FullCheckpoint)
	}
	if resume.AdapterWeights != "" {
		resumeAdapterWeights = pointer.String(resume.AdapterWeights)
	}

	datasetConfig := &DatasetConfig{
		TrainFile: pointer.String(data.TrainFile),
		Format:    pointer.String(data.Format),
	}
	if data.EvalFile != "" {
		datasetConfig.EvalFile = pointer.String(data.EvalFile)
	}

	var cacheDir *string
	if params.CacheDir != "" {
		cacheDir = pointer.String(params.CacheDir)
	}

	return &TrainingConfig{
		ModelConfig: &ModelConfig{
			PretrainedModelNameOrPath: pointer.String(params.BaseModel),
			CacheDir:                  cacheDir,
			TrustRemoteCode:           pointer.Bool(true),
			LoadIn8bit:                pointer.Bool(true),
			TorchDtype:                pointer.String("float32"),
			DeviceMap:                 deviceMap,
			UseCache:                  pointer.Bool(false),
		},
		LoraConfig: &LoraConfig{
			R:                    pointer.Int(params.LoraR),
			LoraAlpha:            pointer.Int(params.LoraAlpha),
			LoraDropout:          pointer.Float64(params.LoraDropout),
			Bias:                 pointer.String("none"),
			TaskType:             pointer.String("CAUSAL_LM"),
			TargetModules:        &targetModules,
			ResumeAdapterWeights: resumeAdapterWeights,
		},
		TrainingArguments: &TrainingArguments{
			OutputDir:                 params.OutputDir,
			PerDeviceTrainBatchSize:   pointer.Int(params.MicroBatchSize),
			GradientAccumulationSteps: pointer.Int(gradientAccumulationSteps),
			WarmupRatio:               pointer.Float64(params.WarmupRatio),
			NumTrainEpochs:            pointer.Float64(float64(params.NumEpochs)),
			LearningRate:              pointer.Float64(params.LearningRate),
			Fp16:                      pointer.Bool(false),
			LoggingSteps:              pointer.Float64(float64(params.LoggingSteps)),
			Optim:                     pointer.String("adamw_torch"),
			EvaluationStrategy:        pointer.String(evaluationStrategy),
			SaveStrategy:              pointer.String("steps"),
			EvalSteps:                 evalSteps,
			SaveSteps:                 pointer.Float64(float64(params.SaveSteps)),
			SaveTotalLimit:            pointer.Int(params.SaveTotalLimit),
			LoadBestModelAtEnd:        pointer.Bool(evaluate),
			DdpFindUnusedParameters:   ddpFindUnusedParameters,
			GroupByLength:             pointer.Bool(params.GroupByLength),
			ReportTo:                  pointer.String(reportTo),
			RunName:                   runName,
			Seed:                      pointer.Int64(params.Seed),
			ResumeFromCheckpoint:      resumeFromCheckpoint,
		},
		DatasetConfig: datasetConfig,
		DataCollator: &DataCollator{
			PadToMultipleOf: pointer.Int(consts.PadToMultipleOf),
			ReturnTensors:   pointer.String("pt"),
			LabelPadTokenID: pointer.Int(consts.IgnoreIndex),
			Padding:         pointer.Bool(true),
		},
	}, nil
}

// SetSpecialTokens records the resolved pad and eos ids so the trainer's
// model config agrees with the preprocessed data.
func (t *TrainingConfig) SetSpecialTokens(eos, pad int) {
	if t.ModelConfig == nil {
		t.ModelConfig = &ModelConfig{}
	}
	t.ModelConfig.EOSTokenID = pointer.Int(eos)
	t.ModelConfig.PadTokenID = pointer.Int(pad)
}

// ApplyOverrides merges a user supplied training_config.yaml on top of t.
// Only keys present in the document change.
func (t *TrainingConfig) ApplyOverrides(data []byte) error {
	if errs := v1alpha1.ValidateTrainingConfig(data); errs != nil {
		return utils.NewConfigurationError("training_config", "%s", errs.Error())
	}
	wrapper := Config{TrainingConfig: *t}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("failed to apply training config overrides: %w", err)
	}
	*t = wrapper.TrainingConfig
	return nil
}

// Marshal renders the configuration wrapped in a training_config key.
func (t *TrainingConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(Config{TrainingConfig: *t})
}

// WriteFile writes the configuration to path.
func (t *TrainingConfig) WriteFile(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a training_config.yaml file.
func Load(path string) (*TrainingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &c.TrainingConfig, nil
}

// TrainerEnv returns the experiment tracking variables to export to the
// trainer. A variable is only set when the matching parameter was passed, so
// values already in the environment are left alone.
func TrainerEnv(params *v1alpha1.TuningParams, env v1alpha1.RuntimeEnv) map[string]string {
	out := map[string]string{}
	if params.WandbProject != "" {
		out[consts.EnvWandbProject] = params.WandbProject
	}
	if params.WandbWatch != "" {
		out[consts.EnvWandbWatch] = params.WandbWatch
	}
	if params.WandbLogModel != "" {
		out[consts.EnvWandbLogModel] = params.WandbLogModel
	}
	return out
}
