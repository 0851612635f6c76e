// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package v1alpha1

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
	"knative.dev/pkg/apis"

	"github.com/kaito-project/finetune/pkg/utils"
	"github.com/kaito-project/finetune/pkg/utils/consts"
	"github.com/kaito-project/finetune/pkg/utils/plugin"
)

// TuningParams holds every user facing hyperparameter of a fine-tuning run.
// Field names double as flag names, config file keys and FINETUNE_* env
// suffixes.
type TuningParams struct {
	// model/data params
	BaseModel   string `json:"base_model" yaml:"base_model" mapstructure:"base_model"`
	DataPath    string `json:"data_path" yaml:"data_path" mapstructure:"data_path"`
	OutputDir   string `json:"output_dir" yaml:"output_dir" mapstructure:"output_dir"`
	TemplateDir string `json:"template_dir,omitempty" yaml:"template_dir,omitempty" mapstructure:"template_dir"`
	// ModelFamily overrides the family detected from config.json.
	ModelFamily string `json:"model_family,omitempty" yaml:"model_family,omitempty" mapstructure:"model_family"`

	// training hyperparams
	BatchSize      int     `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
	MicroBatchSize int     `json:"micro_batch_size" yaml:"micro_batch_size" mapstructure:"micro_batch_size"`
	NumEpochs      int     `json:"num_epochs" yaml:"num_epochs" mapstructure:"num_epochs"`
	LearningRate   float64 `json:"learning_rate" yaml:"learning_rate" mapstructure:"learning_rate"`
	CutoffLen      int     `json:"cutoff_len" yaml:"cutoff_len" mapstructure:"cutoff_len"`
	ValSetRatio    float64 `json:"val_set_ratio" yaml:"val_set_ratio" mapstructure:"val_set_ratio"`
	WarmupRatio    float64 `json:"warmup_ratio" yaml:"warmup_ratio" mapstructure:"warmup_ratio"`
	LoggingSteps   int     `json:"logging_steps" yaml:"logging_steps" mapstructure:"logging_steps"`
	SaveSteps      int     `json:"save_steps" yaml:"save_steps" mapstructure:"save_steps"`
	SaveTotalLimit int     `json:"save_total_limit" yaml:"save_total_limit" mapstructure:"save_total_limit"`
	EvalSteps      int     `json:"eval_steps" yaml:"eval_steps" mapstructure:"eval_steps"`
	Seed           int64   `json:"seed" yaml:"seed" mapstructure:"seed"`

	// lora hyperparams
	LoraR       int     `json:"lora_r" yaml:"lora_r" mapstructure:"lora_r"`
	LoraAlpha   int     `json:"lora_alpha" yaml:"lora_alpha" mapstructure:"lora_alpha"`
	LoraDropout float64 `json:"lora_dropout" yaml:"lora_dropout" mapstructure:"lora_dropout"`
	// LoraTargetModules defaults to the model family's target modules when empty.
	LoraTargetModules []string `json:"lora_target_modules,omitempty" yaml:"lora_target_modules,omitempty" mapstructure:"lora_target_modules"`

	// llm hyperparams
	TrainOnInputs      bool   `json:"train_on_inputs" yaml:"train_on_inputs" mapstructure:"train_on_inputs"`
	GroupByLength      bool   `json:"group_by_length" yaml:"group_by_length" mapstructure:"group_by_length"`
	PromptTemplateName string `json:"prompt_template_name" yaml:"prompt_template_name" mapstructure:"prompt_template_name"`
	DropFullyMasked    bool   `json:"drop_fully_masked" yaml:"drop_fully_masked" mapstructure:"drop_fully_masked"`

	// wandb params
	WandbProject  string `json:"wandb_project,omitempty" yaml:"wandb_project,omitempty" mapstructure:"wandb_project"`
	WandbRunName  string `json:"wandb_run_name,omitempty" yaml:"wandb_run_name,omitempty" mapstructure:"wandb_run_name"`
	WandbWatch    string `json:"wandb_watch,omitempty" yaml:"wandb_watch,omitempty" mapstructure:"wandb_watch"`
	WandbLogModel string `json:"wandb_log_model,omitempty" yaml:"wandb_log_model,omitempty" mapstructure:"wandb_log_model"`

	// ResumeFromCheckpoint is either a full checkpoint or a LoRA adapter directory.
	ResumeFromCheckpoint string `json:"resume_from_checkpoint,omitempty" yaml:"resume_from_checkpoint,omitempty" mapstructure:"resume_from_checkpoint"`

	// preprocessing
	NumWorkers   int    `json:"num_workers" yaml:"num_workers" mapstructure:"num_workers"`
	OutputFormat string `json:"output_format" yaml:"output_format" mapstructure:"output_format"`
	CacheDir     string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty" mapstructure:"cache_dir"`
	MetricsFile  string `json:"metrics_file,omitempty" yaml:"metrics_file,omitempty" mapstructure:"metrics_file"`

	// AccelerateParams override the model preset's launcher parameters.
	AccelerateParams map[string]string `json:"accelerate_params,omitempty" yaml:"accelerate_params,omitempty" mapstructure:"accelerate_params"`
}

const (
	DefaultDataPath  = "./data/"
	DefaultOutputDir = "./checkpoint"
)

var (
	validWandbWatch    = []string{"", "false", "gradients", "all"}
	validWandbLogModel = []string{"", "false", "true"}
	validOutputFormats = []string{"parquet", "jsonl"}
)

// DefaultTuningParams returns the parameters used when nothing is overridden.
func DefaultTuningParams() TuningParams {
	return TuningParams{
		DataPath:           DefaultDataPath,
		OutputDir:          DefaultOutputDir,
		BatchSize:          128,
		MicroBatchSize:     4,
		NumEpochs:          3,
		LearningRate:       3e-4,
		CutoffLen:          512,
		ValSetRatio:        0.2,
		WarmupRatio:        0.03,
		LoggingSteps:       1,
		SaveSteps:          10,
		SaveTotalLimit:     5,
		EvalSteps:          10,
		Seed:               42,
		LoraR:              16,
		LoraAlpha:          32,
		LoraDropout:        0.05,
		PromptTemplateName: consts.DefaultPromptTemplate,
		OutputFormat:       consts.DefaultOutputFormat,
	}
}

// GradientAccumulationSteps is the number of micro batches per optimizer step
// on a single process.
func (p *TuningParams) GradientAccumulationSteps() int {
	if p.MicroBatchSize <= 0 {
		return 0
	}
	return p.BatchSize / p.MicroBatchSize
}

// UseWandb reports whether experiment tracking is requested, either through
// the parameters or the environment.
func (p *TuningParams) UseWandb(env RuntimeEnv) bool {
	return p.WandbProject != "" || env.WandbProject != ""
}

func (p *TuningParams) Validate(ctx context.Context) (errs *apis.FieldError) {
	if p.BaseModel == "" {
		errs = errs.Also(apis.ErrMissingField("base_model"))
	}
	if p.DataPath == "" {
		errs = errs.Also(apis.ErrMissingField("data_path"))
	}
	if p.OutputDir == "" {
		errs = errs.Also(apis.ErrMissingField("output_dir"))
	}
	errs = errs.Also(
		p.validateTraining(),
		p.validateLora(),
		p.validateWandb(),
		p.validatePreprocessing(),
	)
	if errs != nil {
		klog.V(4).InfoS("Tuning params rejected", "errors", errs.Error())
	}
	return errs
}

func positive(value int, field string) *apis.FieldError {
	if value <= 0 {
		return apis.ErrInvalidValue(fmt.Sprintf("%d, must be greater than 0", value), field)
	}
	return nil
}

func (p *TuningParams) validateTraining() (errs *apis.FieldError) {
	errs = errs.Also(
		positive(p.BatchSize, "batch_size"),
		positive(p.MicroBatchSize, "micro_batch_size"),
		positive(p.NumEpochs, "num_epochs"),
		positive(p.CutoffLen, "cutoff_len"),
		positive(p.LoggingSteps, "logging_steps"),
		positive(p.SaveSteps, "save_steps"),
		positive(p.EvalSteps, "eval_steps"),
	)
	if p.BatchSize > 0 && p.MicroBatchSize > 0 && p.BatchSize%p.MicroBatchSize != 0 {
		errs = errs.Also(apis.ErrGeneric(fmt.Sprintf("batch_size %d is not a multiple of micro_batch_size %d", p.BatchSize, p.MicroBatchSize), "batch_size", "micro_batch_size"))
	}
	if p.LearningRate <= 0 {
		errs = errs.Also(apis.ErrInvalidValue(fmt.Sprintf("%v, must be greater than 0", p.LearningRate), "learning_rate"))
	}
	if p.ValSetRatio < 0 || p.ValSetRatio >= 1 {
		errs = errs.Also(apis.ErrOutOfBoundsValue(p.ValSetRatio, 0, 1, "val_set_ratio"))
	}
	if p.WarmupRatio < 0 || p.WarmupRatio > 1 {
		errs = errs.Also(apis.ErrOutOfBoundsValue(p.WarmupRatio, 0, 1, "warmup_ratio"))
	}
	if p.SaveTotalLimit < 0 {
		errs = errs.Also(apis.ErrInvalidValue(p.SaveTotalLimit, "save_total_limit"))
	}
	return errs
}

func (p *TuningParams) validateLora() (errs *apis.FieldError) {
	errs = errs.Also(
		positive(p.LoraR, "lora_r"),
		positive(p.LoraAlpha, "lora_alpha"),
	)
	if p.LoraDropout < 0 || p.LoraDropout >= 1 {
		errs = errs.Also(apis.ErrOutOfBoundsValue(p.LoraDropout, 0, 1, "lora_dropout"))
	}
	for i, m := range p.LoraTargetModules {
		if m == "" {
			errs = errs.Also(apis.ErrInvalidArrayValue(m, "lora_target_modules", i))
		}
	}
	if p.ModelFamily != "" && !plugin.KaitoModelRegister.Has(p.ModelFamily) {
		errs = errs.Also(apis.ErrInvalidValue(fmt.Sprintf("%s, must be one of %v", p.ModelFamily, plugin.KaitoModelRegister.ListModelNames()), "model_family"))
	}
	return errs
}

func (p *TuningParams) validateWandb() (errs *apis.FieldError) {
	if !utils.Contains(validWandbWatch, p.WandbWatch) {
		errs = errs.Also(apis.ErrInvalidValue(fmt.Sprintf("%s, must be one of %v", p.WandbWatch, validWandbWatch[1:]), "wandb_watch"))
	}
	if !utils.Contains(validWandbLogModel, p.WandbLogModel) {
		errs = errs.Also(apis.ErrInvalidValue(fmt.Sprintf("%s, must be one of %v", p.WandbLogModel, validWandbLogModel[1:]), "wandb_log_model"))
	}
	return errs
}

func (p *TuningParams) validatePreprocessing() (errs *apis.FieldError) {
	if p.PromptTemplateName == "" {
		errs = errs.Also(apis.ErrMissingField("prompt_template_name"))
	}
	if !utils.Contains(validOutputFormats, p.OutputFormat) {
		errs = errs.Also(apis.ErrInvalidValue(fmt.Sprintf("%s, must be one of %v", p.OutputFormat, validOutputFormats), "output_format"))
	}
	if p.NumWorkers < 0 {
		errs = errs.Also(apis.ErrInvalidValue(p.NumWorkers, "num_workers"))
	}
	return errs
}

// RuntimeEnv carries the process environment facts the run depends on. It is
// filled once at the entry point and passed down explicitly.
type RuntimeEnv struct {
	LocalRank int
	WorldSize int
	// RankFromLauncher is set when the trainer processes are spawned after
	// preparation. Each of them reads its device index from LOCAL_RANK.
	RankFromLauncher bool
	WandbProject     string
	WandbWatch       string
	WandbLogModel    string
}

// DefaultRuntimeEnv describes a single, non distributed process.
func DefaultRuntimeEnv() RuntimeEnv {
	return RuntimeEnv{WorldSize: 1}
}

// DDP reports whether the run is data parallel across processes.
func (e RuntimeEnv) DDP() bool {
	return e.WorldSize != 1
}

// ForLaunch describes the world of the processes this process is about to
// launch. An environment that is already data parallel is kept as is.
func (e RuntimeEnv) ForLaunch(processes int) RuntimeEnv {
	if processes <= 1 || e.DDP() {
		return e
	}
	e.WorldSize = processes
	e.RankFromLauncher = true
	return e
}

// IsMainProcess reports whether this process prints and writes shared output.
func (e RuntimeEnv) IsMainProcess() bool {
	return e.LocalRank == 0
}

func (e RuntimeEnv) Validate(ctx context.Context) (errs *apis.FieldError) {
	if e.WorldSize < 1 {
		errs = errs.Also(apis.ErrInvalidValue(e.WorldSize, consts.EnvWorldSize))
	}
	if e.LocalRank < 0 || (e.WorldSize >= 1 && e.LocalRank >= e.WorldSize) {
		errs = errs.Also(apis.ErrInvalidValue(e.LocalRank, consts.EnvLocalRank))
	}
	return errs
}
