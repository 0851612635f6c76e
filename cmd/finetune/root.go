// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/kaito-project/finetune/api/v1alpha1"
	"github.com/kaito-project/finetune/pkg/featuregates"
	"github.com/kaito-project/finetune/pkg/utils"
	"github.com/kaito-project/finetune/pkg/utils/consts"
)

const accelerateParamsFlag = "accelerate_params"

type rootOptions struct {
	configFile   string
	featureGates string
	// lookupEnv reads the process environment. Tests replace it.
	lookupEnv func(string) (string, bool)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{lookupEnv: os.LookupEnv}
	cmd := &cobra.Command{
		Use:   "finetune",
		Short: "Preprocess instruction data and launch LoRA fine-tuning of causal language models",
		Long: `finetune renders instruction records with a prompt template, tokenizes and
masks them for causal language model training, writes the train and eval
splits, and hands a training_config.yaml to the trainer.

Tuning parameters come from flags, FINETUNE_* environment variables and an
optional --config file, in that order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return featuregates.ParseAndValidateFeatureGates(opts.featureGates)
		},
	}

	fs := cmd.PersistentFlags()
	fs.AddGoFlagSet(flag.CommandLine)
	fs.StringVar(&opts.configFile, "config", "", "YAML file with tuning parameters.")
	fs.StringVar(&opts.featureGates, "feature-gates", "", "Comma separated gate=bool pairs. Known gates: TokenCache=true, GPUCapacityCheck=false.")

	cmd.AddCommand(
		newTrainCommand(opts),
		newPreprocessCommand(opts),
		newSubmitCommand(opts),
		newRenderCommand(),
		newExportAdapterCommand(),
	)
	return cmd
}

// addTuningFlags registers one flag per tuning parameter. Flag names match
// the config file keys.
func addTuningFlags(fs *pflag.FlagSet) {
	d := v1alpha1.DefaultTuningParams()

	// model/data params
	fs.String("base_model", d.BaseModel, "Hugging Face hub id or local checkpoint directory of the base model.")
	fs.String("data_path", d.DataPath, "Dataset file (.json, .jsonl) or a directory of such files.")
	fs.String("output_dir", d.OutputDir, "Directory for the preprocessed splits, training_config.yaml and checkpoints.")
	fs.String("template_dir", d.TemplateDir, "Directory of extra prompt templates (<name>.yaml).")
	fs.String("model_family", d.ModelFamily, "Model family preset. Detected from config.json when empty.")

	// training hyperparams
	fs.Int("batch_size", d.BatchSize, "Global batch size.")
	fs.Int("micro_batch_size", d.MicroBatchSize, "Per device batch size.")
	fs.Int("num_epochs", d.NumEpochs, "Number of training epochs.")
	fs.Float64("learning_rate", d.LearningRate, "Peak learning rate.")
	fs.Int("cutoff_len", d.CutoffLen, "Maximum tokens per example.")
	fs.Float64("val_set_ratio", d.ValSetRatio, "Fraction of records held out for evaluation. 0 disables evaluation.")
	fs.Float64("warmup_ratio", d.WarmupRatio, "Fraction of steps used for learning rate warmup.")
	fs.Int("logging_steps", d.LoggingSteps, "Log every N steps.")
	fs.Int("save_steps", d.SaveSteps, "Checkpoint every N steps.")
	fs.Int("save_total_limit", d.SaveTotalLimit, "Number of checkpoints to keep.")
	fs.Int("eval_steps", d.EvalSteps, "Evaluate every N steps.")
	fs.Int64("seed", d.Seed, "Seed for the split and the trainer.")

	// lora hyperparams
	fs.Int("lora_r", d.LoraR, "LoRA rank.")
	fs.Int("lora_alpha", d.LoraAlpha, "LoRA scaling alpha.")
	fs.Float64("lora_dropout", d.LoraDropout, "LoRA dropout.")
	fs.StringSlice("lora_target_modules", d.LoraTargetModules, "Modules to adapt. Defaults to the model family's.")

	// llm hyperparams
	fs.Bool("train_on_inputs", d.TrainOnInputs, "Compute the loss on the prompt tokens too.")
	fs.Bool("group_by_length", d.GroupByLength, "Batch examples of similar length together.")
	fs.String("prompt_template_name", d.PromptTemplateName, "Prompt template to render records with.")
	fs.Bool("drop_fully_masked", d.DropFullyMasked, "Drop examples whose labels are all masked.")

	// wandb params
	fs.String("wandb_project", d.WandbProject, "Weights & Biases project. Enables reporting.")
	fs.String("wandb_run_name", d.WandbRunName, "Weights & Biases run name.")
	fs.String("wandb_watch", d.WandbWatch, "Weights & Biases watch mode: false, gradients or all.")
	fs.String("wandb_log_model", d.WandbLogModel, "Upload checkpoints to Weights & Biases: false or true.")

	fs.String("resume_from_checkpoint", d.ResumeFromCheckpoint, "Full checkpoint or LoRA adapter directory to resume from.")

	// preprocessing
	fs.Int("num_workers", d.NumWorkers, "Concurrent tokenization workers. 0 uses every CPU.")
	fs.String("output_format", d.OutputFormat, "Split file format: parquet or jsonl.")
	fs.String("cache_dir", d.CacheDir, "Directory for the token cache and the model download cache.")
	fs.String("metrics_file", d.MetricsFile, "Write preprocessing metrics in the node-exporter textfile format.")

	fs.Var(cliflag.NewMapStringString(&map[string]string{}), accelerateParamsFlag, "Launcher parameters as key=value pairs, on top of the model preset's.")
}

// loadParams merges defaults, the config file, FINETUNE_* variables and the
// flags set on the command line, later sources winning.
func (o *rootOptions) loadParams(fs *pflag.FlagSet) (*v1alpha1.TuningParams, error) {
	v := viper.New()
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == accelerateParamsFlag || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(f.Name, f)
	})
	if bindErr != nil {
		return nil, bindErr
	}

	v.SetEnvPrefix(consts.EnvPrefix)
	v.AutomaticEnv()
	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", o.configFile, err)
		}
	}

	params := v1alpha1.DefaultTuningParams()
	if err := v.Unmarshal(&params); err != nil {
		return nil, fmt.Errorf("failed to decode tuning parameters: %w", err)
	}

	if f := fs.Lookup(accelerateParamsFlag); f != nil && f.Changed {
		m := f.Value.(*cliflag.MapStringString)
		params.AccelerateParams = utils.MergeConfigMaps(params.AccelerateParams, *m.Map)
	}
	return &params, nil
}

// runtimeEnv reads the distributed launch and experiment tracking variables.
func (o *rootOptions) runtimeEnv() (v1alpha1.RuntimeEnv, error) {
	env := v1alpha1.DefaultRuntimeEnv()
	intVar := func(name string, dst *int) error {
		s, ok := o.lookupEnv(name)
		if !ok || s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return utils.NewConfigurationError(name, "not an integer: %q", s)
		}
		*dst = n
		return nil
	}
	if err := intVar(consts.EnvLocalRank, &env.LocalRank); err != nil {
		return env, err
	}
	if err := intVar(consts.EnvWorldSize, &env.WorldSize); err != nil {
		return env, err
	}
	env.WandbProject, _ = o.lookupEnv(consts.EnvWandbProject)
	env.WandbWatch, _ = o.lookupEnv(consts.EnvWandbWatch)
	env.WandbLogModel, _ = o.lookupEnv(consts.EnvWandbLogModel)
	return env, nil
}

func printParams(w io.Writer, params *v1alpha1.TuningParams) error {
	data, err := yaml.Marshal(params)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Training LoRA model with params:\n%s\n", data)
	return err
}
