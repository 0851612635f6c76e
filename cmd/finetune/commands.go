// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/klog/v2"
	"k8s.io/utils/pointer"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kaito-project/finetune/api/v1alpha1"
	"github.com/kaito-project/finetune/pkg/adapter"
	"github.com/kaito-project/finetune/pkg/config"
	"github.com/kaito-project/finetune/pkg/featuregates"
	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/prompt"
	"github.com/kaito-project/finetune/pkg/tuning"
	"github.com/kaito-project/finetune/pkg/utils"
	"github.com/kaito-project/finetune/pkg/utils/consts"
	"github.com/kaito-project/finetune/pkg/utils/resources"
)

func (o *rootOptions) newRunner(cmd *cobra.Command, trainingConfigFile string) (*runner, error) {
	params, err := o.loadParams(cmd.Flags())
	if err != nil {
		return nil, err
	}
	env, err := o.runtimeEnv()
	if err != nil {
		return nil, err
	}
	return &runner{
		params:             params,
		env:                env,
		out:                cmd.OutOrStdout(),
		trainingConfigFile: trainingConfigFile,
	}, nil
}

func newPreprocessCommand(opts *rootOptions) *cobra.Command {
	var trainingConfigFile string
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Tokenize the dataset and write the splits and training_config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.newRunner(cmd, trainingConfigFile)
			if err != nil {
				return err
			}
			run, err := r.prepare(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(run.Summaries))
			for name := range run.Summaries {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				s := run.Summaries[name]
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records, %d kept, %d fully masked, %d truncated\n",
					name, s.Total, s.Kept, s.FullyMasked, s.Truncated)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "training config: %s\n", run.ConfigPath)
			return nil
		},
	}
	addTuningFlags(cmd.Flags())
	cmd.Flags().StringVar(&trainingConfigFile, "training_config", "", "training_config.yaml merged over the derived configuration.")
	return cmd
}

func newTrainCommand(opts *rootOptions) *cobra.Command {
	var (
		trainingConfigFile string
		dryRun             bool
		inlineConfig       bool
		numProcesses       int
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Preprocess the dataset and run the trainer locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.newRunner(cmd, trainingConfigFile)
			if err != nil {
				return err
			}
			r.processes = func(*model.PresetParam) (int, error) {
				return tuning.LaunchedProcesses(numProcesses, r.params.AccelerateParams), nil
			}
			run, err := r.prepare(cmd.Context())
			if err != nil {
				return err
			}

			command := tuning.PrepareTuningCommand(run.Preset, numProcesses, run.ConfigPath, r.params.AccelerateParams)
			if inlineConfig {
				trainerArgs, err := tuning.TrainingConfigArgs(run.TrainingConfig)
				if err != nil {
					return err
				}
				command = utils.BuildCmdStr(command, trainerArgs)
			}
			if dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), command)
				return nil
			}
			if !r.env.IsMainProcess() {
				klog.InfoS("Trainer is launched by the main process", "localRank", r.env.LocalRank)
				return nil
			}

			launcher := &tuning.LocalLauncher{
				Log:    klog.NewKlogr().WithName("launcher"),
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			}
			return launcher.Launch(cmd.Context(), command, config.TrainerEnv(r.params, r.env))
		},
	}
	addTuningFlags(cmd.Flags())
	cmd.Flags().StringVar(&trainingConfigFile, "training_config", "", "training_config.yaml merged over the derived configuration.")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the trainer command instead of running it.")
	cmd.Flags().BoolVar(&inlineConfig, "inline-config", false, "Also pass the training config to the trainer as prefixed flags.")
	cmd.Flags().IntVar(&numProcesses, "num-processes", 1, "Number of trainer processes to launch.")
	return cmd
}

// newKubeClient builds the client used by submit. Tests replace it.
var newKubeClient = func() (client.Client, error) {
	ctrl.SetLogger(klog.NewKlogr())
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, err
	}
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, err
	}
	return client.New(restConfig, client.Options{Scheme: scheme})
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		trainingConfigFile string
		req                = tuning.Request{Env: map[string]string{}}
		wait               bool
		pollInterval       time.Duration
		waitTimeout        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Preprocess the dataset and run the trainer as a Kubernetes Job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.newRunner(cmd, trainingConfigFile)
			if err != nil {
				return err
			}
			r.processes = func(preset *model.PresetParam) (int, error) {
				gpus, err := tuning.GPUCount(req.GPUCount, preset)
				if err != nil {
					return 0, err
				}
				return tuning.LaunchedProcesses(gpus, r.params.AccelerateParams), nil
			}
			run, err := r.prepare(cmd.Context())
			if err != nil {
				return err
			}
			kubeClient, err := newKubeClient()
			if err != nil {
				return fmt.Errorf("failed to create kubernetes client: %w", err)
			}

			req.Preset = run.Preset
			req.TrainingConfig = run.TrainingConfig
			req.AccelerateParams = r.params.AccelerateParams
			req.Env = utils.MergeConfigMaps(config.TrainerEnv(r.params, r.env), req.Env)
			req.CheckCapacity = featuregates.Enabled(consts.FeatureFlagGPUCapacityCheck)
			job, err := tuning.CreatePresetTuning(cmd.Context(), &req, kubeClient)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job/%s submitted in namespace %s\n", job.Name, job.Namespace)
			if !wait {
				return nil
			}
			if err := resources.WaitForJob(cmd.Context(), job, kubeClient, pollInterval, waitTimeout); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job/%s succeeded\n", job.Name)
			return nil
		},
	}
	addTuningFlags(cmd.Flags())
	fs := cmd.Flags()
	fs.StringVar(&trainingConfigFile, "training_config", "", "training_config.yaml merged over the derived configuration.")
	fs.StringVar(&req.Name, "name", "", "Job name. Generated when empty.")
	fs.StringVar(&req.Namespace, "namespace", "default", "Namespace of the Job.")
	fs.StringVar(&req.Image, "image", "", "Tuning image containing the trainer.")
	fs.StringSliceVar(&req.ImagePullSecrets, "image-pull-secrets", nil, "Image pull secrets for the tuning image.")
	fs.IntVar(&req.GPUCount, "gpus", 0, "GPUs for the Job. Defaults to the model family's requirement.")
	fs.StringVar(&req.DataHostPath, "data-host-path", "", "Node directory holding the preprocessed splits.")
	fs.StringVar(&req.AdapterHostPath, "checkpoint-host-path", "", "Node directory holding the checkpoint to resume from.")
	fs.StringVar(&req.ResultsHostPath, "results-host-path", "", "Node directory the trainer writes its output to.")
	fs.Var(cliflag.NewMapStringString(&req.Env), "env", "Extra trainer environment variables as key=value pairs.")
	fs.BoolVar(&wait, "wait", false, "Wait for the Job to finish.")
	fs.DurationVar(&pollInterval, "poll-interval", 10*time.Second, "Job status poll interval with --wait.")
	fs.DurationVar(&waitTimeout, "wait-timeout", 24*time.Hour, "Give up waiting after this long.")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func newRenderCommand() *cobra.Command {
	var (
		templateName string
		templateDir  string
		instruction  string
		input        string
		output       string
		response     string
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print a record rendered with a prompt template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := prompt.NewRegistry()
			if err != nil {
				return err
			}
			if templateDir != "" {
				if err := reg.LoadDir(templateDir); err != nil {
					return err
				}
			}
			p, err := prompt.NewPrompter(reg, templateName)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("response") {
				fmt.Fprintln(cmd.OutOrStdout(), p.GetResponse(response))
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), p.GeneratePrompt(instruction, input, output))
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&templateName, "prompt_template_name", consts.DefaultPromptTemplate, "Prompt template to render with.")
	fs.StringVar(&templateDir, "template_dir", "", "Directory of extra prompt templates (<name>.yaml).")
	fs.StringVar(&instruction, "instruction", "", "Instruction of the record.")
	fs.StringVar(&input, "input", "", "Optional input of the record.")
	fs.StringVar(&output, "output", "", "Optional expected output of the record.")
	fs.StringVar(&response, "response", "", "Print the response part of a generated text instead.")
	return cmd
}

func newExportAdapterCommand() *cobra.Command {
	var (
		stateDict          string
		outputDir          string
		trainingConfigFile string
		baseModel          string
	)
	cmd := &cobra.Command{
		Use:   "export-adapter",
		Short: "Extract the LoRA adapter from a trained model's safetensors state dict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tc, err := config.Load(trainingConfigFile)
			if err != nil {
				return err
			}
			if baseModel == "" && tc.ModelConfig != nil {
				baseModel = pointer.StringDeref(tc.ModelConfig.PretrainedModelNameOrPath, "")
			}
			res, err := adapter.ExportAdapter(stateDict, outputDir, adapter.NewAdapterConfig(baseModel, tc.LoraConfig))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors to %s and %s\n", res.Tensors, res.WeightsFile, res.ConfigFile)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&stateDict, "state-dict", "", "model.safetensors written by the trainer.")
	fs.StringVar(&outputDir, "output", "", "Directory for adapter_model.safetensors and adapter_config.json.")
	fs.StringVar(&trainingConfigFile, "training_config", filepath.Join(v1alpha1.DefaultOutputDir, consts.TrainingConfigFileName), "training_config.yaml of the run.")
	fs.StringVar(&baseModel, "base_model", "", "Base model recorded in adapter_config.json. Read from the training config when empty.")
	_ = cmd.MarkFlagRequired("state-dict")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
