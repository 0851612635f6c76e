// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/kaito-project/finetune/api/v1alpha1"
	"github.com/kaito-project/finetune/pkg/adapter"
	"github.com/kaito-project/finetune/pkg/cache"
	"github.com/kaito-project/finetune/pkg/config"
	"github.com/kaito-project/finetune/pkg/dataset"
	"github.com/kaito-project/finetune/pkg/featuregates"
	"github.com/kaito-project/finetune/pkg/metrics"
	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/preprocess"
	"github.com/kaito-project/finetune/pkg/prompt"
	"github.com/kaito-project/finetune/pkg/tokenizer"
	"github.com/kaito-project/finetune/pkg/utils"
	"github.com/kaito-project/finetune/pkg/utils/consts"
	"github.com/kaito-project/finetune/pkg/utils/plugin"
)

const (
	dataDirName  = "data"
	cacheDirName = "tokens"
)

// tokenizerFactory loads the checkpoint's tokenizer. The returned fingerprint
// salts the token cache.
type tokenizerFactory func(files *tokenizer.ModelFiles) (tokenizer.Tokenizer, string, error)

func loadTokenizer(files *tokenizer.ModelFiles) (tokenizer.Tokenizer, string, error) {
	t, err := tokenizer.Load(files)
	if err != nil {
		return nil, "", err
	}
	return t, t.Fingerprint(), nil
}

var newTokenizer tokenizerFactory = loadTokenizer

// runner prepares everything the trainer needs from one set of parameters.
type runner struct {
	params *v1alpha1.TuningParams
	env    v1alpha1.RuntimeEnv
	out    io.Writer
	// trainingConfigFile is a training_config.yaml merged over the derived one.
	trainingConfigFile string
	// processes returns how many trainer processes the command launches for
	// the resolved preset. Nil means the trainer is not launched here.
	processes func(preset *model.PresetParam) (int, error)
}

// preparedRun is the outcome of preprocessing.
type preparedRun struct {
	Family         string
	Preset         *model.PresetParam
	Special        *tokenizer.SpecialTokens
	Data           config.DataFiles
	Summaries      map[string]dataset.Summary
	Checkpoint     adapter.Checkpoint
	TrainingConfig *config.TrainingConfig
	ConfigPath     string
}

// resolveFamily picks the model family preset: the explicit override, else the
// family whose architecture prefix matches config.json, else the default.
func resolveFamily(override string, mc *tokenizer.ModelConfig) (string, *model.PresetParam, error) {
	name := override
	if name == "" && mc != nil {
		arch := mc.Architecture()
		if family, ok := plugin.KaitoModelRegister.ForArchitecture(arch); ok {
			name = family
		} else {
			klog.InfoS("No model family matches the architecture, using the default", "architecture", arch, "family", consts.DefaultModelFamily)
		}
	}
	if name == "" {
		name = consts.DefaultModelFamily
	}
	if !plugin.KaitoModelRegister.Has(name) {
		return "", nil, utils.NewConfigurationError("model_family", "unknown model family %q, must be one of %v", name, plugin.KaitoModelRegister.ListModelNames())
	}
	m := plugin.KaitoModelRegister.MustGet(name)
	if !m.SupportTuning() {
		return "", nil, utils.NewConfigurationError("model_family", "model family %q does not support tuning", name)
	}
	return name, m.GetTuningParameters(), nil
}

func (r *runner) prompter() (*prompt.Prompter, error) {
	reg, err := prompt.NewRegistry()
	if err != nil {
		return nil, err
	}
	if r.params.TemplateDir != "" {
		if err := reg.LoadDir(r.params.TemplateDir); err != nil {
			return nil, err
		}
	}
	return prompt.NewPrompter(reg, r.params.PromptTemplateName)
}

func (r *runner) prepare(ctx context.Context) (*preparedRun, error) {
	if errs := r.params.Validate(ctx); errs != nil {
		return nil, utils.WrapConfigurationError("tuning_params", "invalid tuning parameters", errs)
	}
	if errs := r.env.Validate(ctx); errs != nil {
		return nil, utils.WrapConfigurationError("runtime_env", "invalid runtime environment", errs)
	}
	if r.env.IsMainProcess() {
		if err := printParams(r.out, r.params); err != nil {
			return nil, err
		}
	}

	files, err := tokenizer.LoadModelFiles(r.params.BaseModel)
	if err != nil {
		return nil, err
	}
	family, preset, err := resolveFamily(r.params.ModelFamily, files.ModelConfig)
	if err != nil {
		return nil, err
	}
	if r.processes != nil {
		n, err := r.processes(preset)
		if err != nil {
			return nil, err
		}
		r.env = r.env.ForLaunch(n)
		klog.V(2).InfoS("Trainer world resolved", "processes", n, "worldSize", r.env.WorldSize, "rankFromLauncher", r.env.RankFromLauncher)
	}
	tok, fingerprint, err := newTokenizer(files)
	if err != nil {
		return nil, err
	}
	special, err := tokenizer.ResolveSpecialTokens(tok, files, preset)
	if err != nil {
		return nil, err
	}
	prompter, err := r.prompter()
	if err != nil {
		return nil, err
	}
	klog.InfoS("Model resolved", "baseModel", r.params.BaseModel, "family", family, "eos", special.EOS, "pad", special.Pad, "template", prompter.TemplateName())

	m := metrics.New()
	opts := preprocess.Options{
		Prompter:      prompter,
		Tokenizer:     tok,
		Special:       special,
		MaxLength:     r.params.CutoffLen,
		TrainOnInputs: r.params.TrainOnInputs,
		Observer:      m,
	}
	if r.params.CacheDir != "" && featuregates.Enabled(consts.FeatureFlagTokenCache) {
		c, err := cache.Open(filepath.Join(r.params.CacheDir, cacheDirName), cache.DefaultTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to open token cache: %w", err)
		}
		defer func() {
			stats := c.Stats()
			klog.InfoS("Token cache", "hits", stats.Hits, "misses", stats.Misses)
			c.Close()
		}()
		opts.Cache = c
		opts.CacheSalt = fingerprint
	}
	pipeline, err := preprocess.NewPipeline(opts)
	if err != nil {
		return nil, err
	}

	data, summaries, err := r.buildDatasets(ctx, pipeline, m)
	if err != nil {
		return nil, err
	}

	ckpt := adapter.Checkpoint{Kind: adapter.CheckpointNone}
	if r.params.ResumeFromCheckpoint != "" {
		if ckpt, err = adapter.ResolveCheckpoint(r.params.ResumeFromCheckpoint); err != nil {
			return nil, err
		}
	}

	tc, err := config.BuildTrainingConfig(r.params, r.env, preset, data, ckpt.Resume())
	if err != nil {
		return nil, err
	}
	tc.SetSpecialTokens(special.EOS, special.Pad)
	if r.trainingConfigFile != "" {
		overrides, err := os.ReadFile(r.trainingConfigFile)
		if err != nil {
			return nil, err
		}
		if err := tc.ApplyOverrides(overrides); err != nil {
			return nil, err
		}
	}

	configPath := filepath.Join(r.params.OutputDir, consts.TrainingConfigFileName)
	if r.env.IsMainProcess() {
		if err := tc.WriteFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to write training config: %w", err)
		}
		if r.params.MetricsFile != "" {
			if err := m.WriteTextfile(r.params.MetricsFile); err != nil {
				return nil, fmt.Errorf("failed to write metrics: %w", err)
			}
		}
	}
	klog.InfoS("Training config written", "path", configPath, "resume", ckpt.Kind)

	return &preparedRun{
		Family:         family,
		Preset:         preset,
		Special:        special,
		Data:           data,
		Summaries:      summaries,
		Checkpoint:     ckpt,
		TrainingConfig: tc,
		ConfigPath:     configPath,
	}, nil
}

// buildDatasets loads, splits, tokenizes and writes the dataset. Only the main
// process writes files.
func (r *runner) buildDatasets(ctx context.Context, pipeline *preprocess.Pipeline, m *metrics.Metrics) (config.DataFiles, map[string]dataset.Summary, error) {
	files := config.DataFiles{Format: r.params.OutputFormat}
	summaries := map[string]dataset.Summary{}

	records, err := dataset.Load(r.params.DataPath)
	if err != nil {
		return files, nil, err
	}
	train, eval, err := dataset.Split(records, r.params.ValSetRatio, r.params.Seed)
	if err != nil {
		return files, nil, err
	}

	dataDir := filepath.Join(r.params.OutputDir, dataDirName)
	splits := []struct {
		name    string
		records []preprocess.Record
		path    *string
	}{
		{consts.TrainSplitName, train, &files.TrainFile},
		{consts.EvalSplitName, eval, &files.EvalFile},
	}
	for _, split := range splits {
		if split.name == consts.EvalSplitName && r.params.ValSetRatio == 0 {
			continue
		}
		examples, summary, err := dataset.Tokenize(ctx, pipeline, split.records, dataset.TokenizeOptions{
			Workers:         r.params.NumWorkers,
			DropFullyMasked: r.params.DropFullyMasked,
			Dropper:         m,
		})
		if err != nil {
			return files, nil, fmt.Errorf("failed to tokenize %s split: %w", split.name, err)
		}
		if split.name == consts.TrainSplitName && len(examples) == 0 {
			return files, nil, utils.NewConfigurationError("data_path", "no training examples left after preprocessing %s", r.params.DataPath)
		}

		path := filepath.Join(dataDir, dataset.FileName(split.name, r.params.OutputFormat))
		if r.env.IsMainProcess() {
			if err := dataset.Write(path, r.params.OutputFormat, examples); err != nil {
				return files, nil, fmt.Errorf("failed to write %s split: %w", split.name, err)
			}
		}
		m.ObserveWritten(split.name, len(examples))
		*split.path = path
		summaries[split.name] = summary
		klog.InfoS("Split preprocessed", "split", split.name, "records", summary.Total, "kept", summary.Kept,
			"fullyMasked", summary.FullyMasked, "truncated", summary.Truncated, "path", path)
	}
	return files, summaries, nil
}
