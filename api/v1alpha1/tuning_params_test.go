// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package v1alpha1

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kaito-project/finetune/pkg/utils/test"
)

func validParams() TuningParams {
	p := DefaultTuningParams()
	p.BaseModel = "decapoda-research/llama-7b-hf"
	p.DataPath = "alpaca_data_cleaned.json"
	return p
}

func TestDefaultTuningParams(t *testing.T) {
	p := DefaultTuningParams()
	assert.Equal(t, 128, p.BatchSize)
	assert.Equal(t, 4, p.MicroBatchSize)
	assert.Equal(t, 32, p.GradientAccumulationSteps())
	assert.Equal(t, 512, p.CutoffLen)
	assert.Equal(t, "alpaca", p.PromptTemplateName)
	assert.False(t, p.TrainOnInputs)
	assert.Equal(t, "./data/", p.DataPath)
	assert.Empty(t, p.LoraTargetModules)
}

func TestTuningParamsValidate(t *testing.T) {
	test.RegisterTestModel()
	ctx := context.Background()

	tests := []struct {
		name      string
		mutate    func(p *TuningParams)
		wantErr   bool
		errFields []string
	}{
		{
			name:   "Defaults with base model and data",
			mutate: func(p *TuningParams) {},
		},
		{
			name: "Registered model family",
			mutate: func(p *TuningParams) {
				p.ModelFamily = "test-model"
			},
		},
		{
			name: "Missing base model",
			mutate: func(p *TuningParams) {
				p.BaseModel = ""
			},
			wantErr:   true,
			errFields: []string{"base_model"},
		},
		{
			name: "Batch size not divisible",
			mutate: func(p *TuningParams) {
				p.BatchSize = 10
				p.MicroBatchSize = 4
			},
			wantErr:   true,
			errFields: []string{"batch_size", "micro_batch_size"},
		},
		{
			name: "Non positive sizes",
			mutate: func(p *TuningParams) {
				p.MicroBatchSize = 0
				p.CutoffLen = -1
				p.LoraR = 0
			},
			wantErr:   true,
			errFields: []string{"micro_batch_size", "cutoff_len", "lora_r"},
		},
		{
			name: "Ratios out of range",
			mutate: func(p *TuningParams) {
				p.ValSetRatio = 1
				p.LoraDropout = -0.1
				p.WarmupRatio = 2
			},
			wantErr:   true,
			errFields: []string{"val_set_ratio", "lora_dropout", "warmup_ratio"},
		},
		{
			name: "Zero val ratio is allowed",
			mutate: func(p *TuningParams) {
				p.ValSetRatio = 0
			},
		},
		{
			name: "Invalid wandb options",
			mutate: func(p *TuningParams) {
				p.WandbWatch = "weights"
				p.WandbLogModel = "yes"
			},
			wantErr:   true,
			errFields: []string{"wandb_watch", "wandb_log_model"},
		},
		{
			name: "Valid wandb options",
			mutate: func(p *TuningParams) {
				p.WandbProject = "alpaca"
				p.WandbWatch = "gradients"
				p.WandbLogModel = "true"
			},
		},
		{
			name: "Unknown model family",
			mutate: func(p *TuningParams) {
				p.ModelFamily = "gpt-j"
			},
			wantErr:   true,
			errFields: []string{"model_family"},
		},
		{
			name: "Unsupported output format",
			mutate: func(p *TuningParams) {
				p.OutputFormat = "csv"
			},
			wantErr:   true,
			errFields: []string{"output_format"},
		},
		{
			name: "Empty target module",
			mutate: func(p *TuningParams) {
				p.LoraTargetModules = []string{"q_proj", ""}
			},
			wantErr:   true,
			errFields: []string{"lora_target_modules[1]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			errs := p.Validate(ctx)
			hasErrs := errs != nil

			if hasErrs != tt.wantErr {
				t.Errorf("Validate() errors = %v, wantErr %v", errs, tt.wantErr)
			}
			if hasErrs {
				for _, field := range tt.errFields {
					if !strings.Contains(errs.Error(), field) {
						t.Errorf("Validate() expected errors to contain field %s, but got %s", field, errs.Error())
					}
				}
			}
		})
	}
}

func TestUseWandb(t *testing.T) {
	p := validParams()
	assert.False(t, p.UseWandb(DefaultRuntimeEnv()))
	assert.True(t, p.UseWandb(RuntimeEnv{WorldSize: 1, WandbProject: "from-env"}))
	p.WandbProject = "alpaca"
	assert.True(t, p.UseWandb(DefaultRuntimeEnv()))
}

func TestRuntimeEnv(t *testing.T) {
	testcases := map[string]struct {
		env          RuntimeEnv
		expectedDDP  bool
		expectedMain bool
		expectedErr  bool
	}{
		"Single process": {
			env:          DefaultRuntimeEnv(),
			expectedMain: true,
		},
		"Second rank of four": {
			env:         RuntimeEnv{LocalRank: 1, WorldSize: 4},
			expectedDDP: true,
		},
		"Rank outside world": {
			env:         RuntimeEnv{LocalRank: 4, WorldSize: 4},
			expectedDDP: true,
			expectedErr: true,
		},
		"Zero world size": {
			env:          RuntimeEnv{WorldSize: 0},
			expectedDDP:  true,
			expectedMain: true,
			expectedErr:  true,
		},
	}

	for k, tc := range testcases {
		t.Run(k, func(t *testing.T) {
			assert.Equal(t, tc.expectedDDP, tc.env.DDP())
			assert.Equal(t, tc.expectedMain, tc.env.IsMainProcess())
			assert.Equal(t, tc.expectedErr, tc.env.Validate(context.Background()) != nil)
		})
	}
}

func TestRuntimeEnvForLaunch(t *testing.T) {
	testcases := map[string]struct {
		env                      RuntimeEnv
		processes                int
		expectedWorldSize        int
		expectedLocalRank        int
		expectedRankFromLauncher bool
	}{
		"Single launched process": {
			env:               DefaultRuntimeEnv(),
			processes:         1,
			expectedWorldSize: 1,
		},
		"Launcher spawns two ranks": {
			env:                      DefaultRuntimeEnv(),
			processes:                2,
			expectedWorldSize:        2,
			expectedRankFromLauncher: true,
		},
		"Already running under a launcher": {
			env:               RuntimeEnv{LocalRank: 1, WorldSize: 4},
			processes:         8,
			expectedWorldSize: 4,
			expectedLocalRank: 1,
		},
	}

	for k, tc := range testcases {
		t.Run(k, func(t *testing.T) {
			env := tc.env.ForLaunch(tc.processes)
			assert.Equal(t, tc.expectedWorldSize, env.WorldSize)
			assert.Equal(t, tc.expectedLocalRank, env.LocalRank)
			assert.Equal(t, tc.expectedRankFromLauncher, env.RankFromLauncher)
			assert.True(t, env.IsMainProcess() == (tc.expectedLocalRank == 0))
			assert.Nil(t, env.Validate(context.Background()))
		})
	}
}
