// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package v1alpha1

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestValidateTrainingConfig(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantErr   bool
		errFields []string
	}{
		{
			name: "Valid 8 bit config",
			data: `
training_config:
  ModelConfig:
    load_in_8bit: true
    device_map: auto
  LoraConfig:
    r: 16
  DataCollator:
    pad_to_multiple_of: 8
`,
		},
		{
			name: "Unknown section",
			data: `
training_config:
  ModelConfig: {}
  TokenizerTricks: {}
`,
			wantErr:   true,
			errFields: []string{"TokenizerTricks"},
		},
		{
			name: "Both quantizations in ModelConfig",
			data: `
training_config:
  ModelConfig:
    load_in_4bit: true
    load_in_8bit: true
`,
			wantErr:   true,
			errFields: []string{"ModelConfig"},
		},
		{
			name: "Both quantizations in QuantizationConfig",
			data: `
training_config:
  QuantizationConfig:
    load_in_4bit: true
    load_in_8bit: true
`,
			wantErr:   true,
			errFields: []string{"QuantizationConfig"},
		},
		{
			name: "Non boolean quantization flag",
			data: `
training_config:
  QuantizationConfig:
    load_in_8bit: "yes"
`,
			wantErr:   true,
			errFields: []string{"load_in_8bit"},
		},
		{
			name:      "Missing training_config key",
			data:      "ModelConfig: {}\n",
			wantErr:   true,
			errFields: []string{"training_config"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateTrainingConfig([]byte(tt.data))
			hasErrs := errs != nil

			if hasErrs != tt.wantErr {
				t.Errorf("ValidateTrainingConfig() errors = %v, wantErr %v", errs, tt.wantErr)
			}
			if hasErrs {
				for _, field := range tt.errFields {
					if !strings.Contains(errs.Error(), field) {
						t.Errorf("ValidateTrainingConfig() expected errors to contain %s, but got %s", field, errs.Error())
					}
				}
			}
		})
	}
}

func TestTrainingConfigUnmarshalKeepsRawValues(t *testing.T) {
	var config Config
	err := yaml.Unmarshal([]byte(`
training_config:
  LoraConfig:
    r: 8
    target_modules: [q_proj, v_proj]
`), &config)
	require.NoError(t, err)

	require.Contains(t, config.TrainingConfig.LoraConfig, "target_modules")
	var modules []string
	require.NoError(t, yaml.Unmarshal(config.TrainingConfig.LoraConfig["target_modules"].Raw, &modules))
	assert.Equal(t, []string{"q_proj", "v_proj"}, modules)
	assert.Nil(t, config.TrainingConfig.ModelConfig)
}

func TestSectionNames(t *testing.T) {
	assert.Equal(t, []string{"ModelConfig", "QuantizationConfig", "LoraConfig", "TrainingArguments", "DatasetConfig", "DataCollator"}, SectionNames())
}
