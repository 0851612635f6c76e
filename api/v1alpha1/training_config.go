// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package v1alpha1

import (
	"fmt"
	"reflect"
	"sort"

	"gopkg.in/yaml.v2"
	"k8s.io/apimachinery/pkg/runtime"
	"knative.dev/pkg/apis"

	"github.com/kaito-project/finetune/pkg/utils"
)

type Config struct {
	TrainingConfig TrainingConfig `yaml:"training_config"`
}

// TrainingConfig keeps every section of a training_config.yaml as raw YAML so
// that user supplied files can be checked without knowing every trainer key.
type TrainingConfig struct {
	ModelConfig        map[string]runtime.RawExtension `yaml:"ModelConfig"`
	QuantizationConfig map[string]runtime.RawExtension `yaml:"QuantizationConfig"`
	LoraConfig         map[string]runtime.RawExtension `yaml:"LoraConfig"`
	TrainingArguments  map[string]runtime.RawExtension `yaml:"TrainingArguments"`
	DatasetConfig      map[string]runtime.RawExtension `yaml:"DatasetConfig"`
	DataCollator       map[string]runtime.RawExtension `yaml:"DataCollator"`
}

// UnmarshalYAML stores each section's keys as raw YAML values.
func (t *TrainingConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw map[string]map[string]interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	targets := map[string]*map[string]runtime.RawExtension{
		"ModelConfig":        &t.ModelConfig,
		"QuantizationConfig": &t.QuantizationConfig,
		"LoraConfig":         &t.LoraConfig,
		"TrainingArguments":  &t.TrainingArguments,
		"DatasetConfig":      &t.DatasetConfig,
		"DataCollator":       &t.DataCollator,
	}
	for section, values := range raw {
		target, ok := targets[section]
		if !ok {
			continue
		}
		exts := make(map[string]runtime.RawExtension, len(values))
		for key, value := range values {
			data, err := yaml.Marshal(value)
			if err != nil {
				return fmt.Errorf("section %s key %s: %w", section, key, err)
			}
			exts[key] = runtime.RawExtension{Raw: data}
		}
		*target = exts
	}
	return nil
}

// SectionNames lists the recognized sections in yaml tag order.
func SectionNames() []string {
	t := reflect.TypeOf(TrainingConfig{})
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("yaml"); tag != "" {
			names = append(names, tag)
		}
	}
	return names
}

func rawBool(section map[string]runtime.RawExtension, key string) (bool, *apis.FieldError) {
	ext, ok := section[key]
	if !ok {
		return false, nil
	}
	var value interface{}
	if err := yaml.Unmarshal(ext.Raw, &value); err != nil {
		return false, apis.ErrInvalidValue(err.Error(), key)
	}
	if value == nil {
		return false, nil
	}
	b, ok := value.(bool)
	if !ok {
		return false, apis.ErrInvalidValue(fmt.Sprintf("value must be either nil or a boolean, got type %T", value), key)
	}
	return b, nil
}

func validateSchema(data []byte) *apis.FieldError {
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return apis.ErrInvalidValue(err.Error(), "training_config.yaml")
	}
	trainingConfigMap, ok := rawConfig["training_config"].(map[interface{}]interface{})
	if !ok {
		return apis.ErrInvalidValue("Expected 'training_config' key to contain a map", "training_config.yaml")
	}

	recognized := SectionNames()
	var unknown []string
	for section := range trainingConfigMap {
		name := fmt.Sprint(section)
		if !utils.Contains(recognized, name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return apis.ErrInvalidValue(fmt.Sprintf("Unrecognized section(s): %v", unknown), "training_config.yaml")
	}
	return nil
}

// ValidateTrainingConfig checks a training_config.yaml document: the sections
// must be known and 4-bit and 8-bit loading are mutually exclusive.
func ValidateTrainingConfig(data []byte) (errs *apis.FieldError) {
	if err := validateSchema(data); err != nil {
		return err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return apis.ErrInvalidValue(err.Error(), "training_config.yaml")
	}

	for _, section := range []struct {
		name   string
		values map[string]runtime.RawExtension
	}{
		{"ModelConfig", config.TrainingConfig.ModelConfig},
		{"QuantizationConfig", config.TrainingConfig.QuantizationConfig},
	} {
		loadIn4bit, err4 := rawBool(section.values, "load_in_4bit")
		loadIn8bit, err8 := rawBool(section.values, "load_in_8bit")
		errs = errs.Also(err4.ViaField(section.name), err8.ViaField(section.name))
		if loadIn4bit && loadIn8bit {
			errs = errs.Also(apis.ErrGeneric("Cannot set both 'load_in_4bit' and 'load_in_8bit' to true", section.name))
		}
	}
	return errs
}
