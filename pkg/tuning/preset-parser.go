// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package tuning

import (
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/kaito-project/finetune/pkg/config"
)

// ParseTrainingConfig parses a training_config.yaml document into
// section -> key -> value strings. Unset keys are left out.
func ParseTrainingConfig(trainingConfigStr string) (map[string]map[string]string, error) {
	var trainingConfigWrapper config.Config
	if err := yaml.Unmarshal([]byte(trainingConfigStr), &trainingConfigWrapper); err != nil {
		return nil, err
	}

	result := make(map[string]map[string]string)

	trainingConfigVal := reflect.ValueOf(trainingConfigWrapper.TrainingConfig)
	for i := 0; i < trainingConfigVal.NumField(); i++ {
		field := trainingConfigVal.Field(i)
		if field.IsNil() {
			continue
		}

		sectionName := yamlName(trainingConfigVal.Type().Field(i))
		sectionMap := make(map[string]string)

		section := field.Elem()
		for j := 0; j < section.NumField(); j++ {
			value, ok := formatValue(section.Field(j))
			if !ok {
				continue
			}
			sectionMap[yamlName(section.Type().Field(j))] = value
		}

		if len(sectionMap) > 0 {
			result[sectionName] = sectionMap
		}
	}
	return result, nil
}

func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

// formatValue renders a config value as a command line value. Lists are
// comma separated.
func formatValue(v reflect.Value) (string, bool) {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "", false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Slice:
		parts := make([]string, v.Len())
		for i := range parts {
			parts[i] = fmt.Sprint(v.Index(i).Interface())
		}
		return strings.Join(parts, ","), true
	case reflect.String:
		return v.String(), v.String() != ""
	default:
		return fmt.Sprint(v.Interface()), true
	}
}

func AddPrefixesToConfigMap(configMap map[string]map[string]string) (map[string]string, error) {
	prefixedConfigMap := make(map[string]string)
	for section, params := range configMap {
		prefix, err := GetCmdPrefixForSection(section)
		if err != nil {
			return nil, err
		}
		for param, value := range params {
			prefixedKey := fmt.Sprintf("%s_%s", prefix, param)
			prefixedConfigMap[prefixedKey] = value
		}
	}
	return prefixedConfigMap, nil
}

func GetCmdPrefixForSection(section string) (string, error) {
	prefixMap := map[string]string{
		"ModelConfig":        "MC",
		"QuantizationConfig": "QC",
		"LoraConfig":         "ELC",
		"TrainingArguments":  "TA",
		"DataCollator":       "EDC",
		"DatasetConfig":      "DC",
	}

	if prefix, ok := prefixMap[section]; ok {
		return prefix, nil
	}
	return "", fmt.Errorf("prefix for section '%s' not found", section)
}

// TrainingConfigArgs flattens cfg into the prefixed trainer flags, for
// trainers that take their configuration on the command line.
func TrainingConfigArgs(cfg *config.TrainingConfig) (map[string]string, error) {
	data, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}
	sections, err := ParseTrainingConfig(string(data))
	if err != nil {
		return nil, err
	}
	return AddPrefixesToConfigMap(sections)
}
