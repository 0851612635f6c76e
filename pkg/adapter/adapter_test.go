// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package adapter

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/pointer"

	"github.com/kaito-project/finetune/pkg/config"
)

func f32(values ...float32) Tensor {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return Tensor{DType: "F32", Shape: []int64{int64(len(values))}, Data: buf}
}

func modelStateDict() map[string]Tensor {
	return map[string]Tensor{
		"base_model.model.layers.0.q_proj.weight":                 f32(1, 2),
		"base_model.model.layers.0.q_proj.bias":                   f32(3),
		"base_model.model.layers.0.q_proj.lora_A.default.weight":  f32(4, 5),
		"base_model.model.layers.0.q_proj.lora_B.default.weight":  f32(6, 7),
		"base_model.model.layers.0.k_proj.bias":                   f32(8),
		"base_model.model.layers.0.v_proj.lora_A.other.weight":    f32(9),
		"base_model.model.lm_head.modules_to_save.default.weight": f32(10),
		"base_model.model.lm_head.original_module.weight":         f32(11),
	}
}

func sortedKeys(m map[string]Tensor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestFilterStateDict(t *testing.T) {
	testcases := map[string]struct {
		cfg           FilterConfig
		expectedNames []string
		expectedError bool
	}{
		"LoRA weights only": {
			cfg: FilterConfig{Bias: BiasNone},
			expectedNames: []string{
				"base_model.model.layers.0.q_proj.lora_A.weight",
				"base_model.model.layers.0.q_proj.lora_B.weight",
			},
		},
		"Empty bias mode means none": {
			cfg: FilterConfig{},
			expectedNames: []string{
				"base_model.model.layers.0.q_proj.lora_A.weight",
				"base_model.model.layers.0.q_proj.lora_B.weight",
			},
		},
		"All biases": {
			cfg: FilterConfig{Bias: BiasAll},
			expectedNames: []string{
				"base_model.model.layers.0.k_proj.bias",
				"base_model.model.layers.0.q_proj.bias",
				"base_model.model.layers.0.q_proj.lora_A.weight",
				"base_model.model.layers.0.q_proj.lora_B.weight",
			},
		},
		"Biases of adapted modules": {
			cfg: FilterConfig{Bias: BiasLoraOnly},
			expectedNames: []string{
				"base_model.model.layers.0.q_proj.bias",
				"base_model.model.layers.0.q_proj.lora_A.weight",
				"base_model.model.layers.0.q_proj.lora_B.weight",
			},
		},
		"Modules to save": {
			cfg: FilterConfig{ModulesToSave: []string{"lm_head"}},
			expectedNames: []string{
				"base_model.model.layers.0.q_proj.lora_A.weight",
				"base_model.model.layers.0.q_proj.lora_B.weight",
				"base_model.model.lm_head.weight",
			},
		},
		"Other adapter": {
			cfg: FilterConfig{AdapterName: "other"},
			expectedNames: []string{
				"base_model.model.layers.0.v_proj.lora_A.weight",
			},
		},
		"Unknown adapter": {
			cfg:           FilterConfig{AdapterName: "missing"},
			expectedError: true,
		},
		"Unknown bias mode": {
			cfg:           FilterConfig{Bias: "some"},
			expectedError: true,
		},
	}

	for k, tc := range testcases {
		t.Run(k, func(t *testing.T) {
			in := modelStateDict()
			out, err := FilterStateDict(in, tc.cfg)
			if tc.expectedError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedNames, sortedKeys(out))
			assert.Len(t, in, 8, "input must not be modified")
		})
	}
}

func TestFilterStateDictKeepsData(t *testing.T) {
	out, err := FilterStateDict(modelStateDict(), FilterConfig{})
	require.NoError(t, err)
	assert.Equal(t, f32(4, 5), out["base_model.model.layers.0.q_proj.lora_A.weight"])
}

func TestSafetensorsRoundTrip(t *testing.T) {
	sd := &StateDict{
		Tensors: map[string]Tensor{
			"a":      f32(1, 2, 3),
			"b":      {DType: "I64", Shape: []int64{2, 1}, Data: make([]byte, 16)},
			"scalar": {DType: "U8", Shape: nil, Data: []byte{7}},
		},
		Metadata: map[string]string{"format": "pt"},
	}
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, WriteSafetensors(path, sd))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	headerSize := binary.LittleEndian.Uint64(data[:8])
	assert.Zero(t, headerSize%8, "tensor data must be 8-byte aligned")

	got, err := ReadSafetensors(path)
	require.NoError(t, err)
	assert.Equal(t, sd.Metadata, got.Metadata)
	assert.Equal(t, []string{"a", "b", "scalar"}, got.Names())
	assert.Equal(t, sd.Tensors["a"], got.Tensors["a"])
	assert.Equal(t, sd.Tensors["b"], got.Tensors["b"])
	assert.Equal(t, []byte{7}, got.Tensors["scalar"].Data)
	assert.Empty(t, got.Tensors["scalar"].Shape)
}

func encodeRaw(t *testing.T, header map[string]interface{}, body []byte) []byte {
	h, err := json.Marshal(header)
	require.NoError(t, err)
	var buf bytes.Buffer
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(h)))
	buf.Write(size[:])
	buf.Write(h)
	buf.Write(body)
	return buf.Bytes()
}

func TestDecodeSafetensorsErrors(t *testing.T) {
	testcases := map[string]struct {
		data []byte
	}{
		"Too short": {
			data: []byte{1, 2},
		},
		"Header larger than file": {
			data: append([]byte{0xff, 0, 0, 0, 0, 0, 0, 0}, []byte("{}")...),
		},
		"Offsets out of range": {
			data: encodeRaw(t, map[string]interface{}{
				"x": map[string]interface{}{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 8}},
			}, make([]byte, 4)),
		},
		"Shape does not match data": {
			data: encodeRaw(t, map[string]interface{}{
				"x": map[string]interface{}{"dtype": "F32", "shape": []int{2}, "data_offsets": []int{0, 4}},
			}, make([]byte, 4)),
		},
		"Unknown dtype": {
			data: encodeRaw(t, map[string]interface{}{
				"x": map[string]interface{}{"dtype": "Q4", "shape": []int{1}, "data_offsets": []int{0, 1}},
			}, make([]byte, 1)),
		},
	}

	for k, tc := range testcases {
		t.Run(k, func(t *testing.T) {
			_, err := DecodeSafetensors(tc.data)
			assert.Error(t, err)
		})
	}
}

func TestExportAdapter(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "model.safetensors")
	require.NoError(t, WriteSafetensors(src, &StateDict{Tensors: modelStateDict()}))

	targets := []string{"q_proj", "v_proj"}
	cfg := NewAdapterConfig("decapoda-research/llama-7b-hf", &config.LoraConfig{
		R:             pointer.Int(16),
		LoraAlpha:     pointer.Int(32),
		LoraDropout:   pointer.Float64(0.05),
		Bias:          pointer.String("none"),
		TargetModules: &targets,
	})

	res, err := ExportAdapter(src, filepath.Join(dir, "adapter"), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tensors)

	weights, err := ReadSafetensors(res.WeightsFile)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"base_model.model.layers.0.q_proj.lora_A.weight",
		"base_model.model.layers.0.q_proj.lora_B.weight",
	}, weights.Names())
	assert.Equal(t, "pt", weights.Metadata["format"])

	data, err := os.ReadFile(res.ConfigFile)
	require.NoError(t, err)
	var written AdapterConfig
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, cfg, written)
	assert.Equal(t, "LORA", written.PeftType)
	assert.Equal(t, 16, written.R)
}

func TestResolveCheckpoint(t *testing.T) {
	touch := func(t *testing.T, dir string, files ...string) string {
		for _, f := range files {
			require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644))
		}
		return dir
	}

	testcases := map[string]struct {
		dir            func(t *testing.T) string
		expectedKind   CheckpointKind
		expectedFile   string
		expectedResume func(dir string) config.Resume
	}{
		"No resume requested": {
			dir:            func(t *testing.T) string { return "" },
			expectedKind:   CheckpointNone,
			expectedResume: func(string) config.Resume { return config.Resume{} },
		},
		"Full checkpoint wins": {
			dir: func(t *testing.T) string {
				return touch(t, t.TempDir(), "pytorch_model.bin", "adapter_model.bin")
			},
			expectedKind: CheckpointFull,
			expectedFile: "pytorch_model.bin",
			expectedResume: func(dir string) config.Resume {
				return config.Resume{FullCheckpoint: dir, AdapterWeights: filepath.Join(dir, "pytorch_model.bin")}
			},
		},
		"Adapter bin": {
			dir: func(t *testing.T) string {
				return touch(t, t.TempDir(), "adapter_model.bin")
			},
			expectedKind: CheckpointAdapter,
			expectedFile: "adapter_model.bin",
			expectedResume: func(dir string) config.Resume {
				return config.Resume{AdapterWeights: filepath.Join(dir, "adapter_model.bin")}
			},
		},
		"Adapter safetensors preferred over bin": {
			dir: func(t *testing.T) string {
				return touch(t, t.TempDir(), "adapter_model.bin", "adapter_model.safetensors")
			},
			expectedKind: CheckpointAdapter,
			expectedFile: "adapter_model.safetensors",
			expectedResume: func(dir string) config.Resume {
				return config.Resume{AdapterWeights: filepath.Join(dir, "adapter_model.safetensors")}
			},
		},
		"Nothing found": {
			dir:            func(t *testing.T) string { return t.TempDir() },
			expectedKind:   CheckpointNone,
			expectedResume: func(string) config.Resume { return config.Resume{} },
		},
		"Missing directory": {
			dir:            func(t *testing.T) string { return filepath.Join(t.TempDir(), "gone") },
			expectedKind:   CheckpointNone,
			expectedResume: func(string) config.Resume { return config.Resume{} },
		},
	}

	for k, tc := range testcases {
		t.Run(k, func(t *testing.T) {
			dir := tc.dir(t)
			ckpt, err := ResolveCheckpoint(dir)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedKind, ckpt.Kind)
			if tc.expectedFile != "" {
				assert.Equal(t, filepath.Join(dir, tc.expectedFile), ckpt.File)
			}
			assert.Equal(t, tc.expectedResume(dir), ckpt.Resume())
		})
	}
}
