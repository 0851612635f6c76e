// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	tk "github.com/sugarme/tokenizer"
	"k8s.io/klog/v2"

	"github.com/kaito-project/finetune/pkg/utils"
)

const (
	TokenizerFile       = "tokenizer.json"
	TiktokenFile        = "qwen.tiktoken"
	SentencePieceFile   = "tokenizer.model"
	TokenizerConfigFile = "tokenizer_config.json"
	ModelConfigFile     = "config.json"
)

// TokenizerFormat tells which backend reads ModelFiles.TokenizerFile.
type TokenizerFormat string

const (
	FormatHuggingFace TokenizerFormat = "huggingface"
	FormatTiktoken    TokenizerFormat = "tiktoken"
)

// SpecialToken accepts both the plain string and the AddedToken object form
// used by tokenizer_config.json.
type SpecialToken string

func (s *SpecialToken) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = SpecialToken(str)
		return nil
	}
	var added struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &added); err != nil {
		return fmt.Errorf("special token must be a string or an object with content: %w", err)
	}
	*s = SpecialToken(added.Content)
	return nil
}

// TokenID accepts an integer, a list of integers (first one wins) or null.
type TokenID struct {
	ID  int
	Set bool
}

func (t *TokenID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = TokenID{}
		return nil
	}
	var id int
	if err := json.Unmarshal(data, &id); err == nil {
		*t = TokenID{ID: id, Set: true}
		return nil
	}
	var ids []int
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("token id must be an integer or a list of integers: %w", err)
	}
	if len(ids) == 0 {
		*t = TokenID{}
		return nil
	}
	*t = TokenID{ID: ids[0], Set: true}
	return nil
}

type TokenizerConfig struct {
	EOSToken SpecialToken `json:"eos_token"`
	PadToken SpecialToken `json:"pad_token"`
	UnkToken SpecialToken `json:"unk_token"`
	BOSToken SpecialToken `json:"bos_token"`
}

type ModelConfig struct {
	Architectures []string `json:"architectures"`
	ModelType     string   `json:"model_type"`
	EOSTokenID    TokenID  `json:"eos_token_id"`
	PadTokenID    TokenID  `json:"pad_token_id"`
}

// Architecture returns architectures[0] or the model type.
func (m *ModelConfig) Architecture() string {
	if m == nil {
		return ""
	}
	if len(m.Architectures) > 0 {
		return m.Architectures[0]
	}
	return m.ModelType
}

// ModelFiles are the tokenizer and config files of a base model checkpoint.
// The two config files are optional.
type ModelFiles struct {
	TokenizerFile   string
	TokenizerFormat TokenizerFormat
	TokenizerConfig *TokenizerConfig
	ModelConfig     *ModelConfig
}

// fetchFunc resolves a file of a hub model into a local path.
type fetchFunc func(model, file string) (string, error)

// LoadModelFiles resolves baseModel either as a local checkpoint directory or
// as a Hugging Face hub id, downloaded through the tokenizer cache.
func LoadModelFiles(baseModel string) (*ModelFiles, error) {
	return loadModelFiles(baseModel, tk.CachedPath)
}

func loadModelFiles(baseModel string, fetch fetchFunc) (*ModelFiles, error) {
	if baseModel == "" {
		return nil, utils.NewConfigurationError("base_model", "please specify a base model")
	}

	resolve := func(file string) (string, error) {
		return fetch(baseModel, file)
	}
	if fi, err := os.Stat(baseModel); err == nil && fi.IsDir() {
		resolve = func(file string) (string, error) {
			p := filepath.Join(baseModel, file)
			if _, err := os.Stat(p); err != nil {
				return "", err
			}
			return p, nil
		}
	}

	files, err := resolveTokenizer(baseModel, resolve)
	if err != nil {
		return nil, err
	}

	if p, err := resolve(TokenizerConfigFile); err == nil {
		files.TokenizerConfig = &TokenizerConfig{}
		if err := readJSON(p, files.TokenizerConfig); err != nil {
			return nil, err
		}
	} else {
		klog.V(2).InfoS("Tokenizer config not found", "model", baseModel, "err", err)
	}

	if p, err := resolve(ModelConfigFile); err == nil {
		files.ModelConfig = &ModelConfig{}
		if err := readJSON(p, files.ModelConfig); err != nil {
			return nil, err
		}
	} else {
		klog.V(2).InfoS("Model config not found", "model", baseModel, "err", err)
	}
	return files, nil
}

// resolveTokenizer prefers tokenizer.json and falls back to qwen.tiktoken.
// Checkpoints that only carry a sentencepiece tokenizer.model are rejected.
func resolveTokenizer(baseModel string, resolve func(file string) (string, error)) (*ModelFiles, error) {
	p, err := resolve(TokenizerFile)
	if err == nil {
		return &ModelFiles{TokenizerFile: p, TokenizerFormat: FormatHuggingFace}, nil
	}
	klog.V(2).InfoS("Tokenizer file not found", "model", baseModel, "file", TokenizerFile, "err", err)

	if p, tkErr := resolve(TiktokenFile); tkErr == nil {
		return &ModelFiles{TokenizerFile: p, TokenizerFormat: FormatTiktoken}, nil
	}
	if _, spErr := resolve(SentencePieceFile); spErr == nil {
		return nil, utils.NewConfigurationError("base_model",
			"%s has no %s, only a sentencepiece %s which is not supported; export a %s with the transformers fast tokenizer",
			baseModel, TokenizerFile, SentencePieceFile, TokenizerFile)
	}
	return nil, utils.NewConfigurationError("base_model", "%s has neither %s nor %s: %v", baseModel, TokenizerFile, TiktokenFile, err)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

var errNoToken = errors.New("token not in vocabulary")
