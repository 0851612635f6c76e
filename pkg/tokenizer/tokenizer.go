// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package tokenizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/kaito-project/finetune/pkg/utils"
)

// Encoding is the output of tokenizing a single text without padding.
type Encoding struct {
	IDs           []int
	AttentionMask []int
}

// Tokenizer is the subset of a Hugging Face tokenizer the preprocessing
// pipeline needs.
type Tokenizer interface {
	// Encode tokenizes text, adding the model's special tokens, without
	// truncation or padding.
	Encode(text string) (*Encoding, error)
	TokenToID(token string) (int, bool)
}

// FileTokenizer is a Tokenizer loaded from a checkpoint file. The fingerprint
// identifies the file contents.
type FileTokenizer interface {
	Tokenizer
	Fingerprint() string
}

// Load opens the tokenizer file of a checkpoint with the matching backend.
func Load(files *ModelFiles) (FileTokenizer, error) {
	switch files.TokenizerFormat {
	case FormatTiktoken:
		t, err := NewTiktokenTokenizer(files.TokenizerFile)
		if err != nil {
			return nil, err
		}
		return t, nil
	case FormatHuggingFace, "":
		t, err := NewHFTokenizer(files.TokenizerFile)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, utils.NewConfigurationError("base_model", "unsupported tokenizer format %q", files.TokenizerFormat)
}

// HFTokenizer is backed by a tokenizer.json file.
type HFTokenizer struct {
	t           *tk.Tokenizer
	fingerprint string
}

func NewHFTokenizer(tokenizerFile string) (*HFTokenizer, error) {
	data, err := os.ReadFile(tokenizerFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer file: %w", err)
	}
	t, err := pretrained.FromFile(tokenizerFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from %s: %w", tokenizerFile, err)
	}
	sum := sha256.Sum256(data)
	return &HFTokenizer{t: t, fingerprint: hex.EncodeToString(sum[:])}, nil
}

func (h *HFTokenizer) Encode(text string) (*Encoding, error) {
	en, err := h.t.EncodeSingle(text, true)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(en.Ids))
	copy(ids, en.Ids)
	mask := make([]int, len(ids))
	for i := range mask {
		if i < len(en.AttentionMask) {
			mask[i] = en.AttentionMask[i]
		} else {
			mask[i] = 1
		}
	}
	return &Encoding{IDs: ids, AttentionMask: mask}, nil
}

func (h *HFTokenizer) TokenToID(token string) (int, bool) {
	return h.t.TokenToId(token)
}

// Fingerprint identifies the tokenizer.json contents.
func (h *HFTokenizer) Fingerprint() string {
	return h.fingerprint
}
