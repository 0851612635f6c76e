// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package preprocess

import "github.com/kaito-project/finetune/pkg/utils/consts"

// IgnoreIndex marks label positions excluded from the loss. It is negative,
// so it can never be a token id.
const IgnoreIndex = consts.IgnoreIndex

// Record is one dataset row. Input and Output may be empty.
type Record struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// TokenizedExample is what the trainer's collator consumes. The three slices
// always have the same length, and Labels equals InputIDs wherever it is not
// IgnoreIndex.
type TokenizedExample struct {
	InputIDs      []int `json:"input_ids"`
	AttentionMask []int `json:"attention_mask"`
	Labels        []int `json:"labels"`
}

// Len returns the sequence length.
func (e *TokenizedExample) Len() int {
	return len(e.InputIDs)
}

// FullyMasked reports whether no position contributes to the loss.
func (e *TokenizedExample) FullyMasked() bool {
	for _, l := range e.Labels {
		if l != IgnoreIndex {
			return false
		}
	}
	return true
}

// ExampleStats describes how a record was turned into an example.
type ExampleStats struct {
	Length       int  `json:"length"`
	MaskedPrefix int  `json:"masked_prefix"`
	Truncated    bool `json:"truncated"`
	EOSAppended  bool `json:"eos_appended"`
	FullyMasked  bool `json:"fully_masked"`
}

// Observer receives the stats of every built example. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveExample(stats ExampleStats)
}
