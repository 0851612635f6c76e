// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package tokenizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// qwenPattern is the pre-tokenization regex of the Qwen (v1) tokenizer.
	qwenPattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
	// qwenSpecialStart is the id of the first special token.
	qwenSpecialStart = 151643
	qwenExtraTokens  = 205
)

func qwenSpecialTokens() map[string]int {
	names := []string{"<|endoftext|>", "<|im_start|>", "<|im_end|>"}
	for i := 0; i < qwenExtraTokens; i++ {
		names = append(names, fmt.Sprintf("<|extra_%d|>", i))
	}
	special := make(map[string]int, len(names))
	for i, name := range names {
		special[name] = qwenSpecialStart + i
	}
	return special
}

// TiktokenTokenizer reads the qwen.tiktoken BPE ranks Qwen (v1) checkpoints
// ship instead of a tokenizer.json. It adds no bos or eos token.
type TiktokenTokenizer struct {
	bpe         *tiktoken.Tiktoken
	ranks       map[string]int
	special     map[string]int
	fingerprint string
}

func NewTiktokenTokenizer(tiktokenFile string) (*TiktokenTokenizer, error) {
	data, err := os.ReadFile(tiktokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer file: %w", err)
	}
	ranks, err := tiktoken.NewDefaultBpeLoader().LoadTiktokenBpe(tiktokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPE ranks from %s: %w", tiktokenFile, err)
	}
	special := qwenSpecialTokens()
	core, err := tiktoken.NewCoreBPE(ranks, special, qwenPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to build tokenizer from %s: %w", tiktokenFile, err)
	}
	specialSet := make(map[string]any, len(special))
	for name := range special {
		specialSet[name] = true
	}
	enc := &tiktoken.Encoding{
		Name:           "qwen",
		PatStr:         qwenPattern,
		MergeableRanks: ranks,
		SpecialTokens:  special,
	}
	sum := sha256.Sum256(data)
	return &TiktokenTokenizer{
		bpe:         tiktoken.NewTiktoken(core, enc, specialSet),
		ranks:       ranks,
		special:     special,
		fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// Encode lets special tokens in the text through as single ids.
func (t *TiktokenTokenizer) Encode(text string) (*Encoding, error) {
	ids := t.bpe.Encode(text, []string{"all"}, nil)
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return &Encoding{IDs: ids, AttentionMask: mask}, nil
}

func (t *TiktokenTokenizer) TokenToID(token string) (int, bool) {
	if id, ok := t.special[token]; ok {
		return id, true
	}
	id, ok := t.ranks[token]
	return id, ok
}

func (t *TiktokenTokenizer) Fingerprint() string {
	return t.fingerprint
}
