// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package test

import (
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"

	"github.com/kaito-project/finetune/pkg/tokenizer"
)

const (
	BOSTokenID = 1
	EOSTokenID = 2
	UnkTokenID = 0
	PadTokenID = 3
)

var ErrTokenize = errors.New("tokenizer failure")

// WordTokenizer is a deterministic whitespace tokenizer: every word maps to a
// stable id >= 10, BOS is prepended, and AppendEOS makes it add EOS itself.
// A text containing FailOn fails to encode.
type WordTokenizer struct {
	AddBOS    bool
	AppendEOS bool
	FailOn    string

	calls atomic.Int64
}

func NewWordTokenizer() *WordTokenizer {
	return &WordTokenizer{AddBOS: true}
}

func WordID(word string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(word))
	return 10 + int(h.Sum32()%50000)
}

func (w *WordTokenizer) Encode(text string) (*tokenizer.Encoding, error) {
	w.calls.Add(1)
	if w.FailOn != "" && strings.Contains(text, w.FailOn) {
		return nil, ErrTokenize
	}
	var ids []int
	if w.AddBOS {
		ids = append(ids, BOSTokenID)
	}
	for _, word := range strings.Fields(text) {
		ids = append(ids, WordID(word))
	}
	if w.AppendEOS {
		ids = append(ids, EOSTokenID)
	}
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return &tokenizer.Encoding{IDs: ids, AttentionMask: mask}, nil
}

func (w *WordTokenizer) TokenToID(token string) (int, bool) {
	switch token {
	case "<s>":
		return BOSTokenID, true
	case "</s>":
		return EOSTokenID, true
	case "<unk>":
		return UnkTokenID, true
	case "<pad>":
		return PadTokenID, true
	}
	return 0, false
}

// Calls returns how many times Encode ran.
func (w *WordTokenizer) Calls() int64 {
	return w.calls.Load()
}

func Special() *tokenizer.SpecialTokens {
	return &tokenizer.SpecialTokens{EOS: EOSTokenID, Pad: EOSTokenID}
}
