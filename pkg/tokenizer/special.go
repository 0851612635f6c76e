// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package tokenizer

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/utils"
)

// SpecialTokens are the resolved ids the pipeline and the collator need.
type SpecialTokens struct {
	EOS int
	Pad int
}

func lookupToken(tok Tokenizer, token SpecialToken) (int, error) {
	id, ok := tok.TokenToID(string(token))
	if !ok {
		return 0, fmt.Errorf("%q: %w", token, errNoToken)
	}
	return id, nil
}

// ResolveSpecialTokens derives the eos and pad ids for a checkpoint. A missing
// pad token is filled in according to the model family's strategy.
func ResolveSpecialTokens(tok Tokenizer, files *ModelFiles, preset *model.PresetParam) (*SpecialTokens, error) {
	var eos, pad *int
	set := func(dst **int, id int) {
		v := id
		*dst = &v
	}

	if cfg := files.TokenizerConfig; cfg != nil {
		if cfg.EOSToken != "" {
			id, err := lookupToken(tok, cfg.EOSToken)
			if err != nil {
				return nil, utils.NewConfigurationError("eos_token", "%v", err)
			}
			set(&eos, id)
		}
		if cfg.PadToken != "" {
			id, err := lookupToken(tok, cfg.PadToken)
			if err != nil {
				return nil, utils.NewConfigurationError("pad_token", "%v", err)
			}
			set(&pad, id)
		}
	}
	if cfg := files.ModelConfig; cfg != nil {
		if eos == nil && cfg.EOSTokenID.Set {
			set(&eos, cfg.EOSTokenID.ID)
		}
		if pad == nil && cfg.PadTokenID.Set {
			set(&pad, cfg.PadTokenID.ID)
		}
	}

	if pad == nil && preset != nil {
		switch preset.PadToken {
		case model.PadWithEOD:
			id, ok := tok.TokenToID(preset.EODToken)
			if !ok {
				return nil, utils.NewConfigurationError("pad_token", "%s end-of-document token %q not in vocabulary",
					preset.ModelFamilyName, preset.EODToken)
			}
			// the end of document is also the end of the sentence
			set(&pad, id)
			set(&eos, id)
		case model.PadWithUnk:
			unk := SpecialToken(preset.UnkToken)
			if files.TokenizerConfig != nil && files.TokenizerConfig.UnkToken != "" {
				unk = files.TokenizerConfig.UnkToken
			}
			if id, err := lookupToken(tok, unk); err == nil {
				set(&pad, id)
			}
		}
		if pad != nil {
			klog.V(1).InfoS("Derived pad token", "family", preset.ModelFamilyName, "strategy", preset.PadToken, "padTokenID", *pad)
		}
	}
	if pad == nil && eos != nil {
		set(&pad, *eos)
	}

	if eos == nil {
		return nil, utils.NewConfigurationError("eos_token", "tokenizer %s defines no end-of-sequence token", files.TokenizerFile)
	}
	if pad == nil {
		return nil, utils.NewConfigurationError("pad_token", "no pad token can be derived for tokenizer %s", files.TokenizerFile)
	}
	return &SpecialTokens{EOS: *eos, Pad: *pad}, nil
}
