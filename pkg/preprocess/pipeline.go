// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package preprocess turns dataset records into token ids, attention masks and
// loss labels.
package preprocess

import (
	"encoding/json"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/kaito-project/finetune/pkg/cache"
	"github.com/kaito-project/finetune/pkg/prompt"
	"github.com/kaito-project/finetune/pkg/tokenizer"
	"github.com/kaito-project/finetune/pkg/utils"
)

type Options struct {
	Prompter  *prompt.Prompter
	Tokenizer tokenizer.Tokenizer
	// Special must carry the end-of-sequence id.
	Special       *tokenizer.SpecialTokens
	MaxLength     int
	TrainOnInputs bool

	// Optional.
	Cache cache.ExampleStore
	// CacheSalt identifies the tokenizer, e.g. a hash of tokenizer.json.
	CacheSalt string
	Observer  Observer
}

// Pipeline is safe for concurrent use; BuildExample holds no mutable state.
type Pipeline struct {
	prompter      *prompt.Prompter
	tok           tokenizer.Tokenizer
	eosTokenID    int
	maxLength     int
	trainOnInputs bool

	cache     cache.ExampleStore
	cacheSalt string
	// templateHash keys cached examples to the template text, not its name.
	templateHash string
	observer     Observer
}

func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Prompter == nil {
		return nil, utils.NewConfigurationError("prompt_template_name", "no prompt template configured")
	}
	if opts.Tokenizer == nil {
		return nil, utils.NewConfigurationError("base_model", "no tokenizer configured")
	}
	if opts.Special == nil {
		return nil, utils.NewConfigurationError("eos_token", "tokenizer has no end-of-sequence token")
	}
	if opts.MaxLength <= 0 {
		return nil, utils.NewConfigurationError("cutoff_len", "must be positive, got %d", opts.MaxLength)
	}
	return &Pipeline{
		prompter:      opts.Prompter,
		tok:           opts.Tokenizer,
		eosTokenID:    opts.Special.EOS,
		maxLength:     opts.MaxLength,
		trainOnInputs: opts.TrainOnInputs,
		cache:         opts.Cache,
		cacheSalt:     opts.CacheSalt,
		templateHash:  opts.Prompter.Fingerprint(),
		observer:      opts.Observer,
	}, nil
}

type tokenized struct {
	ids         []int
	mask        []int
	truncated   bool
	eosAppended bool
}

// tokenize truncates to maxLength and, when addEOS is set, terminates every
// sequence that was not cut short.
func (p *Pipeline) tokenize(text string, addEOS bool) (*tokenized, error) {
	enc, err := p.tok.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize prompt: %w", err)
	}
	if len(enc.AttentionMask) != len(enc.IDs) {
		return nil, fmt.Errorf("tokenizer returned %d ids but %d mask entries", len(enc.IDs), len(enc.AttentionMask))
	}
	res := &tokenized{ids: enc.IDs, mask: enc.AttentionMask}
	if len(res.ids) > p.maxLength {
		res.ids = res.ids[:p.maxLength]
		res.mask = res.mask[:p.maxLength]
		res.truncated = true
	}
	// Copy before appending so the tokenizer's buffers are never shared.
	res.ids = append(make([]int, 0, len(res.ids)+1), res.ids...)
	res.mask = append(make([]int, 0, len(res.mask)+1), res.mask...)

	if addEOS && len(res.ids) < p.maxLength && (len(res.ids) == 0 || res.ids[len(res.ids)-1] != p.eosTokenID) {
		res.ids = append(res.ids, p.eosTokenID)
		res.mask = append(res.mask, 1)
		res.eosAppended = true
	}
	return res, nil
}

// BuildExample renders, tokenizes and masks one record. Errors are returned,
// never swallowed, so the caller aborts on the first bad record.
func (p *Pipeline) BuildExample(rec Record) (*TokenizedExample, error) {
	ex, _, err := p.BuildExampleWithStats(rec)
	return ex, err
}

func (p *Pipeline) BuildExampleWithStats(rec Record) (*TokenizedExample, ExampleStats, error) {
	var key cache.Key
	cached := p.cache != nil
	if cached {
		var err error
		if key, err = p.cacheKey(rec); err != nil {
			klog.ErrorS(err, "Bypassing token cache")
			cached = false
		} else if ex, stats, ok := p.lookup(key); ok {
			p.observe(stats)
			return ex, stats, nil
		}
	}

	ex, stats, err := p.build(rec)
	if err != nil {
		return nil, ExampleStats{}, err
	}

	if cached {
		p.store(key, ex, stats)
	}
	p.observe(stats)
	return ex, stats, nil
}

func (p *Pipeline) build(rec Record) (*TokenizedExample, ExampleStats, error) {
	fullPrompt := p.prompter.GeneratePrompt(rec.Instruction, rec.Input, rec.Output)
	full, err := p.tokenize(fullPrompt, true)
	if err != nil {
		return nil, ExampleStats{}, err
	}

	labels := make([]int, len(full.ids))
	copy(labels, full.ids)

	stats := ExampleStats{
		Length:      len(full.ids),
		Truncated:   full.truncated,
		EOSAppended: full.eosAppended,
	}

	if !p.trainOnInputs {
		userPrompt := p.prompter.GeneratePrompt(rec.Instruction, rec.Input, "")
		user, err := p.tokenize(userPrompt, false)
		if err != nil {
			return nil, ExampleStats{}, err
		}
		userPromptLen := len(user.ids)
		if userPromptLen > len(labels) {
			userPromptLen = len(labels)
		}
		for i := 0; i < userPromptLen; i++ {
			labels[i] = IgnoreIndex
		}
		stats.MaskedPrefix = userPromptLen
		stats.FullyMasked = userPromptLen == len(labels)
	}

	return &TokenizedExample{
		InputIDs:      full.ids,
		AttentionMask: full.mask,
		Labels:        labels,
	}, stats, nil
}

func (p *Pipeline) observe(stats ExampleStats) {
	if p.observer != nil {
		p.observer.ObserveExample(stats)
	}
}

type cacheEntry struct {
	Example *TokenizedExample `json:"example"`
	Stats   ExampleStats      `json:"stats"`
}

func (p *Pipeline) cacheKey(rec Record) (cache.Key, error) {
	return cache.NewKey(struct {
		Salt          string `json:"salt"`
		Template      string `json:"template"`
		TemplateHash  string `json:"template_hash"`
		MaxLength     int    `json:"max_length"`
		TrainOnInputs bool   `json:"train_on_inputs"`
		EOS           int    `json:"eos"`
		Record        Record `json:"record"`
	}{p.cacheSalt, p.prompter.TemplateName(), p.templateHash, p.maxLength, p.trainOnInputs, p.eosTokenID, rec})
}

func (p *Pipeline) lookup(key cache.Key) (*TokenizedExample, ExampleStats, bool) {
	data, err := p.cache.Get(key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			klog.ErrorS(err, "Token cache read failed", "key", key)
		}
		return nil, ExampleStats{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Example == nil {
		klog.V(2).InfoS("Evicting unreadable cache entry", "key", key)
		if err := p.cache.Evict(key); err != nil {
			klog.ErrorS(err, "Token cache eviction failed", "key", key)
		}
		return nil, ExampleStats{}, false
	}
	return entry.Example, entry.Stats, true
}

func (p *Pipeline) store(key cache.Key, ex *TokenizedExample, stats ExampleStats) {
	data, err := json.Marshal(cacheEntry{Example: ex, Stats: stats})
	if err != nil {
		klog.ErrorS(err, "Failed to encode cache entry", "key", key)
		return
	}
	if err := p.cache.Put(key, data); err != nil {
		klog.ErrorS(err, "Token cache write failed", "key", key)
	}
}
