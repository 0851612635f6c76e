// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package preprocess

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaito-project/finetune/pkg/cache"
	"github.com/kaito-project/finetune/pkg/prompt"
	"github.com/kaito-project/finetune/pkg/tokenizer"
	"github.com/kaito-project/finetune/pkg/utils"
	"github.com/kaito-project/finetune/pkg/utils/test"
)

func newPrompter(t *testing.T, name string) *prompt.Prompter {
	reg, err := prompt.DefaultRegistry()
	require.NoError(t, err)
	p, err := prompt.NewPrompter(reg, name)
	require.NoError(t, err)
	return p
}

func newPipeline(t *testing.T, tok tokenizer.Tokenizer, maxLength int, trainOnInputs bool) *Pipeline {
	p, err := NewPipeline(Options{
		Prompter:      newPrompter(t, "alpaca"),
		Tokenizer:     tok,
		Special:       test.Special(),
		MaxLength:     maxLength,
		TrainOnInputs: trainOnInputs,
	})
	require.NoError(t, err)
	return p
}

func encodeLen(t *testing.T, tok tokenizer.Tokenizer, text string) int {
	enc, err := tok.Encode(text)
	require.NoError(t, err)
	return len(enc.IDs)
}

func TestBuildExampleSummarizeScenario(t *testing.T) {
	tok := test.NewWordTokenizer()
	p := newPipeline(t, tok, 50, false)

	ex, err := p.BuildExample(Record{Instruction: "Summarize", Input: "", Output: "OK"})
	require.NoError(t, err)

	userPrompt, err := prompt.Render("Summarize", "", "", "alpaca")
	require.NoError(t, err)
	userLen := encodeLen(t, tok, userPrompt)

	require.Equal(t, userLen+2, ex.Len(), "prompt tokens + OK + eos")
	assert.Equal(t, test.EOSTokenID, ex.InputIDs[ex.Len()-1])
	assert.Equal(t, 1, ex.AttentionMask[ex.Len()-1])
	assert.Equal(t, test.WordID("OK"), ex.InputIDs[userLen])
	for i := 0; i < userLen; i++ {
		assert.Equal(t, IgnoreIndex, ex.Labels[i], "position %d", i)
	}
	assert.Equal(t, ex.InputIDs[userLen:], ex.Labels[userLen:])
}

func TestBuildExampleTrainOnInputs(t *testing.T) {
	p := newPipeline(t, test.NewWordTokenizer(), 512, true)

	ex, err := p.BuildExample(Record{Instruction: "Translate", Input: "bonjour le monde", Output: "hello world"})
	require.NoError(t, err)
	assert.Equal(t, ex.InputIDs, ex.Labels)
	assert.False(t, ex.FullyMasked())
}

func TestBuildExampleProperties(t *testing.T) {
	records := []Record{
		{Instruction: "Summarize", Output: "OK"},
		{Instruction: "Translate", Input: "bonjour le monde", Output: "hello world"},
		{Instruction: "Answer", Input: "what is two plus two", Output: ""},
		{Instruction: "Write a long story", Output: "once upon a time there was a very long story that kept going and going and going"},
	}

	for _, maxLength := range []int{1, 8, 20, 30, 64, 512} {
		for _, trainOnInputs := range []bool{true, false} {
			for i, rec := range records {
				name := fmt.Sprintf("max=%d/train_on_inputs=%t/record=%d", maxLength, trainOnInputs, i)
				t.Run(name, func(t *testing.T) {
					tok := test.NewWordTokenizer()
					p := newPipeline(t, tok, maxLength, trainOnInputs)
					ex, err := p.BuildExample(rec)
					require.NoError(t, err)

					require.Len(t, ex.AttentionMask, ex.Len())
					require.Len(t, ex.Labels, ex.Len())
					assert.LessOrEqual(t, ex.Len(), maxLength)

					fullPrompt, err := prompt.Render(rec.Instruction, rec.Input, rec.Output, "alpaca")
					require.NoError(t, err)
					untruncated := encodeLen(t, tok, fullPrompt)
					if untruncated < maxLength {
						assert.Equal(t, test.EOSTokenID, ex.InputIDs[ex.Len()-1])
						assert.Equal(t, 1, ex.AttentionMask[ex.Len()-1])
						assert.Equal(t, untruncated+1, ex.Len())
					} else {
						assert.Equal(t, maxLength, ex.Len())
					}

					if trainOnInputs {
						assert.Equal(t, ex.InputIDs, ex.Labels)
						return
					}
					userPrompt, err := prompt.Render(rec.Instruction, rec.Input, "", "alpaca")
					require.NoError(t, err)
					userLen := encodeLen(t, tok, userPrompt)
					if userLen > maxLength {
						userLen = maxLength
					}
					for i := 0; i < ex.Len(); i++ {
						if i < userLen {
							assert.Equal(t, IgnoreIndex, ex.Labels[i])
						} else {
							assert.Equal(t, ex.InputIDs[i], ex.Labels[i])
						}
					}
				})
			}
		}
	}
}

func TestBuildExampleTruncatedBeforeOutputIsFullyMasked(t *testing.T) {
	obs := &recordingObserver{}
	p, err := NewPipeline(Options{
		Prompter:  newPrompter(t, "alpaca"),
		Tokenizer: test.NewWordTokenizer(),
		Special:   test.Special(),
		MaxLength: 10,
		Observer:  obs,
	})
	require.NoError(t, err)

	ex, err := p.BuildExample(Record{Instruction: "Summarize", Output: "OK"})
	require.NoError(t, err)
	assert.Equal(t, 10, ex.Len())
	assert.NotEqual(t, test.EOSTokenID, ex.InputIDs[9])
	assert.True(t, ex.FullyMasked())

	require.Len(t, obs.stats, 1)
	assert.Equal(t, ExampleStats{Length: 10, MaskedPrefix: 10, Truncated: true, FullyMasked: true}, obs.stats[0])
}

func TestBuildExampleDoesNotDuplicateEOS(t *testing.T) {
	tok := &test.WordTokenizer{AddBOS: true, AppendEOS: true}
	p := newPipeline(t, tok, 512, false)

	ex, err := p.BuildExample(Record{Instruction: "Summarize", Output: "OK"})
	require.NoError(t, err)
	assert.Equal(t, test.EOSTokenID, ex.InputIDs[ex.Len()-1])
	assert.NotEqual(t, test.EOSTokenID, ex.InputIDs[ex.Len()-2])
}

func TestTokenizeEmptySequenceGetsEOS(t *testing.T) {
	p := newPipeline(t, &test.WordTokenizer{}, 4, false)

	res, err := p.tokenize("   ", true)
	require.NoError(t, err)
	assert.Equal(t, []int{test.EOSTokenID}, res.ids)
	assert.Equal(t, []int{1}, res.mask)

	res, err = p.tokenize("   ", false)
	require.NoError(t, err)
	assert.Empty(t, res.ids)
}

func TestBuildExamplePropagatesTokenizerErrors(t *testing.T) {
	tok := &test.WordTokenizer{AddBOS: true, FailOn: "boom"}
	p := newPipeline(t, tok, 64, false)

	_, err := p.BuildExample(Record{Instruction: "Summarize", Output: "boom"})
	assert.ErrorIs(t, err, test.ErrTokenize)
}

func TestNewPipelineConfigurationErrors(t *testing.T) {
	prompter := newPrompter(t, "alpaca")
	testcases := map[string]Options{
		"Missing EOS": {
			Prompter:  prompter,
			Tokenizer: test.NewWordTokenizer(),
			MaxLength: 16,
		},
		"Missing Prompter": {
			Tokenizer: test.NewWordTokenizer(),
			Special:   test.Special(),
			MaxLength: 16,
		},
		"Missing Tokenizer": {
			Prompter:  prompter,
			Special:   test.Special(),
			MaxLength: 16,
		},
		"Non Positive Max Length": {
			Prompter:  prompter,
			Tokenizer: test.NewWordTokenizer(),
			Special:   test.Special(),
		},
	}

	for name, opts := range testcases {
		t.Run(name, func(t *testing.T) {
			_, err := NewPipeline(opts)
			require.Error(t, err)
			assert.True(t, utils.IsConfigurationError(err))
		})
	}
}

func TestBuildExampleUsesCache(t *testing.T) {
	c, err := cache.Open(t.TempDir(), cache.DefaultTTL)
	require.NoError(t, err)
	defer c.Close()

	tok := test.NewWordTokenizer()
	obs := &recordingObserver{}
	p, err := NewPipeline(Options{
		Prompter:  newPrompter(t, "alpaca"),
		Tokenizer: tok,
		Special:   test.Special(),
		MaxLength: 64,
		Cache:     c,
		CacheSalt: "tokenizer-v1",
		Observer:  obs,
	})
	require.NoError(t, err)

	rec := Record{Instruction: "Summarize", Output: "OK"}
	first, err := p.BuildExample(rec)
	require.NoError(t, err)
	calls := tok.Calls()
	assert.Equal(t, int64(2), calls)

	second, err := p.BuildExample(rec)
	require.NoError(t, err)
	assert.Equal(t, calls, tok.Calls(), "second build must be served from cache")
	assert.Equal(t, first, second)
	require.Len(t, obs.stats, 2)
	assert.Equal(t, obs.stats[0], obs.stats[1])

	// A different record misses.
	_, err = p.BuildExample(Record{Instruction: "Summarize", Output: "NO"})
	require.NoError(t, err)
	assert.Equal(t, calls+2, tok.Calls())
	assert.Equal(t, cache.Stats{Hits: 1, Misses: 2}, c.Stats())
}

type memoryStore struct {
	entries map[cache.Key][]byte
	evicted []cache.Key
}

func (m *memoryStore) Get(key cache.Key) ([]byte, error) {
	v, ok := m.entries[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (m *memoryStore) Put(key cache.Key, value []byte) error {
	m.entries[key] = value
	return nil
}

func (m *memoryStore) Evict(key cache.Key) error {
	m.evicted = append(m.evicted, key)
	delete(m.entries, key)
	return nil
}

func TestBuildExampleEvictsUnreadableEntry(t *testing.T) {
	store := &memoryStore{entries: map[cache.Key][]byte{}}
	tok := test.NewWordTokenizer()
	p, err := NewPipeline(Options{
		Prompter:  newPrompter(t, "alpaca"),
		Tokenizer: tok,
		Special:   test.Special(),
		MaxLength: 64,
		Cache:     store,
	})
	require.NoError(t, err)

	rec := Record{Instruction: "Summarize", Output: "OK"}
	key, err := p.cacheKey(rec)
	require.NoError(t, err)
	store.entries[key] = []byte("not json")

	ex, err := p.BuildExample(rec)
	require.NoError(t, err)
	assert.Equal(t, []cache.Key{key}, store.evicted)
	assert.Equal(t, int64(2), tok.Calls())

	var entry cacheEntry
	require.NoError(t, json.Unmarshal(store.entries[key], &entry))
	assert.Equal(t, ex, entry.Example)
}

func customPrompter(t *testing.T, promptNoInput string) *prompt.Prompter {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(fmt.Sprintf(
		"prompt_input: \"{instruction} {input} =>\"\nprompt_no_input: %q\nresponse_split: \"=>\"\n", promptNoInput)), 0o644))
	reg, err := prompt.NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.LoadDir(dir))
	p, err := prompt.NewPrompter(reg, "custom")
	require.NoError(t, err)
	return p
}

func TestBuildExampleCacheFollowsTemplateText(t *testing.T) {
	c, err := cache.Open(t.TempDir(), cache.DefaultTTL)
	require.NoError(t, err)
	defer c.Close()

	newCachedPipeline := func(prompter *prompt.Prompter) *Pipeline {
		p, err := NewPipeline(Options{
			Prompter:  prompter,
			Tokenizer: test.NewWordTokenizer(),
			Special:   test.Special(),
			MaxLength: 64,
			Cache:     c,
			CacheSalt: "tokenizer-v1",
		})
		require.NoError(t, err)
		return p
	}
	before := newCachedPipeline(customPrompter(t, "{instruction} =>"))
	after := newCachedPipeline(customPrompter(t, "Task: {instruction} =>"))

	rec := Record{Instruction: "Summarize", Output: "OK"}
	keyOf := func(p *Pipeline) cache.Key {
		k, err := p.cacheKey(rec)
		require.NoError(t, err)
		return k
	}
	assert.NotEqual(t, keyOf(before), keyOf(after))
	assert.Equal(t, keyOf(before), keyOf(newCachedPipeline(customPrompter(t, "{instruction} =>"))))

	old, err := before.BuildExample(rec)
	require.NoError(t, err)
	edited, err := after.BuildExample(rec)
	require.NoError(t, err)
	assert.Len(t, edited.InputIDs, len(old.InputIDs)+1)
}

func TestBuildExampleConcurrent(t *testing.T) {
	p := newPipeline(t, test.NewWordTokenizer(), 128, false)
	rec := Record{Instruction: "Translate", Input: "bonjour", Output: "hello"}
	expected, err := p.BuildExample(rec)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex, err := p.BuildExample(rec)
			assert.NoError(t, err)
			assert.Equal(t, expected, ex)
		}()
	}
	wg.Wait()
}

type recordingObserver struct {
	sync.Mutex
	stats []ExampleStats
}

func (r *recordingObserver) ObserveExample(stats ExampleStats) {
	r.Lock()
	defer r.Unlock()
	r.stats = append(r.stats, stats)
}
