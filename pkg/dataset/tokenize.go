// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package dataset

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/iter"
	"k8s.io/klog/v2"

	"github.com/kaito-project/finetune/pkg/preprocess"
)

// Builder turns one record into a tokenized example.
type Builder interface {
	BuildExampleWithStats(rec preprocess.Record) (*preprocess.TokenizedExample, preprocess.ExampleStats, error)
}

// Dropper is told how many examples were filtered out, and why.
type Dropper interface {
	ObserveDropped(reason string, n int)
}

const DropReasonFullyMasked = "fully_masked"

type TokenizeOptions struct {
	// Workers bounds the number of concurrent builds. Zero means GOMAXPROCS.
	Workers         int
	DropFullyMasked bool
	Dropper         Dropper
}

type Summary struct {
	Total       int
	Kept        int
	FullyMasked int
	Truncated   int
}

type indexedRecord struct {
	index int
	rec   preprocess.Record
}

type built struct {
	example *preprocess.TokenizedExample
	stats   preprocess.ExampleStats
}

// Tokenize builds every record in parallel, preserving input order. The first
// failing record aborts the whole run and records not yet started are skipped.
func Tokenize(ctx context.Context, b Builder, records []preprocess.Record, opts TokenizeOptions) ([]*preprocess.TokenizedExample, Summary, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	input := make([]indexedRecord, len(records))
	for i := range records {
		input[i] = indexedRecord{index: i, rec: records[i]}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		once     sync.Once
		firstErr error
	)
	mapper := iter.Mapper[indexedRecord, built]{MaxGoroutines: workers}
	results := mapper.Map(input, func(in *indexedRecord) built {
		if runCtx.Err() != nil {
			return built{}
		}
		ex, stats, err := b.BuildExampleWithStats(in.rec)
		if err != nil {
			once.Do(func() {
				firstErr = fmt.Errorf("record %d: %w", in.index, err)
				cancel()
			})
			return built{}
		}
		return built{example: ex, stats: stats}
	})
	if firstErr != nil {
		return nil, Summary{}, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, Summary{}, err
	}

	summary := Summary{Total: len(results)}
	out := make([]*preprocess.TokenizedExample, 0, len(results))
	for _, r := range results {
		if r.stats.Truncated {
			summary.Truncated++
		}
		if r.stats.FullyMasked {
			summary.FullyMasked++
			if opts.DropFullyMasked {
				continue
			}
		}
		out = append(out, r.example)
	}
	summary.Kept = len(out)

	if opts.DropFullyMasked && summary.FullyMasked > 0 {
		klog.InfoS("Dropped fully masked examples", "count", summary.FullyMasked, "total", summary.Total)
		if opts.Dropper != nil {
			opts.Dropper.ObserveDropped(DropReasonFullyMasked, summary.FullyMasked)
		}
	} else if summary.FullyMasked > 0 {
		klog.InfoS("Dataset contains fully masked examples", "count", summary.FullyMasked, "total", summary.Total)
	}
	return out, summary, nil
}
