// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/kaito-project/finetune/pkg/preprocess"
)

const (
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl"

	parquetBatchRows = 1024
)

// ExampleSchema is the column layout shared by every parquet split.
var ExampleSchema = arrow.NewSchema([]arrow.Field{
	{Name: "input_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "attention_mask", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "labels", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
}, nil)

// FileName returns the split file name for a format, e.g. "train.parquet".
func FileName(split, format string) string {
	return split + "." + format
}

// Write stores examples in path using the given format.
func Write(path, format string, examples []*preprocess.TokenizedExample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	switch format {
	case FormatParquet:
		return WriteParquet(path, examples)
	case FormatJSONL:
		return WriteJSONL(path, examples)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func appendInts(b *array.ListBuilder, values []int) {
	b.Append(true)
	vb := b.ValueBuilder().(*array.Int64Builder)
	vb.Reserve(len(values))
	for _, v := range values {
		vb.UnsafeAppend(int64(v))
	}
}

// WriteParquet writes examples as a snappy compressed parquet file with one
// list<int64> column per field.
func WriteParquet(path string, examples []*preprocess.TokenizedExample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	w, err := pqarrow.NewFileWriter(ExampleSchema, f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, ExampleSchema)
	defer b.Release()

	for start := 0; start < len(examples); start += parquetBatchRows {
		end := min(start+parquetBatchRows, len(examples))
		for _, ex := range examples[start:end] {
			appendInts(b.Field(0).(*array.ListBuilder), ex.InputIDs)
			appendInts(b.Field(1).(*array.ListBuilder), ex.AttentionMask)
			appendInts(b.Field(2).(*array.ListBuilder), ex.Labels)
		}
		rec := b.NewRecord()
		err := w.Write(rec)
		rec.Release()
		if err != nil {
			w.Close()
			return fmt.Errorf("failed to write parquet batch: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// WriteJSONL writes one JSON object per line.
func WriteJSONL(path string, examples []*preprocess.TokenizedExample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for i, ex := range examples {
		if err := enc.Encode(ex); err != nil {
			return fmt.Errorf("failed to encode example %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// ReadJSONL reads examples written by WriteJSONL.
func ReadJSONL(path string) ([]*preprocess.TokenizedExample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*preprocess.TokenizedExample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		ex := &preprocess.TokenizedExample{}
		if err := json.Unmarshal(scanner.Bytes(), ex); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, ex)
	}
	return out, scanner.Err()
}
