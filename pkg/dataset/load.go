// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package dataset loads instruction records, splits them, runs the tokenize
// pipeline over them and writes the results for the trainer.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"github.com/kaito-project/finetune/pkg/preprocess"
)

const maxLineSize = 64 * 1024 * 1024

// Load reads records from a .json file (a JSON array or JSON lines), a .jsonl
// file, or every such file in a directory, in file name order.
func Load(path string) ([]preprocess.Record, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat data path: %w", err)
	}
	if !fi.IsDir() {
		return loadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".jsonl":
			files = append(files, filepath.Join(path, entry.Name()))
		default:
			klog.V(1).InfoS("Skipping non-JSON data file", "file", entry.Name())
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no .json or .jsonl files in %s", path)
	}
	klog.InfoS("Data includes", "files", files)

	var records []preprocess.Record
	for _, file := range files {
		recs, err := loadFile(file)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func loadFile(path string) ([]preprocess.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	first, err := firstNonSpace(r)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if first == '[' {
		var records []preprocess.Record
		if err := json.NewDecoder(r).Decode(&records); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return records, nil
	}
	return decodeLines(path, r)
}

func firstNonSpace(r *bufio.Reader) (byte, error) {
	for i := 1; ; i++ {
		peek, err := r.Peek(i)
		if len(peek) < i {
			return 0, err
		}
		c := peek[i-1]
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			return c, nil
		}
		if i >= r.Size() {
			// leading whitespace longer than the buffer; drop it
			if _, err := r.Discard(i); err != nil {
				return 0, err
			}
			i = 0
		}
	}
}

func decodeLines(path string, r io.Reader) ([]preprocess.Record, error) {
	var records []preprocess.Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec preprocess.Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return records, nil
}
