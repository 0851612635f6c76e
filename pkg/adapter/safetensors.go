// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package adapter reads and writes safetensors state dicts and extracts the
// LoRA adapter weights from a trained model.
package adapter

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

const (
	metadataKey   = "__metadata__"
	maxHeaderSize = 100 * 1024 * 1024
)

var dtypeSizes = map[string]int{
	"BOOL": 1, "U8": 1, "I8": 1, "F8_E4M3": 1, "F8_E5M2": 1,
	"I16": 2, "U16": 2, "F16": 2, "BF16": 2,
	"I32": 4, "U32": 4, "F32": 4,
	"I64": 8, "U64": 8, "F64": 8,
}

// Tensor is a raw tensor as stored in a safetensors file.
type Tensor struct {
	DType string
	Shape []int64
	Data  []byte
}

func (t Tensor) numel() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t Tensor) validate(name string) error {
	size, ok := dtypeSizes[t.DType]
	if !ok {
		return fmt.Errorf("tensor %s: unknown dtype %q", name, t.DType)
	}
	if want := t.numel() * int64(size); want != int64(len(t.Data)) {
		return fmt.Errorf("tensor %s: shape %v of %s needs %d bytes, got %d", name, t.Shape, t.DType, want, len(t.Data))
	}
	return nil
}

// StateDict is a named set of tensors plus free form string metadata.
type StateDict struct {
	Tensors  map[string]Tensor
	Metadata map[string]string
}

// Names returns the tensor names in sorted order.
func (s *StateDict) Names() []string {
	names := make([]string, 0, len(s.Tensors))
	for name := range s.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ReadSafetensors loads a whole safetensors file into memory.
func ReadSafetensors(path string) (*StateDict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sd, err := DecodeSafetensors(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sd, nil
}

// DecodeSafetensors parses a safetensors buffer. Tensor data aliases data.
func DecodeSafetensors(data []byte) (*StateDict, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too short for a safetensors header")
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > maxHeaderSize || headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("invalid header size %d", headerSize)
	}
	headerBytes := data[8 : 8+headerSize]
	body := data[8+headerSize:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	sd := &StateDict{Tensors: make(map[string]Tensor, len(raw))}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &sd.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		var entry headerEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(body)) {
			return nil, fmt.Errorf("tensor %s: data offsets [%d, %d] out of range", name, begin, end)
		}
		t := Tensor{DType: entry.DType, Shape: entry.Shape, Data: body[begin:end]}
		if err := t.validate(name); err != nil {
			return nil, err
		}
		sd.Tensors[name] = t
	}
	return sd, nil
}

// EncodeSafetensors writes sd with tensors laid out in name order.
func EncodeSafetensors(w io.Writer, sd *StateDict) error {
	names := sd.Names()
	header := make(map[string]interface{}, len(names)+1)
	if len(sd.Metadata) > 0 {
		header[metadataKey] = sd.Metadata
	}
	var offset int64
	for _, name := range names {
		t := sd.Tensors[name]
		if err := t.validate(name); err != nil {
			return err
		}
		shape := t.Shape
		if shape == nil {
			shape = []int64{}
		}
		end := offset + int64(len(t.Data))
		header[name] = headerEntry{DType: t.DType, Shape: shape, DataOffsets: [2]int64{offset, end}}
		offset = end
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header so tensor data starts 8-byte aligned.
	if rem := len(headerBytes) % 8; rem != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-rem)...)
	}

	bw := bufio.NewWriter(w)
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(headerBytes)))
	if _, err := bw.Write(size[:]); err != nil {
		return err
	}
	if _, err := bw.Write(headerBytes); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := bw.Write(sd.Tensors[name].Data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteSafetensors writes sd to path.
func WriteSafetensors(path string, sd *StateDict) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeSafetensors(f, sd); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
