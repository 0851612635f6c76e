// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package adapter

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/kaito-project/finetune/pkg/config"
	"github.com/kaito-project/finetune/pkg/utils/consts"
)

type CheckpointKind string

const (
	CheckpointNone    CheckpointKind = "none"
	CheckpointFull    CheckpointKind = "full"
	CheckpointAdapter CheckpointKind = "adapter"
)

// Checkpoint is what a resume directory turned out to contain.
type Checkpoint struct {
	Kind CheckpointKind
	Dir  string
	// File is the weight file that was found.
	File string
}

// Resume converts the checkpoint into trainer resume settings. Only a full
// checkpoint restores trainer state.
func (c Checkpoint) Resume() config.Resume {
	switch c.Kind {
	case CheckpointFull:
		return config.Resume{FullCheckpoint: c.Dir, AdapterWeights: c.File}
	case CheckpointAdapter:
		return config.Resume{AdapterWeights: c.File}
	default:
		return config.Resume{}
	}
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ResolveCheckpoint inspects dir. A pytorch_model.bin means a full training
// checkpoint, adapter weights alone mean the trainer starts fresh from those
// weights. A directory with neither is logged and ignored.
func ResolveCheckpoint(dir string) (Checkpoint, error) {
	if dir == "" {
		return Checkpoint{Kind: CheckpointNone}, nil
	}

	candidates := []struct {
		file string
		kind CheckpointKind
	}{
		{consts.FullCheckpointFile, CheckpointFull},
		{consts.AdapterSafetensorsFile, CheckpointAdapter},
		{consts.AdapterWeightsFile, CheckpointAdapter},
	}
	for _, c := range candidates {
		path := filepath.Join(dir, c.file)
		ok, err := exists(path)
		if err != nil {
			return Checkpoint{}, err
		}
		if ok {
			klog.InfoS("Restarting from checkpoint", "file", path, "kind", c.kind)
			return Checkpoint{Kind: c.kind, Dir: dir, File: path}, nil
		}
	}

	klog.InfoS("Checkpoint not found, training from scratch", "dir", dir)
	return Checkpoint{Kind: CheckpointNone, Dir: dir}, nil
}
