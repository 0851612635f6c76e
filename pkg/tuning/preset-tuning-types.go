// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package tuning

const (
	DefaultNumProcesses = "1"
	DefaultNumMachines  = "1"
	DefaultMachineRank  = "0"
	DefaultGPUIds       = "all"

	// TuningFile is the trainer entry point inside the tuning image.
	TuningFile = "fine_tuning.py"
)

var (
	DefaultAccelerateParams = map[string]string{
		"num_processes": DefaultNumProcesses,
		"num_machines":  DefaultNumMachines,
		"machine_rank":  DefaultMachineRank,
		"gpu_ids":       DefaultGPUIds,
	}
)
