// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package utils

import (
	corev1 "k8s.io/api/core/v1"
)

// Mount points inside the tuning container.
const (
	DefaultVolumeMountPath    = "/dev/shm"
	DefaultConfigMapMountPath = "/mnt/config"
	DefaultDataVolumePath     = "/mnt/data"
	DefaultAdapterVolumePath  = "/mnt/adapter"
	DefaultResultsVolumePath  = "/mnt/results"
)

// JobVolumes collects the pod volumes of a tuning Job and their mounts in the
// trainer container, in the order they were added.
type JobVolumes struct {
	Volumes []corev1.Volume
	Mounts  []corev1.VolumeMount
}

func (v *JobVolumes) add(name, mountPath string, source corev1.VolumeSource, readOnly bool) *JobVolumes {
	v.Volumes = append(v.Volumes, corev1.Volume{Name: name, VolumeSource: source})
	v.Mounts = append(v.Mounts, corev1.VolumeMount{Name: name, MountPath: mountPath, ReadOnly: readOnly})
	return v
}

func hostPathOrEmptyDir(hostPath string) corev1.VolumeSource {
	if hostPath == "" {
		return corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}
	}
	return corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{Path: hostPath}}
}

// AddSHM mounts a memory backed /dev/shm when more than one trainer process
// shares the pod.
func (v *JobVolumes) AddSHM(processes int) *JobVolumes {
	if processes <= 1 {
		return v
	}
	return v.add("dshm", DefaultVolumeMountPath, corev1.VolumeSource{
		EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory},
	}, false)
}

// AddConfigMap mounts the ConfigMap holding training_config.yaml.
func (v *JobVolumes) AddConfigMap(cmName string) *JobVolumes {
	return v.add("config-volume", DefaultConfigMapMountPath, corev1.VolumeSource{
		ConfigMap: &corev1.ConfigMapVolumeSource{
			LocalObjectReference: corev1.LocalObjectReference{Name: cmName},
		},
	}, false)
}

// AddData mounts the preprocessed splits from a node directory, or an
// emptyDir when hostPath is empty.
func (v *JobVolumes) AddData(hostPath string) *JobVolumes {
	return v.add("data-volume", DefaultDataVolumePath, hostPathOrEmptyDir(hostPath), false)
}

// AddAdapter mounts the checkpoint to resume from, read only. Nothing is
// mounted when hostPath is empty.
func (v *JobVolumes) AddAdapter(hostPath string) *JobVolumes {
	if hostPath == "" {
		return v
	}
	return v.add("adapter-volume", DefaultAdapterVolumePath, hostPathOrEmptyDir(hostPath), true)
}

// AddResults mounts the trainer output directory.
func (v *JobVolumes) AddResults(hostPath string) *JobVolumes {
	return v.add("results-volume", DefaultResultsVolumePath, hostPathOrEmptyDir(hostPath), false)
}
