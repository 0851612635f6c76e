// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package test

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

const (
	LabelKeyNvidia    = "accelerator"
	LabelValueNvidia  = "nvidia"
	CapacityNvidiaGPU = "nvidia.com/gpu"
	TestNamespace     = "kaito"
)

// MockGPUNode returns a node labeled as an nvidia accelerator node that
// advertises and can allocate the given number of GPUs.
func MockGPUNode(name string, gpus string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				corev1.LabelInstanceTypeStable: "Standard_NC12s_v3",
				LabelKeyNvidia:                 LabelValueNvidia,
			},
		},
		Status: corev1.NodeStatus{
			Capacity: corev1.ResourceList{
				CapacityNvidiaGPU: resource.MustParse(gpus),
			},
			Allocatable: corev1.ResourceList{
				CapacityNvidiaGPU: resource.MustParse(gpus),
			},
		},
	}
}

var (
	MockCPUNode = &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: "cpu-node",
			Labels: map[string]string{
				corev1.LabelInstanceTypeStable: "Standard_D4s_v3",
			},
		},
	}
)

// MockJob returns a tuning Job with the given status counters.
func MockJob(name string, succeeded, failed int32) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: TestNamespace,
		},
		Status: batchv1.JobStatus{
			Active:    1 - succeeded - failed,
			Succeeded: succeeded,
			Failed:    failed,
		},
	}
}

func NewTestScheme() *runtime.Scheme {
	testScheme := runtime.NewScheme()
	_ = corev1.AddToScheme(testScheme)
	_ = batchv1.AddToScheme(testScheme)
	return testScheme
}

func NotFoundError() error {
	return &apierrors.StatusError{ErrStatus: metav1.Status{Reason: metav1.StatusReasonNotFound}}
}

func IsAlreadyExistsError() error {
	return &apierrors.StatusError{ErrStatus: metav1.Status{Reason: metav1.StatusReasonAlreadyExists}}
}
