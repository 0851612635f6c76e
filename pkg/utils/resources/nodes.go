// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package resources

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kaito-project/finetune/pkg/utils/consts"
)

const (
	LabelKeyNvidia   = "accelerator"
	LabelValueNvidia = "nvidia"
)

// ListNodes get list of kubernetes nodes
func ListNodes(ctx context.Context, kubeClient client.Client, labelSelector client.MatchingLabels) (*corev1.NodeList, error) {
	nodeList := &corev1.NodeList{}

	err := kubeClient.List(ctx, nodeList, labelSelector)
	if err != nil {
		return nil, err
	}

	return nodeList, nil
}

// CheckNvidiaPlugin reports whether the node carries the nvidia accelerator
// label and advertises GPU capacity.
func CheckNvidiaPlugin(nodeObj *corev1.Node) bool {
	if nodeObj.Labels[LabelKeyNvidia] != LabelValueNvidia {
		return false
	}
	capacity := nodeObj.Status.Capacity
	return capacity != nil && !capacity.Name(consts.NvidiaGPU, "").IsZero()
}

// AllocatableGPUs returns the number of GPUs the node can schedule.
func AllocatableGPUs(nodeObj *corev1.Node) int64 {
	if nodeObj.Status.Allocatable == nil {
		return 0
	}
	return nodeObj.Status.Allocatable.Name(consts.NvidiaGPU, "").Value()
}

// CheckGPUCapacity verifies that at least one GPU node can host a pod
// requesting the given number of GPUs.
func CheckGPUCapacity(ctx context.Context, kubeClient client.Client, required int) error {
	nodeList, err := ListNodes(ctx, kubeClient, client.MatchingLabels{LabelKeyNvidia: LabelValueNvidia})
	if err != nil {
		return fmt.Errorf("failed to list GPU nodes: %w", err)
	}
	gpuNodes := lo.Filter(nodeList.Items, func(n corev1.Node, _ int) bool {
		return CheckNvidiaPlugin(&n)
	})
	if len(gpuNodes) == 0 {
		return fmt.Errorf("no node with label %s=%s advertises %s", LabelKeyNvidia, LabelValueNvidia, consts.NvidiaGPU)
	}
	best := lo.MaxBy(gpuNodes, func(a, b corev1.Node) bool {
		return AllocatableGPUs(&a) > AllocatableGPUs(&b)
	})
	if AllocatableGPUs(&best) < int64(required) {
		return fmt.Errorf("job requests %d GPUs but the largest node %s has %d allocatable", required, best.Name, AllocatableGPUs(&best))
	}
	klog.V(2).InfoS("GPU capacity check passed", "node", best.Name, "allocatable", AllocatableGPUs(&best), "required", required)
	return nil
}
