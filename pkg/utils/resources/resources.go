// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package resources

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// retriable filters out errors that no retry can fix.
func retriable(err error) bool {
	return !apierrors.IsAlreadyExists(err) && !apierrors.IsInvalid(err) &&
		!apierrors.IsForbidden(err) && !apierrors.IsNotFound(err)
}

func CreateResource(ctx context.Context, resource client.Object, kubeClient client.Client) error {
	switch r := resource.(type) {
	case *corev1.ConfigMap:
		klog.InfoS("CreateConfigMap", "configmap", klog.KObj(r))
	case *batchv1.Job:
		klog.InfoS("CreateJob", "job", klog.KObj(r))
	}

	return retry.OnError(retry.DefaultBackoff, retriable, func() error {
		return kubeClient.Create(ctx, resource, &client.CreateOptions{})
	})
}

func GetResource(ctx context.Context, name, namespace string, kubeClient client.Client, resource client.Object) error {
	return retry.OnError(retry.DefaultBackoff, retriable, func() error {
		return kubeClient.Get(ctx, client.ObjectKey{Name: name, Namespace: namespace}, resource, &client.GetOptions{})
	})
}

// WaitForJob polls the Job until it succeeds, fails or the timeout expires.
func WaitForJob(ctx context.Context, job *batchv1.Job, kubeClient client.Client, interval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	key := client.ObjectKeyFromObject(job)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := kubeClient.Get(ctx, key, job); err != nil {
				return err
			}
			if job.Status.Failed > 0 {
				klog.ErrorS(fmt.Errorf("job failed"), "Tuning job failed", "job", klog.KObj(job), "failed count", job.Status.Failed)
				return fmt.Errorf("job %s has failed %d pods", job.Name, job.Status.Failed)
			}
			if job.Status.Succeeded > 0 {
				klog.InfoS("Tuning job succeeded", "job", klog.KObj(job))
				return nil
			}
			klog.V(2).InfoS("Waiting for tuning job", "job", klog.KObj(job), "active", job.Status.Active)
		}
	}
}
