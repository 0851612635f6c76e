// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package tuning

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kaito-project/finetune/pkg/utils/consts"
)

func GenerateConfigMapManifest(name, namespace string, labels map[string]string, trainingConfig string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		TypeMeta: v1.TypeMeta{
			APIVersion: "v1",
			Kind:       "ConfigMap",
		},
		ObjectMeta: v1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Data: map[string]string{
			consts.TrainingConfigFileName: trainingConfig,
		},
	}
}

func GenerateTuningJobManifest(name, namespace string, labels map[string]string, imageName string,
	imagePullSecretRefs []corev1.LocalObjectReference, commands []string, resourceRequirements corev1.ResourceRequirements,
	tolerations []corev1.Toleration, volumes []corev1.Volume, volumeMounts []corev1.VolumeMount, envVars []corev1.EnvVar) *batchv1.Job {
	var numBackoff int32
	return &batchv1.Job{
		TypeMeta: v1.TypeMeta{
			APIVersion: "batch/v1",
			Kind:       "Job",
		},
		ObjectMeta: v1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			// A failed tuning run does not recover by restarting the pod.
			BackoffLimit: &numBackoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: v1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:         name,
							Image:        imageName,
							Command:      commands,
							Resources:    resourceRequirements,
							VolumeMounts: volumeMounts,
							Env:          envVars,
						},
					},
					RestartPolicy:    corev1.RestartPolicyNever,
					Volumes:          volumes,
					Tolerations:      tolerations,
					ImagePullSecrets: imagePullSecretRefs,
				},
			},
		},
	}
}
