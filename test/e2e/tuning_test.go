// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package e2e

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"github.com/onsi/gomega/gexec"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kaito-project/finetune/pkg/tuning"
	"github.com/kaito-project/finetune/test/e2e/utils"
)

var _ = Describe("Tuning job", func() {
	var outputDir, dataFile, jobName string

	BeforeEach(func() {
		if tuningImage == "" || baseModel == "" {
			Skip("E2E_TUNING_IMAGE and E2E_BASE_MODEL are required")
		}
		dir := GinkgoT().TempDir()
		outputDir = filepath.Join(dir, "out")
		dataFile = filepath.Join(dir, "data.jsonl")
		jobName = "finetune-e2e-" + utils.GenerateRandomString(5)
		Expect(utils.WriteInstructionDataset(dataFile, 20)).To(Succeed())
	})

	AfterEach(func() {
		if jobName == "" || utils.TestingCluster.KubeClient == nil {
			return
		}
		job := &batchv1.Job{}
		job.Name, job.Namespace = jobName, namespaceName
		Expect(client.IgnoreNotFound(utils.TestingCluster.KubeClient.Delete(ctx, job,
			client.PropagationPolicy("Background")))).To(Succeed())
	})

	It("should submit a Job that mounts the training config", func() {
		session := runFinetune("submit",
			"--base_model", baseModel,
			"--data_path", dataFile,
			"--output_dir", outputDir,
			"--num_epochs", "1",
			"--name", jobName,
			"--namespace", namespaceName,
			"--image", tuningImage,
			"--data-host-path", filepath.Join(outputDir, "data"),
		)
		Eventually(session, utils.PollTimeout).Should(gexec.Exit(0))
		Expect(session.Out).To(gbytes.Say("job/" + jobName + " submitted"))

		job := &batchv1.Job{}
		Expect(utils.TestingCluster.KubeClient.Get(ctx, client.ObjectKey{Name: jobName, Namespace: namespaceName}, job)).To(Succeed())
		Expect(job.Labels).To(HaveKey(tuning.LabelRunID))
		Expect(job.Spec.Template.Spec.Containers).To(HaveLen(1))
		Expect(job.Spec.Template.Spec.Containers[0].Command).To(ContainElement(ContainSubstring("fine_tuning.py")))

		cm := &corev1.ConfigMap{}
		Expect(utils.TestingCluster.KubeClient.Get(ctx, client.ObjectKey{Name: jobName + "-config", Namespace: namespaceName}, cm)).To(Succeed())
		Expect(cm.Data).To(HaveKey("training_config.yaml"))

		By("Waiting for the trainer pod to start", func() {
			Eventually(func() error {
				_, err := utils.GetPodNameForJob(utils.TestingCluster.CoreClient, namespaceName, jobName)
				return err
			}, utils.JobTimeout, utils.PollInterval).Should(Succeed())
		})

		By("Checking the trainer logs", func() {
			podName, err := utils.GetPodNameForJob(utils.TestingCluster.CoreClient, namespaceName, jobName)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() (string, error) {
				return utils.GetPodLogs(utils.TestingCluster.CoreClient, namespaceName, podName, job.Spec.Template.Spec.Containers[0].Name)
			}, utils.JobTimeout, utils.PollInterval).ShouldNot(BeEmpty())
		})
	})
})
