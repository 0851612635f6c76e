// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package e2e

import (
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"github.com/onsi/gomega/gexec"

	"github.com/kaito-project/finetune/test/e2e/utils"
)

func runFinetune(args ...string) *gexec.Session {
	cmd := exec.Command(finetuneBinary, args...)
	session, err := gexec.Start(cmd, GinkgoWriter, GinkgoWriter)
	Expect(err).NotTo(HaveOccurred())
	return session
}

var _ = Describe("Prompt rendering", func() {
	It("should render a record with the default template", func() {
		session := runFinetune("render", "--instruction", "Name a color.", "--input", "Primary colors only.")
		Eventually(session, utils.PollTimeout).Should(gexec.Exit(0))
		Expect(session.Out).To(gbytes.Say(`### Instruction:\nName a color.`))
		Expect(session.Out).To(gbytes.Say(`### Input:\nPrimary colors only.`))
		Expect(session.Out).To(gbytes.Say(`### Response:`))
	})

	It("should reject an unknown template", func() {
		session := runFinetune("render", "--prompt_template_name", "does-not-exist", "--instruction", "x")
		Eventually(session, utils.PollTimeout).Should(gexec.Exit(1))
	})
})

var _ = Describe("Preprocessing", func() {
	var outputDir, dataFile string

	BeforeEach(func() {
		if baseModel == "" {
			Skip("E2E_BASE_MODEL is not set")
		}
		dir := GinkgoT().TempDir()
		outputDir = filepath.Join(dir, "out")
		dataFile = filepath.Join(dir, "data.jsonl")
		Expect(utils.WriteInstructionDataset(dataFile, 50)).To(Succeed())
	})

	It("should write parquet splits and a training config", func() {
		session := runFinetune("preprocess",
			"--base_model", baseModel,
			"--data_path", dataFile,
			"--output_dir", outputDir,
			"--val_set_ratio", "0.1",
			"--cutoff_len", "128",
		)
		Eventually(session, utils.PollTimeout).Should(gexec.Exit(0))
		Expect(session.Out).To(gbytes.Say(`eval: 5 records`))
		Expect(session.Out).To(gbytes.Say(`train: 45 records`))

		files, err := utils.SplitFiles(outputDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(files).To(ConsistOf(
			filepath.Join(outputDir, "data", "eval.parquet"),
			filepath.Join(outputDir, "data", "train.parquet"),
		))

		cfg, err := utils.GetTrainingConfigInfo(filepath.Join(outputDir, "training_config.yaml"))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg).To(HaveKey("ModelConfig"))
		Expect(cfg).To(HaveKey("LoraConfig"))
		Expect(cfg["DatasetConfig"]).To(HaveKeyWithValue("format", "parquet"))
	})

	It("should print the trainer command on a dry run", func() {
		session := runFinetune("train", "--dry-run",
			"--base_model", baseModel,
			"--data_path", dataFile,
			"--output_dir", outputDir,
			"--output_format", "jsonl",
		)
		Eventually(session, utils.PollTimeout).Should(gexec.Exit(0))
		Expect(session.Out).To(gbytes.Say(`accelerate launch .* fine_tuning.py --config=` + filepath.Join(outputDir, "training_config.yaml")))
	})
})
