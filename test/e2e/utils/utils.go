// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	E2eNamespace = "finetune-e2e"
)

var (
	// PollInterval defines the interval time for a poll operation.
	PollInterval = 2 * time.Second
	// PollTimeout defines the time after which the poll operation times out.
	PollTimeout = 60 * time.Second
	// JobTimeout bounds a tuning job run on the test cluster.
	JobTimeout = 60 * time.Minute
)

func GetEnv(envVar string) string {
	env := os.Getenv(envVar)
	if env == "" {
		fmt.Printf("%s is not set or is empty\n", envVar)
		return ""
	}
	return env
}

func GenerateRandomString(n int) string {
	const letterBytes = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}

// GetTrainingConfigInfo reads a training_config.yaml into a generic map.
func GetTrainingConfigInfo(configFilePath string) (map[interface{}]interface{}, error) {
	var data map[interface{}]interface{}

	yamlData, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}

	err = yaml.Unmarshal(yamlData, &data)
	if err != nil {
		return nil, fmt.Errorf("error unmarshalling YAML: %w", err)
	}

	section, ok := data["training_config"].(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("'training_config' key not found in %s", configFilePath)
	}
	return section, nil
}

// WriteInstructionDataset writes n alpaca style records as JSON lines.
func WriteInstructionDataset(path string, n int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for i := 0; i < n; i++ {
		record := map[string]string{
			"instruction": fmt.Sprintf("Add %d and %d.", i, i+1),
			"input":       "",
			"output":      fmt.Sprintf("%d", 2*i+1),
		}
		if i%3 == 0 {
			record["input"] = "Answer with a number."
		}
		if err := enc.Encode(record); err != nil {
			return err
		}
	}
	return nil
}

// SplitFiles lists the preprocessed split files under outputDir.
func SplitFiles(outputDir string) ([]string, error) {
	return filepath.Glob(filepath.Join(outputDir, "data", "*"))
}

func GetPodNameForJob(coreClient *kubernetes.Clientset, namespace, jobName string) (string, error) {
	podList, err := coreClient.CoreV1().Pods(namespace).List(context.TODO(), metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", jobName),
	})
	if err != nil {
		return "", err
	}

	if len(podList.Items) == 0 {
		return "", fmt.Errorf("no pods found for job %s", jobName)
	}

	return podList.Items[0].Name, nil
}

func GetPodLogs(coreClient *kubernetes.Clientset, namespace, podName, containerName string) (string, error) {
	req := coreClient.CoreV1().Pods(namespace).GetLogs(podName, &v1.PodLogOptions{Container: containerName})
	logs, err := req.Stream(context.Background())
	if err != nil {
		return "", err
	}
	defer logs.Close()

	buf := new(strings.Builder)
	_, err = io.Copy(buf, logs)
	if err != nil {
		return "", err
	}

	return buf.String(), nil
}
