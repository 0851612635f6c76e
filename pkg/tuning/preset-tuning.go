// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package tuning

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/klog/v2"
	"k8s.io/utils/pointer"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kaito-project/finetune/pkg/config"
	"github.com/kaito-project/finetune/pkg/model"
	"github.com/kaito-project/finetune/pkg/utils"
	"github.com/kaito-project/finetune/pkg/utils/consts"
	"github.com/kaito-project/finetune/pkg/utils/resources"
)

const (
	LabelRunID   = "finetune.kaito.sh/run-id"
	LabelFamily  = "finetune.kaito.sh/model-family"
	jobNameBase  = "finetune"
	configSuffix = "-config"
)

var (
	tolerations = []corev1.Toleration{
		{
			Effect:   corev1.TaintEffectNoSchedule,
			Operator: corev1.TolerationOpEqual,
			Key:      consts.GPUString,
		},
		{
			Effect: corev1.TaintEffectNoSchedule,
			Value:  consts.GPUString,
			Key:    consts.SKUString,
		},
	}
)

// Request describes one tuning Job.
type Request struct {
	// Name of the Job. A unique name is generated when empty.
	Name      string
	Namespace string
	// Image is the tuning image that contains TuningFile.
	Image            string
	ImagePullSecrets []string
	Preset           *model.PresetParam
	TrainingConfig   *config.TrainingConfig
	// GPUCount defaults to the preset's GPU requirement.
	GPUCount int
	// DataHostPath is a node directory holding the preprocessed splits. The
	// splits are expected in an emptyDir populated by other means when unset.
	DataHostPath string
	// AdapterHostPath is a node directory holding the checkpoint or adapter
	// weights to resume from. Resume paths are dropped when unset.
	AdapterHostPath string
	// ResultsHostPath keeps the trainer output on the node. An emptyDir is
	// used when unset.
	ResultsHostPath  string
	Env              map[string]string
	AccelerateParams map[string]string
	// CheckCapacity fails the request when no node can host the GPU count.
	CheckCapacity bool
}

func (r *Request) gpuCount() (int, error) {
	return GPUCount(r.GPUCount, r.Preset)
}

// GPUCount is the requested count, else the preset's requirement, else one.
func GPUCount(requested int, preset *model.PresetParam) (int, error) {
	if requested > 0 {
		return requested, nil
	}
	if preset == nil || preset.GPUCountRequirement == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(preset.GPUCountRequirement)
	if err != nil {
		return 0, utils.NewConfigurationError("gpu_count", "invalid preset GPU count %q", preset.GPUCountRequirement)
	}
	return n, nil
}

// LaunchedProcesses is the number of trainer processes PrepareTuningCommand
// starts. A num_processes accelerate parameter wins over numProcesses.
func LaunchedProcesses(numProcesses int, overrides map[string]string) int {
	if v, ok := overrides["num_processes"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return numProcesses
}

// PrepareTuningCommand builds
// accelerate launch <ACCELERATE_PARAMS> fine_tuning.py --config=<configPath>
// Preset parameters override the defaults and overrides win over both.
func PrepareTuningCommand(preset *model.PresetParam, numProcesses int, configPath string, overrides map[string]string) string {
	params := utils.MergeConfigMaps(DefaultAccelerateParams, preset.TorchRunParams)
	params["num_processes"] = strconv.Itoa(numProcesses)
	params = utils.MergeConfigMaps(params, overrides)

	baseCommand := preset.BaseCommand
	if baseCommand == "" {
		baseCommand = "accelerate launch"
	}
	launcher := utils.BuildCmdStr(baseCommand, params)
	trainer := utils.BuildCmdStr(TuningFile, map[string]string{"config": configPath}, preset.ModelRunParams)
	return launcher + " " + trainer
}

// rewriteForJob points a copy of the configuration at the container mounts.
func rewriteForJob(cfg *config.TrainingConfig, withAdapter bool) *config.TrainingConfig {
	out := *cfg
	if cfg.LoraConfig != nil && cfg.LoraConfig.ResumeAdapterWeights != nil {
		lc := *cfg.LoraConfig
		if withAdapter {
			lc.ResumeAdapterWeights = pointer.String(path.Join(utils.DefaultAdapterVolumePath, filepath.Base(*lc.ResumeAdapterWeights)))
		} else {
			lc.ResumeAdapterWeights = nil
		}
		out.LoraConfig = &lc
	}
	if cfg.DatasetConfig != nil {
		ds := *cfg.DatasetConfig
		if ds.TrainFile != nil {
			ds.TrainFile = pointer.String(path.Join(utils.DefaultDataVolumePath, filepath.Base(*ds.TrainFile)))
		}
		if ds.EvalFile != nil {
			ds.EvalFile = pointer.String(path.Join(utils.DefaultDataVolumePath, filepath.Base(*ds.EvalFile)))
		}
		out.DatasetConfig = &ds
	}
	if cfg.TrainingArguments != nil {
		ta := *cfg.TrainingArguments
		ta.OutputDir = utils.DefaultResultsVolumePath
		if ta.ResumeFromCheckpoint != nil {
			ta.ResumeFromCheckpoint = lo.Ternary(withAdapter, pointer.String(utils.DefaultAdapterVolumePath), nil)
		}
		out.TrainingArguments = &ta
	}
	return &out
}

func setupDefaultSharedVolumes(cmName string, gpuCount int, req *Request) *utils.JobVolumes {
	return (&utils.JobVolumes{}).
		AddSHM(gpuCount).
		AddConfigMap(cmName).
		AddData(req.DataHostPath).
		AddAdapter(req.AdapterHostPath).
		AddResults(req.ResultsHostPath)
}

func envVars(env map[string]string) []corev1.EnvVar {
	keys := lo.Keys(env)
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) corev1.EnvVar {
		return corev1.EnvVar{Name: k, Value: env[k]}
	})
}

// applyConfigMap creates cm or replaces the data of a ConfigMap left behind by
// a deleted Job of the same name.
func applyConfigMap(ctx context.Context, cm *corev1.ConfigMap, kubeClient client.Client) error {
	err := resources.CreateResource(ctx, cm, kubeClient)
	if !apierrors.IsAlreadyExists(err) {
		return err
	}
	stale := &corev1.ConfigMap{}
	if err := resources.GetResource(ctx, cm.Name, cm.Namespace, kubeClient, stale); err != nil {
		return err
	}
	klog.InfoS("Replacing stale training config", "configmap", klog.KObj(stale))
	stale.Labels = cm.Labels
	stale.Data = cm.Data
	return kubeClient.Update(ctx, stale)
}

// CreatePresetTuning creates the ConfigMap holding training_config.yaml and
// the Job that runs the trainer against it.
func CreatePresetTuning(ctx context.Context, req *Request, kubeClient client.Client) (*batchv1.Job, error) {
	if req.Preset == nil || req.TrainingConfig == nil {
		return nil, utils.NewConfigurationError("preset", "a model preset and a training config are required")
	}
	if req.Image == "" {
		return nil, utils.NewConfigurationError("image", "a tuning image is required")
	}
	gpuCount, err := req.gpuCount()
	if err != nil {
		return nil, err
	}
	if req.CheckCapacity {
		if err := resources.CheckGPUCapacity(ctx, kubeClient, gpuCount); err != nil {
			return nil, err
		}
	}

	runID := uuid.NewString()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", jobNameBase, runID[:8])
	}
	labels := map[string]string{
		LabelRunID:  runID,
		LabelFamily: strings.ToLower(req.Preset.ModelFamilyName),
	}

	configYAML, err := rewriteForJob(req.TrainingConfig, req.AdapterHostPath != "").Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to render training config: %w", err)
	}
	existing := &batchv1.Job{}
	if err := resources.GetResource(ctx, name, req.Namespace, kubeClient, existing); err == nil {
		return nil, fmt.Errorf("%w in namespace %s, delete it or choose another name",
			apierrors.NewAlreadyExists(batchv1.Resource("jobs"), name), req.Namespace)
	} else if !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("failed to look up job %s: %w", name, err)
	}

	cm := GenerateConfigMapManifest(name+configSuffix, req.Namespace, labels, string(configYAML))
	if err := applyConfigMap(ctx, cm, kubeClient); err != nil {
		return nil, fmt.Errorf("failed to create ConfigMap %s: %w", cm.Name, err)
	}

	volumes := setupDefaultSharedVolumes(cm.Name, gpuCount, req)
	command := PrepareTuningCommand(req.Preset, gpuCount, path.Join(utils.DefaultConfigMapMountPath, consts.TrainingConfigFileName), req.AccelerateParams)
	gpu := resource.MustParse(strconv.Itoa(gpuCount))
	resourceReq := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{corev1.ResourceName(consts.NvidiaGPU): gpu},
		Limits:   corev1.ResourceList{corev1.ResourceName(consts.NvidiaGPU): gpu},
	}
	imagePullSecrets := lo.Map(req.ImagePullSecrets, func(s string, _ int) corev1.LocalObjectReference {
		return corev1.LocalObjectReference{Name: s}
	})

	jobObj := GenerateTuningJobManifest(name, req.Namespace, labels, req.Image, imagePullSecrets, utils.ShellCmd(command),
		resourceReq, tolerations, volumes.Volumes, volumes.Mounts, envVars(req.Env))

	if err := resources.CreateResource(ctx, jobObj, kubeClient); err != nil {
		return nil, fmt.Errorf("failed to create job %s: %w", name, err)
	}
	klog.InfoS("Tuning job submitted", "job", klog.KObj(jobObj), "gpus", gpuCount, "runID", runID)
	return jobObj, nil
}
