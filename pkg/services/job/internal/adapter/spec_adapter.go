package adapters

import (
	"fmt"
	"strings"

	"sagemaker-adapter/pkg/services/job/internal/types"
	"sagemaker-adapter/pkg/spec"
	"sagemaker-adapter/pkg/utils"
)

// SpecAdapter TrainingSpec 的适配器
type SpecAdapter struct {
	s *spec.TrainingSpec
}

func NewSpecAdapter(s *spec.TrainingSpec) *SpecAdapter {
	return &SpecAdapter{s: s}
}

func (a *SpecAdapter) GetJobKind() types.JobKind {
	return types.JobKindTraining
}

func (a *SpecAdapter) GetBaseJobName() string {
	if a.s.Name != "" {
		return a.s.Name
	}
	// 未指定名称时使用镜像仓库名
	if ref, err := utils.NormalizeImageRef(a.s.Image); err == nil {
		parts := strings.Split(ref.Repository, "/")
		return parts[len(parts)-1]
	}
	return "training"
}

func (a *SpecAdapter) GetRole() string {
	return a.s.Role
}

func (a *SpecAdapter) GetTags() map[string]string {
	return a.s.Tags
}

func (a *SpecAdapter) GetImage() (string, error) {
	if a.s.Image == "" {
		return "", fmt.Errorf("image is required")
	}
	// 流水线参数占位符由平台在执行时替换
	if strings.Contains(a.s.Image, "{{") {
		return a.s.Image, nil
	}
	ref, err := utils.NormalizeImageRef(a.s.Image)
	if err != nil {
		return "", fmt.Errorf("invalid image %q: %v", a.s.Image, err)
	}
	// ECR 镜像原样提交，其余镜像使用规范化后的完整引用
	if _, ok := ref.ECR(); ok {
		return strings.TrimSpace(a.s.Image), nil
	}
	return ref.Image, nil
}

func (a *SpecAdapter) GetEntryPoint() *types.EntryPoint {
	if a.s.EntryPoint == nil || a.s.EntryPoint.Script == "" {
		return nil
	}
	return &types.EntryPoint{Script: a.s.EntryPoint.Script, SourceDir: a.s.EntryPoint.SourceDir}
}

func (a *SpecAdapter) GetEnvironment() map[string]string {
	return a.s.Environment
}

func (a *SpecAdapter) GetMetricDefinitions() []types.MetricDefinition {
	defs := make([]types.MetricDefinition, 0, len(a.s.MetricDefinitions))
	for _, m := range a.s.MetricDefinitions {
		defs = append(defs, types.MetricDefinition{Name: m.Name, Regex: m.Regex})
	}
	return defs
}

func (a *SpecAdapter) GetInstanceType() string {
	return a.s.InstanceType
}

func (a *SpecAdapter) GetInstanceCount() int64 {
	if a.s.InstanceCount == 0 {
		return 1
	}
	return a.s.InstanceCount
}

func (a *SpecAdapter) GetVolumeSizeGB() int64 {
	if a.s.VolumeSizeGB == 0 {
		return utils.DefaultVolumeSizeGB
	}
	return a.s.VolumeSizeGB
}

func (a *SpecAdapter) GetDistribution() *types.Distribution {
	if a.s.Distribution == nil || a.s.Distribution.Type == "" {
		return nil
	}
	return &types.Distribution{
		Type:             types.DistributionType(strings.ToLower(a.s.Distribution.Type)),
		ProcessesPerHost: a.s.Distribution.ProcessesPerHost,
	}
}

func (a *SpecAdapter) GetInputMode() string {
	if a.s.InputMode == "" {
		return utils.InputModeFile
	}
	return a.s.InputMode
}

func (a *SpecAdapter) GetInputChannels() []types.InputChannel {
	channels := make([]types.InputChannel, 0, len(a.s.Inputs))
	for _, c := range a.s.Inputs {
		channels = append(channels, types.InputChannel{
			Name:         c.Name,
			S3URI:        c.S3URI,
			ContentType:  c.ContentType,
			Distribution: c.Distribution,
			InputMode:    c.InputMode,
		})
	}
	return channels
}

func (a *SpecAdapter) GetOutputPath() string {
	return a.s.OutputPath
}

func (a *SpecAdapter) GetHyperparameters() map[string]interface{} {
	hps := make(map[string]interface{}, len(a.s.Hyperparameters))
	for k, v := range a.s.Hyperparameters {
		hps[k] = spec.NormalizeValue(v)
	}
	return hps
}

func (a *SpecAdapter) GetMaxRunSeconds() (int64, error) {
	return spec.Seconds(a.s.MaxRun, utils.DefaultMaxRunSeconds)
}

func (a *SpecAdapter) GetSpot() (*types.SpotOptions, error) {
	if !a.s.Spot.Enabled {
		return &types.SpotOptions{}, nil
	}
	maxRun, err := a.GetMaxRunSeconds()
	if err != nil {
		return nil, err
	}
	// 未配置 max-wait 时与 max-run 相同
	maxWait, err := spec.Seconds(a.s.Spot.MaxWait, maxRun)
	if err != nil {
		return nil, err
	}
	return &types.SpotOptions{Enabled: true, MaxWaitSeconds: maxWait}, nil
}

func (a *SpecAdapter) GetCheckpoint() *types.Checkpoint {
	c := a.s.Checkpoint
	if c.S3URI == "" && !c.Required {
		return nil
	}
	localPath := c.LocalPath
	if localPath == "" {
		localPath = utils.DefaultCheckpointLocalPath
	}
	return &types.Checkpoint{S3URI: c.S3URI, LocalPath: localPath, Required: c.Required}
}
