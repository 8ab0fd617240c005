package builder

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/service/sagemaker"

	"sagemaker-adapter/pkg/services/job/internal/types"
	"sagemaker-adapter/pkg/utils"
)

var channelNameRE = regexp.MustCompile(`^[A-Za-z0-9\.\-_]+$`)

// 平台 smdistributed dataparallel 支持的实例类型
var dataParallelInstanceTypes = map[string]bool{
	"ml.p3.16xlarge":   true,
	"ml.p3dn.24xlarge": true,
	"ml.p4d.24xlarge":  true,
	"ml.p4de.24xlarge": true,
	"ml.p5.48xlarge":   true,
}

// JobBuilderCoordinator 作业构建协调器
type JobBuilderCoordinator struct {
	factory *RequestAdapterFactory
	builder *TrainingJobBuilder
}

// NewJobBuilderCoordinator 创建协调器
func NewJobBuilderCoordinator(region string, now func() time.Time) *JobBuilderCoordinator {
	return &JobBuilderCoordinator{
		factory: NewRequestAdapterFactory(),
		builder: NewTrainingJobBuilder(region, now),
	}
}

func (c *JobBuilderCoordinator) Builder() *TrainingJobBuilder {
	return c.builder
}

// Adapt 创建适配器并校验请求
func (c *JobBuilderCoordinator) Adapt(req interface{}) (types.TrainingJobRequest, error) {
	adapter, err := c.factory.CreateAdapter(req)
	if err != nil {
		return nil, fmt.Errorf("request adapter creation failed: %v", err)
	}
	if err = ValidateRequest(adapter); err != nil {
		return nil, fmt.Errorf("request verification failed: %v", err)
	}
	return adapter, nil
}

// BuildTrainingJob 统一的构建函数
func (c *JobBuilderCoordinator) BuildTrainingJob(req interface{}) (*sagemaker.CreateTrainingJobInput, error) {
	// 1. 创建适配器并验证请求
	adapter, err := c.Adapt(req)
	if err != nil {
		return nil, err
	}

	// 2. 构建作业
	return c.builder.Build(adapter)
}

// ValidateRequest 验证训练作业请求
func ValidateRequest(adapter types.TrainingJobRequest) error {
	if adapter.GetRole() == "" {
		return fmt.Errorf("role is required")
	}
	if _, err := adapter.GetImage(); err != nil {
		return err
	}

	// 验证资源配置
	if it := adapter.GetInstanceType(); !strings.HasPrefix(it, "ml.") {
		return fmt.Errorf("invalid instance type %q", it)
	}
	if adapter.GetInstanceCount() < 1 {
		return fmt.Errorf("instance count must be at least 1")
	}
	if adapter.GetVolumeSizeGB() < 1 {
		return fmt.Errorf("volume size must be at least 1GB")
	}

	// 验证输入输出
	if err := validateInputMode(adapter.GetInputMode()); err != nil {
		return err
	}
	if err := validateChannels(adapter.GetInputChannels()); err != nil {
		return err
	}
	if _, _, err := utils.ParseS3URI(adapter.GetOutputPath()); err != nil {
		return fmt.Errorf("output path: %v", err)
	}

	// 验证停止条件
	maxRun, err := adapter.GetMaxRunSeconds()
	if err != nil {
		return fmt.Errorf("max-run: %v", err)
	}
	spot, err := adapter.GetSpot()
	if err != nil {
		return fmt.Errorf("spot max-wait: %v", err)
	}
	if spot.Enabled && spot.MaxWaitSeconds < maxRun {
		return fmt.Errorf("spot max-wait (%ds) must be greater than or equal to max-run (%ds)", spot.MaxWaitSeconds, maxRun)
	}

	if cp := adapter.GetCheckpoint(); cp != nil {
		if cp.S3URI == "" {
			if cp.Required && spot.Enabled {
				return fmt.Errorf("checkpoint s3-uri is required for spot training")
			}
		} else if _, _, err := utils.ParseS3URI(cp.S3URI); err != nil {
			return fmt.Errorf("checkpoint: %v", err)
		}
	}

	if err := validateDistribution(adapter); err != nil {
		return err
	}

	if adapter.GetEntryPoint() != nil {
		for name := range adapter.GetHyperparameters() {
			if strings.HasPrefix(name, utils.HPReservedPrefix) {
				return fmt.Errorf("hyperparameter %q uses the reserved %s prefix", name, utils.HPReservedPrefix)
			}
		}
	}
	return nil
}

func validateInputMode(mode string) error {
	switch mode {
	case "", utils.InputModeFile, utils.InputModePipe, utils.InputModeFastFile:
		return nil
	default:
		return fmt.Errorf("invalid input mode %q", mode)
	}
}

func validateChannels(channels []types.InputChannel) error {
	if len(channels) == 0 {
		return fmt.Errorf("at least one input channel is required")
	}
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if !channelNameRE.MatchString(ch.Name) {
			return fmt.Errorf("invalid channel name %q", ch.Name)
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = true
		if _, _, err := utils.ParseS3URI(ch.S3URI); err != nil {
			return fmt.Errorf("channel %s: %v", ch.Name, err)
		}
		switch ch.Distribution {
		case "", utils.DistributionFullyReplicated, utils.DistributionShardedByS3Key:
		default:
			return fmt.Errorf("channel %s: invalid distribution %q", ch.Name, ch.Distribution)
		}
		if err := validateInputMode(ch.InputMode); err != nil {
			return fmt.Errorf("channel %s: %v", ch.Name, err)
		}
	}
	return nil
}

func validateDistribution(adapter types.TrainingJobRequest) error {
	dist := adapter.GetDistribution()
	if dist == nil {
		return nil
	}
	if adapter.GetEntryPoint() == nil {
		return fmt.Errorf("distribution %q requires an entry-point script", dist.Type)
	}
	switch dist.Type {
	case types.DistributionDataParallel:
		if !dataParallelInstanceTypes[adapter.GetInstanceType()] {
			return fmt.Errorf("instance type %s does not support smdistributed dataparallel", adapter.GetInstanceType())
		}
	case types.DistributionMPI:
		if dist.ProcessesPerHost < 0 {
			return fmt.Errorf("processes-per-host must not be negative")
		}
	case types.DistributionPytorchDDP, types.DistributionTorchDistributed, types.DistributionParameterServer:
	default:
		return fmt.Errorf("unsupported distribution %q", dist.Type)
	}
	return nil
}
