package builder

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemaker"

	"sagemaker-adapter/pkg/services/job/internal/types"
	"sagemaker-adapter/pkg/utils"
)

// TrainingJobBuilder 训练作业构建器
type TrainingJobBuilder struct {
	region string
	now    func() time.Time
}

// NewTrainingJobBuilder 创建构建器
func NewTrainingJobBuilder(region string, now func() time.Time) *TrainingJobBuilder {
	if now == nil {
		now = time.Now
	}
	return &TrainingJobBuilder{region: region, now: now}
}

// trainingParts 训练作业与调参作业共用的配置片段
type trainingParts struct {
	image             string
	inputMode         string
	metricDefinitions []*sagemaker.MetricDefinition
	resources         *sagemaker.ResourceConfig
	stopping          *sagemaker.StoppingCondition
	channels          []*sagemaker.Channel
	output            *sagemaker.OutputDataConfig
	checkpoint        *sagemaker.CheckpointConfig
	spot              bool
	environment       map[string]*string
}

// Build 构建训练作业请求
func (b *TrainingJobBuilder) Build(adapter types.TrainingJobRequest) (*sagemaker.CreateTrainingJobInput, error) {
	// 1. 构建公共片段
	parts, err := b.buildParts(adapter)
	if err != nil {
		return nil, err
	}

	// 2. 构建超参数
	hps, err := b.Hyperparameters(adapter, nil)
	if err != nil {
		return nil, fmt.Errorf("build hyperparameters failed: %v", err)
	}

	// 3. 组装请求
	input := &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(utils.TrainingJobName(adapter.GetBaseJobName(), b.now())),
		RoleArn:         aws.String(adapter.GetRole()),
		AlgorithmSpecification: &sagemaker.AlgorithmSpecification{
			TrainingImage:     aws.String(parts.image),
			TrainingInputMode: aws.String(parts.inputMode),
			MetricDefinitions: parts.metricDefinitions,
		},
		ResourceConfig:    parts.resources,
		StoppingCondition: parts.stopping,
		InputDataConfig:   parts.channels,
		OutputDataConfig:  parts.output,
		CheckpointConfig:  parts.checkpoint,
		HyperParameters:   hps,
		Environment:       parts.environment,
		Tags:              BuildTags(adapter.GetTags()),
	}
	if parts.spot {
		input.EnableManagedSpotTraining = aws.Bool(true)
	}

	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("training job request is invalid: %v", err)
	}
	return input, nil
}

// BuildDefinition 构建调参作业的训练定义，exclude 中的超参数由调参范围提供
func (b *TrainingJobBuilder) BuildDefinition(adapter types.TrainingJobRequest, exclude map[string]bool) (*sagemaker.HyperParameterTrainingJobDefinition, error) {
	parts, err := b.buildParts(adapter)
	if err != nil {
		return nil, err
	}
	hps, err := b.Hyperparameters(adapter, exclude)
	if err != nil {
		return nil, fmt.Errorf("build static hyperparameters failed: %v", err)
	}

	def := &sagemaker.HyperParameterTrainingJobDefinition{
		RoleArn: aws.String(adapter.GetRole()),
		AlgorithmSpecification: &sagemaker.HyperParameterAlgorithmSpecification{
			TrainingImage:     aws.String(parts.image),
			TrainingInputMode: aws.String(parts.inputMode),
			MetricDefinitions: parts.metricDefinitions,
		},
		ResourceConfig:        parts.resources,
		StoppingCondition:     parts.stopping,
		InputDataConfig:       parts.channels,
		OutputDataConfig:      parts.output,
		CheckpointConfig:      parts.checkpoint,
		StaticHyperParameters: hps,
		Environment:           parts.environment,
	}
	if parts.spot {
		def.EnableManagedSpotTraining = aws.Bool(true)
	}
	return def, nil
}

func (b *TrainingJobBuilder) buildParts(adapter types.TrainingJobRequest) (*trainingParts, error) {
	image, err := adapter.GetImage()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain image: %v", err)
	}
	maxRun, err := adapter.GetMaxRunSeconds()
	if err != nil {
		return nil, err
	}
	spot, err := adapter.GetSpot()
	if err != nil {
		return nil, err
	}

	parts := &trainingParts{
		image:     image,
		inputMode: adapter.GetInputMode(),
		resources: &sagemaker.ResourceConfig{
			InstanceType:   aws.String(adapter.GetInstanceType()),
			InstanceCount:  aws.Int64(adapter.GetInstanceCount()),
			VolumeSizeInGB: aws.Int64(adapter.GetVolumeSizeGB()),
		},
		stopping: &sagemaker.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int64(maxRun),
		},
		output: &sagemaker.OutputDataConfig{
			S3OutputPath: aws.String(adapter.GetOutputPath()),
		},
		spot: spot.Enabled,
	}

	for _, m := range adapter.GetMetricDefinitions() {
		parts.metricDefinitions = append(parts.metricDefinitions, &sagemaker.MetricDefinition{
			Name:  aws.String(m.Name),
			Regex: aws.String(m.Regex),
		})
	}

	// spot 训练需要设置最大等待时间
	if spot.Enabled {
		parts.stopping.MaxWaitTimeInSeconds = aws.Int64(spot.MaxWaitSeconds)
	}

	for _, ch := range adapter.GetInputChannels() {
		parts.channels = append(parts.channels, buildChannel(ch))
	}

	if cp := adapter.GetCheckpoint(); cp != nil && cp.S3URI != "" {
		parts.checkpoint = &sagemaker.CheckpointConfig{
			S3Uri:     aws.String(cp.S3URI),
			LocalPath: aws.String(cp.LocalPath),
		}
	}

	if env := adapter.GetEnvironment(); len(env) > 0 {
		parts.environment = aws.StringMap(env)
	}
	return parts, nil
}

func buildChannel(ch types.InputChannel) *sagemaker.Channel {
	distribution := ch.Distribution
	if distribution == "" {
		distribution = utils.DistributionFullyReplicated
	}
	channel := &sagemaker.Channel{
		ChannelName: aws.String(ch.Name),
		DataSource: &sagemaker.DataSource{
			S3DataSource: &sagemaker.S3DataSource{
				S3DataType:             aws.String(sagemaker.S3DataTypeS3prefix),
				S3Uri:                  aws.String(ch.S3URI),
				S3DataDistributionType: aws.String(distribution),
			},
		},
	}
	if ch.ContentType != "" {
		channel.ContentType = aws.String(ch.ContentType)
	}
	if ch.InputMode != "" {
		channel.InputMode = aws.String(ch.InputMode)
	}
	return channel
}

// BuildTags 按 key 排序生成标签
func BuildTags(tags map[string]string) []*sagemaker.Tag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*sagemaker.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, &sagemaker.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// Hyperparameters encodes the user hyperparameters for the platform. Script
// mode jobs JSON-encode every value and carry the entry point and
// distribution flags; built-in algorithms receive plain strings.
func (b *TrainingJobBuilder) Hyperparameters(adapter types.TrainingJobRequest, exclude map[string]bool) (map[string]*string, error) {
	entry := adapter.GetEntryPoint()
	hps := make(map[string]*string)
	for name, v := range adapter.GetHyperparameters() {
		if exclude[name] {
			continue
		}
		var (
			s   string
			err error
		)
		if entry != nil {
			s, err = JSONValue(v)
		} else {
			s, err = StringValue(v)
		}
		if err != nil {
			return nil, fmt.Errorf("hyperparameter %s: %v", name, err)
		}
		hps[name] = aws.String(s)
	}
	if entry == nil {
		if len(hps) == 0 {
			return nil, nil
		}
		return hps, nil
	}

	reserved := map[string]interface{}{
		utils.HPProgram:           entry.Script,
		utils.HPContainerLogLevel: utils.ContainerLogLevelInfo,
	}
	if entry.SourceDir != "" {
		reserved[utils.HPSubmitDirectory] = entry.SourceDir
	}
	if b.region != "" {
		reserved[utils.HPRegion] = b.region
	}
	if dist := adapter.GetDistribution(); dist != nil {
		for k, v := range distributionHyperparameters(dist, adapter.GetInstanceType()) {
			reserved[k] = v
		}
	}
	for name, v := range reserved {
		s, err := JSONValue(v)
		if err != nil {
			return nil, err
		}
		hps[name] = aws.String(s)
	}
	return hps, nil
}

func distributionHyperparameters(dist *types.Distribution, instanceType string) map[string]interface{} {
	switch dist.Type {
	case types.DistributionDataParallel:
		return map[string]interface{}{
			utils.HPDataParallel:     true,
			utils.HPInstanceType:     instanceType,
			utils.HPCustomMpiOptions: "",
		}
	case types.DistributionMPI:
		hps := map[string]interface{}{
			utils.HPMpiEnabled:       true,
			utils.HPCustomMpiOptions: "",
		}
		if dist.ProcessesPerHost > 0 {
			hps[utils.HPMpiProcessesPerHost] = dist.ProcessesPerHost
		}
		return hps
	case types.DistributionPytorchDDP:
		return map[string]interface{}{
			utils.HPPytorchDDP:   true,
			utils.HPInstanceType: instanceType,
		}
	case types.DistributionTorchDistributed:
		return map[string]interface{}{
			utils.HPTorchDistributed: true,
			utils.HPInstanceType:     instanceType,
		}
	case types.DistributionParameterServer:
		return map[string]interface{}{utils.HPParameterServer: true}
	default:
		return nil
	}
}

// JSONValue 以 JSON 编码超参数值（script mode）
func JSONValue(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// StringValue 将超参数值转换为内置算法使用的字符串
func StringValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case nil:
		return "", nil
	default:
		return JSONValue(t)
	}
}
