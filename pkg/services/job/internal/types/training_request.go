package types

// JobKind 定义平台作业类型
type JobKind int

const (
	JobKindTraining JobKind = iota
	JobKindTuning
	JobKindPipeline
	JobKindEndpoint
)

// String 实现 Stringer 接口
func (k JobKind) String() string {
	switch k {
	case JobKindTraining:
		return "training"
	case JobKindTuning:
		return "tuning"
	case JobKindPipeline:
		return "pipeline"
	case JobKindEndpoint:
		return "endpoint"
	default:
		return "unknown"
	}
}

// DistributionType 分布式训练策略
type DistributionType string

const (
	DistributionDataParallel     DistributionType = "smdistributed-dataparallel"
	DistributionMPI              DistributionType = "mpi"
	DistributionPytorchDDP       DistributionType = "pytorchddp"
	DistributionTorchDistributed DistributionType = "torch-distributed"
	DistributionParameterServer  DistributionType = "parameter-server"
)

// TrainingJobRequest 训练作业请求的统一接口
type TrainingJobRequest interface {
	// 基础元数据
	GetJobKind() JobKind
	GetBaseJobName() string
	GetRole() string
	GetTags() map[string]string

	// 容器配置
	GetImage() (string, error)
	GetEntryPoint() *EntryPoint
	GetEnvironment() map[string]string
	GetMetricDefinitions() []MetricDefinition

	// 资源需求
	GetInstanceType() string
	GetInstanceCount() int64
	GetVolumeSizeGB() int64
	GetDistribution() *Distribution

	// 数据配置
	GetInputMode() string
	GetInputChannels() []InputChannel
	GetOutputPath() string

	// 超参数
	GetHyperparameters() map[string]interface{}

	// 停止条件与 spot
	GetMaxRunSeconds() (int64, error)
	GetSpot() (*SpotOptions, error)
	GetCheckpoint() *Checkpoint
}

type InputChannel struct {
	Name         string
	S3URI        string
	ContentType  string
	Distribution string
	InputMode    string
}

type EntryPoint struct {
	Script    string
	SourceDir string
}

type Distribution struct {
	Type             DistributionType
	ProcessesPerHost int64
}

type SpotOptions struct {
	Enabled        bool
	MaxWaitSeconds int64
}

type Checkpoint struct {
	S3URI     string
	LocalPath string
	Required  bool
}

type MetricDefinition struct {
	Name  string
	Regex string
}
