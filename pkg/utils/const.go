package utils

import "time"

const (
	DefaultConfigName = "config"
	DefaultConfigDir  = "/etc/sagemaker-adapter/"
	DefaultLogFile    = "server.log"

	DefaultPollInterval = 30 * time.Second

	// 平台查询调用的客户端限速
	DefaultPlatformQPS   = 20
	DefaultPlatformBurst = 50

	// 作业日志默认存储位置（相对用户主目录）
	DefaultJournalPath     = ".sagemaker-adapter/jobs.json"
	DefaultMongoCollection = "jobs"

	StoreTypeFile  = "file"
	StoreTypeMongo = "mongo"

	DefaultCheckpointLocalPath = "/opt/ml/checkpoints"
	DefaultVolumeSizeGB        = 30
	DefaultMaxRunSeconds       = 24 * 60 * 60

	// 平台作业名称限制
	MaxJobNameLength       = 63
	MaxTuningJobNameLength = 32

	InputModeFile     = "File"
	InputModePipe     = "Pipe"
	InputModeFastFile = "FastFile"

	DistributionFullyReplicated = "FullyReplicated"
	DistributionShardedByS3Key  = "ShardedByS3Key"

	ContentTypeCSV  = "text/csv"
	ContentTypeJSON = "application/json"

	ProductionVariantName = "AllTraffic"

	// script mode 保留超参数
	HPProgram             = "sagemaker_program"
	HPSubmitDirectory     = "sagemaker_submit_directory"
	HPRegion              = "sagemaker_region"
	HPContainerLogLevel   = "sagemaker_container_log_level"
	HPDataParallel        = "sagemaker_distributed_dataparallel_enabled"
	HPMpiEnabled          = "sagemaker_mpi_enabled"
	HPMpiProcessesPerHost = "sagemaker_mpi_num_of_processes_per_host"
	HPPytorchDDP          = "sagemaker_pytorch_ddp_enabled"
	HPTorchDistributed    = "sagemaker_torch_distributed_enabled"
	HPParameterServer     = "sagemaker_parameter_server_enabled"
	HPInstanceType        = "sagemaker_instance_type"
	HPCustomMpiOptions    = "sagemaker_mpi_custom_mpi_options"
	HPReservedPrefix      = "sagemaker_"

	ContainerLogLevelInfo = 20
)
