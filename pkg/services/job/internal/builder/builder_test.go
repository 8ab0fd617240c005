package builder

import (
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagemaker-adapter/pkg/spec"
)

const (
	testRole  = "arn:aws:iam::111122223333:role/SageMakerExecutionRole"
	xgbImage  = "683313688378.dkr.ecr.us-east-1.amazonaws.com/sagemaker-xgboost:1.7-1"
	ptImage   = "763104351884.dkr.ecr.us-east-1.amazonaws.com/pytorch-training:2.1.0-gpu-py310"
	testClock = "2024-03-09T14:05:07.123Z"
)

func fixedNow() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, testClock)
	return t
}

func xgbSpec() *spec.TrainingSpec {
	return &spec.TrainingSpec{
		Name:          "xgboost-churn",
		Image:         xgbImage,
		Role:          testRole,
		InstanceType:  "ml.m5.xlarge",
		InstanceCount: 1,
		Hyperparameters: map[string]interface{}{
			"objective": "binary:logistic",
			"num_round": 100,
			"eta":       0.2,
		},
		Inputs: []spec.Channel{
			{Name: "train", S3URI: "s3://bucket/churn/train", ContentType: "text/csv"},
			{Name: "validation", S3URI: "s3://bucket/churn/validation", ContentType: "text/csv"},
		},
		OutputPath: "s3://bucket/churn/output",
		MaxRun:     "1h",
	}
}

func TestBuildBuiltinAlgorithmJob(t *testing.T) {
	c := NewJobBuilderCoordinator("us-east-1", fixedNow)
	input, err := c.BuildTrainingJob(xgbSpec())
	require.NoError(t, err)

	assert.Equal(t, "xgboost-churn-2024-03-09-14-05-07-123", aws.StringValue(input.TrainingJobName))
	assert.Equal(t, xgbImage, aws.StringValue(input.AlgorithmSpecification.TrainingImage))
	assert.Equal(t, "File", aws.StringValue(input.AlgorithmSpecification.TrainingInputMode))
	assert.Equal(t, int64(30), aws.Int64Value(input.ResourceConfig.VolumeSizeInGB))
	assert.Equal(t, int64(3600), aws.Int64Value(input.StoppingCondition.MaxRuntimeInSeconds))
	assert.Nil(t, input.StoppingCondition.MaxWaitTimeInSeconds)
	assert.Nil(t, input.EnableManagedSpotTraining)
	assert.Nil(t, input.CheckpointConfig)

	assert.Equal(t, map[string]string{
		"objective": "binary:logistic",
		"num_round": "100",
		"eta":       "0.2",
	}, aws.StringValueMap(input.HyperParameters))

	require.Len(t, input.InputDataConfig, 2)
	train := input.InputDataConfig[0]
	assert.Equal(t, "train", aws.StringValue(train.ChannelName))
	assert.Equal(t, "text/csv", aws.StringValue(train.ContentType))
	assert.Equal(t, "S3Prefix", aws.StringValue(train.DataSource.S3DataSource.S3DataType))
	assert.Equal(t, "FullyReplicated", aws.StringValue(train.DataSource.S3DataSource.S3DataDistributionType))
}

func TestBuildSpotJobWithCheckpoint(t *testing.T) {
	s := xgbSpec()
	s.Spot = spec.SpotSpec{Enabled: true, MaxWait: "2h"}
	s.Checkpoint = spec.CheckpointSpec{S3URI: "s3://bucket/churn/checkpoints"}
	s.Tags = map[string]string{"team": "ml", "project": "churn"}

	input, err := NewJobBuilderCoordinator("us-east-1", fixedNow).BuildTrainingJob(s)
	require.NoError(t, err)
	assert.True(t, aws.BoolValue(input.EnableManagedSpotTraining))
	assert.Equal(t, int64(7200), aws.Int64Value(input.StoppingCondition.MaxWaitTimeInSeconds))
	require.NotNil(t, input.CheckpointConfig)
	assert.Equal(t, "s3://bucket/churn/checkpoints", aws.StringValue(input.CheckpointConfig.S3Uri))
	assert.Equal(t, "/opt/ml/checkpoints", aws.StringValue(input.CheckpointConfig.LocalPath))
	require.Len(t, input.Tags, 2)
	assert.Equal(t, "project", aws.StringValue(input.Tags[0].Key))
}

func TestBuildScriptModeDistributed(t *testing.T) {
	s := &spec.TrainingSpec{
		Name:          "pt-ddp",
		Image:         ptImage,
		Role:          testRole,
		InstanceType:  "ml.p4d.24xlarge",
		InstanceCount: 2,
		Hyperparameters: map[string]interface{}{
			"epochs":     10,
			"model-type": "resnet50",
		},
		Inputs:       []spec.Channel{{Name: "training", S3URI: "s3://bucket/cifar"}},
		OutputPath:   "s3://bucket/output",
		EntryPoint:   &spec.EntryPointSpec{Script: "train.py", SourceDir: "s3://bucket/code/sourcedir.tar.gz"},
		Distribution: &spec.DistributionSpec{Type: "smdistributed-dataparallel"},
	}
	input, err := NewJobBuilderCoordinator("us-west-2", fixedNow).BuildTrainingJob(s)
	require.NoError(t, err)

	hps := aws.StringValueMap(input.HyperParameters)
	assert.Equal(t, "10", hps["epochs"])
	assert.Equal(t, `"resnet50"`, hps["model-type"])
	assert.Equal(t, `"train.py"`, hps["sagemaker_program"])
	assert.Equal(t, `"s3://bucket/code/sourcedir.tar.gz"`, hps["sagemaker_submit_directory"])
	assert.Equal(t, `"us-west-2"`, hps["sagemaker_region"])
	assert.Equal(t, "20", hps["sagemaker_container_log_level"])
	assert.Equal(t, "true", hps["sagemaker_distributed_dataparallel_enabled"])
	assert.Equal(t, `"ml.p4d.24xlarge"`, hps["sagemaker_instance_type"])
}

func TestBuildMPIHyperparameters(t *testing.T) {
	s := xgbSpec()
	s.Image = ptImage
	s.EntryPoint = &spec.EntryPointSpec{Script: "train.py"}
	s.Distribution = &spec.DistributionSpec{Type: "mpi", ProcessesPerHost: 8}
	input, err := NewJobBuilderCoordinator("", fixedNow).BuildTrainingJob(s)
	require.NoError(t, err)
	hps := aws.StringValueMap(input.HyperParameters)
	assert.Equal(t, "true", hps["sagemaker_mpi_enabled"])
	assert.Equal(t, "8", hps["sagemaker_mpi_num_of_processes_per_host"])
	_, hasRegion := hps["sagemaker_region"]
	assert.False(t, hasRegion)
}

func TestValidateRequest(t *testing.T) {
	cases := map[string]func(s *spec.TrainingSpec){
		"missing role":        func(s *spec.TrainingSpec) { s.Role = "" },
		"missing image":       func(s *spec.TrainingSpec) { s.Image = "" },
		"bad instance type":   func(s *spec.TrainingSpec) { s.InstanceType = "m5.xlarge" },
		"negative count":      func(s *spec.TrainingSpec) { s.InstanceCount = -1 },
		"no inputs":           func(s *spec.TrainingSpec) { s.Inputs = nil },
		"duplicate channel":   func(s *spec.TrainingSpec) { s.Inputs[1].Name = "train" },
		"bad channel uri":     func(s *spec.TrainingSpec) { s.Inputs[0].S3URI = "/data/train" },
		"bad channel name":    func(s *spec.TrainingSpec) { s.Inputs[0].Name = "train data" },
		"bad distribution":    func(s *spec.TrainingSpec) { s.Inputs[0].Distribution = "Random" },
		"bad output":          func(s *spec.TrainingSpec) { s.OutputPath = "" },
		"bad input mode":      func(s *spec.TrainingSpec) { s.InputMode = "Stream" },
		"bad max run":         func(s *spec.TrainingSpec) { s.MaxRun = "forever" },
		"spot wait < run":     func(s *spec.TrainingSpec) { s.Spot = spec.SpotSpec{Enabled: true, MaxWait: "30m"} },
		"spot needs ckpt":     func(s *spec.TrainingSpec) { s.Spot.Enabled = true; s.Checkpoint.Required = true },
		"bad checkpoint uri":  func(s *spec.TrainingSpec) { s.Checkpoint.S3URI = "file:///tmp" },
		"dist without script": func(s *spec.TrainingSpec) { s.Distribution = &spec.DistributionSpec{Type: "mpi"} },
		"unknown dist": func(s *spec.TrainingSpec) {
			s.EntryPoint = &spec.EntryPointSpec{Script: "train.py"}
			s.Distribution = &spec.DistributionSpec{Type: "horovod"}
		},
		"smddp instance": func(s *spec.TrainingSpec) {
			s.EntryPoint = &spec.EntryPointSpec{Script: "train.py"}
			s.Distribution = &spec.DistributionSpec{Type: "smdistributed-dataparallel"}
		},
		"reserved hp": func(s *spec.TrainingSpec) {
			s.EntryPoint = &spec.EntryPointSpec{Script: "train.py"}
			s.Hyperparameters["sagemaker_program"] = "evil.py"
		},
	}
	c := NewJobBuilderCoordinator("us-east-1", fixedNow)
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := xgbSpec()
			mutate(s)
			_, err := c.BuildTrainingJob(s)
			assert.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), "request verification failed"), err.Error())
		})
	}

	// spot 默认 max-wait 等于 max-run
	s := xgbSpec()
	s.Spot.Enabled = true
	input, err := c.BuildTrainingJob(s)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), aws.Int64Value(input.StoppingCondition.MaxWaitTimeInSeconds))
}

func TestFactoryFromStruct(t *testing.T) {
	payload := map[string]interface{}{
		"name":           "xgb",
		"image":          xgbImage,
		"role":           testRole,
		"instance-type":  "ml.m5.large",
		"instance-count": float64(2),
		"output-path":    "s3://bucket/out",
		"inputs": []interface{}{
			map[string]interface{}{"name": "train", "s3-uri": "s3://bucket/train"},
		},
		"spot":            map[string]interface{}{"enabled": true, "max-wait": "48h"},
		"hyperparameters": map[string]interface{}{"num_round": float64(50)},
	}
	input, err := NewJobBuilderCoordinator("us-east-1", fixedNow).BuildTrainingJob(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(2), aws.Int64Value(input.ResourceConfig.InstanceCount))
	assert.Equal(t, "50", aws.StringValue(input.HyperParameters["num_round"]))
	assert.True(t, aws.BoolValue(input.EnableManagedSpotTraining))

	_, err = NewJobBuilderCoordinator("", fixedNow).BuildTrainingJob(map[string]interface{}{"unknown-field": 1})
	assert.Error(t, err)
	_, err = NewJobBuilderCoordinator("", fixedNow).BuildTrainingJob(42)
	assert.Error(t, err)
}

func TestBuildDefinitionExcludesTuned(t *testing.T) {
	c := NewJobBuilderCoordinator("us-east-1", fixedNow)
	adapter, err := c.Adapt(xgbSpec())
	require.NoError(t, err)
	def, err := c.Builder().BuildDefinition(adapter, map[string]bool{"eta": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"objective": "binary:logistic",
		"num_round": "100",
	}, aws.StringValueMap(def.StaticHyperParameters))
	assert.IsType(t, &sagemaker.HyperParameterAlgorithmSpecification{}, def.AlgorithmSpecification)
}
