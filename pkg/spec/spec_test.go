package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagemaker-adapter/pkg/utils"
)

const trainingYAML = `
name: xgboost-churn
image: 683313688378.dkr.ecr.us-east-1.amazonaws.com/sagemaker-xgboost:1.7-1
instance-type: ml.m5.xlarge
instance-count: 1
hyperparameters:
  num_round: 50
  objective: binary:logistic
  booster:
    name: gbtree
inputs:
  - name: train
    s3-uri: s3://${TEST_BUCKET}/churn/train
    content-type: text/csv
output-path: s3://${TEST_BUCKET}/churn/output
max-run: 2h
spot:
  enabled: true
  max-wait: 3h
checkpoint:
  s3-uri: s3://${TEST_BUCKET}/churn/checkpoints
`

const pipelineYAML = `
name: churn
parameters:
  - name: TrainInstanceType
    type: String
    default: ml.m5.xlarge
steps:
  - name: Train
    type: Training
    training:
      name: xgboost
      image: xgboost:1.7-1
      instance-type: "{{Parameters.TrainInstanceType}}"
      instance-count: 1
      inputs:
        - name: train
          s3-uri: s3://bucket/train
      output-path: s3://bucket/output
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTrainingSpec(t *testing.T) {
	t.Setenv("TEST_BUCKET", "ml-bucket")
	s, err := LoadTrainingSpec(writeFile(t, "job.yaml", trainingYAML))
	require.NoError(t, err)

	assert.Equal(t, "xgboost-churn", s.Name)
	assert.Equal(t, int64(1), s.InstanceCount)
	want := []Channel{{Name: "train", S3URI: "s3://ml-bucket/churn/train", ContentType: "text/csv"}}
	if diff := cmp.Diff(want, s.Inputs); diff != "" {
		t.Errorf("inputs mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, s.Spot.Enabled)
	assert.Equal(t, "3h", s.Spot.MaxWait)
	assert.Equal(t, "s3://ml-bucket/churn/checkpoints", s.Checkpoint.S3URI)

	booster := NormalizeValue(s.Hyperparameters["booster"])
	assert.Equal(t, map[string]interface{}{"name": "gbtree"}, booster)

	s.ApplyDefaults(utils.AWSConfig{RoleArn: "arn:aws:iam::111122223333:role/Default"})
	assert.Equal(t, "arn:aws:iam::111122223333:role/Default", s.Role)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadTrainingSpec(writeFile(t, "job.yaml", "name: a\ninstance_type: ml.m5.xlarge\n"))
	assert.Error(t, err)

	_, err = LoadTrainingSpec(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadPipelineSpecInheritsRole(t *testing.T) {
	s, err := LoadPipelineSpec(writeFile(t, "pipeline.yaml", pipelineYAML))
	require.NoError(t, err)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, "{{Parameters.TrainInstanceType}}", s.Steps[0].Training.InstanceType)
	assert.Equal(t, "ml.m5.xlarge", s.Parameters[0].Default)

	s.ApplyDefaults(utils.AWSConfig{RoleArn: "arn:role"})
	assert.Equal(t, "arn:role", s.Role)
	assert.Equal(t, "arn:role", s.Steps[0].Training.Role)
}

func TestOutputPathFromDefaultBucket(t *testing.T) {
	s := &TrainingSpec{Name: "xgboost churn"}
	s.ApplyDefaults(utils.AWSConfig{DefaultBucket: "ml-bucket"})
	assert.Equal(t, "s3://ml-bucket/xgboost-churn/output", s.OutputPath)

	explicit := &TrainingSpec{Name: "xgboost", OutputPath: "s3://other/out"}
	explicit.ApplyDefaults(utils.AWSConfig{DefaultBucket: "ml-bucket"})
	assert.Equal(t, "s3://other/out", explicit.OutputPath)

	none := &TrainingSpec{Name: "xgboost"}
	none.ApplyDefaults(utils.AWSConfig{})
	assert.Empty(t, none.OutputPath)
}

func TestDeployDefaults(t *testing.T) {
	s := &DeploySpec{Name: "churn", Role: "arn:explicit"}
	s.ApplyDefaults(utils.AWSConfig{RoleArn: "arn:role"})
	assert.Equal(t, "arn:explicit", s.Role)
	assert.Equal(t, int64(1), s.InitialInstanceCount)
}

func TestSeconds(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 86400, false},
		{"2h30m", 9000, false},
		{"90s", 90, false},
		{"-1h", 0, true},
		{"3 days", 0, true},
	}
	for _, tt := range tests {
		got, err := Seconds(tt.in, 86400)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
