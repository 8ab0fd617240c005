package tuning

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"sagemaker-adapter/pkg/spec"
	"sagemaker-adapter/pkg/store"
	"sagemaker-adapter/pkg/utils"
)

const testRole = "arn:aws:iam::111122223333:role/SageMakerExecutionRole"

func fixedNow() time.Time {
	return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
}

func xgbTuning() *spec.TuningSpec {
	return &spec.TuningSpec{
		Name: "xgb-churn",
		Training: spec.TrainingSpec{
			Image:           "683313688378.dkr.ecr.us-east-1.amazonaws.com/sagemaker-xgboost:1.7-1",
			Role:            testRole,
			InstanceType:    "ml.m5.xlarge",
			InstanceCount:   1,
			Hyperparameters: map[string]interface{}{"objective": "binary:logistic", "num_round": 100},
			Inputs: []spec.Channel{
				{Name: "train", S3URI: "s3://bucket/churn/train"},
				{Name: "validation", S3URI: "s3://bucket/churn/validation"},
			},
			OutputPath: "s3://bucket/churn/output",
		},
		Objective:       spec.ObjectiveSpec{Metric: "validation:auc", Type: "Maximize"},
		MaxJobs:         20,
		MaxParallelJobs: 3,
		Ranges: map[string]spec.RangeSpec{
			"eta":       {Type: RangeContinuous, Min: 0.01, Max: 0.3, Scaling: "Logarithmic"},
			"max_depth": {Type: RangeInteger, Min: 3, Max: 10},
		},
	}
}

func scriptTuning() *spec.TuningSpec {
	return &spec.TuningSpec{
		Training: spec.TrainingSpec{
			Name:          "bert-imdb",
			Image:         "763104351884.dkr.ecr.us-east-1.amazonaws.com/pytorch-training:2.1.0-gpu-py310",
			Role:          testRole,
			InstanceType:  "ml.g5.xlarge",
			InstanceCount: 1,
			EntryPoint:    &spec.EntryPointSpec{Script: "train.py", SourceDir: "s3://bucket/code/source.tar.gz"},
			Inputs:        []spec.Channel{{Name: "train", S3URI: "s3://bucket/imdb/train"}},
			OutputPath:    "s3://bucket/imdb/output",
			MetricDefinitions: []spec.MetricDefinition{
				{Name: "eval_loss", Regex: "eval_loss: ([0-9\\.]+)"},
			},
			Hyperparameters: map[string]interface{}{"epochs": 2},
		},
		Objective: spec.ObjectiveSpec{Metric: "eval_loss", Type: "Minimize"},
		Strategy:  "Grid",
		Ranges: map[string]spec.RangeSpec{
			"optimizer": {Type: RangeCategorical, Values: []string{"adam", "sgd"}},
		},
	}
}

func TestBuildBuiltinTuningJob(t *testing.T) {
	input, err := NewBuilder("us-east-1", fixedNow).Build(xgbTuning())
	require.NoError(t, err)

	assert.Equal(t, "xgb-churn-240309-1405", aws.StringValue(input.HyperParameterTuningJobName))
	cfg := input.HyperParameterTuningJobConfig
	assert.Equal(t, "Bayesian", aws.StringValue(cfg.Strategy))
	assert.Equal(t, "Off", aws.StringValue(cfg.TrainingJobEarlyStoppingType))
	assert.Equal(t, int64(20), aws.Int64Value(cfg.ResourceLimits.MaxNumberOfTrainingJobs))
	assert.Equal(t, int64(3), aws.Int64Value(cfg.ResourceLimits.MaxParallelTrainingJobs))

	want := &sagemaker.ParameterRanges{
		ContinuousParameterRanges: []*sagemaker.ContinuousParameterRange{{
			Name: aws.String("eta"), MinValue: aws.String("0.01"), MaxValue: aws.String("0.3"),
			ScalingType: aws.String("Logarithmic"),
		}},
		IntegerParameterRanges: []*sagemaker.IntegerParameterRange{{
			Name: aws.String("max_depth"), MinValue: aws.String("3"), MaxValue: aws.String("10"),
			ScalingType: aws.String("Auto"),
		}},
	}
	if diff := cmp.Diff(want, cfg.ParameterRanges); diff != "" {
		t.Errorf("parameter ranges mismatch (-want +got):\n%s", diff)
	}

	static := aws.StringValueMap(input.TrainingJobDefinition.StaticHyperParameters)
	assert.Equal(t, map[string]string{"objective": "binary:logistic", "num_round": "100"}, static)
}

func TestBuildScriptModeGridTuningJob(t *testing.T) {
	input, err := NewBuilder("us-east-1", fixedNow).Build(scriptTuning())
	require.NoError(t, err)

	assert.Equal(t, "bert-imdb-240309-1405", aws.StringValue(input.HyperParameterTuningJobName))
	cfg := input.HyperParameterTuningJobConfig
	assert.Nil(t, cfg.ResourceLimits.MaxNumberOfTrainingJobs)
	require.Len(t, cfg.ParameterRanges.CategoricalParameterRanges, 1)
	assert.Equal(t, []string{`"adam"`, `"sgd"`}, aws.StringValueSlice(cfg.ParameterRanges.CategoricalParameterRanges[0].Values))

	static := aws.StringValueMap(input.TrainingJobDefinition.StaticHyperParameters)
	assert.Equal(t, `"eval_loss"`, static[ObjectiveMetricKey])
	assert.Equal(t, `"train.py"`, static["sagemaker_program"])
	assert.Equal(t, "2", static["epochs"])
	assert.NotContains(t, static, "optimizer")
}

func TestValidateTuningSpec(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(s *spec.TuningSpec)
		errMsg string
	}{
		{"no ranges", func(s *spec.TuningSpec) { s.Ranges = nil }, "at least one hyperparameter range"},
		{"bad objective", func(s *spec.TuningSpec) { s.Objective.Type = "Best" }, "Maximize or Minimize"},
		{"static and tuned", func(s *spec.TuningSpec) {
			s.Ranges["num_round"] = spec.RangeSpec{Type: RangeInteger, Min: 10, Max: 200}
		}, "both static and tuned"},
		{"parallel over max", func(s *spec.TuningSpec) { s.MaxParallelJobs = 30 }, "must not exceed max-jobs"},
		{"grid with continuous", func(s *spec.TuningSpec) { s.Strategy = "Grid"; s.MaxJobs = 0 }, "only supports categorical"},
		{"grid with max jobs", func(s *spec.TuningSpec) { s.Strategy = "Grid" }, "max-jobs must not be set"},
		{"log scale from zero", func(s *spec.TuningSpec) {
			s.Ranges["eta"] = spec.RangeSpec{Type: RangeContinuous, Min: 0, Max: 0.3, Scaling: "Logarithmic"}
		}, "requires min > 0"},
		{"fractional integer", func(s *spec.TuningSpec) {
			s.Ranges["max_depth"] = spec.RangeSpec{Type: RangeInteger, Min: 2.5, Max: 10}
		}, "whole numbers"},
		{"hyperband auto stop", func(s *spec.TuningSpec) { s.Strategy = "Hyperband"; s.EarlyStopping = "Auto" }, "early-stopping must be Off"},
		{"unknown strategy", func(s *spec.TuningSpec) { s.Strategy = "Annealing" }, "unsupported strategy"},
		{"bad training template", func(s *spec.TuningSpec) { s.Training.Role = "" }, "role is required"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := xgbTuning()
			c.mutate(s)
			_, err := NewBuilder("us-east-1", fixedNow).Build(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.errMsg)
		})
	}

	s := scriptTuning()
	s.Training.MetricDefinitions = nil
	_, err := NewBuilder("us-east-1", fixedNow).Build(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no metric definition")
}

func TestTuningNameFitsLimit(t *testing.T) {
	s := xgbTuning()
	s.Name = "a-very-long-tuning-job-name-for-customer-churn"
	input, err := NewBuilder("us-east-1", fixedNow).Build(s)
	require.NoError(t, err)
	name := aws.StringValue(input.HyperParameterTuningJobName)
	assert.LessOrEqual(t, len(name), utils.MaxTuningJobNameLength)
	assert.Equal(t, "a-very-long-tuning-j-240309-1405", name)
}

func TestParseRange(t *testing.T) {
	name, r, err := ParseRange("eta=continuous:0.01:0.3:Logarithmic")
	require.NoError(t, err)
	assert.Equal(t, "eta", name)
	assert.Equal(t, spec.RangeSpec{Type: RangeContinuous, Min: 0.01, Max: 0.3, Scaling: "Logarithmic"}, r)

	name, r, err = ParseRange("optimizer=categorical:adam,sgd")
	require.NoError(t, err)
	assert.Equal(t, "optimizer", name)
	assert.Equal(t, []string{"adam", "sgd"}, r.Values)

	for _, bad := range []string{"eta", "eta=continuous:1", "eta=gaussian:0:1", "depth=integer:1:x", "c=categorical:"} {
		_, _, err := ParseRange(bad)
		assert.Error(t, err, bad)
	}
}

type fakeSageMaker struct {
	sagemakeriface.SageMakerAPI

	created   []*sagemaker.CreateHyperParameterTuningJobInput
	describes []*sagemaker.DescribeHyperParameterTuningJobOutput
	calls     int
	stopped   []string
	listInput *sagemaker.ListTrainingJobsForHyperParameterTuningJobInput
}

func (f *fakeSageMaker) CreateHyperParameterTuningJobWithContext(_ aws.Context, in *sagemaker.CreateHyperParameterTuningJobInput, _ ...request.Option) (*sagemaker.CreateHyperParameterTuningJobOutput, error) {
	f.created = append(f.created, in)
	return &sagemaker.CreateHyperParameterTuningJobOutput{
		HyperParameterTuningJobArn: aws.String("arn:aws:sagemaker:us-east-1:111122223333:hyper-parameter-tuning-job/" + aws.StringValue(in.HyperParameterTuningJobName)),
	}, nil
}

func (f *fakeSageMaker) DescribeHyperParameterTuningJobWithContext(_ aws.Context, _ *sagemaker.DescribeHyperParameterTuningJobInput, _ ...request.Option) (*sagemaker.DescribeHyperParameterTuningJobOutput, error) {
	i := f.calls
	if i >= len(f.describes) {
		i = len(f.describes) - 1
	}
	f.calls++
	return f.describes[i], nil
}

func (f *fakeSageMaker) StopHyperParameterTuningJobWithContext(_ aws.Context, in *sagemaker.StopHyperParameterTuningJobInput, _ ...request.Option) (*sagemaker.StopHyperParameterTuningJobOutput, error) {
	f.stopped = append(f.stopped, aws.StringValue(in.HyperParameterTuningJobName))
	return &sagemaker.StopHyperParameterTuningJobOutput{}, nil
}

func (f *fakeSageMaker) ListTrainingJobsForHyperParameterTuningJobPagesWithContext(_ aws.Context, in *sagemaker.ListTrainingJobsForHyperParameterTuningJobInput, fn func(*sagemaker.ListTrainingJobsForHyperParameterTuningJobOutput, bool) bool, _ ...request.Option) error {
	f.listInput = in
	fn(&sagemaker.ListTrainingJobsForHyperParameterTuningJobOutput{TrainingJobSummaries: []*sagemaker.HyperParameterTrainingJobSummary{
		{TrainingJobName: aws.String("t-001")}, {TrainingJobName: aws.String("t-002")},
	}}, false)
	fn(&sagemaker.ListTrainingJobsForHyperParameterTuningJobOutput{TrainingJobSummaries: []*sagemaker.HyperParameterTrainingJobSummary{
		{TrainingJobName: aws.String("t-003")},
	}}, true)
	return nil
}

func tuningStatus(status string, completed, inProgress int64) *sagemaker.DescribeHyperParameterTuningJobOutput {
	return &sagemaker.DescribeHyperParameterTuningJobOutput{
		HyperParameterTuningJobStatus: aws.String(status),
		TrainingJobStatusCounters: &sagemaker.TrainingJobStatusCounters{
			Completed:  aws.Int64(completed),
			InProgress: aws.Int64(inProgress),
		},
	}
}

func TestTunerFitAndBest(t *testing.T) {
	defer goleak.VerifyNone(t)

	done := tuningStatus("Completed", 20, 0)
	done.BestTrainingJob = &sagemaker.HyperParameterTrainingJobSummary{TrainingJobName: aws.String("xgb-churn-240309-1405-017-abc")}
	api := &fakeSageMaker{describes: []*sagemaker.DescribeHyperParameterTuningJobOutput{
		tuningStatus("InProgress", 0, 3),
		tuningStatus("InProgress", 3, 3),
		done,
	}}
	journal, err := store.NewFileStore(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, err)
	tuner := newTuner(api, journal, "us-east-1", time.Millisecond, fixedNow)

	name, desc, err := tuner.Fit(context.Background(), xgbTuning(), true)
	require.NoError(t, err)
	assert.Equal(t, "xgb-churn-240309-1405", name)
	assert.Equal(t, "Completed", aws.StringValue(desc.HyperParameterTuningJobStatus))

	rec, err := journal.Get(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, store.KindTuning, rec.Kind)
	assert.Equal(t, "Completed", rec.Status)

	best, err := tuner.BestTrainingJob(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, "xgb-churn-240309-1405-017-abc", aws.StringValue(best.TrainingJobName))
}

func TestTunerFailedAndNoBest(t *testing.T) {
	failed := tuningStatus("Failed", 0, 0)
	failed.FailureReason = aws.String("No training job succeeded")
	api := &fakeSageMaker{describes: []*sagemaker.DescribeHyperParameterTuningJobOutput{failed}}
	tuner := newTuner(api, nil, "us-east-1", time.Millisecond, fixedNow)

	_, err := tuner.Wait(context.Background(), "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No training job succeeded")

	_, err = tuner.BestTrainingJob(context.Background(), "t")
	assert.True(t, errors.Is(err, ErrNoBestJob))
}

func TestTunerInvalidSpec(t *testing.T) {
	api := &fakeSageMaker{}
	tuner := newTuner(api, nil, "us-east-1", time.Millisecond, fixedNow)
	s := xgbTuning()
	s.Ranges = nil
	_, _, err := tuner.Fit(context.Background(), s, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrInvalidConfig))
	assert.Empty(t, api.created)
}

func withObjective(desc *sagemaker.DescribeHyperParameterTuningJobOutput, objectiveType string) *sagemaker.DescribeHyperParameterTuningJobOutput {
	desc.HyperParameterTuningJobConfig = &sagemaker.HyperParameterTuningJobConfig{
		HyperParameterTuningJobObjective: &sagemaker.HyperParameterTuningJobObjective{
			MetricName: aws.String("validation:auc"),
			Type:       aws.String(objectiveType),
		},
	}
	return desc
}

func TestTunerStopAndList(t *testing.T) {
	api := &fakeSageMaker{describes: []*sagemaker.DescribeHyperParameterTuningJobOutput{
		withObjective(tuningStatus("Completed", 3, 0), "Maximize"),
	}}
	tuner := newTuner(api, nil, "us-east-1", time.Millisecond, fixedNow)

	require.NoError(t, tuner.Stop(context.Background(), "xgb-churn-240309-1405"))
	assert.Equal(t, []string{"xgb-churn-240309-1405"}, api.stopped)

	jobs, err := tuner.ListTrainingJobs(context.Background(), "xgb-churn-240309-1405", "")
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	assert.Equal(t, "FinalObjectiveMetricValue", aws.StringValue(api.listInput.SortBy))
	assert.Equal(t, "Descending", aws.StringValue(api.listInput.SortOrder))

	_, err = tuner.ListTrainingJobs(context.Background(), "xgb-churn-240309-1405", "Size")
	assert.True(t, errors.Is(err, utils.ErrInvalidConfig))
}

func TestTunerListOrderFollowsObjective(t *testing.T) {
	tests := []struct {
		objective string
		sortBy    string
		want      string
	}{
		{"Maximize", "", "Descending"},
		{"Minimize", "", "Ascending"},
		{"Minimize", "FinalObjectiveMetricValue", "Ascending"},
		{"Minimize", "CreationTime", "Descending"},
	}
	for _, tt := range tests {
		api := &fakeSageMaker{describes: []*sagemaker.DescribeHyperParameterTuningJobOutput{
			withObjective(tuningStatus("Completed", 3, 0), tt.objective),
		}}
		tuner := newTuner(api, nil, "us-east-1", time.Millisecond, fixedNow)
		_, err := tuner.ListTrainingJobs(context.Background(), "loss-tune", tt.sortBy)
		require.NoError(t, err)
		assert.Equal(t, tt.want, aws.StringValue(api.listInput.SortOrder), "%s/%s", tt.objective, tt.sortBy)
	}
}
