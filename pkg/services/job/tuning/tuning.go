// Package tuning submits and follows hyperparameter tuning jobs.
package tuning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sagemaker-adapter/pkg/monitor"
	adapters "sagemaker-adapter/pkg/services/job/internal/adapter"
	"sagemaker-adapter/pkg/spec"
	"sagemaker-adapter/pkg/store"
	"sagemaker-adapter/pkg/utils"
)

// ErrNoBestJob 调参作业尚无完成的训练作业
var ErrNoBestJob = errors.New("tuning job has no completed training job yet")

type Tuner struct {
	api          sagemakeriface.SageMakerAPI
	journal      store.Store
	builder      *Builder
	PollInterval time.Duration
	// PollTimeout 限制 Wait 的总时长，0 表示不限
	PollTimeout time.Duration
}

func NewTuner(api sagemakeriface.SageMakerAPI, journal store.Store, region string, pollInterval time.Duration) *Tuner {
	return newTuner(api, journal, region, pollInterval, time.Now)
}

func newTuner(api sagemakeriface.SageMakerAPI, journal store.Store, region string, pollInterval time.Duration, now func() time.Time) *Tuner {
	return &Tuner{
		api:          api,
		journal:      journal,
		builder:      NewBuilder(region, now),
		PollInterval: pollInterval,
	}
}

// DecodeSpec 将 gRPC 请求体按 YAML 字段名解码为调参配置
func DecodeSpec(payload map[string]interface{}) (*spec.TuningSpec, error) {
	s, err := adapters.DecodeTuningSpec(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}
	return s, nil
}

// Build 校验并生成请求，不调用平台
func (t *Tuner) Build(s *spec.TuningSpec) (*sagemaker.CreateHyperParameterTuningJobInput, error) {
	input, err := t.builder.Build(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}
	return input, nil
}

// Fit 提交调参作业，wait 为 true 时等待结束
func (t *Tuner) Fit(ctx context.Context, s *spec.TuningSpec, wait bool) (string, *sagemaker.DescribeHyperParameterTuningJobOutput, error) {
	input, err := t.Build(s)
	if err != nil {
		return "", nil, err
	}
	name := aws.StringValue(input.HyperParameterTuningJobName)

	out, err := t.api.CreateHyperParameterTuningJobWithContext(ctx, input)
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("CreateHyperParameterTuningJob").Inc()
		return "", nil, errors.Wrapf(err, "create tuning job %s", name)
	}
	monitor.JobsSubmitted.WithLabelValues(store.KindTuning).Inc()
	logrus.Infof("submitted tuning job %s (%s)", name, aws.StringValue(out.HyperParameterTuningJobArn))

	if t.journal != nil {
		now := time.Now()
		r := &store.Record{
			Name:      name,
			Kind:      store.KindTuning,
			Arn:       aws.StringValue(out.HyperParameterTuningJobArn),
			Status:    sagemaker.HyperParameterTuningJobStatusInProgress,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if data, err := json.Marshal(input); err == nil {
			r.Spec = string(data)
		}
		if err := t.journal.Save(ctx, r); err != nil {
			logrus.Warnf("journal %s failed: %v", name, err)
		}
	}

	if !wait {
		return name, nil, nil
	}
	desc, err := t.Wait(ctx, name)
	return name, desc, err
}

func (t *Tuner) Describe(ctx context.Context, name string) (*sagemaker.DescribeHyperParameterTuningJobOutput, error) {
	var out *sagemaker.DescribeHyperParameterTuningJobOutput
	err := utils.RetryOnThrottle(ctx, func() error {
		var err error
		out, err = t.api.DescribeHyperParameterTuningJobWithContext(ctx, &sagemaker.DescribeHyperParameterTuningJobInput{
			HyperParameterTuningJobName: aws.String(name),
		})
		return err
	})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("DescribeHyperParameterTuningJob").Inc()
		return nil, errors.Wrapf(err, "describe tuning job %s", name)
	}
	return out, nil
}

func isTerminal(status string) bool {
	switch status {
	case sagemaker.HyperParameterTuningJobStatusCompleted, sagemaker.HyperParameterTuningJobStatusFailed,
		sagemaker.HyperParameterTuningJobStatusStopped:
		return true
	}
	return false
}

// Wait 轮询直到调参作业结束，训练作业计数变化时打印日志
func (t *Tuner) Wait(ctx context.Context, name string) (*sagemaker.DescribeHyperParameterTuningJobOutput, error) {
	start := time.Now()
	var (
		last     *sagemaker.DescribeHyperParameterTuningJobOutput
		progress string
	)
	err := utils.PollUntilTerminal(ctx, t.PollInterval, t.PollTimeout, func(ctx context.Context) (bool, error) {
		desc, err := t.Describe(ctx, name)
		if err != nil {
			return false, err
		}
		last = desc
		status := aws.StringValue(desc.HyperParameterTuningJobStatus)
		if p := status + " " + counters(desc.TrainingJobStatusCounters); p != progress {
			logrus.WithField("job", name).Info(p)
			progress = p
			if t.journal != nil {
				if err := store.Touch(ctx, t.journal, name, store.KindTuning, status, counters(desc.TrainingJobStatusCounters), aws.StringValue(desc.FailureReason)); err != nil {
					logrus.Warnf("journal %s failed: %v", name, err)
				}
			}
		}
		return isTerminal(status), nil
	})
	if err != nil {
		return last, errors.Wrapf(err, "wait for tuning job %s", name)
	}

	status := aws.StringValue(last.HyperParameterTuningJobStatus)
	monitor.JobsFinished.WithLabelValues(store.KindTuning, status).Inc()
	monitor.JobWaitDuration.WithLabelValues(store.KindTuning).Observe(time.Since(start).Seconds())
	if status == sagemaker.HyperParameterTuningJobStatusFailed {
		return last, fmt.Errorf("tuning job %s failed: %s", name, aws.StringValue(last.FailureReason))
	}
	if best := last.BestTrainingJob; best != nil {
		logrus.Infof("tuning job %s best training job %s", name, aws.StringValue(best.TrainingJobName))
	}
	return last, nil
}

func counters(c *sagemaker.TrainingJobStatusCounters) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("completed=%d in-progress=%d stopped=%d failed=%d",
		aws.Int64Value(c.Completed), aws.Int64Value(c.InProgress), aws.Int64Value(c.Stopped),
		aws.Int64Value(c.NonRetryableError)+aws.Int64Value(c.RetryableError))
}

// BestTrainingJob 返回目标指标最优的训练作业
func (t *Tuner) BestTrainingJob(ctx context.Context, name string) (*sagemaker.HyperParameterTrainingJobSummary, error) {
	desc, err := t.Describe(ctx, name)
	if err != nil {
		return nil, err
	}
	if desc.BestTrainingJob == nil {
		return nil, ErrNoBestJob
	}
	return desc.BestTrainingJob, nil
}

func (t *Tuner) Stop(ctx context.Context, name string) error {
	_, err := t.api.StopHyperParameterTuningJobWithContext(ctx, &sagemaker.StopHyperParameterTuningJobInput{
		HyperParameterTuningJobName: aws.String(name),
	})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("StopHyperParameterTuningJob").Inc()
		return errors.Wrapf(err, "stop tuning job %s", name)
	}
	logrus.Infof("stop requested for tuning job %s", name)
	return nil
}

// ListTrainingJobs 列出调参作业启动的训练作业，sortBy 为空时按目标指标从优到劣排序
func (t *Tuner) ListTrainingJobs(ctx context.Context, name, sortBy string) ([]*sagemaker.HyperParameterTrainingJobSummary, error) {
	if sortBy == "" {
		sortBy = sagemaker.TrainingJobSortByOptionsFinalObjectiveMetricValue
	}
	valid := false
	for _, v := range sagemaker.TrainingJobSortByOptions_Values() {
		valid = valid || v == sortBy
	}
	if !valid {
		return nil, fmt.Errorf("%w: unknown sort key %q", utils.ErrInvalidConfig, sortBy)
	}
	order := sagemaker.SortOrderDescending
	if sortBy == sagemaker.TrainingJobSortByOptionsFinalObjectiveMetricValue {
		desc, err := t.Describe(ctx, name)
		if err != nil {
			return nil, err
		}
		order = objectiveOrder(desc)
	}
	input := &sagemaker.ListTrainingJobsForHyperParameterTuningJobInput{
		HyperParameterTuningJobName: aws.String(name),
		SortBy:                      aws.String(sortBy),
		SortOrder:                   aws.String(order),
	}

	var jobs []*sagemaker.HyperParameterTrainingJobSummary
	err := t.api.ListTrainingJobsForHyperParameterTuningJobPagesWithContext(ctx, input,
		func(page *sagemaker.ListTrainingJobsForHyperParameterTuningJobOutput, lastPage bool) bool {
			jobs = append(jobs, page.TrainingJobSummaries...)
			return true
		})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("ListTrainingJobsForHyperParameterTuningJob").Inc()
		return nil, errors.Wrapf(err, "list training jobs of %s", name)
	}
	return jobs, nil
}

// objectiveOrder Minimize 的最优值最小，升序排列
func objectiveOrder(desc *sagemaker.DescribeHyperParameterTuningJobOutput) string {
	if c := desc.HyperParameterTuningJobConfig; c != nil && c.HyperParameterTuningJobObjective != nil &&
		aws.StringValue(c.HyperParameterTuningJobObjective.Type) == sagemaker.HyperParameterTuningJobObjectiveTypeMinimize {
		return sagemaker.SortOrderAscending
	}
	return sagemaker.SortOrderDescending
}
