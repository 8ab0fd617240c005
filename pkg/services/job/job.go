package job

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
	"sagemaker-adapter/pkg/services/job/internal/builder"
	"sagemaker-adapter/pkg/spec"
	"sagemaker-adapter/pkg/store"
	"sagemaker-adapter/pkg/utils"
)

// Service 提交并跟踪训练作业
type Service struct {
	api          sagemakeriface.SageMakerAPI
	journal      store.Store
	coordinator  *builder.JobBuilderCoordinator
	PollInterval time.Duration
	// PollTimeout 限制 Wait 的总时长，0 表示不限
	PollTimeout time.Duration
}

// NewService journal 可为 nil，此时不记录作业日志
func NewService(api sagemakeriface.SageMakerAPI, journal store.Store, region string, pollInterval time.Duration) *Service {
	return newService(api, journal, region, pollInterval, time.Now)
}

func newService(api sagemakeriface.SageMakerAPI, journal store.Store, region string, pollInterval time.Duration, now func() time.Time) *Service {
	return &Service{
		api:          api,
		journal:      journal,
		coordinator:  builder.NewJobBuilderCoordinator(region, now),
		PollInterval: pollInterval,
	}
}

// DecodeSpec 将 gRPC 请求体按 YAML 字段名解码为训练配置
func DecodeSpec(payload map[string]interface{}) (*spec.TrainingSpec, error) {
	s, err := adapters.DecodeTrainingSpec(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}
	return s, nil
}

// Build 校验请求并生成 CreateTrainingJob 参数，不调用平台
func (s *Service) Build(req interface{}) (*sagemaker.CreateTrainingJobInput, error) {
	input, err := s.coordinator.BuildTrainingJob(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}
	return input, nil
}

// Submit 提交训练作业，返回平台生成的作业名
func (s *Service) Submit(ctx context.Context, req interface{}) (string, error) {
	input, err := s.Build(req)
	if err != nil {
		return "", err
	}
	name := aws.StringValue(input.TrainingJobName)

	out, err := s.api.CreateTrainingJobWithContext(ctx, input)
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("CreateTrainingJob").Inc()
		return "", errors.Wrapf(err, "create training job %s", name)
	}
	monitor.JobsSubmitted.WithLabelValues(store.KindTraining).Inc()
	logrus.Infof("submitted training job %s (%s)", name, aws.StringValue(out.TrainingJobArn))

	s.record(ctx, &store.Record{
		Name:   name,
		Kind:   store.KindTraining,
		Arn:    aws.StringValue(out.TrainingJobArn),
		Status: sagemaker.TrainingJobStatusInProgress,
	}, input)
	return name, nil
}

func (s *Service) record(ctx context.Context, r *store.Record, submitted interface{}) {
	if s.journal == nil {
		return
	}
	if submitted != nil {
		if data, err := json.Marshal(submitted); err == nil {
			r.Spec = string(data)
		}
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	if err := s.journal.Save(ctx, r); err != nil {
		logrus.Warnf("journal %s failed: %v", r.Name, err)
	}
}

// Describe 查询作业详情，限流时自动重试
func (s *Service) Describe(ctx context.Context, name string) (*sagemaker.DescribeTrainingJobOutput, error) {
	var out *sagemaker.DescribeTrainingJobOutput
	err := utils.RetryOnThrottle(ctx, func() error {
		var err error
		out, err = s.api.DescribeTrainingJobWithContext(ctx, &sagemaker.DescribeTrainingJobInput{
			TrainingJobName: aws.String(name),
		})
		return err
	})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("DescribeTrainingJob").Inc()
		return nil, errors.Wrapf(err, "describe training job %s", name)
	}
	return out, nil
}

// IsTerminal 判断训练作业是否已结束
func IsTerminal(status string) bool {
	switch status {
	case sagemaker.TrainingJobStatusCompleted, sagemaker.TrainingJobStatusFailed, sagemaker.TrainingJobStatusStopped:
		return true
	}
	return false
}

// Wait 阻塞直到作业结束。ctx 取消只结束本地等待，平台上的作业继续运行
func (s *Service) Wait(ctx context.Context, name string) (*sagemaker.DescribeTrainingJobOutput, error) {
	start := time.Now()
	var (
		last          *sagemaker.DescribeTrainingJobOutput
		lastSecondary string
	)

	err := utils.PollUntilTerminal(ctx, s.PollInterval, s.PollTimeout, func(ctx context.Context) (bool, error) {
		desc, err := s.Describe(ctx, name)
		if err != nil {
			return false, err
		}
		last = desc

		status := aws.StringValue(desc.TrainingJobStatus)
		secondary := aws.StringValue(desc.SecondaryStatus)
		if secondary != lastSecondary {
			logrus.WithField("job", name).Infof("%s - %s", status, secondaryMessage(desc))
			lastSecondary = secondary
			if s.journal != nil {
				if err := store.Touch(ctx, s.journal, name, store.KindTraining, status, secondary, aws.StringValue(desc.FailureReason)); err != nil {
					logrus.Warnf("journal %s failed: %v", name, err)
				}
			}
		}
		return IsTerminal(status), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			logrus.Warnf("stopped waiting for training job %s, the job keeps running on the platform", name)
		}
		return last, errors.Wrapf(err, "wait for training job %s", name)
	}

	status := aws.StringValue(last.TrainingJobStatus)
	monitor.JobsFinished.WithLabelValues(store.KindTraining, status).Inc()
	monitor.JobWaitDuration.WithLabelValues(store.KindTraining).Observe(time.Since(start).Seconds())

	if status == sagemaker.TrainingJobStatusFailed {
		return last, fmt.Errorf("training job %s failed: %s", name, aws.StringValue(last.FailureReason))
	}
	logrus.Infof("training job %s finished with status %s", name, status)
	return last, nil
}

// secondaryMessage 取最新一次次级状态的描述
func secondaryMessage(desc *sagemaker.DescribeTrainingJobOutput) string {
	transitions := desc.SecondaryStatusTransitions
	if len(transitions) == 0 {
		return aws.StringValue(desc.SecondaryStatus)
	}
	latest := transitions[len(transitions)-1]
	if msg := aws.StringValue(latest.StatusMessage); msg != "" {
		return fmt.Sprintf("%s: %s", aws.StringValue(latest.Status), msg)
	}
	return aws.StringValue(latest.Status)
}

// Fit 提交作业，wait 为 true 时等待作业结束
func (s *Service) Fit(ctx context.Context, req interface{}, wait bool) (string, *sagemaker.DescribeTrainingJobOutput, error) {
	name, err := s.Submit(ctx, req)
	if err != nil {
		return "", nil, err
	}
	if !wait {
		return name, nil, nil
	}
	desc, err := s.Wait(ctx, name)
	return name, desc, err
}

// Stop 请求平台停止作业，作业最终进入 Stopped 状态
func (s *Service) Stop(ctx context.Context, name string) error {
	_, err := s.api.StopTrainingJobWithContext(ctx, &sagemaker.StopTrainingJobInput{
		TrainingJobName: aws.String(name),
	})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("StopTrainingJob").Inc()
		return errors.Wrapf(err, "stop training job %s", name)
	}
	logrus.Infof("stop requested for training job %s", name)
	if s.journal != nil {
		if err := store.Touch(ctx, s.journal, name, store.KindTraining, sagemaker.TrainingJobStatusStopping, "", ""); err != nil {
			logrus.Warnf("journal %s failed: %v", name, err)
		}
	}
	return nil
}

// List 按创建时间倒序列出作业，status 为空时不过滤，max<=0 表示不限
func (s *Service) List(ctx context.Context, status string, max int) ([]*sagemaker.TrainingJobSummary, error) {
	input := &sagemaker.ListTrainingJobsInput{
		SortBy:    aws.String(sagemaker.SortByCreationTime),
		SortOrder: aws.String(sagemaker.SortOrderDescending),
	}
	if status != "" {
		input.StatusEquals = aws.String(status)
	}

	var summaries []*sagemaker.TrainingJobSummary
	err := s.api.ListTrainingJobsPagesWithContext(ctx, input, func(page *sagemaker.ListTrainingJobsOutput, lastPage bool) bool {
		summaries = append(summaries, page.TrainingJobSummaries...)
		return max <= 0 || len(summaries) < max
	})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("ListTrainingJobs").Inc()
		return nil, errors.Wrap(err, "list training jobs")
	}
	if max > 0 && len(summaries) > max {
		summaries = summaries[:max]
	}
	return summaries, nil
}

// JobSummary 作业结束后的计费与产物信息
type JobSummary struct {
	Name              string
	Status            string
	TrainingSeconds   int64
	BillableSeconds   int64
	SpotSavingPercent float64
	ModelArtifacts    string
	FailureReason     string
}

// Summary 从作业详情中提取计费时长与模型产物
func Summary(desc *sagemaker.DescribeTrainingJobOutput) JobSummary {
	s := JobSummary{
		Name:            aws.StringValue(desc.TrainingJobName),
		Status:          aws.StringValue(desc.TrainingJobStatus),
		TrainingSeconds: aws.Int64Value(desc.TrainingTimeInSeconds),
		BillableSeconds: aws.Int64Value(desc.BillableTimeInSeconds),
		FailureReason:   aws.StringValue(desc.FailureReason),
	}
	if desc.ModelArtifacts != nil {
		s.ModelArtifacts = aws.StringValue(desc.ModelArtifacts.S3ModelArtifacts)
	}
	if aws.BoolValue(desc.EnableManagedSpotTraining) && s.TrainingSeconds > 0 {
		s.SpotSavingPercent = (1 - float64(s.BillableSeconds)/float64(s.TrainingSeconds)) * 100
	}
	return s
}

func (s JobSummary) String() string {
	out := fmt.Sprintf("%s %s training=%ds billable=%ds", s.Name, s.Status, s.TrainingSeconds, s.BillableSeconds)
	if s.SpotSavingPercent > 0 {
		out += fmt.Sprintf(" spot-savings=%.1f%%", s.SpotSavingPercent)
	}
	if s.ModelArtifacts != "" {
		out += " model=" + s.ModelArtifacts
	}
	if s.FailureReason != "" {
		out += " reason=" + s.FailureReason
	}
	return out
}
