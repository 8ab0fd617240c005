// Package pipeline builds pipeline definitions from training and tuning steps
// and runs executions on the platform.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sagemaker-adapter/pkg/monitor"
	"sagemaker-adapter/pkg/spec"
	"sagemaker-adapter/pkg/store"
	"sagemaker-adapter/pkg/utils"
)

type Service struct {
	api          sagemakeriface.SageMakerAPI
	journal      store.Store
	builder      *Builder
	PollInterval time.Duration
	// PollTimeout 限制 Wait 的总时长，0 表示不限
	PollTimeout time.Duration
}

func NewService(api sagemakeriface.SageMakerAPI, journal store.Store, region string, pollInterval time.Duration) *Service {
	return &Service{
		api:          api,
		journal:      journal,
		builder:      NewBuilder(region, time.Now),
		PollInterval: pollInterval,
	}
}

// Build 校验并生成流水线定义，不调用平台
func (s *Service) Build(ps *spec.PipelineSpec) (*Definition, error) {
	def, err := s.builder.Build(ps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}
	return def, nil
}

// Upsert 创建流水线，已存在时更新定义，返回流水线 ARN
func (s *Service) Upsert(ctx context.Context, ps *spec.PipelineSpec) (string, error) {
	def, err := s.Build(ps)
	if err != nil {
		return "", err
	}
	body, err := def.JSON()
	if err != nil {
		return "", err
	}

	create := &sagemaker.CreatePipelineInput{
		PipelineName:       aws.String(ps.Name),
		PipelineDefinition: aws.String(body),
		RoleArn:            aws.String(ps.Role),
		ClientRequestToken: aws.String(uuid.NewString()),
	}
	if ps.Description != "" {
		create.PipelineDescription = aws.String(ps.Description)
	}
	out, err := s.api.CreatePipelineWithContext(ctx, create)
	if err == nil {
		logrus.Infof("created pipeline %s", ps.Name)
		return aws.StringValue(out.PipelineArn), nil
	}
	if !alreadyExists(err) {
		monitor.PlatformCallErrors.WithLabelValues("CreatePipeline").Inc()
		return "", errors.Wrapf(err, "create pipeline %s", ps.Name)
	}

	update := &sagemaker.UpdatePipelineInput{
		PipelineName:        aws.String(ps.Name),
		PipelineDefinition:  create.PipelineDefinition,
		RoleArn:             create.RoleArn,
		PipelineDescription: create.PipelineDescription,
	}
	updated, err := s.api.UpdatePipelineWithContext(ctx, update)
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("UpdatePipeline").Inc()
		return "", errors.Wrapf(err, "update pipeline %s", ps.Name)
	}
	logrus.Infof("updated pipeline %s", ps.Name)
	return aws.StringValue(updated.PipelineArn), nil
}

func alreadyExists(err error) bool {
	if utils.IsAWSErrorCode(err, sagemaker.ErrCodeResourceInUse) {
		return true
	}
	return utils.IsAWSErrorCode(err, utils.ErrCodeValidation) && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// Start 启动一次执行，params 覆盖参数默认值，返回执行 ARN
func (s *Service) Start(ctx context.Context, name string, params map[string]string) (string, error) {
	input := &sagemaker.StartPipelineExecutionInput{
		PipelineName:       aws.String(name),
		ClientRequestToken: aws.String(uuid.NewString()),
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		input.PipelineParameters = append(input.PipelineParameters, &sagemaker.Parameter{
			Name:  aws.String(k),
			Value: aws.String(params[k]),
		})
	}

	out, err := s.api.StartPipelineExecutionWithContext(ctx, input)
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("StartPipelineExecution").Inc()
		return "", errors.Wrapf(err, "start pipeline %s", name)
	}
	arn := aws.StringValue(out.PipelineExecutionArn)
	monitor.JobsSubmitted.WithLabelValues(store.KindPipeline).Inc()
	logrus.Infof("started pipeline %s execution %s", name, arn)

	if s.journal != nil {
		now := time.Now()
		r := &store.Record{
			Name:      arn,
			Kind:      store.KindPipeline,
			Arn:       arn,
			Status:    sagemaker.PipelineExecutionStatusExecuting,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.journal.Save(ctx, r); err != nil {
			logrus.Warnf("journal %s failed: %v", arn, err)
		}
	}
	return arn, nil
}

func (s *Service) Describe(ctx context.Context, arn string) (*sagemaker.DescribePipelineExecutionOutput, error) {
	var out *sagemaker.DescribePipelineExecutionOutput
	err := utils.RetryOnThrottle(ctx, func() error {
		var err error
		out, err = s.api.DescribePipelineExecutionWithContext(ctx, &sagemaker.DescribePipelineExecutionInput{
			PipelineExecutionArn: aws.String(arn),
		})
		return err
	})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("DescribePipelineExecution").Inc()
		return nil, errors.Wrapf(err, "describe pipeline execution %s", arn)
	}
	return out, nil
}

// Steps 按开始时间列出执行的各个步骤
func (s *Service) Steps(ctx context.Context, arn string) ([]*sagemaker.PipelineExecutionStep, error) {
	var steps []*sagemaker.PipelineExecutionStep
	err := s.api.ListPipelineExecutionStepsPagesWithContext(ctx, &sagemaker.ListPipelineExecutionStepsInput{
		PipelineExecutionArn: aws.String(arn),
		SortOrder:            aws.String(sagemaker.SortOrderAscending),
	}, func(page *sagemaker.ListPipelineExecutionStepsOutput, lastPage bool) bool {
		steps = append(steps, page.PipelineExecutionSteps...)
		return true
	})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("ListPipelineExecutionSteps").Inc()
		return nil, errors.Wrapf(err, "list steps of %s", arn)
	}
	return steps, nil
}

func isTerminal(status string) bool {
	switch status {
	case sagemaker.PipelineExecutionStatusSucceeded, sagemaker.PipelineExecutionStatusFailed, sagemaker.PipelineExecutionStatusStopped:
		return true
	}
	return false
}

// Wait 轮询直到执行结束，步骤状态变化时打印日志
func (s *Service) Wait(ctx context.Context, arn string) (*sagemaker.DescribePipelineExecutionOutput, error) {
	start := time.Now()
	var last *sagemaker.DescribePipelineExecutionOutput
	seen := make(map[string]string)

	err := utils.PollUntilTerminal(ctx, s.PollInterval, s.PollTimeout, func(ctx context.Context) (bool, error) {
		desc, err := s.Describe(ctx, arn)
		if err != nil {
			return false, err
		}
		status := aws.StringValue(desc.PipelineExecutionStatus)
		if last == nil || aws.StringValue(last.PipelineExecutionStatus) != status {
			logrus.WithField("execution", arn).Infof("pipeline %s", status)
			if s.journal != nil {
				if err := store.Touch(ctx, s.journal, arn, store.KindPipeline, status, "", aws.StringValue(desc.FailureReason)); err != nil {
					logrus.Warnf("journal %s failed: %v", arn, err)
				}
			}
		}
		last = desc

		steps, err := s.Steps(ctx, arn)
		if err != nil {
			return false, err
		}
		for _, step := range steps {
			name, st := aws.StringValue(step.StepName), aws.StringValue(step.StepStatus)
			if seen[name] != st {
				seen[name] = st
				entry := logrus.WithField("execution", arn)
				if reason := aws.StringValue(step.FailureReason); reason != "" {
					entry.Infof("step %s %s: %s", name, st, reason)
				} else {
					entry.Infof("step %s %s", name, st)
				}
			}
		}
		return isTerminal(status), nil
	})
	if err != nil {
		return last, errors.Wrapf(err, "wait for pipeline execution %s", arn)
	}

	status := aws.StringValue(last.PipelineExecutionStatus)
	monitor.JobsFinished.WithLabelValues(store.KindPipeline, status).Inc()
	monitor.JobWaitDuration.WithLabelValues(store.KindPipeline).Observe(time.Since(start).Seconds())
	if status == sagemaker.PipelineExecutionStatusFailed {
		return last, fmt.Errorf("pipeline execution %s failed: %s", arn, aws.StringValue(last.FailureReason))
	}
	return last, nil
}

func (s *Service) Stop(ctx context.Context, arn string) error {
	_, err := s.api.StopPipelineExecutionWithContext(ctx, &sagemaker.StopPipelineExecutionInput{
		PipelineExecutionArn: aws.String(arn),
		ClientRequestToken:   aws.String(uuid.NewString()),
	})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("StopPipelineExecution").Inc()
		return errors.Wrapf(err, "stop pipeline execution %s", arn)
	}
	return nil
}

// ParseParams 解析 k=v 形式的执行参数
func ParseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", p)
		}
		params[k] = v
	}
	return params, nil
}
