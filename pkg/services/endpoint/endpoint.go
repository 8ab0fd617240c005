// Package endpoint deploys trained models to hosted endpoints and invokes them.
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
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
	now          func() time.Time
	PollInterval time.Duration
	// PollTimeout 限制 Wait 的总时长，0 表示不限
	PollTimeout time.Duration
}

func NewService(api sagemakeriface.SageMakerAPI, journal store.Store, pollInterval time.Duration) *Service {
	return &Service{api: api, journal: journal, now: time.Now, PollInterval: pollInterval}
}

// Validate 校验部署配置
func Validate(ds *spec.DeploySpec) error {
	if ds.Name == "" {
		return fmt.Errorf("endpoint name is required")
	}
	if ds.Role == "" {
		return fmt.Errorf("role is required")
	}
	if !strings.HasPrefix(ds.InstanceType, "ml.") {
		return fmt.Errorf("invalid instance type %q", ds.InstanceType)
	}
	if ds.InitialInstanceCount < 1 {
		return fmt.Errorf("initial instance count must be at least 1")
	}
	if ds.ModelData != "" && ds.FromTrainingJob != "" {
		return fmt.Errorf("model-data and from-training-job are mutually exclusive")
	}
	if ds.ModelData != "" {
		if _, _, err := utils.ParseS3URI(ds.ModelData); err != nil {
			return fmt.Errorf("model-data: %v", err)
		}
	}
	if ds.Image == "" {
		return fmt.Errorf("image is required")
	}
	if _, err := utils.NormalizeImageRef(ds.Image); err != nil {
		return fmt.Errorf("invalid image %q: %v", ds.Image, err)
	}
	return nil
}

// Deploy 依次创建模型、端点配置和端点，wait 为 true 时等待端点可用
func (s *Service) Deploy(ctx context.Context, ds *spec.DeploySpec, wait bool) (*sagemaker.DescribeEndpointOutput, error) {
	if err := Validate(ds); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}

	modelData := ds.ModelData
	if ds.FromTrainingJob != "" {
		var err error
		if modelData, err = s.modelArtifacts(ctx, ds.FromTrainingJob); err != nil {
			return nil, err
		}
	}

	// 1. 模型
	resourceName := utils.TrainingJobName(ds.Name, s.now())
	tags := buildTags(ds.Tags)
	container := &sagemaker.ContainerDefinition{Image: aws.String(ds.Image)}
	if modelData != "" {
		container.ModelDataUrl = aws.String(modelData)
	}
	if len(ds.Environment) > 0 {
		container.Environment = aws.StringMap(ds.Environment)
	}
	if _, err := s.api.CreateModelWithContext(ctx, &sagemaker.CreateModelInput{
		ModelName:        aws.String(resourceName),
		ExecutionRoleArn: aws.String(ds.Role),
		PrimaryContainer: container,
		Tags:             tags,
	}); err != nil {
		monitor.PlatformCallErrors.WithLabelValues("CreateModel").Inc()
		return nil, errors.Wrapf(err, "create model %s", resourceName)
	}
	logrus.Infof("created model %s", resourceName)

	// 2. 端点配置
	if _, err := s.api.CreateEndpointConfigWithContext(ctx, &sagemaker.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(resourceName),
		ProductionVariants: []*sagemaker.ProductionVariant{{
			VariantName:          aws.String(utils.ProductionVariantName),
			ModelName:            aws.String(resourceName),
			InstanceType:         aws.String(ds.InstanceType),
			InitialInstanceCount: aws.Int64(ds.InitialInstanceCount),
			InitialVariantWeight: aws.Float64(1),
		}},
		Tags: tags,
	}); err != nil {
		monitor.PlatformCallErrors.WithLabelValues("CreateEndpointConfig").Inc()
		s.cleanup(ctx, resourceName, false)
		return nil, errors.Wrapf(err, "create endpoint config %s", resourceName)
	}

	// 3. 端点，已存在时切换到新配置
	_, err := s.api.CreateEndpointWithContext(ctx, &sagemaker.CreateEndpointInput{
		EndpointName:       aws.String(ds.Name),
		EndpointConfigName: aws.String(resourceName),
		Tags:               tags,
	})
	if err != nil && endpointExists(err) {
		logrus.Infof("endpoint %s exists, updating to config %s", ds.Name, resourceName)
		_, err = s.api.UpdateEndpointWithContext(ctx, &sagemaker.UpdateEndpointInput{
			EndpointName:       aws.String(ds.Name),
			EndpointConfigName: aws.String(resourceName),
		})
	}
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("CreateEndpoint").Inc()
		s.cleanup(ctx, resourceName, true)
		return nil, errors.Wrapf(err, "create endpoint %s", ds.Name)
	}
	monitor.JobsSubmitted.WithLabelValues(store.KindEndpoint).Inc()
	s.record(ctx, ds)

	if !wait {
		return s.Describe(ctx, ds.Name)
	}
	return s.Wait(ctx, ds.Name)
}

// cleanup 端点创建失败时尽力删除本次新建的端点配置和模型，失败只记日志
func (s *Service) cleanup(ctx context.Context, resourceName string, withConfig bool) {
	ctx = context.WithoutCancel(ctx)
	if withConfig {
		if _, err := s.api.DeleteEndpointConfigWithContext(ctx, &sagemaker.DeleteEndpointConfigInput{
			EndpointConfigName: aws.String(resourceName),
		}); err != nil {
			logrus.Warnf("endpoint config %s left behind: %v", resourceName, err)
		}
	}
	if _, err := s.api.DeleteModelWithContext(ctx, &sagemaker.DeleteModelInput{ModelName: aws.String(resourceName)}); err != nil {
		logrus.Warnf("model %s left behind: %v", resourceName, err)
	}
}

func buildTags(tags map[string]string) []*sagemaker.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []*sagemaker.Tag
	for _, k := range keys {
		out = append(out, &sagemaker.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func endpointExists(err error) bool {
	return utils.IsAWSErrorCode(err, utils.ErrCodeValidation) &&
		strings.Contains(strings.ToLower(err.Error()), "already existing endpoint")
}

func (s *Service) record(ctx context.Context, ds *spec.DeploySpec) {
	if s.journal == nil {
		return
	}
	now := time.Now()
	r := &store.Record{
		Name:      ds.Name,
		Kind:      store.KindEndpoint,
		Status:    sagemaker.EndpointStatusCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if data, err := json.Marshal(ds); err == nil {
		r.Spec = string(data)
	}
	if err := s.journal.Save(ctx, r); err != nil {
		logrus.Warnf("journal %s failed: %v", ds.Name, err)
	}
}

// modelArtifacts 取已完成训练作业的模型产物地址
func (s *Service) modelArtifacts(ctx context.Context, trainingJob string) (string, error) {
	var desc *sagemaker.DescribeTrainingJobOutput
	err := utils.RetryOnThrottle(ctx, func() error {
		var err error
		desc, err = s.api.DescribeTrainingJobWithContext(ctx, &sagemaker.DescribeTrainingJobInput{
			TrainingJobName: aws.String(trainingJob),
		})
		return err
	})
	if err != nil {
		return "", errors.Wrapf(err, "describe training job %s", trainingJob)
	}
	if status := aws.StringValue(desc.TrainingJobStatus); status != sagemaker.TrainingJobStatusCompleted {
		return "", fmt.Errorf("%w: training job %s is %s, not Completed", utils.ErrInvalidConfig, trainingJob, status)
	}
	if desc.ModelArtifacts == nil || aws.StringValue(desc.ModelArtifacts.S3ModelArtifacts) == "" {
		return "", fmt.Errorf("training job %s has no model artifacts", trainingJob)
	}
	return aws.StringValue(desc.ModelArtifacts.S3ModelArtifacts), nil
}

func (s *Service) Describe(ctx context.Context, name string) (*sagemaker.DescribeEndpointOutput, error) {
	var out *sagemaker.DescribeEndpointOutput
	err := utils.RetryOnThrottle(ctx, func() error {
		var err error
		out, err = s.api.DescribeEndpointWithContext(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(name)})
		return err
	})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("DescribeEndpoint").Inc()
		return nil, errors.Wrapf(err, "describe endpoint %s", name)
	}
	return out, nil
}

// Wait 等待端点进入 InService
func (s *Service) Wait(ctx context.Context, name string) (*sagemaker.DescribeEndpointOutput, error) {
	start := time.Now()
	var (
		last       *sagemaker.DescribeEndpointOutput
		lastStatus string
	)
	err := utils.PollUntilTerminal(ctx, s.PollInterval, s.PollTimeout, func(ctx context.Context) (bool, error) {
		desc, err := s.Describe(ctx, name)
		if err != nil {
			return false, err
		}
		last = desc
		status := aws.StringValue(desc.EndpointStatus)
		if status != lastStatus {
			logrus.WithField("endpoint", name).Infof("endpoint %s", status)
			lastStatus = status
			if s.journal != nil {
				if err := store.Touch(ctx, s.journal, name, store.KindEndpoint, status, "", aws.StringValue(desc.FailureReason)); err != nil {
					logrus.Warnf("journal %s failed: %v", name, err)
				}
			}
		}
		switch status {
		case sagemaker.EndpointStatusInService, sagemaker.EndpointStatusFailed, sagemaker.EndpointStatusUpdateRollbackFailed:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return last, errors.Wrapf(err, "wait for endpoint %s", name)
	}

	status := aws.StringValue(last.EndpointStatus)
	monitor.JobsFinished.WithLabelValues(store.KindEndpoint, status).Inc()
	monitor.JobWaitDuration.WithLabelValues(store.KindEndpoint).Observe(time.Since(start).Seconds())
	if status != sagemaker.EndpointStatusInService {
		return last, fmt.Errorf("endpoint %s is %s: %s", name, status, aws.StringValue(last.FailureReason))
	}
	return last, nil
}

// Delete 删除端点及其配置和模型
func (s *Service) Delete(ctx context.Context, name string) error {
	desc, err := s.Describe(ctx, name)
	if err != nil {
		return err
	}
	configName := aws.StringValue(desc.EndpointConfigName)
	config, err := s.api.DescribeEndpointConfigWithContext(ctx, &sagemaker.DescribeEndpointConfigInput{
		EndpointConfigName: aws.String(configName),
	})
	if err != nil {
		return errors.Wrapf(err, "describe endpoint config %s", configName)
	}

	if _, err := s.api.DeleteEndpointWithContext(ctx, &sagemaker.DeleteEndpointInput{EndpointName: aws.String(name)}); err != nil {
		monitor.PlatformCallErrors.WithLabelValues("DeleteEndpoint").Inc()
		return errors.Wrapf(err, "delete endpoint %s", name)
	}
	if _, err := s.api.DeleteEndpointConfigWithContext(ctx, &sagemaker.DeleteEndpointConfigInput{EndpointConfigName: aws.String(configName)}); err != nil {
		return errors.Wrapf(err, "delete endpoint config %s", configName)
	}
	for _, v := range config.ProductionVariants {
		model := aws.StringValue(v.ModelName)
		if _, err := s.api.DeleteModelWithContext(ctx, &sagemaker.DeleteModelInput{ModelName: aws.String(model)}); err != nil {
			if utils.IsNotFound(err) {
				continue
			}
			return errors.Wrapf(err, "delete model %s", model)
		}
	}
	logrus.Infof("deleted endpoint %s", name)

	if s.journal != nil {
		if err := s.journal.Delete(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
			logrus.Warnf("journal %s failed: %v", name, err)
		}
	}
	return nil
}
