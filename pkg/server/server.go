// Package server exposes the adapter's training, tuning, pipeline, endpoint and
// checkpoint operations over gRPC.
package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime/sagemakerruntimeiface"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/structpb"

	"sagemaker-adapter/pkg/services/checkpoint"
	"sagemaker-adapter/pkg/services/endpoint"
	"sagemaker-adapter/pkg/services/job"
	"sagemaker-adapter/pkg/services/job/pipeline"
	"sagemaker-adapter/pkg/services/job/tuning"
	"sagemaker-adapter/pkg/store"
	"sagemaker-adapter/pkg/utils"
)

type Server struct {
	AWS         utils.AWSConfig
	Jobs        *job.Service
	Tuner       *tuning.Tuner
	Pipelines   *pipeline.Service
	Runtime     sagemakerruntimeiface.SageMakerRuntimeAPI
	Checkpoints *checkpoint.Service
	Journal     store.Store
}

// New 使用同一组平台客户端创建各服务
func New(clients *utils.Clients, cfg utils.AWSConfig, journal store.Store, pollInterval time.Duration) *Server {
	return &Server{
		AWS:         cfg,
		Jobs:        job.NewService(clients.SageMaker, journal, clients.Region, pollInterval),
		Tuner:       tuning.NewTuner(clients.SageMaker, journal, clients.Region, pollInterval),
		Pipelines:   pipeline.NewService(clients.SageMaker, journal, clients.Region, pollInterval),
		Runtime:     clients.Runtime,
		Checkpoints: checkpoint.NewService(clients.S3),
		Journal:     journal,
	}
}

func field(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func required(in *structpb.Struct, key string) (string, error) {
	v := field(in, key)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", utils.ErrInvalidConfig, key)
	}
	return v, nil
}

// parameterValue structpb 的数字都是 float64，按十进制原样输出，避免 1e+06
func parameterValue(v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	case *structpb.Value_StringValue:
		return k.StringValue
	default:
		return fmt.Sprint(v.AsInterface())
	}
}

func timeValue(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) GetVersion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request GetVersion: %v", in)
	major, minor, patch, ok := utils.VersionParts()
	if !ok {
		logrus.Warnf("malformed version %s", utils.Version)
	}
	return structpb.NewStruct(map[string]interface{}{
		"major":      major,
		"minor":      minor,
		"patch":      patch,
		"commit":     utils.GitCommit,
		"build_time": utils.BuildTime,
		"sdk":        aws.SDKVersion,
		"started_at": utils.AdapterStartTime.UTC().Format(time.RFC3339),
	})
}

func (s *Server) SubmitTrainingJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request SubmitTrainingJob: %v", in)
	ts, err := job.DecodeSpec(in.AsMap())
	if err != nil {
		return nil, utils.StatusError(err)
	}
	ts.ApplyDefaults(s.AWS)
	name, err := s.Jobs.Submit(ctx, ts)
	if err != nil {
		logrus.Errorf("SubmitTrainingJob failed: %v", err)
		return nil, utils.StatusError(err)
	}
	return structpb.NewStruct(map[string]interface{}{"name": name})
}

func (s *Server) DescribeTrainingJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request DescribeTrainingJob: %v", in)
	name, err := required(in, "name")
	if err != nil {
		return nil, utils.StatusError(err)
	}
	desc, err := s.Jobs.Describe(ctx, name)
	if err != nil {
		return nil, utils.StatusError(err)
	}
	sum := job.Summary(desc)
	return structpb.NewStruct(map[string]interface{}{
		"name":                sum.Name,
		"status":              sum.Status,
		"secondary_status":    aws.StringValue(desc.SecondaryStatus),
		"failure_reason":      sum.FailureReason,
		"training_seconds":    sum.TrainingSeconds,
		"billable_seconds":    sum.BillableSeconds,
		"spot_saving_percent": sum.SpotSavingPercent,
		"model_artifacts":     sum.ModelArtifacts,
		"created_at":          timeValue(desc.CreationTime),
	})
}

func (s *Server) StopTrainingJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request StopTrainingJob: %v", in)
	name, err := required(in, "name")
	if err != nil {
		return nil, utils.StatusError(err)
	}
	if err := s.Jobs.Stop(ctx, name); err != nil {
		logrus.Errorf("StopTrainingJob failed: %v", err)
		return nil, utils.StatusError(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) ListTrainingJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request ListTrainingJobs: %v", in)
	max := int(in.GetFields()["max_results"].GetNumberValue())
	summaries, err := s.Jobs.List(ctx, field(in, "status"), max)
	if err != nil {
		return nil, utils.StatusError(err)
	}
	jobs := make([]interface{}, 0, len(summaries))
	for _, j := range summaries {
		jobs = append(jobs, map[string]interface{}{
			"name":       aws.StringValue(j.TrainingJobName),
			"status":     aws.StringValue(j.TrainingJobStatus),
			"created_at": timeValue(j.CreationTime),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"jobs": jobs})
}

func (s *Server) SubmitTuningJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request SubmitTuningJob: %v", in)
	ts, err := tuning.DecodeSpec(in.AsMap())
	if err != nil {
		return nil, utils.StatusError(err)
	}
	ts.ApplyDefaults(s.AWS)
	name, _, err := s.Tuner.Fit(ctx, ts, false)
	if err != nil {
		logrus.Errorf("SubmitTuningJob failed: %v", err)
		return nil, utils.StatusError(err)
	}
	return structpb.NewStruct(map[string]interface{}{"name": name})
}

func (s *Server) DescribeTuningJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request DescribeTuningJob: %v", in)
	name, err := required(in, "name")
	if err != nil {
		return nil, utils.StatusError(err)
	}
	desc, err := s.Tuner.Describe(ctx, name)
	if err != nil {
		return nil, utils.StatusError(err)
	}
	out := map[string]interface{}{
		"name":           aws.StringValue(desc.HyperParameterTuningJobName),
		"status":         aws.StringValue(desc.HyperParameterTuningJobStatus),
		"failure_reason": aws.StringValue(desc.FailureReason),
	}
	if c := desc.TrainingJobStatusCounters; c != nil {
		out["completed"] = aws.Int64Value(c.Completed)
		out["in_progress"] = aws.Int64Value(c.InProgress)
		out["stopped"] = aws.Int64Value(c.Stopped)
		out["failed"] = aws.Int64Value(c.NonRetryableError) + aws.Int64Value(c.RetryableError)
	}
	if best := desc.BestTrainingJob; best != nil {
		out["best_training_job"] = aws.StringValue(best.TrainingJobName)
		if m := best.FinalHyperParameterTuningJobObjectiveMetric; m != nil {
			out["best_objective_metric"] = aws.StringValue(m.MetricName)
			out["best_objective_value"] = aws.Float64Value(m.Value)
		}
	}
	return structpb.NewStruct(out)
}

func (s *Server) StartPipeline(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request StartPipeline: %v", in)
	name, err := required(in, "name")
	if err != nil {
		return nil, utils.StatusError(err)
	}
	params := map[string]string{}
	for k, v := range in.GetFields()["parameters"].GetStructValue().GetFields() {
		params[k] = parameterValue(v)
	}
	arn, err := s.Pipelines.Start(ctx, name, params)
	if err != nil {
		logrus.Errorf("StartPipeline failed: %v", err)
		return nil, utils.StatusError(err)
	}
	return structpb.NewStruct(map[string]interface{}{"execution_arn": arn})
}

func (s *Server) DescribePipelineExecution(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request DescribePipelineExecution: %v", in)
	arn, err := required(in, "execution_arn")
	if err != nil {
		return nil, utils.StatusError(err)
	}
	desc, err := s.Pipelines.Describe(ctx, arn)
	if err != nil {
		return nil, utils.StatusError(err)
	}
	steps, err := s.Pipelines.Steps(ctx, arn)
	if err != nil {
		return nil, utils.StatusError(err)
	}
	list := make([]interface{}, 0, len(steps))
	for _, st := range steps {
		list = append(list, map[string]interface{}{
			"name":           aws.StringValue(st.StepName),
			"status":         aws.StringValue(st.StepStatus),
			"failure_reason": aws.StringValue(st.FailureReason),
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"execution_arn":  arn,
		"status":         aws.StringValue(desc.PipelineExecutionStatus),
		"failure_reason": aws.StringValue(desc.FailureReason),
		"steps":          list,
	})
}

// InvokeEndpoint 请求体为字符串，按 content_type 原样发送，响应同样以字符串返回
func (s *Server) InvokeEndpoint(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request InvokeEndpoint: %v", in)
	name, err := required(in, "endpoint")
	if err != nil {
		return nil, utils.StatusError(err)
	}
	p := endpoint.NewPredictor(s.Runtime, name)
	if p.Serializer, err = endpoint.SerializerFor(field(in, "content_type")); err != nil {
		return nil, utils.StatusError(fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err))
	}
	if p.Deserializer, err = endpoint.DeserializerFor(field(in, "accept")); err != nil {
		return nil, utils.StatusError(fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err))
	}
	body, contentType, err := p.Invoke(ctx, []byte(field(in, "body")))
	if err != nil {
		logrus.Errorf("InvokeEndpoint failed: %v", err)
		return nil, utils.StatusError(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"body":         string(body),
		"content_type": contentType,
	})
}

func (s *Server) ListCheckpoints(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request ListCheckpoints: %v", in)
	uri, err := required(in, "s3_uri")
	if err != nil {
		return nil, utils.StatusError(err)
	}
	objects, err := s.Checkpoints.List(ctx, uri)
	if err != nil {
		return nil, utils.StatusError(err)
	}
	list := make([]interface{}, 0, len(objects))
	for _, o := range objects {
		list = append(list, map[string]interface{}{
			"key":           o.Key,
			"size":          o.Size,
			"last_modified": timeValue(&o.LastModified),
		})
	}
	out := map[string]interface{}{
		"objects":    list,
		"total_size": checkpoint.TotalSize(objects),
	}
	if latest, ok := checkpoint.Latest(objects); ok {
		out["latest"] = latest.Key
	}
	return structpb.NewStruct(out)
}

// ListRecords 返回本地作业日志，kind 为空时返回全部
func (s *Server) ListRecords(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	logrus.Infof("Received request ListRecords: %v", in)
	if s.Journal == nil {
		return structpb.NewStruct(map[string]interface{}{"records": []interface{}{}})
	}
	records, err := s.Journal.List(ctx, field(in, "kind"))
	if err != nil {
		return nil, utils.StatusError(err)
	}
	list := make([]interface{}, 0, len(records))
	for _, r := range records {
		list = append(list, map[string]interface{}{
			"name":       r.Name,
			"kind":       r.Kind,
			"status":     r.Status,
			"updated_at": r.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"records": list})
}
