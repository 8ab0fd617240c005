package tuning

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemaker"

	adapters "sagemaker-adapter/pkg/services/job/internal/adapter"
	"sagemaker-adapter/pkg/services/job/internal/builder"
	"sagemaker-adapter/pkg/services/job/internal/types"
	"sagemaker-adapter/pkg/spec"
	"sagemaker-adapter/pkg/utils"
)

// 超参数范围类型
const (
	RangeContinuous  = "continuous"
	RangeInteger     = "integer"
	RangeCategorical = "categorical"
)

// ObjectiveMetricKey script mode 下传给训练脚本的目标指标名
const ObjectiveMetricKey = "_tuning_objective_metric"

// Builder 调参作业构建器
type Builder struct {
	coordinator *builder.JobBuilderCoordinator
	now         func() time.Time
}

func NewBuilder(region string, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{
		coordinator: builder.NewJobBuilderCoordinator(region, now),
		now:         now,
	}
}

// Build 校验调参配置并生成 CreateHyperParameterTuningJob 参数
func (b *Builder) Build(s *spec.TuningSpec) (*sagemaker.CreateHyperParameterTuningJobInput, error) {
	if s == nil {
		return nil, fmt.Errorf("tuning spec is nil")
	}

	// 1. 校验训练模板
	adapter, err := b.coordinator.Adapt(&s.Training)
	if err != nil {
		return nil, fmt.Errorf("training template: %v", err)
	}

	// 2. 校验调参参数
	if err := Validate(s, adapter); err != nil {
		return nil, err
	}

	input, err := b.assemble(s, adapter)
	if err != nil {
		return nil, err
	}
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("tuning job request is invalid: %v", err)
	}
	return input, nil
}

// Assemble 生成请求但跳过校验，流水线步骤用它保留参数占位符
func (b *Builder) Assemble(s *spec.TuningSpec) (*sagemaker.CreateHyperParameterTuningJobInput, error) {
	if s == nil {
		return nil, fmt.Errorf("tuning spec is nil")
	}
	return b.assemble(s, adapters.NewSpecAdapter(&s.Training))
}

func (b *Builder) assemble(s *spec.TuningSpec, adapter types.TrainingJobRequest) (*sagemaker.CreateHyperParameterTuningJobInput, error) {
	strategy := strategyOf(s)
	scriptMode := adapter.GetEntryPoint() != nil

	ranges, err := buildRanges(s.Ranges, scriptMode)
	if err != nil {
		return nil, err
	}

	// 构建训练定义，调参的超参数不作为静态超参数
	exclude := make(map[string]bool, len(s.Ranges))
	for name := range s.Ranges {
		exclude[name] = true
	}
	def, err := b.coordinator.Builder().BuildDefinition(adapter, exclude)
	if err != nil {
		return nil, err
	}
	if scriptMode {
		metric, _ := builder.JSONValue(s.Objective.Metric)
		if def.StaticHyperParameters == nil {
			def.StaticHyperParameters = make(map[string]*string)
		}
		def.StaticHyperParameters[ObjectiveMetricKey] = aws.String(metric)
	}

	config := &sagemaker.HyperParameterTuningJobConfig{
		Strategy: aws.String(strategy),
		HyperParameterTuningJobObjective: &sagemaker.HyperParameterTuningJobObjective{
			MetricName: aws.String(s.Objective.Metric),
			Type:       aws.String(s.Objective.Type),
		},
		ResourceLimits: &sagemaker.ResourceLimits{
			MaxParallelTrainingJobs: aws.Int64(maxParallelOf(s)),
		},
		ParameterRanges:              ranges,
		TrainingJobEarlyStoppingType: aws.String(earlyStoppingOf(s)),
	}
	// Grid 策略由参数组合数决定作业数
	if strategy != sagemaker.HyperParameterTuningJobStrategyTypeGrid {
		config.ResourceLimits.MaxNumberOfTrainingJobs = aws.Int64(maxJobsOf(s))
	}

	tags := s.Tags
	if len(tags) == 0 {
		tags = s.Training.Tags
	}
	return &sagemaker.CreateHyperParameterTuningJobInput{
		HyperParameterTuningJobName:   aws.String(utils.TuningJobName(baseName(s, adapter), b.now())),
		HyperParameterTuningJobConfig: config,
		TrainingJobDefinition:         def,
		Tags:                          builder.BuildTags(tags),
	}, nil
}

func baseName(s *spec.TuningSpec, adapter types.TrainingJobRequest) string {
	if s.Name != "" {
		return s.Name
	}
	return adapter.GetBaseJobName()
}

func strategyOf(s *spec.TuningSpec) string {
	if s.Strategy == "" {
		return sagemaker.HyperParameterTuningJobStrategyTypeBayesian
	}
	return s.Strategy
}

func earlyStoppingOf(s *spec.TuningSpec) string {
	if s.EarlyStopping == "" {
		return sagemaker.TrainingJobEarlyStoppingTypeOff
	}
	return s.EarlyStopping
}

func maxJobsOf(s *spec.TuningSpec) int64 {
	if s.MaxJobs == 0 {
		return 1
	}
	return s.MaxJobs
}

func maxParallelOf(s *spec.TuningSpec) int64 {
	if s.MaxParallelJobs == 0 {
		return 1
	}
	return s.MaxParallelJobs
}

// Validate 校验调参配置
func Validate(s *spec.TuningSpec, adapter types.TrainingJobRequest) error {
	if len(s.Ranges) == 0 {
		return fmt.Errorf("at least one hyperparameter range is required")
	}
	if s.Objective.Metric == "" {
		return fmt.Errorf("objective metric is required")
	}
	switch s.Objective.Type {
	case sagemaker.HyperParameterTuningJobObjectiveTypeMaximize, sagemaker.HyperParameterTuningJobObjectiveTypeMinimize:
	default:
		return fmt.Errorf("objective type must be Maximize or Minimize, got %q", s.Objective.Type)
	}

	strategy := strategyOf(s)
	switch strategy {
	case sagemaker.HyperParameterTuningJobStrategyTypeBayesian, sagemaker.HyperParameterTuningJobStrategyTypeRandom,
		sagemaker.HyperParameterTuningJobStrategyTypeHyperband, sagemaker.HyperParameterTuningJobStrategyTypeGrid:
	default:
		return fmt.Errorf("unsupported strategy %q", s.Strategy)
	}

	switch earlyStoppingOf(s) {
	case sagemaker.TrainingJobEarlyStoppingTypeOff:
	case sagemaker.TrainingJobEarlyStoppingTypeAuto:
		if strategy == sagemaker.HyperParameterTuningJobStrategyTypeHyperband {
			return fmt.Errorf("strategy Hyperband has built-in early stopping, early-stopping must be Off")
		}
	default:
		return fmt.Errorf("early-stopping must be Off or Auto, got %q", s.EarlyStopping)
	}

	if s.MaxJobs < 0 || s.MaxParallelJobs < 0 {
		return fmt.Errorf("max-jobs and max-parallel-jobs must not be negative")
	}
	if strategy == sagemaker.HyperParameterTuningJobStrategyTypeGrid {
		if s.MaxJobs != 0 {
			return fmt.Errorf("strategy Grid derives the number of jobs from the ranges, max-jobs must not be set")
		}
	} else if maxParallelOf(s) > maxJobsOf(s) {
		return fmt.Errorf("max-parallel-jobs (%d) must not exceed max-jobs (%d)", maxParallelOf(s), maxJobsOf(s))
	}

	static := adapter.GetHyperparameters()
	for name, r := range s.Ranges {
		if _, ok := static[name]; ok {
			return fmt.Errorf("hyperparameter %q is both static and tuned", name)
		}
		if strategy == sagemaker.HyperParameterTuningJobStrategyTypeGrid && r.Type != RangeCategorical {
			return fmt.Errorf("strategy Grid only supports categorical ranges, %q is %s", name, r.Type)
		}
		if err := validateRange(name, r); err != nil {
			return err
		}
	}

	// 自定义脚本的指标需由 metric-definitions 从日志中提取
	if adapter.GetEntryPoint() != nil {
		found := false
		for _, m := range adapter.GetMetricDefinitions() {
			if m.Name == s.Objective.Metric {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("objective metric %q has no metric definition", s.Objective.Metric)
		}
	}

	name := utils.TuningJobName(baseName(s, adapter), time.Time{})
	if len(name) > utils.MaxTuningJobNameLength {
		return fmt.Errorf("tuning job name %q exceeds %d characters", name, utils.MaxTuningJobNameLength)
	}
	return nil
}

func validateRange(name string, r spec.RangeSpec) error {
	switch r.Type {
	case RangeContinuous, RangeInteger:
		if r.Min > r.Max {
			return fmt.Errorf("range %s: min %v is greater than max %v", name, r.Min, r.Max)
		}
		if r.Type == RangeInteger && (r.Min != math.Trunc(r.Min) || r.Max != math.Trunc(r.Max)) {
			return fmt.Errorf("range %s: integer bounds must be whole numbers", name)
		}
		if len(r.Values) > 0 {
			return fmt.Errorf("range %s: values are only allowed for categorical ranges", name)
		}
		switch r.Scaling {
		case "", sagemaker.HyperParameterScalingTypeAuto, sagemaker.HyperParameterScalingTypeLinear:
		case sagemaker.HyperParameterScalingTypeLogarithmic:
			if r.Min <= 0 {
				return fmt.Errorf("range %s: logarithmic scaling requires min > 0", name)
			}
		case sagemaker.HyperParameterScalingTypeReverseLogarithmic:
			if r.Type != RangeContinuous || r.Min < 0 || r.Max >= 1 {
				return fmt.Errorf("range %s: reverse logarithmic scaling requires a continuous range within [0, 1)", name)
			}
		default:
			return fmt.Errorf("range %s: unknown scaling type %q", name, r.Scaling)
		}
	case RangeCategorical:
		if len(r.Values) == 0 {
			return fmt.Errorf("range %s: categorical range needs values", name)
		}
		if r.Scaling != "" {
			return fmt.Errorf("range %s: categorical ranges do not take a scaling type", name)
		}
	default:
		return fmt.Errorf("range %s: unknown type %q", name, r.Type)
	}
	return nil
}

// buildRanges 按参数名排序生成范围，script mode 下类别值使用 JSON 编码
func buildRanges(ranges map[string]spec.RangeSpec, scriptMode bool) (*sagemaker.ParameterRanges, error) {
	names := make([]string, 0, len(ranges))
	for name := range ranges {
		names = append(names, name)
	}
	sort.Strings(names)

	out := &sagemaker.ParameterRanges{}
	for _, name := range names {
		r := ranges[name]
		switch r.Type {
		case RangeContinuous:
			out.ContinuousParameterRanges = append(out.ContinuousParameterRanges, &sagemaker.ContinuousParameterRange{
				Name:        aws.String(name),
				MinValue:    aws.String(strconv.FormatFloat(r.Min, 'g', -1, 64)),
				MaxValue:    aws.String(strconv.FormatFloat(r.Max, 'g', -1, 64)),
				ScalingType: scaling(r.Scaling),
			})
		case RangeInteger:
			out.IntegerParameterRanges = append(out.IntegerParameterRanges, &sagemaker.IntegerParameterRange{
				Name:        aws.String(name),
				MinValue:    aws.String(strconv.FormatInt(int64(r.Min), 10)),
				MaxValue:    aws.String(strconv.FormatInt(int64(r.Max), 10)),
				ScalingType: scaling(r.Scaling),
			})
		case RangeCategorical:
			values := make([]*string, 0, len(r.Values))
			for _, v := range r.Values {
				if scriptMode {
					encoded, err := builder.JSONValue(v)
					if err != nil {
						return nil, err
					}
					v = encoded
				}
				values = append(values, aws.String(v))
			}
			out.CategoricalParameterRanges = append(out.CategoricalParameterRanges, &sagemaker.CategoricalParameterRange{
				Name:   aws.String(name),
				Values: values,
			})
		default:
			return nil, fmt.Errorf("range %s: unknown type %q", name, r.Type)
		}
	}
	return out, nil
}

func scaling(s string) *string {
	if s == "" {
		return aws.String(sagemaker.HyperParameterScalingTypeAuto)
	}
	return aws.String(s)
}

// ParseRange 解析命令行形式的范围，如 eta=continuous:0.01:0.3:Logarithmic 或 optimizer=categorical:adam,sgd
func ParseRange(expr string) (string, spec.RangeSpec, error) {
	name, def, ok := strings.Cut(expr, "=")
	if !ok || name == "" {
		return "", spec.RangeSpec{}, fmt.Errorf("invalid range %q, expected name=type:...", expr)
	}
	fields := strings.Split(def, ":")
	r := spec.RangeSpec{Type: fields[0]}
	switch r.Type {
	case RangeContinuous, RangeInteger:
		if len(fields) < 3 || len(fields) > 4 {
			return "", r, fmt.Errorf("invalid range %q, expected %s:min:max[:scaling]", expr, r.Type)
		}
		var err error
		if r.Min, err = strconv.ParseFloat(fields[1], 64); err != nil {
			return "", r, fmt.Errorf("invalid min in %q: %v", expr, err)
		}
		if r.Max, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return "", r, fmt.Errorf("invalid max in %q: %v", expr, err)
		}
		if len(fields) == 4 {
			r.Scaling = fields[3]
		}
	case RangeCategorical:
		if len(fields) != 2 || fields[1] == "" {
			return "", r, fmt.Errorf("invalid range %q, expected categorical:v1,v2", expr)
		}
		r.Values = strings.Split(fields[1], ",")
	default:
		return "", r, fmt.Errorf("invalid range %q: unknown type %q", expr, r.Type)
	}
	return name, r, validateRange(name, r)
}
