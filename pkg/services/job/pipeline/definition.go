package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/private/protocol/json/jsonutil"
	"gopkg.in/yaml.v2"

	adapters "sagemaker-adapter/pkg/services/job/internal/adapter"
	"sagemaker-adapter/pkg/services/job/internal/builder"
	"sagemaker-adapter/pkg/services/job/tuning"
	"sagemaker-adapter/pkg/spec"
)

// DefinitionVersion 流水线定义格式版本
const DefinitionVersion = "2020-12-01"

// 步骤类型
const (
	StepTraining = "Training"
	StepTuning   = "Tuning"
)

// 参数类型
const (
	ParameterString  = "String"
	ParameterInteger = "Integer"
	ParameterFloat   = "Float"
	ParameterBoolean = "Boolean"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*Parameters\.([A-Za-z0-9_]+)\s*\}\}`)

type Parameter struct {
	Name         string      `json:"Name"`
	Type         string      `json:"Type"`
	DefaultValue interface{} `json:"DefaultValue,omitempty"`
}

type Step struct {
	Name      string          `json:"Name"`
	Type      string          `json:"Type"`
	DependsOn []string        `json:"DependsOn,omitempty"`
	Arguments json.RawMessage `json:"Arguments"`
}

// Definition 平台流水线定义
type Definition struct {
	Version    string                 `json:"Version"`
	Metadata   map[string]interface{} `json:"Metadata"`
	Parameters []Parameter            `json:"Parameters"`
	Steps      []Step                 `json:"Steps"`
}

func (d *Definition) JSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Builder 流水线定义构建器
type Builder struct {
	coordinator *builder.JobBuilderCoordinator
	tuner       *tuning.Builder
}

func NewBuilder(region string, now func() time.Time) *Builder {
	return &Builder{
		coordinator: builder.NewJobBuilderCoordinator(region, now),
		tuner:       tuning.NewBuilder(region, now),
	}
}

// Build 校验流水线并生成定义。步骤按依赖的拓扑顺序输出
func (b *Builder) Build(ps *spec.PipelineSpec) (*Definition, error) {
	if ps == nil {
		return nil, fmt.Errorf("pipeline spec is nil")
	}
	if ps.Name == "" {
		return nil, fmt.Errorf("pipeline name is required")
	}

	params, defaults, err := buildParameters(ps.Parameters)
	if err != nil {
		return nil, err
	}
	order, err := TopologicalOrder(ps.Steps)
	if err != nil {
		return nil, err
	}

	def := &Definition{
		Version:    DefinitionVersion,
		Metadata:   map[string]interface{}{},
		Parameters: params,
	}
	for _, step := range order {
		inheritRole(&step, ps.Role)
		args, err := b.stepArguments(step, defaults)
		if err != nil {
			return nil, fmt.Errorf("step %s: %v", step.Name, err)
		}
		def.Steps = append(def.Steps, Step{
			Name:      step.Name,
			Type:      step.Type,
			DependsOn: step.DependsOn,
			Arguments: args,
		})
	}
	return def, nil
}

func buildParameters(specs []spec.ParameterSpec) ([]Parameter, map[string]string, error) {
	params := make([]Parameter, 0, len(specs))
	defaults := make(map[string]string, len(specs))
	for _, p := range specs {
		if p.Name == "" {
			return nil, nil, fmt.Errorf("parameter name is required")
		}
		if _, ok := defaults[p.Name]; ok {
			return nil, nil, fmt.Errorf("duplicate parameter %q", p.Name)
		}
		if p.Type == "" {
			p.Type = ParameterString
		}
		value, err := defaultValue(p)
		if err != nil {
			return nil, nil, err
		}
		defaults[p.Name] = value
		params = append(params, Parameter{Name: p.Name, Type: p.Type, DefaultValue: p.Default})
	}
	return params, defaults, nil
}

// defaultValue 校验默认值类型，返回其字符串形式用于本地校验
func defaultValue(p spec.ParameterSpec) (string, error) {
	if p.Default == nil {
		return "", fmt.Errorf("parameter %s: a default value is required", p.Name)
	}
	switch p.Type {
	case ParameterString:
		if s, ok := p.Default.(string); ok {
			return s, nil
		}
	case ParameterInteger:
		switch v := p.Default.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		}
	case ParameterFloat:
		switch v := p.Default.(type) {
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		}
	case ParameterBoolean:
		if v, ok := p.Default.(bool); ok {
			return strconv.FormatBool(v), nil
		}
	default:
		return "", fmt.Errorf("parameter %s: unknown type %q", p.Name, p.Type)
	}
	return "", fmt.Errorf("parameter %s: default %v is not a %s", p.Name, p.Default, p.Type)
}

// TopologicalOrder 校验步骤名唯一、依赖存在且无环，返回稳定的拓扑顺序
func TopologicalOrder(steps []spec.StepSpec) ([]spec.StepSpec, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("at least one step is required")
	}
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step %d: name is required", i)
		}
		if _, ok := index[s.Name]; ok {
			return nil, fmt.Errorf("duplicate step %q", s.Name)
		}
		index[s.Name] = i
	}

	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("step %s depends on unknown step %q", s.Name, dep)
			}
			if j == i {
				return nil, fmt.Errorf("step %s depends on itself", s.Name)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	order := make([]spec.StepSpec, 0, len(steps))
	done := make([]bool, len(steps))
	for len(order) < len(steps) {
		// 每轮取声明顺序中第一个无未完成依赖的步骤
		next := -1
		for i := range steps {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cycle []string
			for i, s := range steps {
				if !done[i] {
					cycle = append(cycle, s.Name)
				}
			}
			return nil, fmt.Errorf("steps %s form a dependency cycle", strings.Join(cycle, ", "))
		}
		done[next] = true
		order = append(order, steps[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}

// stepArguments 先用参数默认值校验步骤，再以占位符原样生成平台请求
func (b *Builder) stepArguments(step spec.StepSpec, defaults map[string]string) (json.RawMessage, error) {
	var request interface{}
	switch step.Type {
	case StepTraining:
		if step.Training == nil {
			return nil, fmt.Errorf("training step needs a training section")
		}
		if err := checkReferences(step.Training, defaults); err != nil {
			return nil, err
		}
		resolved := &spec.TrainingSpec{}
		if err := resolve(step.Training, defaults, resolved); err != nil {
			return nil, err
		}
		if _, err := b.coordinator.BuildTrainingJob(resolved); err != nil {
			return nil, err
		}

		input, err := b.coordinator.Builder().Build(adapters.NewSpecAdapter(step.Training))
		if err != nil {
			return nil, err
		}
		// 作业名由平台在执行时生成
		input.TrainingJobName = nil
		request = input
	case StepTuning:
		if step.Tuning == nil {
			return nil, fmt.Errorf("tuning step needs a tuning section")
		}
		if err := checkReferences(step.Tuning, defaults); err != nil {
			return nil, err
		}
		resolved := &spec.TuningSpec{}
		if err := resolve(step.Tuning, defaults, resolved); err != nil {
			return nil, err
		}
		if _, err := b.tuner.Build(resolved); err != nil {
			return nil, err
		}

		input, err := b.tuner.Assemble(step.Tuning)
		if err != nil {
			return nil, err
		}
		input.HyperParameterTuningJobName = nil
		request = input
	default:
		return nil, fmt.Errorf("unsupported step type %q", step.Type)
	}

	encoded, err := jsonutil.BuildJSON(request)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %v", err)
	}
	var args interface{}
	if err := json.Unmarshal(encoded, &args); err != nil {
		return nil, err
	}
	return json.Marshal(substitute(args))
}

// inheritRole 步骤未指定角色时使用流水线角色
func inheritRole(step *spec.StepSpec, role string) {
	if step.Training != nil && step.Training.Role == "" {
		t := *step.Training
		t.Role = role
		step.Training = &t
	}
	if step.Tuning != nil && step.Tuning.Training.Role == "" {
		t := *step.Tuning
		t.Training.Role = role
		step.Tuning = &t
	}
}

// checkReferences 校验引用的参数均已声明
func checkReferences(v interface{}, declared map[string]string) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	for _, m := range placeholderRE.FindAllStringSubmatch(string(data), -1) {
		if _, ok := declared[m[1]]; !ok {
			return fmt.Errorf("undeclared parameter %q", m[1])
		}
	}
	return nil
}

// resolve 将占位符替换为默认值后写入 out，用于本地校验
func resolve(in interface{}, defaults map[string]string, out interface{}) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return err
	}
	text := placeholderRE.ReplaceAllStringFunc(string(data), func(m string) string {
		return defaults[placeholderRE.FindStringSubmatch(m)[1]]
	})
	if err := yaml.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("resolve parameters: %v", err)
	}
	return nil
}

// substitute 将字符串中的 {{Parameters.X}} 替换为平台的 Get 表达式，
// 与其他文本混合时使用 Std:Join 拼接
func substitute(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = substitute(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = substitute(val)
		}
		return t
	case string:
		return expression(t)
	default:
		return v
	}
}

func expression(s string) interface{} {
	matches := placeholderRE.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	get := func(m []int) map[string]interface{} {
		return map[string]interface{}{"Get": "Parameters." + s[m[2]:m[3]]}
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return get(matches[0])
	}

	var values []interface{}
	last := 0
	for _, m := range matches {
		if m[0] > last {
			values = append(values, s[last:m[0]])
		}
		values = append(values, get(m))
		last = m[1]
	}
	if last < len(s) {
		values = append(values, s[last:])
	}
	return map[string]interface{}{
		"Std:Join": map[string]interface{}{"On": "", "Values": values},
	}
}
