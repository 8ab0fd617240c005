// Package spec defines the YAML files that describe training, tuning,
// pipeline and deployment requests.
package spec

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"sagemaker-adapter/pkg/utils"
)

type Channel struct {
	Name         string `yaml:"name"`
	S3URI        string `yaml:"s3-uri"`
	ContentType  string `yaml:"content-type,omitempty"`
	Distribution string `yaml:"distribution,omitempty"`
	InputMode    string `yaml:"input-mode,omitempty"`
}

type SpotSpec struct {
	Enabled bool   `yaml:"enabled"`
	MaxWait string `yaml:"max-wait,omitempty"`
}

type CheckpointSpec struct {
	S3URI     string `yaml:"s3-uri,omitempty"`
	LocalPath string `yaml:"local-path,omitempty"`
	// Required 为 true 时，开启 spot 必须配置 checkpoint
	Required bool `yaml:"required,omitempty"`
}

type EntryPointSpec struct {
	Script    string `yaml:"script"`
	SourceDir string `yaml:"source-dir,omitempty"`
}

type DistributionSpec struct {
	Type             string `yaml:"type"`
	ProcessesPerHost int64  `yaml:"processes-per-host,omitempty"`
}

type MetricDefinition struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// TrainingSpec describes one training job.
type TrainingSpec struct {
	Name              string                 `yaml:"name"`
	Image             string                 `yaml:"image"`
	Role              string                 `yaml:"role,omitempty"`
	InstanceType      string                 `yaml:"instance-type"`
	InstanceCount     int64                  `yaml:"instance-count"`
	VolumeSizeGB      int64                  `yaml:"volume-size-gb,omitempty"`
	InputMode         string                 `yaml:"input-mode,omitempty"`
	Hyperparameters   map[string]interface{} `yaml:"hyperparameters,omitempty"`
	Inputs            []Channel              `yaml:"inputs"`
	OutputPath        string                 `yaml:"output-path"`
	MaxRun            string                 `yaml:"max-run,omitempty"`
	Spot              SpotSpec               `yaml:"spot,omitempty"`
	Checkpoint        CheckpointSpec         `yaml:"checkpoint,omitempty"`
	EntryPoint        *EntryPointSpec        `yaml:"entry-point,omitempty"`
	Distribution      *DistributionSpec      `yaml:"distribution,omitempty"`
	MetricDefinitions []MetricDefinition     `yaml:"metric-definitions,omitempty"`
	Environment       map[string]string      `yaml:"environment,omitempty"`
	Tags              map[string]string      `yaml:"tags,omitempty"`
}

type ObjectiveSpec struct {
	Metric string `yaml:"metric"`
	Type   string `yaml:"type"`
}

type RangeSpec struct {
	Type    string   `yaml:"type"`
	Min     float64  `yaml:"min,omitempty"`
	Max     float64  `yaml:"max,omitempty"`
	Values  []string `yaml:"values,omitempty"`
	Scaling string   `yaml:"scaling,omitempty"`
}

// TuningSpec describes a hyperparameter tuning job around a training template.
type TuningSpec struct {
	Name            string               `yaml:"name"`
	Training        TrainingSpec         `yaml:"training"`
	Objective       ObjectiveSpec        `yaml:"objective"`
	Strategy        string               `yaml:"strategy,omitempty"`
	MaxJobs         int64                `yaml:"max-jobs,omitempty"`
	MaxParallelJobs int64                `yaml:"max-parallel-jobs,omitempty"`
	EarlyStopping   string               `yaml:"early-stopping,omitempty"`
	Ranges          map[string]RangeSpec `yaml:"ranges"`
	Tags            map[string]string    `yaml:"tags,omitempty"`
}

type ParameterSpec struct {
	Name    string      `yaml:"name"`
	Type    string      `yaml:"type"`
	Default interface{} `yaml:"default,omitempty"`
}

type StepSpec struct {
	Name      string        `yaml:"name"`
	Type      string        `yaml:"type"`
	DependsOn []string      `yaml:"depends-on,omitempty"`
	Training  *TrainingSpec `yaml:"training,omitempty"`
	Tuning    *TuningSpec   `yaml:"tuning,omitempty"`
}

// PipelineSpec describes a pipeline definition and its steps.
type PipelineSpec struct {
	Name        string          `yaml:"name"`
	Role        string          `yaml:"role,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Parameters  []ParameterSpec `yaml:"parameters,omitempty"`
	Steps       []StepSpec      `yaml:"steps"`
}

// DeploySpec describes a hosted endpoint.
type DeploySpec struct {
	Name                 string            `yaml:"name"`
	Image                string            `yaml:"image"`
	ModelData            string            `yaml:"model-data,omitempty"`
	FromTrainingJob      string            `yaml:"from-training-job,omitempty"`
	Role                 string            `yaml:"role,omitempty"`
	InstanceType         string            `yaml:"instance-type"`
	InitialInstanceCount int64             `yaml:"initial-instance-count,omitempty"`
	Environment          map[string]string `yaml:"environment,omitempty"`
	Tags                 map[string]string `yaml:"tags,omitempty"`
}

func load(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// 允许在文件中引用环境变量，如 ${BUCKET}
	if err := yaml.UnmarshalStrict([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse %s: %v", path, err)
	}
	return nil
}

func LoadTrainingSpec(path string) (*TrainingSpec, error) {
	s := &TrainingSpec{}
	if err := load(path, s); err != nil {
		return nil, err
	}
	return s, nil
}

func LoadTuningSpec(path string) (*TuningSpec, error) {
	s := &TuningSpec{}
	if err := load(path, s); err != nil {
		return nil, err
	}
	return s, nil
}

func LoadPipelineSpec(path string) (*PipelineSpec, error) {
	s := &PipelineSpec{}
	if err := load(path, s); err != nil {
		return nil, err
	}
	return s, nil
}

func LoadDeploySpec(path string) (*DeploySpec, error) {
	s := &DeploySpec{}
	if err := load(path, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyDefaults fills the role, and the output path under the default bucket,
// from adapter config when the file omits them.
func (s *TrainingSpec) ApplyDefaults(cfg utils.AWSConfig) {
	if s.Role == "" {
		s.Role = cfg.RoleArn
	}
	if s.OutputPath == "" && cfg.DefaultBucket != "" && s.Name != "" {
		s.OutputPath = utils.JoinS3("s3://"+cfg.DefaultBucket, utils.SanitizeName(s.Name), "output")
	}
}

func (s *TuningSpec) ApplyDefaults(cfg utils.AWSConfig) {
	s.Training.ApplyDefaults(cfg)
}

func (s *PipelineSpec) ApplyDefaults(cfg utils.AWSConfig) {
	if s.Role == "" {
		s.Role = cfg.RoleArn
	}
	for i := range s.Steps {
		if s.Steps[i].Training != nil {
			s.Steps[i].Training.ApplyDefaults(cfg)
		}
		if s.Steps[i].Tuning != nil {
			s.Steps[i].Tuning.ApplyDefaults(cfg)
		}
	}
}

func (s *DeploySpec) ApplyDefaults(cfg utils.AWSConfig) {
	if s.Role == "" {
		s.Role = cfg.RoleArn
	}
	if s.InitialInstanceCount == 0 {
		s.InitialInstanceCount = 1
	}
}

// Seconds parses a Go duration string such as "2h30m"; empty yields def.
func Seconds(d string, def int64) (int64, error) {
	if d == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(d)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %v", d, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid duration %q: must be positive", d)
	}
	return int64(dur / time.Second), nil
}

// NormalizeValue converts yaml.v2 generic maps into JSON-encodable values.
func NormalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = NormalizeValue(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = NormalizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = NormalizeValue(val)
		}
		return out
	default:
		return v
	}
}
