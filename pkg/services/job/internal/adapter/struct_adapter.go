package adapters

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"sagemaker-adapter/pkg/spec"
)

// DecodeTrainingSpec decodes a generic payload (a gRPC Struct) using the
// same field names as the YAML job files.
func DecodeTrainingSpec(payload map[string]interface{}) (*spec.TrainingSpec, error) {
	s := &spec.TrainingSpec{}
	if err := decode(payload, s); err != nil {
		return nil, err
	}
	return s, nil
}

func DecodeTuningSpec(payload map[string]interface{}) (*spec.TuningSpec, error) {
	s := &spec.TuningSpec{}
	if err := decode(payload, s); err != nil {
		return nil, err
	}
	return s, nil
}

func decode(payload map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(payload); err != nil {
		return fmt.Errorf("decode request: %v", err)
	}
	return nil
}

// NewStructAdapter 将 gRPC 请求体转换为训练作业适配器
func NewStructAdapter(payload map[string]interface{}) (*SpecAdapter, error) {
	s, err := DecodeTrainingSpec(payload)
	if err != nil {
		return nil, err
	}
	return NewSpecAdapter(s), nil
}
