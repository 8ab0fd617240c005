package builder

import (
	"fmt"

	adapters "sagemaker-adapter/pkg/services/job/internal/adapter"
	"sagemaker-adapter/pkg/services/job/internal/types"
	"sagemaker-adapter/pkg/spec"
)

// RequestAdapterFactory 请求适配器工厂
type RequestAdapterFactory struct{}

// NewRequestAdapterFactory 创建工厂实例
func NewRequestAdapterFactory() *RequestAdapterFactory {
	return &RequestAdapterFactory{}
}

// CreateAdapter 根据请求类型创建适配器
func (f *RequestAdapterFactory) CreateAdapter(req interface{}) (types.TrainingJobRequest, error) {
	switch r := req.(type) {
	case types.TrainingJobRequest:
		return r, nil
	case *spec.TrainingSpec:
		if r == nil {
			return nil, fmt.Errorf("training spec is nil")
		}
		return adapters.NewSpecAdapter(r), nil
	case map[string]interface{}:
		return adapters.NewStructAdapter(r)
	default:
		return nil, fmt.Errorf("unsupported request type: %T", req)
	}
}
