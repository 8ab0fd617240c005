package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "sagemaker.adapter.v1.AdapterService"

// AdapterServiceServer 所有方法的请求和响应均为 structpb.Struct，字段名与 YAML 配置一致
type AdapterServiceServer interface {
	GetVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitTrainingJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DescribeTrainingJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopTrainingJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTrainingJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitTuningJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DescribeTuningJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartPipeline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DescribePipelineExecution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InvokeEndpoint(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListCheckpoints(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRecords(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type methodFunc func(AdapterServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call methodFunc) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdapterServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AdapterServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var methods = map[string]methodFunc{
	"GetVersion":                AdapterServiceServer.GetVersion,
	"SubmitTrainingJob":         AdapterServiceServer.SubmitTrainingJob,
	"DescribeTrainingJob":       AdapterServiceServer.DescribeTrainingJob,
	"StopTrainingJob":           AdapterServiceServer.StopTrainingJob,
	"ListTrainingJobs":          AdapterServiceServer.ListTrainingJobs,
	"SubmitTuningJob":           AdapterServiceServer.SubmitTuningJob,
	"DescribeTuningJob":         AdapterServiceServer.DescribeTuningJob,
	"StartPipeline":             AdapterServiceServer.StartPipeline,
	"DescribePipelineExecution": AdapterServiceServer.DescribePipelineExecution,
	"InvokeEndpoint":            AdapterServiceServer.InvokeEndpoint,
	"ListCheckpoints":           AdapterServiceServer.ListCheckpoints,
	"ListRecords":               AdapterServiceServer.ListRecords,
}

// ServiceDesc 手工声明的服务描述，消息类型使用 structpb 无需代码生成
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdapterServiceServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "sagemaker/adapter/v1/adapter.proto",
}

func methodDescs() []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, 0, len(methods))
	for name, call := range methods {
		descs = append(descs, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name, call)})
	}
	return descs
}

func RegisterAdapterServiceServer(s grpc.ServiceRegistrar, srv AdapterServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// AdapterServiceClient 通用客户端，method 为方法名，如 "SubmitTrainingJob"
type AdapterServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAdapterServiceClient(cc grpc.ClientConnInterface) *AdapterServiceClient {
	return &AdapterServiceClient{cc: cc}
}

func (c *AdapterServiceClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
