package server

import (
	"context"

	"google.golang.org/grpc"

	"github.com/abdhe/llm-ensemble/pkg/ensemble"
)

const serviceName = "ensemble.v1.EnsembleService"

// RunRequest is the input of Run. Nil optional fields take the service
// defaults.
type RunRequest struct {
	Message       string                 `json:"message"`
	Mode          string                 `json:"mode,omitempty"`
	Models        []ensemble.ModelConfig `json:"models,omitempty"`
	Temperature   *float64               `json:"temperature,omitempty"`
	MaxTokens     *int                   `json:"max_tokens,omitempty"`
	Timeout       *float64               `json:"timeout,omitempty"` // seconds
	JudgeProvider string                 `json:"judge_provider,omitempty"`
	JudgeModel    string                 `json:"judge_model,omitempty"`
}

// RunResponse carries the ensemble answer and its diagnostics.
type RunResponse struct {
	ensemble.Result
}

type ModelsRequest struct{}

// ModelsResponse lists the default pool and the configured pool.
type ModelsResponse struct {
	Models           []ensemble.ModelConfig `json:"models"`
	ConfiguredModels []ensemble.ModelConfig `json:"configured_models"`
	DefaultMode      ensemble.Mode          `json:"default_mode"`
	Judge            ensemble.ModelConfig   `json:"judge"`
}

type StatsRequest struct{}

type StatsResponse struct {
	ensemble.StatsSnapshot
}

// EnsembleServer is the server API of the ensemble service.
type EnsembleServer interface {
	Run(context.Context, *RunRequest) (*RunResponse, error)
	Models(context.Context, *ModelsRequest) (*ModelsResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// ServiceDesc describes the ensemble service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EnsembleServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "Models", Handler: modelsHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ensemble/v1/ensemble.json",
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnsembleServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Run"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EnsembleServer).Run(ctx, req.(*RunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func modelsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ModelsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnsembleServer).Models(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Models"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EnsembleServer).Models(ctx, req.(*ModelsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnsembleServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Stats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EnsembleServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}
