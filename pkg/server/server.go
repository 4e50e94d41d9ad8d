// Package server exposes the ensemble engine as a gRPC service.
package server

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/abdhe/llm-ensemble/pkg/ensemble"
)

// Server implements EnsembleServer on top of an engine.
type Server struct {
	engine *ensemble.Engine
	log    *zap.Logger
}

// New creates a new ensemble server.
func New(engine *ensemble.Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: engine, log: log.Named("server")}
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

// Run answers a query. Ensemble failures are reported inside the response;
// only malformed requests produce a gRPC error.
func (s *Server) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	er, err := toEnsembleRequest(req)
	if err != nil {
		return nil, err
	}
	return &RunResponse{Result: s.engine.Run(ctx, er)}, nil
}

// Models lists the default and configured pools.
func (s *Server) Models(context.Context, *ModelsRequest) (*ModelsResponse, error) {
	pool := s.engine.Pool()
	resp := &ModelsResponse{
		Models:           pool.Defaults(),
		ConfiguredModels: pool.Configured(),
		DefaultMode:      s.engine.DefaultMode(),
		Judge:            s.engine.Judge(),
	}
	if resp.Models == nil {
		resp.Models = []ensemble.ModelConfig{}
	}
	if resp.ConfiguredModels == nil {
		resp.ConfiguredModels = []ensemble.ModelConfig{}
	}
	return resp, nil
}

// Stats reports usage since start.
func (s *Server) Stats(context.Context, *StatsRequest) (*StatsResponse, error) {
	return &StatsResponse{StatsSnapshot: s.engine.Stats().Snapshot()}, nil
}

func toEnsembleRequest(req *RunRequest) (ensemble.Request, error) {
	out := ensemble.Request{
		Message:       req.Message,
		Mode:          req.Mode,
		Models:        req.Models,
		Temperature:   ensemble.DefaultTemperature,
		MaxTokens:     ensemble.DefaultMaxTokens,
		JudgeProvider: req.JudgeProvider,
		JudgeModel:    req.JudgeModel,
	}
	if req.Temperature != nil {
		if math.IsNaN(*req.Temperature) || *req.Temperature < 0 {
			return out, status.Errorf(codes.InvalidArgument, "temperature must be >= 0, got %v", *req.Temperature)
		}
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		if *req.MaxTokens <= 0 {
			return out, status.Errorf(codes.InvalidArgument, "max_tokens must be positive, got %d", *req.MaxTokens)
		}
		out.MaxTokens = *req.MaxTokens
	}
	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			return out, status.Errorf(codes.InvalidArgument, "timeout must be positive, got %v", *req.Timeout)
		}
		out.Timeout = time.Duration(*req.Timeout * float64(time.Second))
	}
	return out, nil
}

// UnaryLogger logs every call with its status code and duration.
func UnaryLogger(log *zap.Logger) grpc.UnaryServerInterceptor {
	log = log.Named("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			log.Warn("rpc failed", append(fields, zap.Error(err))...)
		} else {
			log.Info("rpc served", fields...)
		}
		return resp, err
	}
}
