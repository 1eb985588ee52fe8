package proto

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"AnnoDetServer/logger"
	"AnnoDetServer/monitor"
	"AnnoDetServer/pipeline"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName   = "annodet.Predictor"
	PredictMethod = "/annodet.Predictor/Predict"
)

// PredictorServer 请求体是原始图片字节，响应与 HTTP 的 JSON 结构一致
type PredictorServer interface {
	Predict(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
}

func _Predictor_Predict_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictorServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: PredictMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictorServer).Predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var Predictor_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PredictorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Predict",
			Handler:    _Predictor_Predict_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "annodet.proto",
}

func RegisterPredictorServer(s grpc.ServiceRegistrar, srv PredictorServer) {
	s.RegisterService(&Predictor_ServiceDesc, srv)
}

type Server struct {
	predictor *pipeline.Predictor
	baseURL   string
}

// NewServer baseURL 用于拼接返回的 image_url
func NewServer(p *pipeline.Predictor, baseURL string) *Server {
	return &Server{predictor: p, baseURL: baseURL}
}

func (s *Server) Predict(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	res, err := s.predictor.Predict(ctx, req.GetValue(), s.baseURL, pipeline.Options{})
	if err != nil {
		logger.Log().Warn("gRPC predict failed", zap.Error(err))
		return nil, toStatus(err)
	}
	out, err := resultToStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	var code codes.Code
	switch pipeline.KindOf(err) {
	case pipeline.KindDecode, pipeline.KindInvalid:
		code = codes.InvalidArgument
	case pipeline.KindCollaborator:
		code = codes.Unavailable
	case pipeline.KindNotFound:
		code = codes.NotFound
	case pipeline.KindTooLarge:
		code = codes.ResourceExhausted
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func resultToStruct(res *pipeline.Result) (*structpb.Struct, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to convert result: %w", err)
	}
	return out, nil
}

// Predict 客户端调用，返回解析后的 pipeline.Result
func Predict(ctx context.Context, cc grpc.ClientConnInterface, image []byte, opts ...grpc.CallOption) (*pipeline.Result, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, PredictMethod, wrapperspb.Bytes(image), out, opts...); err != nil {
		return nil, err
	}
	data, err := protojson.Marshal(out)
	if err != nil {
		return nil, err
	}
	res := &pipeline.Result{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, err
	}
	return res, nil
}

func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %s: %w", addr, err)
	}
	s := grpc.NewServer()
	RegisterPredictorServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil {
			logger.Log().Error("Failed to serve gRPC server", zap.Error(err))
		}
	}()
	return s, nil
}
