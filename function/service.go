// Package function exposes a task.Registry as a unary gRPC service and
// provides the client the serverless executor invokes it with.
//
// The service has a single method, Invoke, exchanging
// google.protobuf.Struct messages, so no generated code is needed. Each
// request carries the primitive form of the caller's AuthContext; the
// server rebuilds a fresh worker context for every invocation and closes
// it when the invocation returns.
package function

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zero-day-ai/granule/fetcherr"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "granule.function.v1.Function"

const invokeMethod = "/" + ServiceName + "/Invoke"

// Request is one invocation.
type Request struct {
	TaskID  string         `json:"task_id"`
	Index   int64          `json:"index"`
	Handler string         `json:"handler"`
	Input   any            `json:"input,omitempty"`
	Auth    map[string]any `json:"auth"`
}

// Response is the outcome of one invocation. Error is empty on success.
type Response struct {
	TaskID    string `json:"task_id"`
	Index     int64  `json:"index"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
}

// Err rebuilds the structured error carried by r, or nil.
func (r Response) Err() error {
	if r.Error == "" && r.ErrorKind == "" {
		return nil
	}
	return fetcherr.FromRemote("function.Invoke", r.ErrorKind, r.TaskID, r.Error)
}

type invoker interface {
	invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*invoker)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "granule/function/v1/function.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(invoker).invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(invoker).invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// toStruct converts v to a Struct through its JSON form, which normalizes
// typed maps and slices into the generic shapes structpb accepts.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, out any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
