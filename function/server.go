package function

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/discovery"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/telemetry"
	"github.com/zero-day-ai/granule/workerctx"
)

// Config holds server settings.
type Config struct {
	// Name is the function name endpoints register under. Default: "granule".
	Name string

	// Address is the listen address. Default: ":50051".
	Address string

	// AdvertiseAddress is the address published to the Registrar. Defaults
	// to the listener address.
	AdvertiseAddress string

	// GracefulTimeout bounds in-flight invocations at shutdown.
	// Default: 30s.
	GracefulTimeout time.Duration

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// WorkerContext configures the filesystems built per invocation.
	WorkerContext workerctx.Options

	// Registrar, if set, publishes the endpoint while serving.
	Registrar discovery.Registrar

	Logger    *slog.Logger
	Telemetry *telemetry.Telemetry
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "granule"
	}
	if c.Address == "" {
		c.Address = ":50051"
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.Default()
	}
	if c.WorkerContext.Logger == nil {
		c.WorkerContext.Logger = c.Logger
	}
	return c
}

// Server runs handlers from a task.Registry for remote callers.
type Server struct {
	reg    *task.Registry
	cfg    Config
	logger *slog.Logger

	grpcServer   *grpc.Server
	healthServer *health.Server
}

// NewServer builds the gRPC server and registers the function and health
// services. It does not listen until Serve.
func NewServer(reg *task.Registry, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	var opts []grpc.ServerOption
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fetcherr.Wrap("function.NewServer", fetcherr.KindConfiguration,
				fmt.Errorf("failed to load TLS credentials: %w", err))
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s := &Server{
		reg:          reg,
		cfg:          cfg,
		logger:       cfg.Logger.With("function", cfg.Name),
		grpcServer:   grpc.NewServer(opts...),
		healthServer: health.NewServer(),
	}
	s.grpcServer.RegisterService(&serviceDesc, s)
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	return s, nil
}

// HealthServer returns the health service, for callers that report their
// own status.
func (s *Server) HealthServer() *health.Server {
	return s.healthServer
}

// ListenAndServe listens on cfg.Address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts invocations on lis until ctx is cancelled, then drains
// in-flight calls for at most GracefulTimeout. The endpoint is registered
// with cfg.Registrar for the lifetime of the call.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	s.healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	var ep discovery.Endpoint
	if s.cfg.Registrar != nil {
		ep = s.endpoint(lis.Addr().String())
		if err := s.cfg.Registrar.Register(ctx, ep); err != nil {
			s.grpcServer.Stop()
			return fmt.Errorf("failed to register endpoint: %w", err)
		}
	}

	s.logger.Info("function serving", "address", lis.Addr().String(), "handlers", s.reg.Names())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	s.healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	if s.cfg.Registrar != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.cfg.Registrar.Deregister(dctx, ep); err != nil {
			s.logger.Warn("failed to deregister endpoint", "error", err)
		}
		cancel()
	}
	s.GracefulStop()
	return nil
}

// GracefulStop stops accepting invocations and waits for running ones,
// forcing a stop after GracefulTimeout.
func (s *Server) GracefulStop() {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("function stopped gracefully")
	case <-time.After(s.cfg.GracefulTimeout):
		s.logger.Warn("graceful shutdown timeout, forcing stop")
		s.grpcServer.Stop()
	}
}

func (s *Server) endpoint(listenAddr string) discovery.Endpoint {
	addr := s.cfg.AdvertiseAddress
	if addr == "" {
		addr = listenAddr
	}
	return discovery.Endpoint{
		Name:       s.cfg.Name,
		InstanceID: uuid.NewString(),
		Address:    addr,
		Handlers:   s.reg.Names(),
		StartedAt:  time.Now(),
	}
}

func (s *Server) invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req Request
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	resp := s.Handle(ctx, req)
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// Handle runs one request in a fresh worker context.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	workerID := s.cfg.Name + "-" + uuid.NewString()[:8]
	resp := Response{TaskID: req.TaskID, Index: req.Index, WorkerID: workerID}

	ctx, span := s.cfg.Telemetry.Tracer.Start(ctx, "function.invoke",
		trace.WithAttributes(
			attribute.String("task.name", req.Handler),
			attribute.String("task.id", req.TaskID),
		))
	defer span.End()

	out, err := s.run(ctx, workerID, req)
	s.cfg.Telemetry.TaskFinished(ctx, "function", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "invocation failed")
		s.logger.Debug("invocation failed", "task_id", req.TaskID, "error", err)
		resp.Error = err.Error()
		resp.ErrorKind = string(fetcherr.KindOf(err))
		return resp
	}
	resp.Output = out
	return resp
}

func (s *Server) run(ctx context.Context, workerID string, req Request) (any, error) {
	const op = "function.Handle"

	auth, err := authctx.FromPrimitive(req.Auth)
	if err != nil {
		return nil, err
	}

	wc := workerctx.New(workerID, auth, s.cfg.WorkerContext)
	defer func() {
		if cerr := wc.Close(); cerr != nil {
			s.logger.Warn("failed to close worker context", "worker_id", workerID, "error", cerr)
		}
	}()

	out, err := s.reg.Execute(ctx, wc, task.Task{
		ID:    req.TaskID,
		Index: req.Index,
		Name:  req.Handler,
		Input: req.Input,
	})
	if err != nil {
		return nil, err
	}

	if err := task.CheckSerializable(out); err != nil {
		return nil, err
	}
	// Output must survive the trip through structpb.
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fetcherr.Wrap(op, fetcherr.KindSerialization, err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fetcherr.Wrap(op, fetcherr.KindSerialization, err)
	}
	return generic, nil
}
