package observability

import (
	"context"
	"errors"
	"net"

	"github.com/signalsfoundry/scripthost/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

// HealthServiceName is the service name reported alongside the overall ("")
// status.
const HealthServiceName = "scripthost.ScriptHost"

const requestIDMetadataKey = "x-request-id"

// HealthServer serves grpc.health.v1 for the host. It reports SERVING while
// the main script is alive.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	log    logging.Logger
}

// NewHealthServer builds the gRPC server with tracing and, when collector is
// non-nil, request metrics.
func NewHealthServer(collector *ScriptCollector, log logging.Logger) *HealthServer {
	if log == nil {
		log = logging.Noop()
	}
	interceptors := []grpc.UnaryServerInterceptor{LoggingUnaryServerInterceptor(log)}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	h := &HealthServer{server: server, health: hs, log: log}
	h.SetServing(false)
	return h
}

// SetServing flips both the overall and the host service status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthServiceName, status)
}

// Serve accepts connections on lis until Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.Info(context.Background(), "starting health gRPC server", logging.String("addr", lis.Addr().String()))
	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}

// LoggingUnaryServerInterceptor attaches a per-request logger annotated with
// the method and, when supplied in metadata, the caller's request_id.
func LoggingUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		fields := []logging.Field{logging.String("method", info.FullMethod)}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				fields = append(fields, logging.String("request_id", vals[0]))
			}
		}
		reqLog := base.With(fields...)
		ctx = logging.ContextWithLogger(ctx, reqLog)

		resp, err := handler(ctx, req)
		if err != nil {
			reqLog.Debug(ctx, "rpc failed", logging.Err(err))
		}
		return resp, err
	}
}
