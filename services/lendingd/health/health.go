// Package health publishes per-market serving status over the standard
// gRPC health protocol. A paused market reports NOT_SERVING under its own
// service name so load balancers and health checkers can route around it.
package health

import (
	"context"
	"crypto/tls"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LendingService is the service name covering every market; it stops
// serving when the whole module is paused.
const LendingService = "termlend.lending"

// ServiceName is the health service name of one market.
func ServiceName(symbol string) string {
	return LendingService + "." + strings.ToUpper(strings.TrimSpace(symbol))
}

// Source reports the markets and their pause state.
type Source interface {
	Symbols() []string
	Paused(symbol string) bool
	ModulePaused() bool
}

// Reporter mirrors Source into a gRPC health server.
type Reporter struct {
	src    Source
	srv    *grpchealth.Server
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

func NewReporter(src Source, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		src:    src,
		srv:    grpchealth.NewServer(),
		logger: logger,
		last:   make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	r.Sync()
	return r
}

func status(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (r *Reporter) set(service string, st healthpb.HealthCheckResponse_ServingStatus) {
	r.srv.SetServingStatus(service, st)
	if prev, ok := r.last[service]; ok && prev == st {
		return
	}
	r.last[service] = st
	r.logger.Info("health status", slog.String("component", "health"), slog.String("service", service), slog.String("status", st.String()))
}

// Sync publishes the current pause state. The empty service name always
// serves while the process runs.
func (r *Reporter) Sync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set("", healthpb.HealthCheckResponse_SERVING)
	r.set(LendingService, status(!r.src.ModulePaused()))
	for _, symbol := range r.src.Symbols() {
		r.set(ServiceName(symbol), status(!r.src.Paused(symbol)))
	}
}

// Status returns the last published status of service.
func (r *Reporter) Status(service string) healthpb.HealthCheckResponse_ServingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.last[service]
	if !ok {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return st
}

// Run syncs every interval until ctx ends, then marks every service
// NOT_SERVING.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.srv.Shutdown()
			return
		case <-ticker.C:
			r.Sync()
		}
	}
}

// Register adds the health service to s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.srv)
}

// NewServer builds the gRPC server for the health endpoint with OTel
// interceptors. tlsCfg may be nil for plaintext listeners.
func NewServer(tlsCfg *tls.Config) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(otelgrpc.StreamServerInterceptor()),
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	return grpc.NewServer(opts...)
}
