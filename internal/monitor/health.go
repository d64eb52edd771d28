package monitor

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ComponentStatus is the last report from one component.
type ComponentStatus struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Health collects component reachability. It satisfies the store health
// reporter and mirrors every change into a gRPC health server, where each
// component is a service name and "" is the overall status.
type Health struct {
	log  *zap.Logger
	grpc *health.Server

	mu         sync.RWMutex
	components map[string]ComponentStatus
}

func NewHealth(log *zap.Logger) *Health {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Health{
		log:        log.With(zap.String("component", "health")),
		grpc:       health.NewServer(),
		components: make(map[string]ComponentStatus),
	}
	h.grpc.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return h
}

// Report records the outcome of a component's latest operation; nil means healthy.
func (h *Health) Report(component string, err error) {
	st := ComponentStatus{Healthy: err == nil, UpdatedAt: time.Now()}
	if err != nil {
		st.Error = err.Error()
	}

	h.mu.Lock()
	prev, seen := h.components[component]
	h.components[component] = st
	overall := h.healthyLocked()
	h.mu.Unlock()

	if !seen || prev.Healthy != st.Healthy {
		if st.Healthy {
			h.log.Info("component healthy", zap.String("name", component))
		} else {
			h.log.Error("component unhealthy", zap.String("name", component), zap.Error(err))
		}
	}

	h.grpc.SetServingStatus(component, servingStatus(st.Healthy))
	h.grpc.SetServingStatus("", servingStatus(overall))
}

// Healthy reports whether every component's last report was healthy.
func (h *Health) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthyLocked()
}

func (h *Health) healthyLocked() bool {
	for _, st := range h.components {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// Components returns a copy of every component status.
func (h *Health) Components() map[string]ComponentStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ComponentStatus, len(h.components))
	for k, v := range h.components {
		out[k] = v
	}
	return out
}

// Names lists reported components, sorted.
func (h *Health) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.components))
	for k := range h.components {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Register attaches the gRPC health service to s.
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.grpc)
}

// ServeGRPC serves the health service on addr until ctx is done.
func (h *Health) ServeGRPC(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s := grpc.NewServer()
	h.Register(s)

	go func() {
		<-ctx.Done()
		h.grpc.Shutdown()
		s.GracefulStop()
	}()

	h.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
