package monitor

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"strategy-core/internal/events"
)

func TestHealthRegistry(t *testing.T) {
	h := NewHealth(zap.NewNop())
	assert.True(t, h.Healthy())

	h.Report("store", nil)
	h.Report("exchange", errors.New("timeout"))
	assert.False(t, h.Healthy())
	assert.Equal(t, []string{"exchange", "store"}, h.Names())
	assert.Equal(t, "timeout", h.Components()["exchange"].Error)

	h.Report("exchange", nil)
	assert.True(t, h.Healthy())
}

func TestGRPCHealthMirrorsRegistry(t *testing.T) {
	h := NewHealth(zap.NewNop())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	h.Register(s)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.Report("store", errors.New("disk full"))
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "store"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.Report("store", nil)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

type memSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *memSink) Send(m string) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *memSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestMonitorAlertsAndCounts(t *testing.T) {
	bus := events.NewBus()
	metrics := NewSystemMetrics()
	sink := &memSink{}
	m := NewMonitor(bus, metrics, zap.NewNop(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish(events.EventOrderStuck, events.OrderUpdate{OrderID: "X", Symbol: "BTCUSDT", Status: "open", Stuck: true})
	bus.Publish(events.EventOrderSettled, events.OrderUpdate{OrderID: "Y"})
	bus.Publish(events.EventRiskRejected, events.RiskRejection{StrategyID: "s1", Reason: "too big"})

	require.Eventually(t, func() bool {
		snap := metrics.GetSnapshot()
		return snap.OrdersStuck == 1 && snap.OrdersSettled == 1 && snap.RiskRejections == 1 && sink.Len() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{5, 1, 3, 10} {
		h.Record(v)
	}
	st := h.Stats()
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 1.0, st.Min)
	assert.Equal(t, 10.0, st.Max)

	timer := NewTimer(h)
	assert.GreaterOrEqual(t, timer.Stop(), time.Duration(0))
	assert.Equal(t, 3, h.Stats().Count)
}
