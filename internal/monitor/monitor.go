package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strategy-core/internal/events"
)

// Monitor turns stuck orders and risk rejections into alerts and feeds the
// metrics counters from the event bus.
type Monitor struct {
	bus     *events.Bus
	metrics *SystemMetrics
	sinks   []AlertSink
	log     *zap.Logger
}

func NewMonitor(bus *events.Bus, metrics *SystemMetrics, log *zap.Logger, sinks ...AlertSink) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{bus: bus, metrics: metrics, sinks: sinks, log: log.With(zap.String("component", "monitor"))}
}

// Start consumes events until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.bus == nil {
		m.log.Warn("monitor has no event bus; skipping")
		return
	}
	stream, unsub := m.bus.SubscribeAll(128)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				m.handle(env)
			}
		}
	}()
}

func (m *Monitor) handle(env events.Envelope) {
	if m.metrics != nil {
		switch env.Topic {
		case events.EventStateTransition:
			m.metrics.IncrementTransitions()
		case events.EventOrderSubmitted:
			m.metrics.IncrementOrders()
		case events.EventOrderSettled:
			m.metrics.IncrementSettled()
		case events.EventOrderStuck:
			m.metrics.IncrementStuck()
		case events.EventRiskRejected:
			m.metrics.IncrementRejections()
		}
	}
	if msg, ok := formatAlert(env); ok {
		m.alert(msg)
	}
}

func (m *Monitor) alert(msg string) {
	for _, s := range m.sinks {
		if err := s.Send(msg); err != nil {
			m.log.Warn("alert delivery failed", zap.Error(err))
		}
	}
}

func formatAlert(env events.Envelope) (string, bool) {
	ts := time.Now().Format(time.RFC3339)
	switch p := env.Payload.(type) {
	case events.OrderUpdate:
		if env.Topic != events.EventOrderStuck {
			return "", false
		}
		return fmt.Sprintf("[%s] order %s on %s stuck in status %s", ts, p.OrderID, p.Symbol, p.Status), true
	case events.RiskRejection:
		return fmt.Sprintf("[%s] %s %s rejected: %s", ts, p.StrategyID, p.Symbol, p.Reason), true
	}
	return "", false
}
