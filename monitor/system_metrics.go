package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"

	dataforwarding "ads-gateway/data-forwarding"
	"ads-gateway/events"
)

// BrokerInfo reports the embedded broker's observable counters.
type BrokerInfo interface {
	ClientCount() int
	MessageCount() int64
}

// SystemSampler periodically records host and broker metrics into the
// system_metrics table.
type SystemSampler struct {
	store    *dataforwarding.Store
	bus      *events.Bus
	broker   BrokerInfo
	interval time.Duration

	// Extra adds engine counters (ads_errors, api_requests) to each sweep.
	Extra map[string]func() float64
}

// NewSystemSampler creates the sampler; broker may be nil.
func NewSystemSampler(store *dataforwarding.Store, bus *events.Bus, broker BrokerInfo, interval time.Duration) *SystemSampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &SystemSampler{store: store, bus: bus, broker: broker, interval: interval}
}

// Run samples until the context is cancelled.
func (s *SystemSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemSampler) sample() {
	now := time.Now().UnixMilli()

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.append(dataforwarding.SystemMetric{Timestamp: now, MetricType: "cpu", Value: percents[0]})
	} else if err != nil {
		logrus.Debugf("MON: cpu sample failed: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.append(dataforwarding.SystemMetric{Timestamp: now, MetricType: "memory", Value: vm.UsedPercent})
	} else {
		logrus.Debugf("MON: memory sample failed: %v", err)
	}

	if s.broker != nil {
		s.append(dataforwarding.SystemMetric{Timestamp: now, MetricType: "mqtt_clients", Value: float64(s.broker.ClientCount())})
		s.append(dataforwarding.SystemMetric{Timestamp: now, MetricType: "mqtt_messages", Value: float64(s.broker.MessageCount())})
	}

	for metricType, read := range s.Extra {
		s.append(dataforwarding.SystemMetric{Timestamp: now, MetricType: metricType, Value: read()})
	}
}

func (s *SystemSampler) append(m dataforwarding.SystemMetric) {
	if err := s.store.AppendMetric(m); err != nil {
		logrus.Warnf("MON: metric write failed: %v", err)
		return
	}
	if s.bus != nil {
		s.bus.Emit("system.metric", m)
	}
}
