// Package metrics exposes gateway counters in the Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xlc-gateway/internal/event"
)

// Metrics holds the gateway collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	devicesOnline     prometheus.Gauge
	heartbeats        prometheus.Counter
	alarms            *prometheus.CounterVec
	registerOps       *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec

	mu     sync.Mutex
	online map[string]bool
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xlc_devices_online",
			Help: "Number of devices currently reported online.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlc_heartbeats_total",
			Help: "Heartbeat frames decoded.",
		}),
		alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xlc_alarms_total",
			Help: "Alarm events by device error code.",
		}, []string{"code"}),
		registerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xlc_register_ops_total",
			Help: "Completed register operations by Modbus function code.",
		}, []string{"function"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xlc_status_transitions_total",
			Help: "Online and offline transitions published.",
		}, []string{"value"}),
		online: make(map[string]bool),
	}
	m.reg.MustRegister(
		m.devicesOnline,
		m.heartbeats,
		m.alarms,
		m.registerOps,
		m.statusTransitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe updates counters from one event. It is meant to be subscribed on
// the event bus.
func (m *Metrics) Observe(e event.Event) {
	if m == nil {
		return
	}
	switch p := e.Data.(type) {
	case event.StatusPayload:
		m.statusTransitions.WithLabelValues(p.Value).Inc()
		m.mu.Lock()
		if p.Value == event.StatusOnline {
			m.online[e.DeviceID] = true
		} else {
			delete(m.online, e.DeviceID)
		}
		m.devicesOnline.Set(float64(len(m.online)))
		m.mu.Unlock()
	case event.HeartbeatPayload:
		m.heartbeats.Inc()
	case event.AlarmPayload:
		m.alarms.WithLabelValues(strconv.Itoa(int(p.Code))).Inc()
	case event.DataPayload:
		m.registerOps.WithLabelValues(strconv.Itoa(int(p.Code))).Inc()
	}
}

// Subscribe attaches m to every event on bus and returns the unsubscribe
// func.
func (m *Metrics) Subscribe(bus *event.Bus) func() {
	return bus.SubscribeAll(m.Observe)
}
