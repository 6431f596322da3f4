package monitor

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the gpsd session collectors. It satisfies gpsd.Metrics.
type Metrics struct {
	Connected       prometheus.Gauge
	Connects        prometheus.Counter
	ObjectsDecoded  *prometheus.CounterVec
	DecodeErrors    prometheus.Counter
	ListenerErrors  prometheus.Counter
	CommandsSent    *prometheus.CounterVec
	CommandTimeouts prometheus.Counter
	Goroutines      prometheus.Gauge
	MemoryUsage     prometheus.Gauge

	registry *prometheus.Registry
	log      *logrus.Entry
}

// New creates and registers the collectors on their own registry.
func New(log *logrus.Entry) *Metrics {
	m := &Metrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpsdash_gpsd_connected",
			Help: "1 while the gpsd session is connected",
		}),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpsdash_gpsd_connects_total",
			Help: "Successful gpsd connections",
		}),
		ObjectsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpsdash_gpsd_objects_total",
			Help: "Decoded gpsd objects by class",
		}, []string{"class"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpsdash_gpsd_decode_errors_total",
			Help: "Lines that could not be decoded",
		}),
		ListenerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpsdash_gpsd_listener_errors_total",
			Help: "Listener callbacks that panicked",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpsdash_gpsd_commands_total",
			Help: "Commands written, by expected reply class",
		}, []string{"reply"}),
		CommandTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpsdash_gpsd_command_timeouts_total",
			Help: "Commands whose reply never arrived",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpsdash_goroutines",
			Help: "Current goroutine count",
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpsdash_memory_usage_bytes",
			Help: "Allocated heap bytes",
		}),
		registry: prometheus.NewRegistry(),
		log:      log,
	}
	m.registry.MustRegister(
		m.Connected,
		m.Connects,
		m.ObjectsDecoded,
		m.DecodeErrors,
		m.ListenerErrors,
		m.CommandsSent,
		m.CommandTimeouts,
		m.Goroutines,
		m.MemoryUsage,
	)
	return m
}

func (m *Metrics) ObjectDecoded(class string) { m.ObjectsDecoded.WithLabelValues(class).Inc() }
func (m *Metrics) DecodeFailed()              { m.DecodeErrors.Inc() }
func (m *Metrics) ListenerFailed()            { m.ListenerErrors.Inc() }
func (m *Metrics) CommandTimedOut()           { m.CommandTimeouts.Inc() }

func (m *Metrics) CommandSent(reply string) {
	if reply == "" {
		reply = "none"
	}
	m.CommandsSent.WithLabelValues(reply).Inc()
}

func (m *Metrics) ConnectionChanged(up bool) {
	if up {
		m.Connected.Set(1)
		m.Connects.Inc()
		return
	}
	m.Connected.Set(0)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SampleRuntime refreshes the goroutine and memory gauges.
func (m *Metrics) SampleRuntime() {
	m.Goroutines.Set(float64(runtime.NumGoroutine()))
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemoryUsage.Set(float64(mem.Alloc))
}

// RunRuntimeSampler samples every interval until stop is closed.
func (m *Metrics) RunRuntimeSampler(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.SampleRuntime()
			if m.log != nil {
				m.log.Debugf("goroutines: %d", runtime.NumGoroutine())
			}
		}
	}
}
