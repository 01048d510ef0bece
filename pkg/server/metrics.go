package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metric descriptors for the engine. Each engine
// has its own registry.
type Metrics struct {
	engine *Engine
	reg    *prometheus.Registry

	teleportsTotal  *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	flushErrors     prometheus.Counter
	playersTotal    prometheus.Gauge
	homesTotal      prometheus.Gauge
	sharesTotal     prometheus.Gauge
	pendingWarmups  prometheus.Gauge
	playersOnline   prometheus.Gauge
	uptimeSeconds   prometheus.Gauge
	memoryHeapBytes prometheus.Gauge
	goroutines      prometheus.Gauge
}

// NewMetrics creates and registers metrics for e.
func NewMetrics(e *Engine) *Metrics {
	m := &Metrics{
		engine: e,
		reg:    prometheus.NewRegistry(),
		teleportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperhomes_teleports_total",
			Help: "Teleport lifecycle events by outcome.",
		}, []string{"outcome"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperhomes_teleport_rejections_total",
			Help: "Rejected or cancelled teleports by reason.",
		}, []string{"reason"}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperhomes_flush_errors_total",
			Help: "Failed persistence writes.",
		}),
		playersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperhomes_players_total",
			Help: "Players with a home record.",
		}),
		homesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperhomes_homes_total",
			Help: "Homes across all players.",
		}),
		sharesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperhomes_shares_total",
			Help: "Share grants across all owners.",
		}),
		pendingWarmups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperhomes_pending_warmups",
			Help: "Teleports currently warming up.",
		}),
		playersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperhomes_players_online",
			Help: "Players the front-end reports online.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperhomes_uptime_seconds",
			Help: "Engine uptime in seconds.",
		}),
		memoryHeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperhomes_memory_heap_bytes",
			Help: "Go heap memory allocated in bytes.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperhomes_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	m.reg.MustRegister(
		m.teleportsTotal,
		m.rejectionsTotal,
		m.flushErrors,
		m.playersTotal,
		m.homesTotal,
		m.sharesTotal,
		m.pendingWarmups,
		m.playersOnline,
		m.uptimeSeconds,
		m.memoryHeapBytes,
		m.goroutines,
	)
	return m
}

// Receive counts teleport notifications.
func (m *Metrics) Receive(ev events.Event) {
	switch ev.Type {
	case events.EvTeleportAccepted:
		m.teleportsTotal.WithLabelValues("accepted").Inc()
	case events.EvTeleportCompleted:
		m.teleportsTotal.WithLabelValues("completed").Inc()
	case events.EvTeleportCancelled:
		m.teleportsTotal.WithLabelValues("cancelled").Inc()
		m.rejectionsTotal.WithLabelValues(ev.Reason).Inc()
	case events.EvTeleportRejected:
		m.teleportsTotal.WithLabelValues("rejected").Inc()
		m.rejectionsTotal.WithLabelValues(ev.Reason).Inc()
	}
}

// Closed implements events.Subscriber.
func (m *Metrics) Closed() bool { return false }

// Update refreshes all gauges from current engine state.
func (m *Metrics) Update() {
	e := m.engine
	m.playersTotal.Set(float64(len(e.homes.Players())))
	m.homesTotal.Set(float64(e.homes.TotalHomes()))
	m.sharesTotal.Set(float64(e.shares.Count()))
	m.pendingWarmups.Set(float64(e.sched.Pending()))
	m.playersOnline.Set(float64(e.world.OnlineCount()))
	m.uptimeSeconds.Set(e.clock.Now().Sub(e.startTime).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.memoryHeapBytes.Set(float64(mem.HeapAlloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Registry exposes the registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler returns an http.Handler that updates metrics before serving them.
func (m *Metrics) Handler() http.Handler {
	h := promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Timeout: 5 * time.Second})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		h.ServeHTTP(w, r)
	})
}
