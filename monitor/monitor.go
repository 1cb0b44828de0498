// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wfunc/codenames-client/logger"
)

type Metrics struct {
	ConnectAttempts   prometheus.Counter
	ReconnectsPlanned prometheus.Counter
	RetriesExhausted  prometheus.Counter
	ConnectionState   prometheus.Gauge
	FramesReceived    *prometheus.CounterVec
	MalformedFrames   prometheus.Counter
	DroppedSends      prometheus.Counter
	DispatchLatency   prometheus.Histogram
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Number of websocket dials started",
		}),
		ReconnectsPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Number of automatic reconnects scheduled after an unexpected close",
		}),
		RetriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Number of times the reconnect budget ran out",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 terminal)",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by type",
		}, []string{"type"}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they could not be parsed",
		}),
		DroppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Outbound frames dropped because the connection was not open",
		}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_dispatch_seconds",
			Help:      "Time spent running handlers for one inbound frame",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 10),
		}),
	}

	reg.MustRegister(
		m.ConnectAttempts,
		m.ReconnectsPlanned,
		m.RetriesExhausted,
		m.ConnectionState,
		m.FramesReceived,
		m.MalformedFrames,
		m.DroppedSends,
		m.DispatchLatency,
	)

	return m
}

// Monitor wraps Metrics. All methods are safe on a nil *Monitor so that
// metrics stay optional for callers.
type Monitor struct {
	metrics   *Metrics
	startTime time.Time
	frames    int64
	mutex     sync.Mutex
	vars      *expvar.Map
}

func NewMonitor(namespace string, reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		metrics:   NewMetrics(namespace, reg),
		startTime: time.Now(),
	}

	// 每个 Monitor 自己的变量, 不注册到全局 expvar
	m.vars = new(expvar.Map).Init()
	m.vars.Set("uptime", expvar.Func(func() interface{} {
		return time.Since(m.startTime).Seconds()
	}))
	m.vars.Set("frames", expvar.Func(func() interface{} {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		return m.frames
	}))
	return m
}

func (m *Monitor) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// VarsHandler serves this monitor's uptime and frame count as JSON.
func (m *Monitor) VarsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(m.vars.String()))
	})
}

// StartServer exposes /metrics for gatherer plus this monitor's vars on
// /debug/vars.
func (m *Monitor) StartServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", m.VarsHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Errorf("metrics server stopped: %v", err)
		}
	}()
	return srv
}

func (m *Monitor) IncConnectAttempts() {
	if m == nil {
		return
	}
	m.metrics.ConnectAttempts.Inc()
}

func (m *Monitor) IncReconnectsScheduled() {
	if m == nil {
		return
	}
	m.metrics.ReconnectsPlanned.Inc()
}

func (m *Monitor) IncRetriesExhausted() {
	if m == nil {
		return
	}
	m.metrics.RetriesExhausted.Inc()
}

func (m *Monitor) SetConnectionState(index int) {
	if m == nil {
		return
	}
	m.metrics.ConnectionState.Set(float64(index))
}

func (m *Monitor) IncFramesReceived(frameType string) {
	if m == nil {
		return
	}
	m.metrics.FramesReceived.WithLabelValues(frameType).Inc()
	m.mutex.Lock()
	m.frames++
	m.mutex.Unlock()
}

func (m *Monitor) IncMalformedFrames() {
	if m == nil {
		return
	}
	m.metrics.MalformedFrames.Inc()
}

func (m *Monitor) IncDroppedSends() {
	if m == nil {
		return
	}
	m.metrics.DroppedSends.Inc()
}

func (m *Monitor) ObserveDispatchLatency(duration time.Duration) {
	if m == nil {
		return
	}
	m.metrics.DispatchLatency.Observe(duration.Seconds())
}
