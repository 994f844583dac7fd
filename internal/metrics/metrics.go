package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"camprobe/internal/camera"
)

const namespace = "camprobe"

// SessionSource はセッションの状態を返す
type SessionSource interface {
	Stats() camera.Stats
	Connected() bool
}

// Metrics は独自のレジストリに登録したメトリクス。
// nil のレシーバーでもすべてのメソッドを呼べる。
type Metrics struct {
	registry *prometheus.Registry

	leaseWait     *prometheus.HistogramVec
	leasesHeld    *prometheus.GaugeVec
	tests         *prometheus.CounterVec
	testDuration  *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	previewFrames *prometheus.CounterVec
}

// New はメトリクスを作成する
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		leaseWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lease_wait_seconds",
			Help:      "Time spent waiting for a device lease.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"kind", "outcome"}),
		leasesHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leases_held",
			Help:      "Leases currently held by kind.",
		}, []string{"kind"}),
		tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_total",
			Help:      "Finished test executions by id and status.",
		}, []string{"id", "status"}),
		testDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "test_duration_seconds",
			Help:      "Test execution time.",
			Buckets:   []float64{.05, .1, .5, 1, 2, 5, 10, 30},
		}, []string{"id"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by final state.",
		}, []string{"state"}),
		previewFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preview_frames_total",
			Help:      "Preview frame attempts by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(m.leaseWait, m.leasesHeld, m.tests, m.testDuration, m.runs, m.previewFrames)
	return m
}

// WatchSession は収集のたびにセッションの状態を読むコレクターを登録する
func (m *Metrics) WatchSession(session SessionSource) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(&sessionCollector{session: session})
}

// Registry はメトリクスのレジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler は /metrics のハンドラーを返す
func (m *Metrics) Handler(logger *zap.Logger) http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	opts := promhttp.HandlerOpts{}
	if logger != nil {
		opts.ErrorLog = zap.NewStdLog(logger)
	}
	return promhttp.HandlerFor(m.registry, opts)
}

// ObserveLeaseWait はリース取得の待ち時間を記録する
func (m *Metrics) ObserveLeaseWait(kind, outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.leaseWait.WithLabelValues(kind, outcome).Observe(wait.Seconds())
}

// AddLeasesHeld は保持中のリース数を増減する
func (m *Metrics) AddLeasesHeld(kind string, delta float64) {
	if m == nil {
		return
	}
	m.leasesHeld.WithLabelValues(kind).Add(delta)
}

// TestFinished はテストの結果を記録する
func (m *Metrics) TestFinished(id, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.tests.WithLabelValues(id, status).Inc()
	m.testDuration.WithLabelValues(id).Observe(d.Seconds())
}

// RunFinished は実行の終了を記録する
func (m *Metrics) RunFinished(state string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
}

// PreviewFrame はプレビューのフレーム取得結果を記録する
func (m *Metrics) PreviewFrame(outcome string) {
	if m == nil {
		return
	}
	m.previewFrames.WithLabelValues(outcome).Inc()
}

var (
	connectedDesc = prometheus.NewDesc(
		namespace+"_session_connected", "Whether a camera is connected (1) or not (0).", nil, nil,
	)
	generationDesc = prometheus.NewDesc(
		namespace+"_session_generation", "Connection generation counter.", nil, nil,
	)
	waitingDesc = prometheus.NewDesc(
		namespace+"_lease_waiters", "Lease requests currently queued.", nil, nil,
	)
	leaseEventsDesc = prometheus.NewDesc(
		namespace+"_lease_events_total", "Lease lifecycle events.", []string{"event"}, nil,
	)
)

// sessionCollector は収集のたびにセッションの状態を読む
type sessionCollector struct {
	session SessionSource
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- connectedDesc
	ch <- generationDesc
	ch <- waitingDesc
	ch <- leaseEventsDesc
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.session.Stats()
	connected := 0.0
	if c.session.Connected() {
		connected = 1
	}

	ch <- prometheus.MustNewConstMetric(connectedDesc, prometheus.GaugeValue, connected)
	ch <- prometheus.MustNewConstMetric(generationDesc, prometheus.CounterValue, float64(stats.Generation))
	ch <- prometheus.MustNewConstMetric(waitingDesc, prometheus.GaugeValue, float64(stats.Waiting))
	ch <- prometheus.MustNewConstMetric(leaseEventsDesc, prometheus.CounterValue, float64(stats.Granted), "granted")
	ch <- prometheus.MustNewConstMetric(leaseEventsDesc, prometheus.CounterValue, float64(stats.Released), "released")
	ch <- prometheus.MustNewConstMetric(leaseEventsDesc, prometheus.CounterValue, float64(stats.Revoked), "revoked")
}
