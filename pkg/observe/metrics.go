package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 是 Prometheus 版本的 Observer
// 指标注册到调用方给的 Registerer，测试可以用独立的 Registry
type Metrics struct {
	ParseTotal   *prometheus.CounterVec
	ParseEntries *prometheus.GaugeVec
	FetchTotal   *prometheus.CounterVec
	FetchBytes   *prometheus.CounterVec
	FetchTime    *prometheus.HistogramVec
	ResolveTotal *prometheus.CounterVec
	ResolveBytes prometheus.Counter
	ResolveTime  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ParseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casc_table_parse_total",
		}, []string{"table", "result"}),
		ParseEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "casc_table_entries",
		}, []string{"table"}),
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casc_fetch_total",
		}, []string{"kind", "source", "result"}),
		FetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casc_fetch_bytes_total",
		}, []string{"kind", "source"}),
		FetchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "casc_fetch_time_seconds",
		}, []string{"kind", "source"}),
		ResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casc_resolve_total",
		}, []string{"result"}),
		ResolveBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casc_resolve_bytes_total",
		}),
		ResolveTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "casc_resolve_time_seconds",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ParseTotal,
			m.ParseEntries,
			m.FetchTotal,
			m.FetchBytes,
			m.FetchTime,
			m.ResolveTotal,
			m.ResolveBytes,
			m.ResolveTime,
		)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Parsed(table string, entries int, _ time.Duration, err error) {
	m.ParseTotal.WithLabelValues(table, result(err)).Inc()
	if err == nil {
		m.ParseEntries.WithLabelValues(table).Set(float64(entries))
	}
}

func (m *Metrics) Fetched(kind, source string, size int, elapsed time.Duration, err error) {
	m.FetchTotal.WithLabelValues(kind, source, result(err)).Inc()
	if err != nil {
		return
	}
	m.FetchBytes.WithLabelValues(kind, source).Add(float64(size))
	m.FetchTime.WithLabelValues(kind, source).Observe(elapsed.Seconds())
}

func (m *Metrics) Resolved(_ string, size int, elapsed time.Duration, err error) {
	m.ResolveTotal.WithLabelValues(result(err)).Inc()
	if err != nil {
		return
	}
	m.ResolveBytes.Add(float64(size))
	m.ResolveTime.Observe(elapsed.Seconds())
}
