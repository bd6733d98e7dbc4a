package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	RequestTotal       *prometheus.CounterVec // labels: op, result=ok|timeout|io|error
	TimeoutTotal       prometheus.Counter
	CrcRetryTotal      prometheus.Counter
	PollTickTotal      *prometheus.CounterVec // labels: kind=state|frame
	CatalogRestarts    prometheus.Counter     // 分页途中 total 变化导致的重抓
	ConsensusRecompute prometheus.Counter
	ConnectedGauge     prometheus.Gauge // 当前在线设备数
	SnapshotSaveTotal  prometheus.Counter
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		RequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vscope_request_total",
			Help: "Protocol requests by operation and result.",
		}, []string{"op", "result"}),
		TimeoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vscope_timeout_total",
			Help: "Total request timeouts.",
		}),
		CrcRetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vscope_crc_retry_total",
			Help: "Total CRC-mismatch retries issued.",
		}),
		PollTickTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vscope_poll_tick_total",
			Help: "Poll loop ticks by kind.",
		}, []string{"kind"}),
		CatalogRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vscope_catalog_restart_total",
			Help: "Catalog fetches restarted because the declared total changed.",
		}),
		ConsensusRecompute: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vscope_consensus_recompute_total",
			Help: "Consensus view recomputations.",
		}),
		ConnectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vscope_connected_devices",
			Help: "Current number of connected devices.",
		}),
		SnapshotSaveTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vscope_snapshot_save_total",
			Help: "Snapshots persisted to storage.",
		}),
	}
	reg.MustRegister(m.RequestTotal, m.TimeoutTotal, m.CrcRetryTotal, m.PollTickTotal,
		m.CatalogRestarts, m.ConsensusRecompute, m.ConnectedGauge, m.SnapshotSaveTotal)
	return m
}
