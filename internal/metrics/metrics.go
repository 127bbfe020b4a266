// Package metrics 暴露 Prometheus 指标：
//
//   - arb_gate_wait_seconds{venue}        限流等待耗时
//   - arb_gate_dedup_total{venue}         去重命中次数
//   - arb_executions_total{status}        双腿执行结果
//   - arb_rollbacks_total{result}         回滚结果
//   - arb_unhedged_alerts_total           未对冲敞口告警
//   - arb_reconcile_findings_total{kind}  对账发现
//   - arb_open_trades                     当前未平仓交易数
//
// 所有方法对 nil 接收者安全，测试中可直接传 nil。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 聚合全部采集器。
type Metrics struct {
	gateWait   *prometheus.HistogramVec
	gateDedup  *prometheus.CounterVec
	executions *prometheus.CounterVec
	rollbacks  *prometheus.CounterVec
	unhedged   prometheus.Counter
	findings   *prometheus.CounterVec
	openTrades prometheus.Gauge
}

// New 创建采集器并注册到 reg，reg 为 nil 时不注册。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gateWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arb_gate_wait_seconds",
				Help:    "Time spent waiting for venue rate-limit capacity",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"venue"},
		),
		gateDedup: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_gate_dedup_total",
				Help: "Venue reads served from the dedup cache or a shared in-flight call",
			},
			[]string{"venue"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_executions_total",
				Help: "Two-leg executions by outcome",
			},
			[]string{"status"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_rollbacks_total",
				Help: "Maker-leg rollbacks by result",
			},
			[]string{"result"},
		),
		unhedged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_unhedged_alerts_total",
				Help: "Unhedged exposure alerts raised",
			},
		),
		findings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_reconcile_findings_total",
				Help: "Reconciliation findings by kind",
			},
			[]string{"kind"},
		),
		openTrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_open_trades",
				Help: "Trades currently open in the ledger",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.gateWait,
			m.gateDedup,
			m.executions,
			m.rollbacks,
			m.unhedged,
			m.findings,
			m.openTrades,
		)
	}
	return m
}

func (m *Metrics) ObserveGateWait(venue string, d time.Duration) {
	if m == nil {
		return
	}
	m.gateWait.WithLabelValues(venue).Observe(d.Seconds())
}

func (m *Metrics) IncDedup(venue string) {
	if m == nil {
		return
	}
	m.gateDedup.WithLabelValues(venue).Inc()
}

func (m *Metrics) IncExecution(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRollback(result string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) IncUnhedged() {
	if m == nil {
		return
	}
	m.unhedged.Inc()
}

func (m *Metrics) IncFinding(kind string) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetOpenTrades(n int) {
	if m == nil {
		return
	}
	m.openTrades.Set(float64(n))
}
