package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，API 进程注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		QueueDepth, JobTotal,
		DeliveryDuration, DeliveryFailTotal,
		WSClients,
	)
}

// QueueDepth 各集合当前任务数
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "comfyume_queue_depth",
		Help: "各集合当前任务数",
	},
	[]string{"state"}, // pending | running | completed | failed
)

// JobTotal 任务终态总数（按状态）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "comfyume_job_total",
		Help: "任务终态总数（按状态）",
	},
	[]string{"status"}, // completed | failed | cancelled
)

// DeliveryDuration 直发交付耗时（秒，按策略）
var DeliveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "comfyume_delivery_duration_seconds",
		Help:    "直发交付耗时（秒）",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{"strategy"}, // sfs | http
)

// DeliveryFailTotal 直发交付失败总数（按原因）
var DeliveryFailTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "comfyume_delivery_fail_total",
		Help: "直发交付失败总数（按原因）",
	},
	[]string{"reason"}, // rejected | execution | timeout | routing
)

// WSClients 当前 WebSocket 连接数
var WSClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "comfyume_ws_clients",
		Help: "当前 WebSocket 连接数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz /metrics 复用）
func WritePrometheus(w io.Writer) error {
	mfs, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
