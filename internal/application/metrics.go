package application

import (
	"github.com/prometheus/client_golang/prometheus"
)

// deliveryOutcomes 投递结果计数
// pushed=在线推送成功 offline=转入离线队列 ack_timeout=确认超时回退
var deliveryOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "moa",
		Subsystem: "delivery",
		Name:      "outcome_total",
		Help:      "Message delivery outcomes by path.",
	},
	[]string{"outcome"},
)

// RegisterMetrics 注册投递管线指标，未注册时计数器是无害的本地对象
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(deliveryOutcomes)
}
