package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 行情指标
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcatrader_ticks_total",
			Help: "Total number of normalized upstream ticks processed",
		},
		[]string{"exchange", "symbol", "stream"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dcatrader_active_upstream_streams",
			Help: "Number of streams currently subscribed on the upstream connection",
		},
		[]string{"exchange"},
	)

	UpstreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcatrader_upstream_reconnects_total",
			Help: "Total number of upstream reconnect attempts",
		},
		[]string{"exchange"},
	)

	SubscriberSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dcatrader_subscriber_sessions",
			Help: "Number of connected downstream sessions",
		},
	)

	DroppedDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcatrader_dropped_deliveries_total",
			Help: "Ticks dropped because a subscriber queue was full",
		},
		[]string{"exchange"},
	)

	// Bot 指标
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcatrader_orders_placed_total",
			Help: "Order intents sent to the trading collaborator",
		},
		[]string{"bot", "type", "side"},
	)

	CyclesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcatrader_cycles_completed_total",
			Help: "Trading cycles closed by a take-profit fill",
		},
		[]string{"bot"},
	)

	// 已实现盈亏可能为负，用 Gauge 累加
	CycleProfit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dcatrader_cycle_profit_total",
			Help: "Accumulated realized profit in quote currency",
		},
		[]string{"bot"},
	)
)
