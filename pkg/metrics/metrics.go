package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts orders that finished a matching pass, by side and resulting status
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tickers_orders_processed_total",
		Help: "Total number of orders processed by the matching engine",
	},
	[]string{"side", "status"},
)

// OrderLatency records the duration of a matching pass
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tickers_order_processing_latency_seconds",
		Help:    "Latency in seconds of a matching pass for one order",
		Buckets: prometheus.DefBuckets,
	},
)

// Matching engine activity
var (
	FillsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickers_fills_total",
			Help: "Number of fills executed, by symbol",
		},
		[]string{"symbol"},
	)

	TradesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickers_trades_total",
			Help: "Number of trade records created, by symbol",
		},
		[]string{"symbol"},
	)

	FillConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickers_fill_conflicts_total",
			Help: "Conditional order writes rejected because of a stale fill sequence",
		},
		[]string{"symbol"},
	)
)

// Settlement outbox metrics
var (
	SettlementDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickers_settlement_delivered_total",
			Help: "Outbox messages delivered to the accounts queue, by kind",
		},
		[]string{"kind"},
	)

	SettlementFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickers_settlement_failures_total",
			Help: "Failed outbox delivery attempts, by kind",
		},
		[]string{"kind"},
	)

	SettlementPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickers_settlement_pending",
			Help: "Outbox messages waiting for delivery at the last relay poll",
		},
	)
)

// Fanout and gateway metrics
var (
	FanoutPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickers_fanout_published_total",
			Help: "Messages published to broadcast and private topics, by target",
		},
		[]string{"target"},
	)

	FanoutFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickers_fanout_failures_total",
			Help: "Messages dropped after exhausting publish retries, by target",
		},
		[]string{"target"},
	)

	GatewayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of live websocket connections",
		},
	)

	GatewayMessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Frames relayed from the broker to websocket clients",
		},
	)

	GatewayProtocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_protocol_errors_total",
			Help: "Error frames sent to clients for malformed control messages",
		},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickers_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickers_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(OrdersProcessed, OrderLatency)
	prometheus.MustRegister(FillsExecuted, TradesRecorded, FillConflicts)
	prometheus.MustRegister(SettlementDelivered, SettlementFailures, SettlementPending)
	prometheus.MustRegister(FanoutPublished, FanoutFailures)
	prometheus.MustRegister(GatewayConnections, GatewayMessagesSent, GatewayProtocolErrors)
	prometheus.MustRegister(DBOpenConns, DBInUseConns)
}
