package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksProcessed tracks total blocks scanned per chain
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_blocks_processed_total",
			Help: "Total number of blocks scanned for bridge events",
		},
		[]string{"chain"},
	)

	// EventsDecoded tracks bridge events delivered by the watchers
	EventsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_events_decoded_total",
			Help: "Total number of bridge events decoded",
		},
		[]string{"chain", "event"},
	)

	// EventsDropped tracks events the watcher refused to deliver
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_events_dropped_total",
			Help: "Total number of bridge events dropped before delivery",
		},
		[]string{"chain", "reason"},
	)

	// WatcherErrors tracks failed watcher ticks
	WatcherErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_watcher_errors_total",
			Help: "Total number of failed watcher ticks",
		},
		[]string{"chain"},
	)

	// RPCCallsTotal tracks RPC calls per chain
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per chain
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "method", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oracle_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "method"},
	)

	// IssuerCallsTotal tracks credential issuer requests
	IssuerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_issuer_calls_total",
			Help: "Total number of credential issuer API calls",
		},
		[]string{"op", "result"},
	)

	// ProofJobs tracks proof jobs by terminal outcome
	ProofJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_proof_jobs_total",
			Help: "Total number of proof jobs by outcome",
		},
		[]string{"source", "target", "outcome"},
	)

	// StageLatency tracks time spent per coordinator stage
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oracle_stage_latency_seconds",
			Help:    "Latency of each proof pipeline stage",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// QueueDepth tracks events waiting for a coordinator worker
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oracle_queue_depth",
			Help: "Number of lock events waiting for a worker",
		},
	)

	// UnlocksObserved tracks AssetUnlocked events seen on each chain
	UnlocksObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_unlocks_observed_total",
			Help: "Total number of AssetUnlocked events observed",
		},
		[]string{"chain"},
	)

	// ChainLatestBlock tracks the latest block height of the chain
	ChainLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_chain_latest_block",
			Help: "Latest block height of the chain",
		},
		[]string{"chain"},
	)

	// IndexerLatestBlock tracks the last block processed by the watcher
	IndexerLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_indexer_latest_block",
			Help: "Latest block height processed by the watcher",
		},
		[]string{"chain"},
	)

	// NextNonce tracks the next nonce the sequencer will hand out
	NextNonce = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_next_nonce",
			Help: "Next transaction nonce per chain and account",
		},
		[]string{"chain", "account"},
	)

	// DBConnectionPoolUsage tracks postgres pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oracle_db_connection_pool_usage_percent",
			Help: "Percentage of open database connections in use",
		},
	)
)
