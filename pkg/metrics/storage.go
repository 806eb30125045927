package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RecordsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logstore_records_appended_total",
		Help: "Total number of records appended across all partitions",
	})

	DuplicateRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logstore_duplicate_records_total",
		Help: "Appends deduplicated by producer sequence number",
	})

	FencingRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logstore_fencing_rejections_total",
		Help: "Writes rejected because the producer epoch was stale",
	})

	TxnTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logstore_txn_transitions_total",
		Help: "Transaction state transitions by resulting state",
	}, []string{"state"})

	OpenTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logstore_open_transactions",
		Help: "Transactions currently in BEGIN or PREPARE states",
	})

	OffsetCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logstore_offset_commits_total",
		Help: "Committed consumer offsets, transactional and direct",
	})

	ETagConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logstore_group_etag_conflicts_total",
		Help: "Consumer group upserts rejected by optimistic concurrency",
	})
)
