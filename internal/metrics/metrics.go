// Registers:
//
//	#bitmexflow_messages_total
//	#bitmexflow_inserts_total
//	#bitmexflow_duplicate_trades_total
//	#bitmexflow_parse_errors_total
//	#bitmexflow_insert_retries_total
//	#bitmexflow_dead_letters_total
//	#bitmexflow_insert_queue_length
//	#go_* and process_* system metrics
//
// The status server exposes them on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bitmexflow/logger"
)

var (
	once            sync.Once
	messagesTotal   *prometheus.CounterVec
	insertsTotal    *prometheus.CounterVec
	duplicatesTotal *prometheus.CounterVec
	parseErrors     *prometheus.CounterVec
	insertRetries   *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	queueLength     *prometheus.GaugeVec
)

// Init registers the collectors with the default registry. Calls before Init
// only update the logger report counters.
func Init() {
	once.Do(func() {
		messagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitmexflow_messages_total",
				Help: "Decoded stream messages by classification",
			},
			[]string{"instmt", "kind"},
		)
		insertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitmexflow_inserts_total",
				Help: "Rows handed to persistence",
			},
			[]string{"instmt", "table_kind"},
		)
		duplicatesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitmexflow_duplicate_trades_total",
				Help: "Trades dropped because they repeat the last persisted trade id",
			},
			[]string{"instmt"},
		)
		parseErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitmexflow_parse_errors_total",
				Help: "Rows or envelopes that failed normalization",
			},
			[]string{"instmt", "kind"},
		)
		insertRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitmexflow_insert_retries_total",
				Help: "Insert attempts retried after a sink failure",
			},
			[]string{"table"},
		)
		deadLetters = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitmexflow_dead_letters_total",
				Help: "Rows routed to the dead-letter file",
			},
			[]string{"table", "reason"},
		)
		queueLength = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bitmexflow_insert_queue_length",
				Help: "Rows waiting in the insert queue",
			},
			[]string{"queue"},
		)

		_ = prometheus.Register(messagesTotal)
		_ = prometheus.Register(insertsTotal)
		_ = prometheus.Register(duplicatesTotal)
		_ = prometheus.Register(parseErrors)
		_ = prometheus.Register(insertRetries)
		_ = prometheus.Register(deadLetters)
		_ = prometheus.Register(queueLength)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// IncrementMessage counts one decoded message of the given kind.
func IncrementMessage(instmt, kind string, size int) {
	logger.IncrementMessageRead(size)
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(instmt, kind).Inc()
	}
}

// IncrementInsert counts one row handed to persistence. tableKind is
// "depth" or "trade".
func IncrementInsert(instmt, tableKind string) {
	switch tableKind {
	case "depth":
		logger.IncrementDepthInsert()
	case "trade":
		logger.IncrementTradeInsert()
	}
	if insertsTotal != nil {
		insertsTotal.WithLabelValues(instmt, tableKind).Inc()
	}
}

func IncrementDuplicate(instmt string) {
	logger.IncrementDuplicate()
	if duplicatesTotal != nil {
		duplicatesTotal.WithLabelValues(instmt).Inc()
	}
}

func IncrementParseError(instmt, kind string) {
	logger.IncrementParseFailure()
	if parseErrors != nil {
		parseErrors.WithLabelValues(instmt, kind).Inc()
	}
}

func IncrementRetry(table string) {
	logger.IncrementRetryCount()
	if insertRetries != nil {
		insertRetries.WithLabelValues(table).Inc()
	}
}

func IncrementDeadLetter(table, reason string) {
	logger.IncrementDeadLetter()
	if deadLetters != nil {
		deadLetters.WithLabelValues(table, reason).Inc()
	}
}

// SetQueueLength records the current backlog of an insert queue.
func SetQueueLength(queue string, n int) {
	if queueLength != nil {
		queueLength.WithLabelValues(queue).Set(float64(n))
	}
}
