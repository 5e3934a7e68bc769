package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initMVCC() {
	r.TransactionsActive = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "lsmkv_transactions_active",
		Help: "Number of transactions currently open.",
	})

	r.TransactionsCommitted = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_transactions_committed_total",
		Help: "Total number of transactions committed.",
	})

	r.TransactionsAborted = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_transactions_aborted_total",
		Help: "Total number of transactions rolled back or aborted.",
	})

	r.TransactionConflicts = promauto.With(r.registry).NewCounter(prometheus.CounterOpts{
		Name: "lsmkv_transaction_conflicts_total",
		Help: "Total number of first-committer-wins conflicts detected at commit time.",
	})
}
