package metric

import (
	"github.com/inkwell-agent/auction-node/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceError   = "error"
	namespaceAuction = "auction"
	namespaceSponsor = "sponsor"
	namespaceRefund  = "refund"
)

var (
	// Errors errors count metric.
	Errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceError,
			Name:      "errors",
			Help:      "",
		}, []string{"error"})

	// ActiveBids active bid count across all chains at the last fetch
	ActiveBids = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceAuction,
			Name:      "active_bids",
			Help:      "",
		})

	// FetchFailures per-chain bid fetch failure count
	FetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceAuction,
			Name:      "fetch_failures_total",
			Help:      "",
		}, []string{"chain"})

	// SettleAttempts settle attempt count per chain
	SettleAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceAuction,
			Name:      "settle_attempts_total",
			Help:      "",
		}, []string{"chain"})

	// SettleSuccesses confirmed settlement count per chain
	SettleSuccesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceAuction,
			Name:      "settle_successes_total",
			Help:      "",
		}, []string{"chain"})

	// CyclesSettled settled cycle count, including empty cycles
	CyclesSettled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceAuction,
			Name:      "cycles_settled_total",
			Help:      "",
		})

	// SponsorRejections sponsorship rejection count by reason
	SponsorRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceSponsor,
			Name:      "rejections_total",
			Help:      "",
		}, []string{"reason"})

	// SponsoredTxs successfully co-signed and broadcast transaction count
	SponsoredTxs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceSponsor,
			Name:      "sponsored_txs_total",
			Help:      "",
		})

	// RefundBatches confirmed refund batch count
	RefundBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceRefund,
			Name:      "batches_total",
			Help:      "",
		})
)

func init() {
	if err := registerCollectors(); err != nil {
		log.Error(err)
	}
}

func registerCollectors() error {
	collectors := []prometheus.Collector{
		Errors, ActiveBids, FetchFailures, SettleAttempts, SettleSuccesses,
		CyclesSettled, SponsorRejections, SponsoredTxs, RefundBatches,
	}
	for _, collector := range collectors {
		if err := registerCollector(collector); err != nil {
			return err
		}
	}
	return nil
}

func registerCollector(collector prometheus.Collector) error {
	err := prometheus.Register(collector)
	if err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	return nil
}

// CollectError collects the error metric
func CollectError(err error) {
	Errors.With(map[string]string{"error": err.Error()}).Inc()
}
