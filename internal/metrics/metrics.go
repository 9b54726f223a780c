package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and histograms for the two halves of the bridge: deposit
// consumption and settlement scheduling.

var (
	// Consumer
	DepositsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nem_processor",
		Subsystem: "consumer",
		Name:      "deposits_applied_total",
		Help:      "Deposit events credited to the account ledger",
	})

	DepositsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nem_processor",
		Subsystem: "consumer",
		Name:      "deposits_duplicate_total",
		Help:      "Redelivered deposit events discarded by the event-id check",
	})

	DepositsMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nem_processor",
		Subsystem: "consumer",
		Name:      "deposits_malformed_total",
		Help:      "Deposit messages dropped because the payload failed validation",
	})

	// Scheduler
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nem_processor",
		Subsystem: "scheduler",
		Name:      "settlements_total",
		Help:      "Settlement attempts by outcome",
	}, []string{"result"})

	SettlementTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nem_processor",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Settlement tick processing duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	StaleSettlingReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nem_processor",
		Subsystem: "scheduler",
		Name:      "stale_settling_released_total",
		Help:      "Accounts recovered from a stale SETTLING claim, by resolution",
	}, []string{"resolution"})
)
