package distributor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricItemsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ccswarm",
		Subsystem: "distributor",
		Name:      "items_dispatched_total",
		Help:      "Work items handed off to a worker.",
	})
	metricItemsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ccswarm",
		Subsystem: "distributor",
		Name:      "items_completed_total",
		Help:      "Work items that completed successfully.",
	})
	metricItemsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ccswarm",
		Subsystem: "distributor",
		Name:      "items_retried_total",
		Help:      "Work item retry attempts queued.",
	})
	metricItemsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ccswarm",
		Subsystem: "distributor",
		Name:      "items_failed_total",
		Help:      "Work items that failed permanently after exhausting retries.",
	})
	metricPendingQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ccswarm",
		Subsystem: "distributor",
		Name:      "pending_queue_length",
		Help:      "Current length of the pending dispatch queue.",
	})
)
