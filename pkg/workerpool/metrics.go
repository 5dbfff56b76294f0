package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWorkersSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ccswarm",
		Subsystem: "workerpool",
		Name:      "workers_spawned_total",
		Help:      "Worker child processes successfully spawned.",
	})
	metricWorkersRecycled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ccswarm",
		Subsystem: "workerpool",
		Name:      "workers_recycled_total",
		Help:      "Worker recycle cycles completed.",
	})
	metricTasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ccswarm",
		Subsystem: "workerpool",
		Name:      "tasks_executed_total",
		Help:      "Work items executed by workers, labeled by outcome.",
	}, []string{"outcome"})
	metricBusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ccswarm",
		Subsystem: "workerpool",
		Name:      "busy_workers",
		Help:      "Workers currently executing a task.",
	})
)

func recordSpawn() {
	metricWorkersSpawned.Inc()
}

func recordRecycle() {
	metricWorkersRecycled.Inc()
}

func recordTaskOutcome(success bool) {
	if success {
		metricTasksExecuted.WithLabelValues("success").Inc()
		return
	}
	metricTasksExecuted.WithLabelValues("failure").Inc()
}
