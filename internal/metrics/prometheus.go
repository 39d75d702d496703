package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operator-facing counters, exposed on the dispatcher's /metrics endpoint.
var (
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lmeterx",
		Name:      "tasks_claimed_total",
		Help:      "Tasks claimed from the store by this dispatcher.",
	})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lmeterx",
		Name:      "tasks_finished_total",
		Help:      "Tasks reaching a terminal status, by status.",
	}, []string{"status"})

	DispatcherTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lmeterx",
		Name:      "dispatcher_ticks_total",
		Help:      "Dispatcher poll-loop iterations.",
	})

	RunningWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lmeterx",
		Name:      "running_workers",
		Help:      "Task runner subprocesses currently alive.",
	})

	requestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lmeterx",
		Name:      "request_events_total",
		Help:      "Request events observed by aggregators, by label and result.",
	}, []string{"label", "result"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lmeterx",
		Name:      "events_dropped_total",
		Help:      "Request events dropped on aggregator channel overflow.",
	})
)
