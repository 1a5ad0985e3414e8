package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// PrometheusSink exports harvest progress via Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	unitsCompleted *prometheus.CounterVec

	fetchRequests *prometheus.CounterVec
	fetchRetries  *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total harvest runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Total harvest runs finished partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Harvest runs currently in progress.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_runtime_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		unitsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_units_completed_total",
			Help: "Brands processed partitioned by result (ok, degraded, failed).",
		}, []string{"result"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_requests_total",
			Help: "Successful fetches partitioned by source, class and status class.",
		}, []string{"source", "class", "status_class"}),
		fetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_retries_total",
			Help: "Retried fetch attempts partitioned by source and class.",
		}, []string{"source", "class"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_failures_total",
			Help: "Fetches that gave up partitioned by source, class and failure kind.",
		}, []string{"source", "class", "kind"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_bytes_total",
			Help: "Bytes downloaded per source.",
		}, []string{"source"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by class.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"class"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.unitsCompleted,
		s.fetchRequests,
		s.fetchRetries,
		s.fetchFailures,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		s.runsRunning.Inc()
	case progress.StageRunDone:
		s.finishRun(evt, "completed")
	case progress.StageRunError:
		s.finishRun(evt, "failed")
	case progress.StageUnitDone:
		result := "ok"
		if evt.Note == "degraded" {
			result = "degraded"
		}
		s.unitsCompleted.WithLabelValues(result).Inc()
	case progress.StageUnitError:
		s.unitsCompleted.WithLabelValues("failed").Inc()
	case progress.StageFetchDone:
		statusClass := string(evt.StatusClass)
		if statusClass == "" {
			statusClass = string(progress.StatusOther)
		}
		s.fetchRequests.WithLabelValues(source, evt.Class, statusClass).Inc()
		if evt.Bytes > 0 {
			s.fetchBytes.WithLabelValues(source).Add(float64(evt.Bytes))
		}
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(evt.Class).Observe(evt.Dur.Seconds())
		}
	case progress.StageFetchRetry:
		s.fetchRetries.WithLabelValues(source, evt.Class).Inc()
	case progress.StageFetchError:
		s.fetchFailures.WithLabelValues(source, evt.Class, evt.Note).Inc()
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	s.runsRunning.Dec()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
