// Package metrics exports batch execution metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jacentio/tessera/batch"
)

// Collector implements batch.Observer using Prometheus.
type Collector struct {
	batchesFinished *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec
	batchSize       prometheus.Histogram

	commandsExecuted *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
}

var _ batch.Observer = (*Collector)(nil)

// NewCollector registers the collector's metrics with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		batchesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_batches_total",
				Help: "Total number of batches by outcome",
			},
			[]string{"outcome"},
		),
		batchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tessera_batch_duration_seconds",
				Help:    "Batch duration in seconds, scheduling through commit or rollback",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"outcome"},
		),
		batchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tessera_batch_commands",
				Help:    "Number of scheduled commands per batch",
				Buckets: prometheus.ExponentialBuckets(1, 2, 8),
			},
		),
		commandsExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessera_commands_executed_total",
				Help: "Total number of executed commands",
			},
			[]string{"kind", "status"},
		),
		commandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tessera_command_duration_seconds",
				Help:    "Command execution duration in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"kind"},
		),
	}
}

// CommandFinished records one command execution.
func (c *Collector) CommandFinished(kind batch.Kind, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.commandsExecuted.WithLabelValues(kind.String(), status).Inc()
	c.commandDuration.WithLabelValues(kind.String()).Observe(duration.Seconds())
}

// BatchFinished records a batch outcome.
func (c *Collector) BatchFinished(result batch.Result) {
	outcome := string(result.Outcome)
	c.batchesFinished.WithLabelValues(outcome).Inc()
	c.batchDuration.WithLabelValues(outcome).Observe(result.Duration.Seconds())
	if result.Order != nil {
		c.batchSize.Observe(float64(len(result.Order)))
	}
}

// BatchesTotal returns the batch counter for one outcome.
func (c *Collector) BatchesTotal(outcome batch.Outcome) prometheus.Counter {
	return c.batchesFinished.WithLabelValues(string(outcome))
}
