// Package metrics exposes search progress as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gnas/internal/evo"
	"gnas/internal/model"
)

const namespace = "gnas"

var _ evo.MetricsSink = (*Recorder)(nil)

// Recorder is an evo.MetricsSink backed by its own registry. Every series
// carries the run id as a constant label.
type Recorder struct {
	registry *prometheus.Registry

	trainSteps     prometheus.Counter
	trainLoss      prometheus.Gauge
	evaluations    prometheus.Counter
	evaluationLoss prometheus.Histogram
	generation     prometheus.Gauge
	bestFitness    prometheus.Gauge
	bestEver       prometheus.Gauge
	meanFitness    prometheus.Gauge
	variance       prometheus.Gauge
	distinct       prometheus.Gauge
	collapsed      prometheus.Gauge
	collapses      prometheus.Counter
}

func NewRecorder(runID string) *Recorder {
	labels := prometheus.Labels{"run_id": runID}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help, ConstLabels: labels})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help, ConstLabels: labels})
	}

	r := &Recorder{
		registry:    prometheus.NewRegistry(),
		trainSteps:  counter("train_steps_total", "Training batches processed."),
		trainLoss:   gauge("train_loss", "Loss of the most recent training batch."),
		evaluations: counter("evaluations_total", "Validation evaluations recorded."),
		evaluationLoss: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "evaluation_loss",
			Help:        "Validation loss of evaluated individuals.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		generation:  gauge("generation", "Generations completed."),
		bestFitness: gauge("best_fitness", "Lowest loss of the last generation."),
		bestEver:    gauge("best_ever_fitness", "Lowest loss seen by the run."),
		meanFitness: gauge("mean_fitness", "Mean loss of the last generation."),
		variance:    gauge("fitness_variance", "Loss variance of the last generation."),
		distinct:    gauge("distinct_individuals", "Distinct genomes among the ranked candidates."),
		collapsed:   gauge("population_collapsed", "1 when the last generation had a single distinct genome."),
		collapses:   counter("collapsed_generations_total", "Generations that ended collapsed."),
	}
	r.registry.MustRegister(
		r.trainSteps, r.trainLoss,
		r.evaluations, r.evaluationLoss,
		r.generation, r.bestFitness, r.bestEver, r.meanFitness, r.variance,
		r.distinct, r.collapsed, r.collapses,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ObserveTrainLoss(loss float64) {
	r.trainSteps.Inc()
	r.trainLoss.Set(loss)
}

func (r *Recorder) ObserveEvaluation(loss float64) {
	r.evaluations.Inc()
	r.evaluationLoss.Observe(loss)
}

func (r *Recorder) ObserveGeneration(diag model.GenerationDiagnostics) {
	r.generation.Set(float64(diag.Generation + 1))
	r.bestFitness.Set(diag.BestFitness)
	r.bestEver.Set(diag.BestEverFitness)
	r.meanFitness.Set(diag.MeanFitness)
	r.variance.Set(diag.FitnessVariance)
	r.distinct.Set(float64(diag.DistinctIndividuals))
	if diag.Collapsed {
		r.collapsed.Set(1)
		r.collapses.Inc()
	} else {
		r.collapsed.Set(0)
	}
}
