package batcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles            prometheus.Counter
	batchesAttempted  prometheus.Counter
	batchesDispatched prometheus.Counter
	admissionDenials  prometheus.Counter
	stagesDispatched  *prometheus.CounterVec
	stagesSimulated   *prometheus.CounterVec
	dispatchFailures  *prometheus.CounterVec
	prepOperations    *prometheus.CounterVec
	absorbedErrors    *prometheus.CounterVec

	fraction     prometheus.Gauge
	yieldRatio   prometheus.Gauge
	freeCapacity prometheus.Gauge
}

// NewMetrics creates and registers the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "batchd"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Control loop cycles completed",
		}),
		batchesAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_attempted_total",
			Help:      "Batches considered for admission",
		}),
		batchesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dispatched_total",
			Help:      "Batches whose four stages were all admitted",
		}),
		admissionDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denials_total",
			Help:      "Cycles cut short by the admission controller",
		}),
		stagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_dispatched_total",
			Help:      "Stages submitted to the dispatcher",
		}, []string{"kind"}),
		stagesSimulated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_simulated_total",
			Help:      "Stages logged but not submitted in dry-run mode",
		}, []string{"kind"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Stages the dispatcher rejected",
		}, []string{"kind"}),
		prepOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prep_operations_total",
			Help:      "Operations issued while preparing the target",
		}, []string{"operation"}),
		absorbedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "absorbed_errors_total",
			Help:      "Collaborator failures absorbed by the engine",
		}, []string{"type"}),
		fraction: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "extraction_fraction",
			Help:      "Current extraction fraction",
		}),
		yieldRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "yield_ratio",
			Help:      "Last observed money/maxMoney of the target",
		}),
		freeCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "free_capacity",
			Help:      "Free capacity seen at the last admission check",
		}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.batchesAttempted,
		m.batchesDispatched,
		m.admissionDenials,
		m.stagesDispatched,
		m.stagesSimulated,
		m.dispatchFailures,
		m.prepOperations,
		m.absorbedErrors,
		m.fraction,
		m.yieldRatio,
		m.freeCapacity,
	)

	return m
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
