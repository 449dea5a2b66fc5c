// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes acquisition counters and queue gauges to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const namespace = "gamarr"

// Manager owns a private registry. A nil *Manager is valid and records nothing.
type Manager struct {
	registry *prometheus.Registry

	searches       *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	sourceFailures *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	grabs          *prometheus.CounterVec
	imports        *prometheus.CounterVec
}

func NewManager() *Manager {
	m := &Manager{
		registry: prometheus.NewRegistry(),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total number of search dispatches by trigger and result",
		}, []string{"trigger", "result"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Duration of search dispatches in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"trigger"}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Total number of failed source queries by source and kind",
		}, []string{"source", "kind"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of candidate decisions by status",
		}, []string{"status"}),
		grabs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grabs_total",
			Help:      "Total number of grab attempts by result",
		}, []string{"result"}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_total",
			Help:      "Total number of tracked download outcomes by state",
		}, []string{"state"}),
	}

	m.registry.MustRegister(m.searches, m.searchDuration, m.sourceFailures, m.decisions, m.grabs, m.imports)

	log.Debug().Msg("Metrics manager initialized")
	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RegisterCollector adds a collector such as the queue collector.
func (m *Manager) RegisterCollector(c prometheus.Collector) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(c)
}

func (m *Manager) ObserveSearch(trigger, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(trigger, result).Inc()
	m.searchDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
}

func (m *Manager) SourceFailed(source, kind string) {
	if m == nil {
		return
	}
	m.sourceFailures.WithLabelValues(source, kind).Inc()
}

func (m *Manager) Decision(status string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(status).Inc()
}

func (m *Manager) Grab(result string) {
	if m == nil {
		return
	}
	m.grabs.WithLabelValues(result).Inc()
}

func (m *Manager) Outcome(state string) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(state).Inc()
}
