// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

type PendingCounter interface {
	Count(ctx context.Context) (int, error)
}

type TrackedCounter interface {
	StateCounts() map[string]int
}

// QueueCollector reports queue sizes at scrape time.
type QueueCollector struct {
	pending PendingCounter
	tracked TrackedCounter

	pendingDesc *prometheus.Desc
	trackedDesc *prometheus.Desc
	errorsDesc  *prometheus.Desc
}

func NewQueueCollector(pending PendingCounter, tracked TrackedCounter) *QueueCollector {
	return &QueueCollector{
		pending: pending,
		tracked: tracked,

		pendingDesc: prometheus.NewDesc(
			namespace+"_pending_releases",
			"Number of releases held in the pending queue",
			nil,
			nil,
		),
		trackedDesc: prometheus.NewDesc(
			namespace+"_tracked_downloads",
			"Number of tracked downloads by state",
			[]string{"state"},
			nil,
		),
		errorsDesc: prometheus.NewDesc(
			namespace+"_scrape_errors_total",
			"Number of scrape errors by type",
			[]string{"type"},
			nil,
		),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingDesc
	ch <- c.trackedDesc
	ch <- c.errorsDesc
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.pending != nil {
		n, err := c.pending.Count(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to count pending releases for metrics")
			ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, 1, "pending")
		} else {
			ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(n))
		}
	}

	if c.tracked != nil {
		for state, n := range c.tracked.StateCounts() {
			ch <- prometheus.MustNewConstMetric(c.trackedDesc, prometheus.GaugeValue, float64(n), state)
		}
	}
}
