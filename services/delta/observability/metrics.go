// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the prometheus metrics of the patch log
// service and its clients.
//
// A nil *Metrics is valid and records nothing, so components take metrics as
// an optional dependency.
package observability

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

const namespace = "aleutian_delta"

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeConflict    = "conflict"
	OutcomeMalformed   = "malformed"
	OutcomeNotFound    = "not_found"
	OutcomeNotRetained = "not_retained"
	OutcomeUnavailable = "unavailable"
	OutcomeAborted     = "aborted"
	OutcomeDiverged    = "diverged"
	OutcomeError       = "error"
)

// Outcome classifies err into one of the outcome labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, delta.ErrConflict):
		return OutcomeConflict
	case errors.Is(err, patch.ErrMalformedPatch):
		return OutcomeMalformed
	case errors.Is(err, delta.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, delta.ErrNotRetained):
		return OutcomeNotRetained
	case errors.Is(err, delta.ErrLinkUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, patch.ErrTxnAbort):
		return OutcomeAborted
	case errors.Is(err, delta.ErrDiverged):
		return OutcomeDiverged
	default:
		return OutcomeError
	}
}

// Metrics is the set of collectors.
type Metrics struct {
	// appendsTotal counts appends.
	//
	// Labels:
	//   - provider: store provider name
	//   - outcome: see Outcome
	appendsTotal *prometheus.CounterVec

	// appendDuration measures append latency including storage writes.
	appendDuration *prometheus.HistogramVec

	// fetchesTotal counts patch fetches by outcome.
	fetchesTotal *prometheus.CounterVec

	// logVersion is the latest version of each log.
	logVersion *prometheus.GaugeVec

	// dataSources is the number of registered data sources.
	dataSources prometheus.Gauge

	// syncsTotal counts client sync runs by outcome.
	syncsTotal *prometheus.CounterVec

	// patchesApplied counts patches replayed onto replicas.
	patchesApplied prometheus.Counter

	// httpRequests counts HTTP requests by route and status code.
	httpRequests *prometheus.CounterVec

	// httpDuration measures HTTP handler latency by route.
	httpDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
//
// Inputs:
//
//	reg - Registry to register with. prometheus.DefaultRegisterer in
//	      production, prometheus.NewRegistry() in tests.
//
// Outputs:
//
//	*Metrics - The metrics. Registering twice with one registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		appendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "appends_total",
			Help:      "Total patch appends by provider and outcome",
		}, []string{"provider", "outcome"}),
		appendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "append_duration_seconds",
			Help:      "Patch append duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"provider"}),
		fetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "fetches_total",
			Help:      "Total patch fetches by outcome",
		}, []string{"outcome"}),
		logVersion: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "version",
			Help:      "Latest version of each log",
		}, []string{"dataset"}),
		dataSources: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "data_sources",
			Help:      "Number of registered data sources",
		}),
		syncsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "syncs_total",
			Help:      "Total replica sync runs by outcome",
		}, []string{"outcome"}),
		patchesApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "patches_applied_total",
			Help:      "Total patches applied to replicas",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by route and status",
		}, []string{"route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// RecordAppend records one append attempt.
func (m *Metrics) RecordAppend(provider string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(provider, Outcome(err)).Inc()
	m.appendDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordFetch records one fetch.
func (m *Metrics) RecordFetch(err error) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(Outcome(err)).Inc()
}

// SetLogVersion publishes the latest version of a log.
func (m *Metrics) SetLogVersion(dataset string, v delta.Version) {
	if m == nil {
		return
	}
	m.logVersion.WithLabelValues(dataset).Set(float64(v))
}

// ForgetLog drops the version series of a removed log.
func (m *Metrics) ForgetLog(dataset string) {
	if m == nil {
		return
	}
	m.logVersion.DeleteLabelValues(dataset)
}

// SetDataSources publishes the number of data sources.
func (m *Metrics) SetDataSources(n int) {
	if m == nil {
		return
	}
	m.dataSources.Set(float64(n))
}

// RecordSync records one sync run and the patches it applied.
func (m *Metrics) RecordSync(applied int, err error) {
	if m == nil {
		return
	}
	m.syncsTotal.WithLabelValues(Outcome(err)).Inc()
	m.patchesApplied.Add(float64(applied))
}

// RecordHTTP records one handled request.
func (m *Metrics) RecordHTTP(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
