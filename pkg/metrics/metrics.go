// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-esapi.
//
// go-esapi is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for go-esapi.
//
// It exposes per-command counters and latency histograms, error counters by
// kind and gauges describing how many handles each Context has registered
// and how many the TPM reports as loaded. Collection is disabled until
// Enable is called so library users opt in explicitly.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all go-esapi metrics
	Namespace = "esapi"

	// Label names
	LabelCommand = "command"
	LabelStatus  = "status"
	LabelKind    = "kind"
	LabelClass   = "class"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// CommandsTotal tracks dispatched TPM commands by command name and status.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Total number of dispatched TPM commands by command and status",
		},
		[]string{LabelCommand, LabelStatus},
	)

	// CommandDuration tracks the round trip time of TPM commands in seconds.
	// Buckets cover fast software simulators as well as slow discrete TPMs
	// generating RSA keys.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of TPM commands in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelCommand},
	)

	// ErrorsTotal tracks failed commands by command and error kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of failed TPM commands by command and error kind",
		},
		[]string{LabelCommand, LabelKind},
	)

	// RegisteredHandles tracks the handles registered across all open
	// contexts by handle class.
	RegisteredHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "registered_handles",
			Help:      "Number of handles registered in open contexts by class",
		},
		[]string{LabelClass},
	)

	// LoadedHandles tracks the handles the TPM reports as loaded, set by
	// CollectOnce.
	LoadedHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "loaded_handles",
			Help:      "Number of handles the TPM reports as loaded by class",
		},
		[]string{LabelClass},
	)

	// TeardownFailuresTotal counts handles that could not be released when
	// a context was closed.
	TeardownFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "teardown_failures_total",
			Help:      "Total number of handles that failed to release during context teardown",
		},
		[]string{LabelClass},
	)

	// OpenContexts tracks the number of open contexts.
	OpenContexts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "open_contexts",
			Help:      "Number of open contexts",
		},
	)

	enabled atomic.Bool
)

// RecordCommand records a dispatched command with its duration and status.
//
// Example:
//
//	start := time.Now()
//	reply, code := surface.Dispatch(cmd, sessions)
//	metrics.RecordCommand(cmd.Code().String(), metrics.StatusOf(code == rc.Success), time.Since(start).Seconds())
func RecordCommand(command, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	CommandsTotal.WithLabelValues(command, status).Inc()
	CommandDuration.WithLabelValues(command).Observe(duration)
}

// RecordError records a failed command under its error kind.
func RecordError(command, kind string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(command, kind).Inc()
}

// AddRegisteredHandles adjusts the registered handle gauge of a class.
// delta is negative when handles are released.
func AddRegisteredHandles(class string, delta float64) {
	if !enabled.Load() {
		return
	}
	RegisteredHandles.WithLabelValues(class).Add(delta)
}

// SetLoadedHandles sets the loaded handle gauge of a class.
func SetLoadedHandles(class string, count float64) {
	if !enabled.Load() {
		return
	}
	LoadedHandles.WithLabelValues(class).Set(count)
}

// RecordTeardownFailure counts a handle that failed to release on close.
func RecordTeardownFailure(class string) {
	if !enabled.Load() {
		return
	}
	TeardownFailuresTotal.WithLabelValues(class).Inc()
}

// ContextOpened increments the open context gauge.
func ContextOpened() {
	if !enabled.Load() {
		return
	}
	OpenContexts.Inc()
}

// ContextClosed decrements the open context gauge.
func ContextClosed() {
	if !enabled.Load() {
		return
	}
	OpenContexts.Dec()
}

// StatusOf maps an outcome to a status label value.
func StatusOf(ok bool) string {
	if ok {
		return StatusSuccess
	}
	return StatusError
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
