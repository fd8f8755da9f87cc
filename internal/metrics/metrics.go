// Package metrics exposes Prometheus counters for the storage core.
//
// A nil *Metrics is valid and records nothing, so services can be built
// without a registry in tests or when METRICS_ENABLED=false.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	accessDecisions   *prometheus.CounterVec
	uploadTransitions *prometheus.CounterVec
	uploadsReaped     prometheus.Counter
	directoryDeletes  *prometheus.CounterVec
	objectDeleteFails prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		accessDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "storageinator_access_decisions_total",
				Help: "Access guard decisions by action, outcome and deciding rule",
			},
			[]string{"action", "outcome", "rule"},
		),
		uploadTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "storageinator_upload_transitions_total",
				Help: "Upload lifecycle transitions by target state",
			},
			[]string{"state"}, // pending, confirmed, deleted
		),
		uploadsReaped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "storageinator_uploads_reaped_total",
				Help: "Pending uploads removed after their TTL expired",
			},
		),
		directoryDeletes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "storageinator_directory_deletes_total",
				Help: "Directories removed, split by whether they were the requested root",
			},
			[]string{"kind"}, // root, descendant
		),
		objectDeleteFails: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "storageinator_object_delete_failures_total",
				Help: "Best-effort object deletions that failed and left orphaned bytes",
			},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordAccess(action, rule string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.accessDecisions.WithLabelValues(action, outcome, rule).Inc()
}

func (m *Metrics) RecordUploadTransition(state string) {
	if m == nil {
		return
	}
	m.uploadTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadsReaped.Add(float64(n))
}

func (m *Metrics) RecordDirectoryDeletes(root bool, n int) {
	if m == nil || n <= 0 {
		return
	}
	kind := "descendant"
	if root {
		kind = "root"
	}
	m.directoryDeletes.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordObjectDeleteFailure() {
	if m == nil {
		return
	}
	m.objectDeleteFails.Inc()
}
