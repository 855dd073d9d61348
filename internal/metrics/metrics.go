// Package metrics holds the process-wide Prometheus collectors. They are registered with the
// default registry, which the HTTP layer serves on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoledger_versions_appended_total",
		Help: "Versions committed, by lineage kind",
	}, []string{"lineage"})

	changesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoledger_feature_changes_total",
		Help: "Feature operations committed, by op",
	}, []string{"op"})

	writeConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoledger_write_conflicts_total",
		Help: "Write items or requests rejected as conflicts",
	}, []string{"mode", "scope"})

	refResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoledger_ref_resolutions_total",
		Help: "Ref resolutions by outcome",
	}, []string{"outcome"})

	purgedVersions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoledger_purged_versions_total",
		Help: "Versions removed by retention",
	})

	purgeRefusals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoledger_purge_refusals_total",
		Help: "Purges refused because a tag or fork point would be lost",
	})

	notifiedVersions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoledger_notified_versions_total",
		Help: "Changeset versions published to subscriptions",
	}, []string{"subscription"})

	requestDurationMilliseconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoledger_request_duration_milliseconds",
		Help:    "Time to handle one request",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"transport", "route", "code"})
)

func init() {
	prometheus.MustRegister(
		appendsTotal,
		changesTotal,
		writeConflictsTotal,
		refResolutions,
		purgedVersions,
		purgeRefusals,
		notifiedVersions,
		requestDurationMilliseconds,
	)
}

// Appended records one committed version and its per-op counts.
func Appended(branch bool, inserted, updated, deleted int) {
	kind := "main"
	if branch {
		kind = "branch"
	}
	appendsTotal.WithLabelValues(kind).Inc()
	changesTotal.WithLabelValues("insert").Add(float64(inserted))
	changesTotal.WithLabelValues("update").Add(float64(updated))
	changesTotal.WithLabelValues("delete").Add(float64(deleted))
}

// Conflicts records failed items; scope is "item" for partial failures and "request" when a
// transactional write was rejected as a whole.
func Conflicts(mode, scope string, n int) {
	if n <= 0 {
		return
	}
	writeConflictsTotal.WithLabelValues(mode, scope).Add(float64(n))
}

func Resolved(err error) {
	if err != nil {
		refResolutions.WithLabelValues("error").Inc()
		return
	}
	refResolutions.WithLabelValues("ok").Inc()
}

func Purged(versions int64) { purgedVersions.Add(float64(versions)) }

func PurgeRefused() { purgeRefusals.Inc() }

func Notified(subscription string, versions int) {
	notifiedVersions.WithLabelValues(subscription).Add(float64(versions))
}

// ObserveRequest records the latency of one request since start.
func ObserveRequest(transport, route, code string, start time.Time) {
	requestDurationMilliseconds.
		WithLabelValues(transport, route, code).
		Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
}
