// Package metrics provides counters, Prometheus collectors, and HTTP
// handlers for exporting container lifecycle metrics of a test session.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 1. Internal State (Source of Truth)
var (
	containersStarted int64
	containerFailures int64
	imagePullsSuccess int64
	imagePullsFailure int64
	imagePullRetries  int64
	imageBuilds       int64
	reaperRemovals    int64
	cleanupFailed     int64
	sessionStarted    int64
)

const counterInc int64 = 1

// 2. Prometheus Collectors
var (
	promStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpit_containers_started_total",
			Help: "Total containers that reached the running state",
		},
	)
	promFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpit_container_failures_total",
			Help: "Total container start failures by reason",
		},
		[]string{"reason"},
	)
	promImagePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpit_image_pulls_total",
			Help: "Total image pull attempts",
		},
		[]string{"status"},
	)
	promImageBuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpit_image_builds_total",
			Help: "Total images built from a build context",
		},
	)
	promRemovals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpit_reaper_removals_total",
			Help: "Resources removed by the reaper",
		},
		[]string{"kind", "status"},
	)
	promCleanup = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpit_cleanup_failed_total",
			Help: "Total failed cleanup operations",
		},
	)
	promWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "sandpit_wait_duration_seconds",
			Help: "Time spent waiting for containers to become ready",
			Buckets: []float64{
				0.1,
				0.5,
				1,
				2,
				5,
				10,
				30,
				60,
				120,
			},
		},
	)
	promSessionStart = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandpit_session_start_timestamp_seconds",
			Help: "Unix timestamp of the session start",
		},
	)
)

func init() {
	prometheus.MustRegister(
		promStarted,
		promFailures,
		promImagePulls,
		promImageBuilds,
		promRemovals,
		promCleanup,
		promWaitDuration,
		promSessionStart,
	)
}

// 3. Public API (Updates both Atomic and Prometheus)

// IncContainerStarted increments the number of containers that became ready.
func IncContainerStarted() {
	atomic.AddInt64(&containersStarted, counterInc)
	promStarted.Inc()
}

// IncContainerFailure increments the failure counter. reason is one of
// "launch", "readiness" or "exited".
func IncContainerFailure(reason string) {
	atomic.AddInt64(&containerFailures, counterInc)
	promFailures.WithLabelValues(reason).Inc()
}

// IncImagePullSuccess increments the counter for successful image pulls.
func IncImagePullSuccess() {
	atomic.AddInt64(&imagePullsSuccess, counterInc)
	promImagePulls.WithLabelValues("success").Inc()
}

// IncImagePullFailure increments the counter for failed image pulls.
func IncImagePullFailure() {
	atomic.AddInt64(&imagePullsFailure, counterInc)
	promImagePulls.WithLabelValues("failure").Inc()
}

// IncImagePullRetry increments the counter for pull attempts granted by a retry policy.
func IncImagePullRetry() {
	atomic.AddInt64(&imagePullRetries, counterInc)
	promImagePulls.WithLabelValues("retry").Inc()
}

// IncImageBuild increments the counter for built images.
func IncImageBuild() {
	atomic.AddInt64(&imageBuilds, counterInc)
	promImageBuilds.Inc()
}

// IncReaperRemoval records a reaper removal of the given resource kind.
func IncReaperRemoval(kind string, ok bool) {
	status := "success"
	if ok {
		atomic.AddInt64(&reaperRemovals, counterInc)
	} else {
		status = "failure"
		atomic.AddInt64(&cleanupFailed, counterInc)
		promCleanup.Inc()
	}
	promRemovals.WithLabelValues(kind, status).Inc()
}

// AddReaperRemovals records a completed prune, one count per removed resource.
func AddReaperRemovals(containers, networks, volumes, images int) {
	for kind, n := range map[string]int{"container": containers, "network": networks, "volume": volumes, "image": images} {
		if n <= 0 {
			continue
		}
		atomic.AddInt64(&reaperRemovals, int64(n))
		promRemovals.WithLabelValues(kind, "success").Add(float64(n))
	}
}

// IncCleanupFailed increments the counter for failed cleanup operations.
func IncCleanupFailed() {
	atomic.AddInt64(&cleanupFailed, counterInc)
	promCleanup.Inc()
}

// ObserveWaitDuration records how long a wait strategy took to succeed or fail.
func ObserveWaitDuration(d time.Duration) {
	promWaitDuration.Observe(d.Seconds())
}

// SetSessionStart stores the session start time.
func SetSessionStart(t time.Time) {
	atomic.StoreInt64(&sessionStarted, t.Unix())
	promSessionStart.Set(float64(t.Unix()))
}

// 4. JSON Snapshot Struct

// StatsSnapshot is a snapshot of metrics for JSON encoding.
type StatsSnapshot struct {
	ContainersStarted int64  `json:"containers_started"`
	ContainerFailures int64  `json:"container_failures"`
	ImagePullsSuccess int64  `json:"image_pulls_success"`
	ImagePullsFailure int64  `json:"image_pulls_failure"`
	ImagePullRetries  int64  `json:"image_pull_retries"`
	ImageBuilds       int64  `json:"image_builds"`
	ReaperRemovals    int64  `json:"reaper_removals"`
	CleanupFailed     int64  `json:"cleanup_failed"`
	SessionStart      int64  `json:"session_start_timestamp"`
	SessionStartHuman string `json:"session_start_human"`
}

// GetSnapshot returns a StatsSnapshot with the current values of all
// internal counters and timestamps.
func GetSnapshot() StatsSnapshot {
	ts := atomic.LoadInt64(&sessionStarted)
	return StatsSnapshot{
		ContainersStarted: atomic.LoadInt64(&containersStarted),
		ContainerFailures: atomic.LoadInt64(&containerFailures),
		ImagePullsSuccess: atomic.LoadInt64(&imagePullsSuccess),
		ImagePullsFailure: atomic.LoadInt64(&imagePullsFailure),
		ImagePullRetries:  atomic.LoadInt64(&imagePullRetries),
		ImageBuilds:       atomic.LoadInt64(&imageBuilds),
		ReaperRemovals:    atomic.LoadInt64(&reaperRemovals),
		CleanupFailed:     atomic.LoadInt64(&cleanupFailed),
		SessionStart:      ts,
		SessionStartHuman: time.Unix(ts, 0).Format(time.RFC3339),
	}
}

// 5. Handlers

// PromHandler returns an HTTP handler that exposes Prometheus metrics.
func PromHandler() http.Handler { return promhttp.Handler() }

// JSONHandler returns an HTTP handler that serves the current metrics as
// a JSON-encoded StatsSnapshot.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetSnapshot())
	})
}

// NewServeMux returns a mux serving /metrics and /status.
func NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", PromHandler())
	mux.Handle("/status", JSONHandler())
	return mux
}
