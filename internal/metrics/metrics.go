package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/keithlinneman/fullstack-deploy/internal/version"
)

// DeployMetrics collects counters for a single deploy run. A CLI process
// lives too briefly to be scraped, so the registry is pushed to a
// Pushgateway at the end of the run instead.
type DeployMetrics struct {
	reg *prometheus.Registry

	buildInfo *prometheus.GaugeVec

	uploadsTotal   *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	uploadDuration prometheus.Histogram

	objectsDeletedTotal prometheus.Counter
	deleteErrorsTotal   prometheus.Counter

	invalidationsTotal     *prometheus.CounterVec
	invalidationPollsTotal prometheus.Counter

	stageDuration *prometheus.HistogramVec
	lastSuccessTs prometheus.Gauge
}

// New returns a fresh registry with the go collector and all deploy metrics
func New() *DeployMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &DeployMetrics{
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fullstack_build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fullstack_object_uploads_total",
			Help: "Object put requests by result",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fullstack_object_upload_bytes_total",
			Help: "Bytes sent in successful object puts",
		}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fullstack_object_upload_duration_seconds",
			Help:    "Latency of individual object puts",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		objectsDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fullstack_objects_deleted_total",
			Help: "Objects removed while emptying the bucket",
		}),
		deleteErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fullstack_object_delete_errors_total",
			Help: "Per-key failures reported by batch deletes",
		}),
		invalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fullstack_invalidations_total",
			Help: "CDN invalidations by outcome (completed, skipped, error)",
		}, []string{"outcome"}),
		invalidationPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fullstack_invalidation_polls_total",
			Help: "Invalidation status queries issued",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fullstack_stage_duration_seconds",
			Help:    "Wall time of each pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"stage"}),
		lastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fullstack_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful run",
		}),
	}
	reg.MustRegister(
		m.buildInfo,
		m.uploadsTotal,
		m.uploadBytes,
		m.uploadDuration,
		m.objectsDeletedTotal,
		m.deleteErrorsTotal,
		m.invalidationsTotal,
		m.invalidationPollsTotal,
		m.stageDuration,
		m.lastSuccessTs,
	)
	m.reg = reg
	return m
}

// Registry exposes the underlying registry, mostly for tests
func (m *DeployMetrics) Registry() *prometheus.Registry {
	return m.reg
}

// set once at startup.
func (m *DeployMetrics) SetBuildInfo(vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":        version.AppName,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"vcs_dirty":  strconv.FormatBool(vi.VCSDirty),
		"go_version": vi.GoVersion,
	}).Set(1)
}

func (m *DeployMetrics) ObserveUpload(bytes int64, d time.Duration, err error) {
	if err != nil {
		m.uploadsTotal.WithLabelValues("error").Inc()
		return
	}
	m.uploadsTotal.WithLabelValues("ok").Inc()
	m.uploadBytes.Add(float64(bytes))
	m.uploadDuration.Observe(d.Seconds())
}

func (m *DeployMetrics) AddObjectsDeleted(n int) {
	m.objectsDeletedTotal.Add(float64(n))
}

func (m *DeployMetrics) AddDeleteErrors(n int) {
	m.deleteErrorsTotal.Add(float64(n))
}

func (m *DeployMetrics) IncInvalidationPolls() {
	m.invalidationPollsTotal.Inc()
}

func (m *DeployMetrics) IncInvalidation(outcome string) {
	m.invalidationsTotal.WithLabelValues(outcome).Inc()
}

func (m *DeployMetrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *DeployMetrics) MarkSuccess(t time.Time) {
	m.lastSuccessTs.Set(float64(t.Unix()))
}

// Push sends the registry to a Pushgateway under job, grouped by service and
// stage so concurrent deploys of different stages do not overwrite each other.
func (m *DeployMetrics) Push(ctx context.Context, url, job, service, stage string) error {
	return push.New(url, job).
		Gatherer(m.reg).
		Grouping("service", service).
		Grouping("stage", stage).
		PushContext(ctx)
}
