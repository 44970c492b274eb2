// Package metrics exposes Prometheus metrics for the simulation service.
//
// All methods on a nil *Recorder are no-ops, so components can be built
// without metrics in tests.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const namespace = "stormwater"

// Cache lookup results
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"
)

// Submission outcomes
const (
	SubmitCached   = "cached"
	SubmitJoined   = "joined"
	SubmitQueued   = "queued"
	SubmitRejected = "rejected"
)

// Recorder owns a private registry and the service's collectors
type Recorder struct {
	registry *prometheus.Registry
	workDir  string

	cacheLookups  *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	unmatched     prometheus.Counter
	queueDepth    prometheus.Gauge
	inFlight      prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	hostCPU       prometheus.Gauge
	hostMemUsed   prometheus.Gauge
	workDirFree   prometheus.Gauge
	startTime     time.Time
	uptimeFunc    prometheus.GaugeFunc
}

// NewRecorder creates a Recorder. workDir, when set, is reported as free
// disk space on scrape.
func NewRecorder(workDir string) *Recorder {
	r := &Recorder{
		registry:  prometheus.NewRegistry(),
		workDir:   workDir,
		startTime: time.Now(),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by result",
			},
			[]string{"result"},
		),
		cacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_writes_total",
				Help:      "Result cache writes by result",
			},
			[]string{"result"},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Simulation submissions by outcome",
			},
			[]string{"outcome"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Jobs that reached a terminal state",
			},
			[]string{"status"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_transition_failures_total",
				Help:      "Job state changes the store did not accept after retries",
			},
			[]string{"to"},
		),
		jobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time from job start to terminal state",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_stage_duration_seconds",
				Help:      "Pipeline stage duration",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
			},
			[]string{"stage", "result"},
		),
		unmatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unmatched_features_total",
				Help:      "Features with no matching subcatchment in the simulation output",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Jobs waiting for a worker",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_keys",
				Help:      "Cache keys with a job pending or running",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		hostCPU: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "host_cpu_percent",
				Help:      "Host CPU utilisation",
			},
		),
		hostMemUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "host_memory_used_bytes",
				Help:      "Host memory in use",
			},
		),
		workDirFree: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workdir_free_bytes",
				Help:      "Free space on the simulation work directory volume",
			},
		),
	}
	r.uptimeFunc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Service uptime",
		},
		func() float64 { return time.Since(r.startTime).Seconds() },
	)

	r.registry.MustRegister(
		r.cacheLookups,
		r.cacheWrites,
		r.submissions,
		r.jobsFinished,
		r.transitions,
		r.jobDuration,
		r.stageDuration,
		r.unmatched,
		r.queueDepth,
		r.inFlight,
		r.httpRequests,
		r.httpLatency,
		r.hostCPU,
		r.hostMemUsed,
		r.workDirFree,
		r.uptimeFunc,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// CacheLookup counts a cache read
func (r *Recorder) CacheLookup(result string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// CacheWrite counts a cache write
func (r *Recorder) CacheWrite(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.cacheWrites.WithLabelValues(result).Inc()
}

// Submission counts a submit call by outcome
func (r *Recorder) Submission(outcome string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(outcome).Inc()
}

// JobFinished records a terminal job
func (r *Recorder) JobFinished(status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.jobsFinished.WithLabelValues(status).Inc()
	r.jobDuration.Observe(elapsed.Seconds())
}

// TransitionFailed counts a job state change that could not be saved
func (r *Recorder) TransitionFailed(to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(to).Inc()
}

// ObserveStage records how long a pipeline stage took
func (r *Recorder) ObserveStage(stage string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.stageDuration.WithLabelValues(stage, result).Observe(elapsed.Seconds())
}

// UnmatchedFeatures adds n features that got no runoff series
func (r *Recorder) UnmatchedFeatures(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.unmatched.Add(float64(n))
}

// SetQueueDepth updates the number of queued jobs
func (r *Recorder) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

// SetInFlight updates the number of keys being computed
func (r *Recorder) SetInFlight(n int) {
	if r == nil {
		return
	}
	r.inFlight.Set(float64(n))
}

// ObserveRequest records one HTTP request
func (r *Recorder) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// updateHost samples host resources
func (r *Recorder) updateHost() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.hostCPU.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.hostMemUsed.Set(float64(vm.Used))
	}
	if r.workDir != "" {
		if usage, err := disk.Usage(r.workDir); err == nil {
			r.workDirFree.Set(float64(usage.Free))
		}
	}
}

// ServeHTTP serves the registry in the Prometheus text format
func (r *Recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.updateHost()

	families, err := r.registry.Gather()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error gathering metrics: %v", err), http.StatusInternalServerError)
		return
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(&buf, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}

	w.Header().Set("Content-Type", string(format))
	w.Write(buf.Bytes())
}
