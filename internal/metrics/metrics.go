package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ragdeploy_steps_total",
	Help: "Pipeline steps executed, labelled by step and outcome.",
}, []string{"step", "status"})

var stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ragdeploy_step_duration_seconds",
	Help:    "Wall time of pipeline steps.",
	Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300, 600},
}, []string{"step"})

var resourcesEnsured = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ragdeploy_resources_ensured_total",
	Help: "Ensure outcomes per resource kind (create or skip_exists).",
}, []string{"kind", "action"})

var smokeProbes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ragdeploy_smoke_probes_total",
	Help: "Smoke test probes, labelled by path and result.",
}, []string{"path", "result"})

var deploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ragdeploy_deployments_total",
	Help: "Finished deployment runs by kind and status.",
}, []string{"kind", "status"})

var runningDeployments = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ragdeploy_running_deployments",
	Help: "Deployments currently running in server mode.",
})

var httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ragdeploy_http_requests_total",
	Help: "API requests labelled by route pattern and status.",
}, []string{"route", "status"})

func CaptureStep(step, status string, elapsed time.Duration) {
	stepsTotal.WithLabelValues(step, status).Inc()
	stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

func CaptureEnsure(kind, action string) {
	resourcesEnsured.WithLabelValues(kind, action).Inc()
}

func CaptureProbe(path string, passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	smokeProbes.WithLabelValues(path, result).Inc()
}

func CaptureDeployment(kind, status string) {
	deploymentsTotal.WithLabelValues(kind, status).Inc()
}

func IncrementRunning() {
	runningDeployments.Inc()
}

func DecrementRunning() {
	runningDeployments.Dec()
}

// StatusRecorder captures the response status for request metrics.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (r *StatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer
// (websocket upgrades need the Hijacker).
func (r *StatusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// CaptureRequest counts one API request.
func CaptureRequest(route string, status int) {
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
