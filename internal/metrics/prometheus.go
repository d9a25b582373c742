package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds every collector the coordinator scrapes.
// All fields are nil until InitPrometheus is called; every RecordXxx /
// SetXxx function below guards against a nil promMetrics so callers
// don't need to check whether Prometheus is enabled.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	deploysTotal   *prometheus.CounterVec   // labels: platform, outcome
	deployDuration *prometheus.HistogramVec // labels: platform

	poolSize  *prometheus.GaugeVec // labels: state (idle/deploying/healthy/error)
	poolTotal prometheus.Gauge
	poolMax   prometheus.Gauge

	queueDepth  *prometheus.GaugeVec // labels: scope (global, local)
	queueWaitMs *prometheus.GaugeVec // labels: scope

	deploymentGateInUse   prometheus.Gauge
	deploymentGateWaiters prometheus.Gauge

	activeBots prometheus.Gauge

	botsQueuedTotal    prometheus.Counter
	botsRecoveredTotal prometheus.Counter
	botsTimedOutTotal  prometheus.Counter

	uptime prometheus.GaugeFunc
}

var promMetrics *PrometheusMetrics

// InitPrometheus registers every collector under namespace and returns the
// resulting registry. buckets configures the deploy-duration histogram;
// a nil slice falls back to Prometheus's default buckets.
func InitPrometheus(namespace string, buckets []float64) *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{registry: registry}

	pm.deploysTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deploys_total",
		Help:      "Total placement attempts, by platform and outcome.",
	}, []string{"platform", "outcome"})

	histOpts := prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "deploy_duration_ms",
		Help:      "Deploy call latency in milliseconds, by platform.",
	}
	if buckets != nil {
		histOpts.Buckets = buckets
	}
	pm.deployDuration = factory.NewHistogramVec(histOpts, []string{"platform"})

	pm.poolSize = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_slots",
		Help:      "Pool slot count by state.",
	}, []string{"state"})
	pm.poolTotal = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_slots_total",
		Help:      "Total pool slots across all states.",
	})
	pm.poolMax = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_slots_max",
		Help:      "Configured maximum pool size.",
	})

	pm.queueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Wait queue length by scope (global or local).",
	}, []string{"scope"})
	pm.queueWaitMs = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_wait_ms",
		Help:      "Mean queue wait time in milliseconds by scope.",
	}, []string{"scope"})

	pm.deploymentGateInUse = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deployment_gate_in_use",
		Help:      "Concurrent deploys currently holding the deployment gate.",
	})
	pm.deploymentGateWaiters = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deployment_gate_waiters",
		Help:      "Deploys currently blocked waiting for the deployment gate.",
	})

	pm.activeBots = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_bots",
		Help:      "Bots currently in a non-terminal status.",
	})

	pm.botsQueuedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bots_queued_total",
		Help:      "Total bots that entered a wait queue.",
	})
	pm.botsRecoveredTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bots_recovered_total",
		Help:      "Total bots recovered by the heartbeat monitor.",
	})
	pm.botsTimedOutTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bots_timed_out_total",
		Help:      "Total bots detected past their heartbeat deadline.",
	})

	pm.uptime = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the coordinator process started.",
	}, func() float64 {
		return time.Since(StartTime()).Seconds()
	})

	promMetrics = pm
	return pm
}

// PrometheusHandler returns an http.Handler serving the registry in the
// Prometheus exposition format, or nil if InitPrometheus was never called.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return nil
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the active registry, or nil if InitPrometheus
// was never called.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// RecordPrometheusDeploy records a placement attempt's outcome and latency.
func RecordPrometheusDeploy(platform, outcome string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.deploysTotal.WithLabelValues(platform, outcome).Inc()
	promMetrics.deployDuration.WithLabelValues(platform).Observe(float64(durationMs))
}

// SetPoolOccupancy publishes the pool's per-state slot counts.
func SetPoolOccupancy(idle, deploying, healthy, errored, total, max int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolSize.WithLabelValues("idle").Set(float64(idle))
	promMetrics.poolSize.WithLabelValues("deploying").Set(float64(deploying))
	promMetrics.poolSize.WithLabelValues("healthy").Set(float64(healthy))
	promMetrics.poolSize.WithLabelValues("error").Set(float64(errored))
	promMetrics.poolTotal.Set(float64(total))
	promMetrics.poolMax.Set(float64(max))
}

// SetQueueDepth publishes a wait queue's length for scope ("global" or
// "local", the pool-local queue).
func SetQueueDepth(scope string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(scope).Set(float64(depth))
}

// SetQueueWaitMs publishes a wait queue's mean wait time for scope.
func SetQueueWaitMs(scope string, ms int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueWaitMs.WithLabelValues(scope).Set(float64(ms))
}

// SetDeploymentGate publishes the current concurrency.DeploymentGate
// occupancy.
func SetDeploymentGate(inUse, waiters int) {
	if promMetrics == nil {
		return
	}
	promMetrics.deploymentGateInUse.Set(float64(inUse))
	promMetrics.deploymentGateWaiters.Set(float64(waiters))
}

// SetActiveBots publishes the count of bots in a non-terminal status.
func SetActiveBots(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeBots.Set(float64(n))
}

// RecordPrometheusBotQueued increments the queued-bots counter.
func RecordPrometheusBotQueued() {
	if promMetrics == nil {
		return
	}
	promMetrics.botsQueuedTotal.Inc()
}

// RecordPrometheusBotRecovered increments the recovered-bots counter.
func RecordPrometheusBotRecovered() {
	if promMetrics == nil {
		return
	}
	promMetrics.botsRecoveredTotal.Inc()
}

// RecordPrometheusBotTimedOut increments the timed-out-bots counter.
func RecordPrometheusBotTimedOut() {
	if promMetrics == nil {
		return
	}
	promMetrics.botsTimedOutTotal.Inc()
}
