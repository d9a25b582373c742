// Package metrics collects and exposes deployment-coordinator
// observability data.
// # Design rationale
// Two metric stores coexist in this package:
//  1. The in-process Metrics struct (per-platform counters + time series)
//  for the lightweight JSON /metrics endpoint used by the dashboard.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//  monitoring systems (Grafana, Alertmanager, etc.).
// Keeping both allows the dashboard to work without a Prometheus sidecar
// while still supporting enterprise monitoring stacks.
// # Concurrency — hot path
// RecordDeployWithDetails is called from the router on every placement
// attempt and must be as fast as possible. It uses atomic increments for
// global counters and dispatches a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process asynchronously.
// This avoids holding any lock on the hot path.
// The per-platform PlatformMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-platform entries is
// read-heavy and write-once-per-new-platform, which is the ideal use case
// for sync.Map.
// # Invariants
//  - TotalDeploys == SucceededDeploys + RefusedDeploys + FailedDeploys
//  (maintained by RecordDeploy and RecordDeployWithDetails).
//  - The time-series ring buffer holds at most timeSeriesBucketCount
//  buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//  granularity).
//  - tsChan capacity is 8192 events; events dropped when full are
//  counted in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Deploys      int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes coordinator runtime metrics.
type Metrics struct {
	// Placement metrics
	TotalDeploys     atomic.Int64
	SucceededDeploys atomic.Int64
	RefusedDeploys   atomic.Int64
	FailedDeploys    atomic.Int64

	// Latency metrics (in milliseconds), deploy-call latency
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Monitor metrics
	BotsQueued     atomic.Int64
	BotsRecovered  atomic.Int64
	BotsTimedOut   atomic.Int64

	// Per-platform metrics
	platformMetrics sync.Map // domain.DeployPlatform -> *PlatformMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// PlatformMetrics tracks deploy metrics for a single deployment platform.
type PlatformMetrics struct {
	Deploys   atomic.Int64
	Succeeded atomic.Int64
	Refused   atomic.Int64
	Failed    atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordDeploy records a placement attempt result.
func (m *Metrics) RecordDeploy(platform string, durationMs int64, outcome string) {
	m.RecordDeployWithDetails(platform, durationMs, outcome)
}

// RecordDeployWithDetails records a placement attempt, updating the
// global counters, the per-platform counters, the time series, and the
// Prometheus bridge. outcome is one of "succeeded", "refused", "failed".
func (m *Metrics) RecordDeployWithDetails(platform string, durationMs int64, outcome string) {
	m.TotalDeploys.Add(1)

	switch outcome {
	case "succeeded":
		m.SucceededDeploys.Add(1)
	case "refused":
		m.RefusedDeploys.Add(1)
	default:
		m.FailedDeploys.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	pm := m.getPlatformMetrics(platform)
	pm.Deploys.Add(1)
	switch outcome {
	case "succeeded":
		pm.Succeeded.Add(1)
	case "refused":
		pm.Refused.Add(1)
	default:
		pm.Failed.Add(1)
	}
	pm.TotalMs.Add(durationMs)
	updateMin(&pm.MinMs, durationMs)
	updateMax(&pm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, outcome != "succeeded")

	RecordPrometheusDeploy(platform, outcome, durationMs)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot deploy path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Deploys++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordBotQueued records a bot entering a wait queue (global or local).
func (m *Metrics) RecordBotQueued() {
	m.BotsQueued.Add(1)
	RecordPrometheusBotQueued()
}

// RecordBotRecovered records the heartbeat monitor reclaiming a stuck
// pool slot or requeuing an orphaned bot.
func (m *Metrics) RecordBotRecovered() {
	m.BotsRecovered.Add(1)
	RecordPrometheusBotRecovered()
}

// RecordBotTimedOut records the heartbeat monitor detecting a bot past
// its heartbeat deadline.
func (m *Metrics) RecordBotTimedOut() {
	m.BotsTimedOut.Add(1)
	RecordPrometheusBotTimedOut()
}

func (m *Metrics) getPlatformMetrics(platform string) *PlatformMetrics {
	if v, ok := m.platformMetrics.Load(platform); ok {
		return v.(*PlatformMetrics)
	}

	pm := &PlatformMetrics{}
	pm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.platformMetrics.LoadOrStore(platform, pm)
	return actual.(*PlatformMetrics)
}

// GetPlatformMetrics returns the metrics for a specific platform (or nil if none recorded yet).
func (m *Metrics) GetPlatformMetrics(platform string) *PlatformMetrics {
	if v, ok := m.platformMetrics.Load(platform); ok {
		return v.(*PlatformMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalDeploys.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"deploys": map[string]interface{}{
			"total":        total,
			"succeeded":    m.SucceededDeploys.Load(),
			"refused":      m.RefusedDeploys.Load(),
			"failed":       m.FailedDeploys.Load(),
			"success_pct":  successPercentage(m.SucceededDeploys.Load(), total),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"monitors": map[string]interface{}{
			"bots_queued":    m.BotsQueued.Load(),
			"bots_recovered": m.BotsRecovered.Load(),
			"bots_timed_out": m.BotsTimedOut.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// PlatformStats returns per-platform metrics.
func (m *Metrics) PlatformStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.platformMetrics.Range(func(key, value interface{}) bool {
		platform := key.(string)
		pm := value.(*PlatformMetrics)

		total := pm.Deploys.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(pm.TotalMs.Load()) / float64(total)
		}

		minMs := pm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[platform] = map[string]interface{}{
			"deploys":   total,
			"succeeded": pm.Succeeded.Load(),
			"refused":   pm.Refused.Load(),
			"failed":    pm.Failed.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    pm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["platforms"] = m.PlatformStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"deploys":      bucket.Deploys,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func successPercentage(succeeded, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(succeeded) / float64(total) * 100
}
