package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DocumentsFetched = prometheus.NewCounter(prometheus.CounterOpts{Name: "fiscal_documents_fetched_total", Help: "Documents retrieved from the distribution service"})
	ImportsOK        = prometheus.NewCounter(prometheus.CounterOpts{Name: "fiscal_imports_total", Help: "Documents imported successfully"})
	ImportsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "fiscal_imports_failed_total", Help: "Documents the importer rejected"})
	SyncRunsOK       = prometheus.NewCounter(prometheus.CounterOpts{Name: "fiscal_sync_runs_total", Help: "Sync runs that completed"})
	SyncRunsCooldown = prometheus.NewCounter(prometheus.CounterOpts{Name: "fiscal_sync_cooldowns_total", Help: "Sync runs paused by the remote rate limit"})
	SyncRunsFailed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fiscal_sync_failures_total", Help: "Sync runs that failed"})

	DispatchesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_enqueued_total", Help: "Outbound dispatches created"})
	DispatchesSent     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_sent_total", Help: "Dispatches delivered by the provider"})
	DispatchesRetried  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_retried_total", Help: "Dispatches scheduled for another attempt"})
	DispatchesDeferred = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_rate_deferred_total", Help: "Dispatches delayed by the rate limiter"})
	DispatchesDead     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_dead_total", Help: "Dispatches moved to the DLQ"})

	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_queue_depth", Help: "Ready queue depth"})
	DispatchesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "Dispatches currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DocumentsFetched,
			ImportsOK,
			ImportsFailed,
			SyncRunsOK,
			SyncRunsCooldown,
			SyncRunsFailed,
			DispatchesEnqueued,
			DispatchesSent,
			DispatchesRetried,
			DispatchesDeferred,
			DispatchesDead,
			QueueDepthGauge,
			DispatchesInFlight,
		)
	})
	return promhttp.Handler()
}
