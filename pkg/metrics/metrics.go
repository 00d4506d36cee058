package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arcad_tasks_processed_total",
			Help: "Total number of tasks processed by type and terminal status",
		},
		[]string{"type", "status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arcad_task_duration_seconds",
			Help:    "Wall-clock duration of task execution including patch hooks",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"type"},
	)

	// Pool metrics
	PoolSprites = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arcad_pool_sprites",
			Help: "Number of pool sprites by state",
		},
		[]string{"state"},
	)

	// Patch engine metrics
	PatchesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arcad_patches_applied_total",
			Help: "Pre-hook patches applied by type",
		},
		[]string{"type"},
	)

	FixesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arcad_fixes_applied_total",
			Help: "Post-hook root-cause fixes applied by type",
		},
		[]string{"type"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arcad_reconcile_cycles_total",
			Help: "Total number of sprite health reconciliation cycles",
		},
	)

	ServiceRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arcad_service_restarts_total",
			Help: "Remote service restarts attempted by the reconciler",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksProcessedTotal,
		TaskDuration,
		PoolSprites,
		PatchesAppliedTotal,
		FixesAppliedTotal,
		ReconcileCyclesTotal,
		ServiceRestartsTotal,
	)
}

// SetPoolGauges publishes a pool status snapshot
func SetPoolGauges(total, available, assigned int) {
	PoolSprites.WithLabelValues("available").Set(float64(available))
	PoolSprites.WithLabelValues("assigned").Set(float64(assigned))
	PoolSprites.WithLabelValues("unreachable").Set(float64(total - available - assigned))
}

// Handler returns the HTTP handler exposing /metrics and /healthz
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}
