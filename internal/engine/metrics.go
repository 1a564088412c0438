package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько прожила сессия от Prepare до вердикта
	SessionDuration *prometheus.HistogramVec

	// Traffic: завершенные сессии по терминальному состоянию
	SessionsTotal *prometheus.CounterVec

	// Бричи лимитов и политик по видам
	BreachesTotal *prometheus.CounterVec

	// Отказы песочницы по стадии (select, prepare, launch)
	BackendFailures *prometheus.CounterVec

	// Наблюденные события по категориям
	EventsObserved *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker рантайма (0 - ок, 1 - выбило)
	RuntimeBreakerState prometheus.Gauge

	// Заполненность буфера архиватора (backpressure)
	ArchiveBufferFill prometheus.Gauge

	// Попадания в кэш вердиктов
	VerdictCacheHits prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		SessionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saferun_session_duration_seconds",
			Help:    "Histogram of sandbox session lifetimes.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"final_state"}),

		SessionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "saferun_sessions_total",
			Help: "Total number of finished sandbox sessions.",
		}, []string{"final_state"}),

		BreachesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "saferun_breaches_total",
			Help: "Total number of limit and policy breaches.",
		}, []string{"kind"}), // виды: timeout, hard_resource, blacklist, cancelled

		BackendFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "saferun_backend_failures_total",
			Help: "Total number of isolation backend failures by stage.",
		}, []string{"stage"}),

		EventsObserved: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "saferun_events_observed_total",
			Help: "Total number of monitored events by category.",
		}, []string{"category"}),

		RuntimeBreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "saferun_runtime_circuit_breaker_state",
			Help: "Container runtime circuit breaker state (0=closed, 1=open).",
		}),

		ArchiveBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "saferun_archive_buffer_utilization",
			Help: "Current number of reports in the archive buffer.",
		}),

		VerdictCacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "saferun_verdict_cache_hits_total",
			Help: "Number of analyses served from the verdict cache.",
		}),
	}
}
