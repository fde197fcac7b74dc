package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "lspool_active_sessions", Help: "Client sessions currently being relayed"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "lspool_sessions_total", Help: "Client sessions accepted"})
	SessionFailuresTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "lspool_session_failures_total", Help: "Sessions that failed before relay, by stage"}, []string{"stage"})
	PoolIdle               = promauto.NewGauge(prometheus.GaugeOpts{Name: "lspool_pool_idle", Help: "Idle backend handles in the pool"})
	PoolCheckedOut         = promauto.NewGauge(prometheus.GaugeOpts{Name: "lspool_pool_checked_out", Help: "Backend handles checked out to sessions"})
	BackendsSpawnedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "lspool_backends_spawned_total", Help: "Backend processes spawned"})
	BackendsDestroyedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "lspool_backends_destroyed_total", Help: "Backend handles destroyed, by reason"}, []string{"reason"})
	SpawnFailuresTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "lspool_spawn_failures_total", Help: "Backend spawn attempts that failed"})
	ConnectRetriesTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "lspool_connect_retries_total", Help: "Retried connection attempts to starting backends"})
	RelayBytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "lspool_relay_bytes_total", Help: "Bytes relayed, by direction"}, []string{"direction"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "lspool_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
